package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// volatileFields are excluded from the fingerprint so that logically
// equivalent requests collide regardless of streaming or delivery options.
var volatileFields = []string{
	"stream",
	"stream_options",
	"webhook",
	"webhook_events_filter",
	"request_id",
}

// Fingerprint computes the stable cache key for a request: sha256 over the
// model id and the normalised body. Normalisation drops volatile fields and
// relies on encoding/json's sorted map keys for a canonical byte form.
func Fingerprint(modelID string, body map[string]any) string {
	normalised := make(map[string]any, len(body))
	for k, v := range body {
		normalised[k] = v
	}
	for _, f := range volatileFields {
		delete(normalised, f)
	}

	payload, err := json.Marshal(normalised)
	if err != nil {
		// Unmarshallable bodies cannot be cached; key on the model alone so
		// the caller still gets a stable (if useless) string.
		payload = []byte(modelID)
	}

	h := sha256.New()
	h.Write([]byte(modelID))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
