package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

// Provider is the per-kind behaviour behind the adapter layer. Local engines
// implement the chat methods; remote prediction APIs implement the prediction
// methods plus a chat mapping built on them.
type Provider interface {
	// Name returns the provider kind label used on telemetry series.
	Name() string
	// Chat performs one non-streaming completion and returns the final
	// OpenAI-shaped envelope bytes plus usage when known.
	Chat(ctx context.Context, body map[string]any) (json.RawMessage, *Usage, error)
	// ChatStream relays the provider's SSE byte stream into w.
	ChatStream(ctx context.Context, body map[string]any, w io.Writer) error
	// CreatePrediction submits an asynchronous generation job.
	CreatePrediction(ctx context.Context, input map[string]any) (*Prediction, error)
	// GetPrediction fetches the current state of a job.
	GetPrediction(ctx context.Context, id string) (*Prediction, error)
}

// httpClient wraps the outbound provider transport in a circuit breaker so a
// dead provider fails fast instead of tying up request goroutines.
type httpClient struct {
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	apiKey  string
	auth    string // Authorization scheme, "Bearer" or "Token"
}

func newHTTPClient(name string, timeout time.Duration, apiKey, authScheme string) *httpClient {
	return &httpClient{
		client: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: name,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			Timeout: 30 * time.Second,
		}),
		apiKey: apiKey,
		auth:   authScheme,
	}
}

// doJSON issues one JSON request and returns the response body. Non-2xx
// statuses are mapped to classified errors carrying the upstream status.
func (h *httpClient) doJSON(ctx context.Context, method, url string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	resp, err := h.do(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return nil, fluiderr.Wrap(fluiderr.KindIOError, err, "read provider response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, httpError(resp.StatusCode, body)
	}
	return body, nil
}

// do issues the request through the breaker. The caller owns the response
// body on success.
func (h *httpClient) do(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", h.auth+" "+h.apiKey)
	}

	res, err := h.breaker.Execute(func() (any, error) {
		resp, err := h.client.Do(req)
		if err != nil {
			return nil, err
		}
		// 5xx counts against the breaker; 4xx is the caller's problem.
		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
			resp.Body.Close()
			return nil, httpError(resp.StatusCode, body)
		}
		return resp, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fluiderr.Wrap(fluiderr.KindIOError, err, "provider circuit open")
		}
		if fluiderr.StatusOf(err) != 0 {
			return nil, err
		}
		return nil, fluiderr.Wrap(fluiderr.KindIOError, err, "provider request failed")
	}
	return res.(*http.Response), nil
}

// httpError classifies an upstream HTTP failure, keeping the status attached
// for the retry predicate and the API translator.
func httpError(status int, body []byte) error {
	detail := string(body)
	if len(detail) > 512 {
		detail = detail[:512]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fluiderr.E(fluiderr.KindAuthError, "provider rejected credentials (%d): %s", status, detail).WithStatus(status)
	case status == http.StatusTooManyRequests:
		return fluiderr.E(fluiderr.KindRateLimited, "provider rate limited: %s", detail).WithStatus(status)
	case status >= 500:
		return fluiderr.E(fluiderr.KindServerError, "provider error (%d): %s", status, detail).WithStatus(status)
	default:
		return fluiderr.E(fluiderr.KindClientError, "provider rejected request (%d): %s", status, detail).WithStatus(status)
	}
}
