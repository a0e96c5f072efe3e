package llm

import "sync"

// maxStoredPredictions bounds the status store; the oldest entries are
// evicted first. Predictions are short-lived, so the bound exists only to
// keep a long-running gateway from accumulating handles forever.
const maxStoredPredictions = 1000

type storedPrediction struct {
	pred    *Prediction
	modelID string
}

// StatusStore retains the last observed state of recent predictions so the
// status endpoint can answer without re-polling the provider.
type StatusStore struct {
	mu    sync.Mutex
	preds map[string]storedPrediction
	order []string
}

// NewStatusStore creates an empty store.
func NewStatusStore() *StatusStore {
	return &StatusStore{preds: make(map[string]storedPrediction)}
}

// Set records the latest state of a prediction.
func (s *StatusStore) Set(modelID string, pred *Prediction) {
	if pred == nil || pred.ID == "" {
		return
	}
	copied := *pred

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.preds[pred.ID]; !exists {
		s.order = append(s.order, pred.ID)
		if len(s.order) > maxStoredPredictions {
			oldest := s.order[0]
			s.order = s.order[1:]
			delete(s.preds, oldest)
		}
	}
	s.preds[pred.ID] = storedPrediction{pred: &copied, modelID: modelID}
}

// Get returns the last known state of a prediction and the model it belongs
// to.
func (s *StatusStore) Get(id string) (*Prediction, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.preds[id]
	if !ok {
		return nil, "", false
	}
	copied := *sp.pred
	return &copied, sp.modelID, true
}
