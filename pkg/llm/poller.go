package llm

import (
	"context"
	"log/slog"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
	"github.com/fluidmcp/fluidmcp/pkg/telemetry"
)

// pollFailureBudget is the number of consecutive failed poll requests
// tolerated before the session is abandoned.
const pollFailureBudget = 5

// PredictionQuerier is the slice of a provider the poller needs.
type PredictionQuerier interface {
	GetPrediction(ctx context.Context, id string) (*Prediction, error)
}

// Poller drives one prediction job to a terminal state. The poll interval
// starts short and widens with elapsed time so fresh jobs report quickly
// without hammering the provider on long ones.
type Poller struct {
	store   *StatusStore
	metrics *telemetry.GatewayMetrics
	logger  *slog.Logger

	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewPoller creates a poller publishing into the given store and metrics.
func NewPoller(store *StatusStore, metrics *telemetry.GatewayMetrics) *Poller {
	return &Poller{
		store:           store,
		metrics:         metrics,
		logger:          slog.Default().With("component", "poller"),
		initialInterval: time.Second,
		maxInterval:     5 * time.Second,
	}
}

// Await polls until the prediction reaches a terminal state or ctx expires.
// Every observed state is published to the status store. On deadline the
// local view becomes a timeout failure; the upstream job is not cancelled.
func (p *Poller) Await(ctx context.Context, q PredictionQuerier, modelID string, pred *Prediction) (*Prediction, error) {
	p.store.Set(modelID, pred)
	if pred.Status.IsTerminal() {
		return p.finish(modelID, pred)
	}

	interval := p.initialInterval
	failures := 0
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timedOut := &Prediction{
				ID:          pred.ID,
				Status:      PredictionFailed,
				Error:       "polling deadline exceeded",
				CreatedAt:   pred.CreatedAt,
				CompletedAt: time.Now(),
			}
			p.store.Set(modelID, timedOut)
			p.metrics.PredictionsTotal.WithLabelValues(modelID, "timeout").Inc()
			p.logger.Warn("Prediction polling hit deadline",
				"model", modelID, "prediction_id", pred.ID)
			return nil, fluiderr.Wrap(fluiderr.KindTimeout, ctx.Err(), "prediction %s did not complete in time", pred.ID)
		case <-timer.C:
		}

		next, err := q.GetPrediction(ctx, pred.ID)
		if err != nil {
			failures++
			if failures >= pollFailureBudget {
				p.metrics.PredictionsTotal.WithLabelValues(modelID, "poll_error").Inc()
				return nil, fluiderr.Wrap(fluiderr.KindServerError, err, "polling prediction %s failed %d times", pred.ID, failures)
			}
			p.logger.Warn("Prediction poll failed, will retry",
				"model", modelID, "prediction_id", pred.ID, "error", err)
		} else {
			failures = 0
			pred = next
			p.store.Set(modelID, pred)
			if pred.Status.IsTerminal() {
				return p.finish(modelID, pred)
			}
		}

		if interval < p.maxInterval {
			interval += time.Second
			if interval > p.maxInterval {
				interval = p.maxInterval
			}
		}
		timer.Reset(interval)
	}
}

// finish publishes terminal telemetry and maps failed/canceled outcomes to
// classified errors.
func (p *Poller) finish(modelID string, pred *Prediction) (*Prediction, error) {
	p.metrics.PredictionsTotal.WithLabelValues(modelID, string(pred.Status)).Inc()
	p.logger.Info("Prediction reached terminal state",
		"model", modelID, "prediction_id", pred.ID, "status", pred.Status)

	switch pred.Status {
	case PredictionSucceeded:
		return pred, nil
	case PredictionCanceled:
		return nil, fluiderr.E(fluiderr.KindServerError, "prediction %s was canceled upstream", pred.ID)
	default:
		msg := pred.Error
		if msg == "" {
			msg = "provider reported failure without detail"
		}
		return nil, fluiderr.E(fluiderr.KindServerError, "prediction %s failed: %s", pred.ID, msg)
	}
}
