package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

// remotePrediction adapts an asynchronous prediction API (create a job, poll
// it to completion). Chat requests are mapped onto a single prompt; streaming
// is not supported for this kind.
type remotePrediction struct {
	modelID string
	baseURL string
	// model and version split from the configured "owner/name:version"
	// identifier. Version-pinned models post against /predictions; unpinned
	// ones against /models/{model}/predictions.
	model   string
	version string

	http   *httpClient
	poller *Poller
	logger *slog.Logger
}

func newRemotePrediction(modelID string, cfg config.ModelConfig, poller *Poller) *remotePrediction {
	model, version := cfg.PredictionModel, ""
	if i := strings.LastIndex(cfg.PredictionModel, ":"); i >= 0 {
		model, version = cfg.PredictionModel[:i], cfg.PredictionModel[i+1:]
	}
	return &remotePrediction{
		modelID: modelID,
		baseURL: strings.TrimRight(cfg.Endpoint, "/"),
		model:   model,
		version: version,
		http:    newHTTPClient("remote:"+modelID, cfg.Timeout(), cfg.APIKey, "Bearer"),
		poller:  poller,
		logger:  slog.Default().With("model", modelID, "provider", "remote_prediction"),
	}
}

func (p *remotePrediction) Name() string { return "remote_prediction" }

// Chat maps the conversation to a single-prompt prediction, polls it to a
// terminal state, and wraps the output in the chat envelope.
func (p *remotePrediction) Chat(ctx context.Context, body map[string]any) (json.RawMessage, *Usage, error) {
	input := chatToPredictionInput(body)

	pred, err := p.CreatePrediction(ctx, input)
	if err != nil {
		return nil, nil, err
	}

	final, err := p.poller.Await(ctx, p, p.modelID, pred)
	if err != nil {
		return nil, nil, err
	}

	content := outputText(final.Output)
	envelope, err := json.Marshal(NewChatCompletion(p.modelID, content, Usage{}))
	if err != nil {
		return nil, nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return envelope, &Usage{}, nil
}

func (p *remotePrediction) ChatStream(ctx context.Context, body map[string]any, w io.Writer) error {
	return fluiderr.E(fluiderr.KindNotImplemented, "model %q uses a prediction provider; streaming is not supported", p.modelID)
}

// CreatePrediction submits one job and returns its provider-assigned handle.
func (p *remotePrediction) CreatePrediction(ctx context.Context, input map[string]any) (*Prediction, error) {
	var url string
	payload := map[string]any{"input": input}
	if p.version != "" {
		url = p.baseURL + "/predictions"
		payload["version"] = p.version
	} else {
		url = fmt.Sprintf("%s/models/%s/predictions", p.baseURL, p.model)
	}

	raw, err := p.http.doJSON(ctx, http.MethodPost, url, payload)
	if err != nil {
		return nil, err
	}
	pred, err := parsePrediction(raw)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Prediction created", "prediction_id", pred.ID, "status", pred.Status)
	return pred, nil
}

// GetPrediction fetches the current job state.
func (p *remotePrediction) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	raw, err := p.http.doJSON(ctx, http.MethodGet, p.baseURL+"/predictions/"+id, nil)
	if err != nil {
		return nil, err
	}
	return parsePrediction(raw)
}

func parsePrediction(raw []byte) (*Prediction, error) {
	var env struct {
		ID          string           `json:"id"`
		Status      PredictionStatus `json:"status"`
		Output      any              `json:"output"`
		Error       any              `json:"error"`
		CreatedAt   time.Time        `json:"created_at"`
		CompletedAt time.Time        `json:"completed_at"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fluiderr.Wrap(fluiderr.KindServerError, err, "provider returned malformed prediction")
	}
	if env.ID == "" {
		return nil, fluiderr.E(fluiderr.KindServerError, "provider returned prediction without id")
	}
	pred := &Prediction{
		ID:          env.ID,
		Status:      env.Status,
		Output:      env.Output,
		CreatedAt:   env.CreatedAt,
		CompletedAt: env.CompletedAt,
	}
	if env.Error != nil {
		pred.Error = fmt.Sprintf("%v", env.Error)
	}
	return pred, nil
}

// chatToPredictionInput flattens OpenAI messages into a single prompt plus
// the common sampling parameters under their prediction-side names.
func chatToPredictionInput(body map[string]any) map[string]any {
	input := map[string]any{}

	var prompt strings.Builder
	if messages, ok := body["messages"].([]any); ok {
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			role, _ := msg["role"].(string)
			text := messageText(msg["content"])
			if text == "" {
				continue
			}
			if prompt.Len() > 0 {
				prompt.WriteString("\n\n")
			}
			fmt.Fprintf(&prompt, "%s: %s", role, text)
		}
	}
	input["prompt"] = prompt.String()

	if v, ok := body["temperature"]; ok {
		input["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		input["top_p"] = v
	}
	if v, ok := body["max_tokens"]; ok {
		input["max_new_tokens"] = v
	}
	return input
}

// messageText extracts the text of a message content field, which is either a
// plain string or a list of typed parts.
func messageText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var parts []string
		for _, p := range c {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["type"].(string); t == "text" {
				if s, _ := part["text"].(string); s != "" {
					parts = append(parts, s)
				}
			}
		}
		return strings.Join(parts, "\n")
	default:
		return ""
	}
}

// outputText joins a prediction's output into one assistant message. Text
// models return a string or a list of string chunks.
func outputText(output any) string {
	switch o := output.(type) {
	case string:
		return o
	case []any:
		var parts []string
		for _, p := range o {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "")
	default:
		return ""
	}
}
