package llm

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fluidmcp/fluidmcp/pkg/config"
	"github.com/fluidmcp/fluidmcp/pkg/fluiderr"
)

// localEngine proxies an OpenAI-compatible inference engine on a local (or
// directly reachable) HTTP endpoint. Request bodies pass through verbatim,
// including tools, tool_choice, and tool-result messages; the engine builds
// the envelope itself.
type localEngine struct {
	modelID string
	baseURL string
	http    *httpClient
	logger  *slog.Logger
}

func newLocalEngine(modelID string, cfg config.ModelConfig) *localEngine {
	return &localEngine{
		modelID: modelID,
		baseURL: strings.TrimRight(cfg.Endpoint, "/"),
		http:    newHTTPClient("local:"+modelID, cfg.Timeout(), cfg.APIKey, "Bearer"),
		logger:  slog.Default().With("model", modelID, "provider", "local_engine"),
	}
}

func (p *localEngine) Name() string { return "local_engine" }

func (p *localEngine) Chat(ctx context.Context, body map[string]any) (json.RawMessage, *Usage, error) {
	raw, err := p.http.doJSON(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", body)
	if err != nil {
		return nil, nil, err
	}

	// The engine's response is already the envelope; usage is lifted out for
	// the token counters only.
	var partial struct {
		Usage *Usage `json:"usage"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return nil, nil, fluiderr.Wrap(fluiderr.KindServerError, err, "engine returned non-JSON body")
	}
	return raw, partial.Usage, nil
}

// ChatStream forwards the engine's SSE response byte for byte. The caller's
// writer is expected to flush incrementally.
func (p *localEngine) ChatStream(ctx context.Context, body map[string]any, w io.Writer) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fluiderr.Wrap(fluiderr.KindClientError, err, "marshal request body")
	}

	resp, err := p.http.do(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return httpError(resp.StatusCode, errBody)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fluiderr.Wrap(fluiderr.KindIOError, err, "relay engine stream")
	}
	return nil
}

func (p *localEngine) CreatePrediction(ctx context.Context, input map[string]any) (*Prediction, error) {
	return nil, fluiderr.E(fluiderr.KindNotImplemented, "model %q is a local engine; generation requires a prediction provider", p.modelID)
}

func (p *localEngine) GetPrediction(ctx context.Context, id string) (*Prediction, error) {
	return nil, fluiderr.E(fluiderr.KindNotImplemented, "model %q is a local engine; predictions are not supported", p.modelID)
}
