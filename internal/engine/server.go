package engine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"llamactx/internal/events"
)

// ServerConfig configures a ServerEngine.
type ServerConfig struct {
	BaseURL        string
	APIKey         string
	ConnectTimeout time.Duration
	// SlotSaveDir is the server's --slot-save-path when it is reachable on the
	// local filesystem; session files outside it are staged through it.
	SlotSaveDir string
	Bus         events.Bus
	Logger      zerolog.Logger
}

// ServerEngine serves every context from one running llama-server. Contexts
// share the server's model; ModelPath only feeds the reported metadata.
//
// Session files and LoRA scales live in the server, not in a context, so
// session load/save and LoRA apply/remove fail with ErrUnsupported while more
// than one context is live. Reading the loaded adapters is always allowed.
type ServerEngine struct {
	httpEngine
	client *llamaClient
}

var _ Engine = (*ServerEngine)(nil)

// NewServerEngine constructs a ServerEngine. It does not contact the server.
func NewServerEngine(cfg ServerConfig) *ServerEngine {
	bus := cfg.Bus
	if bus == nil {
		bus = events.Default()
	}
	he := newHTTPEngine(bus, cfg.Logger, cfg.SlotSaveDir)
	he.shared = true
	return &ServerEngine{
		httpEngine: he,
		client:     newLlamaClient(cfg.BaseURL, cfg.APIKey, newHTTPClient(cfg.ConnectTimeout)),
	}
}

func (e *ServerEngine) Kind() Kind { return KindServer }

func (e *ServerEngine) InitContext(ctx context.Context, id int, p InitParams) (InitResult, error) {
	if err := e.table.reserve(id); err != nil {
		return InitResult{}, err
	}
	e.publishProgress(id, p, 0)
	if err := e.client.health(ctx); err != nil {
		e.table.abort(id)
		var se httpStatusError
		if errors.As(err, &se) {
			return InitResult{}, errors.Wrap(err, "llama-server not ready")
		}
		return InitResult{}, ErrDependencyUnavailable("llama-server unreachable at " + e.client.baseURL + ": " + err.Error())
	}
	props, err := e.client.props(ctx)
	if err != nil {
		e.table.abort(id)
		return InitResult{}, err
	}
	rc := &remoteContext{client: e.client, modelPath: p.ModelPath, model: describe(p.ModelPath, props)}
	if p.Options.ChatTemplate != "" {
		rc.model.IsChatTemplateSupported = true
	}
	if len(p.LoraList) > 0 || p.Lora != "" {
		e.logger.Warn().Int("ctx_id", id).Msg("engine event=lora_at_init_ignored reason=server_preloads_adapters")
	}
	e.table.commit(id, rc)
	e.publishProgress(id, p, 1)
	e.logger.Info().Int("ctx_id", id).Str("server", e.client.host()).Str("model", p.ModelPath).Msg("engine event=context_ready")
	return InitResult{
		GPU:         false,
		ReasonNoGPU: "GPU offload is configured on the remote llama-server",
		Model:       rc.model,
	}, nil
}

func (e *ServerEngine) ReleaseContext(_ context.Context, id int) error {
	rc, ok := e.table.remove(id)
	if !ok {
		return ErrUnknownContext(id)
	}
	rc.stop()
	return nil
}

func (e *ServerEngine) ReleaseAllContexts(context.Context) error {
	for _, rc := range e.table.drain() {
		rc.stop()
	}
	return nil
}
