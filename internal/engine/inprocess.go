package engine

import (
	"context"

	"github.com/rs/zerolog"

	"llamactx/internal/chat"
	"llamactx/internal/events"
	"llamactx/pkg/types"
)

// InProcessConfig configures an InProcessEngine.
type InProcessConfig struct {
	CtxSize   int
	GPULayers int
	Threads   int
	Bus       events.Bus
	Logger    zerolog.Logger
}

// InProcessEngine runs models inside this process through go-llama.cpp.
// Binaries built without the llama tag refuse to create contexts.
type InProcessEngine struct {
	cfg    InProcessConfig
	bus    events.Bus
	logger zerolog.Logger
	table  *contextTable[*localContext]
}

var _ Engine = (*InProcessEngine)(nil)

func NewInProcessEngine(cfg InProcessConfig) *InProcessEngine {
	bus := cfg.Bus
	if bus == nil {
		bus = events.Default()
	}
	return &InProcessEngine{cfg: cfg, bus: bus, logger: cfg.Logger, table: newContextTable[*localContext]()}
}

func (e *InProcessEngine) Kind() Kind { return KindInProcess }

func (e *InProcessEngine) TokenizeSync(id int, text string) (types.TokenizeResult, error) {
	return e.TokenizeAsync(context.Background(), id, text)
}

// GetFormattedChat renders one of the built-in templates; model-embedded
// templates are not evaluated in process, so an empty name means chatml.
func (e *InProcessEngine) GetFormattedChat(_ context.Context, id int, messages []types.ChatMessage, template string) (string, error) {
	if _, err := e.table.get(id); err != nil {
		return "", err
	}
	if template == "" {
		template = chat.TemplateChatML
	}
	return chat.Render(template, messages)
}

func (e *InProcessEngine) ReleaseContext(_ context.Context, id int) error {
	lc, ok := e.table.remove(id)
	if !ok {
		return ErrUnknownContext(id)
	}
	lc.free()
	return nil
}

func (e *InProcessEngine) ReleaseAllContexts(context.Context) error {
	for _, lc := range e.table.drain() {
		lc.free()
	}
	return nil
}

func (e *InProcessEngine) ModelInfo(_ context.Context, path string, skip []string) (map[string]any, error) {
	return ReadGGUFMetadata(path, skip)
}

func (e *InProcessEngine) GetCPUFeatures(context.Context) (types.CPUFeatures, error) {
	return CPUFeatures(), nil
}

func (e *InProcessEngine) SetContextLimit(_ context.Context, limit int) error {
	e.table.setLimit(limit)
	return nil
}

func (e *InProcessEngine) Detokenize(_ context.Context, id int, _ []int) (string, error) {
	if _, err := e.table.get(id); err != nil {
		return "", err
	}
	return "", ErrUnsupported("detokenize")
}

func (e *InProcessEngine) Bench(_ context.Context, id int, _, _, _, _ int) (string, error) {
	if _, err := e.table.get(id); err != nil {
		return "", err
	}
	return "", ErrUnsupported("bench")
}

func (e *InProcessEngine) ApplyLoraAdapters(_ context.Context, id int, _ []types.LoraAdapter) error {
	if _, err := e.table.get(id); err != nil {
		return err
	}
	return ErrUnsupported("apply lora adapters")
}

func (e *InProcessEngine) RemoveLoraAdapters(_ context.Context, id int) error {
	if _, err := e.table.get(id); err != nil {
		return err
	}
	return ErrUnsupported("remove lora adapters")
}

// GetLoadedLoraAdapters reports the adapters the context was created with.
func (e *InProcessEngine) GetLoadedLoraAdapters(_ context.Context, id int) ([]types.LoraAdapter, error) {
	lc, err := e.table.get(id)
	if err != nil {
		return nil, err
	}
	return append([]types.LoraAdapter(nil), lc.lora...), nil
}
