// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"llamactx/internal/engine"
	"llamactx/internal/events"
	"llamactx/pkg/types"
)

// Fake is an in-memory engine. It publishes progress and
// token events synchronously on its bus, like the real engines do.
type Fake struct {
	bus events.Bus

	mu       sync.Mutex
	live     map[int]bool
	calls    []string
	InitErr  error
	CompErr  error
	Progress []float64
	Tokens   []string
	// Block, when set, holds Completion until it is closed or the context is stopped.
	Block chan struct{}
	// Started, when set, receives the context id once Completion has emitted its tokens.
	Started chan int
	stopped map[int]chan struct{}

	LastInit      engine.InitParams
	LastComp      engine.CompletionParams
	LastChat      []types.ChatMessage
	LastTemplate  string
	LastTokenSize int
	LastLora      []types.LoraAdapter
	LastPath      string
	LastSkip      []string
	BenchOut      string
	Limit         int
	// TagTokens prefixes every token with "<id>:".
	TagTokens bool
}

var _ engine.Engine = (*Fake)(nil)

// New returns a Fake publishing on bus. Configure it before its first use.
func New(bus events.Bus) *Fake {
	return &Fake{
		bus:      bus,
		live:     make(map[int]bool),
		stopped:  make(map[int]chan struct{}),
		Progress: []float64{0, 0.5, 1},
		BenchOut: `["llama 1B Q4_K",668788096,1100048384,512.5,3.25,40.1,0.5]`,
	}
}

func (f *Fake) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

// Calls lists the engine operations invoked so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) check(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[id] {
		return engine.ErrUnknownContext(id)
	}
	return nil
}

func (f *Fake) Kind() engine.Kind { return engine.KindServer }

func (f *Fake) InitContext(_ context.Context, id int, p engine.InitParams) (engine.InitResult, error) {
	f.record("init")
	f.mu.Lock()
	f.LastInit = p
	err := f.InitErr
	f.mu.Unlock()
	if p.UseProgressCallback {
		for _, pr := range f.Progress {
			_ = events.PublishProgress(f.bus, id, pr)
		}
	}
	if err != nil {
		return engine.InitResult{}, err
	}
	f.mu.Lock()
	f.live[id] = true
	f.stopped[id] = make(chan struct{}, 1)
	f.mu.Unlock()
	return engine.InitResult{Model: types.ModelDetails{Desc: "fake", IsChatTemplateSupported: p.Options.ChatTemplate == "native"}}, nil
}

func (f *Fake) Completion(ctx context.Context, id int, p engine.CompletionParams) (types.CompletionResult, error) {
	f.record("completion")
	if err := f.check(id); err != nil {
		return types.CompletionResult{}, err
	}
	f.mu.Lock()
	f.LastComp = p
	err := f.CompErr
	toks := f.Tokens
	block := f.Block
	started := f.Started
	stop := f.stopped[id]
	f.mu.Unlock()
	if err != nil {
		return types.CompletionResult{}, err
	}
	text := ""
	for _, t := range toks {
		if f.TagTokens {
			t = strconv.Itoa(id) + ":" + t
		}
		text += t
		if p.EmitPartialCompletion {
			_ = events.PublishToken(f.bus, id, types.TokenData{Token: t})
		}
	}
	if started != nil {
		started <- id
	}
	if block != nil {
		select {
		case <-block:
		case <-stop:
			return types.CompletionResult{Text: text, Interrupted: true}, nil
		}
	}
	return types.CompletionResult{Text: text, TokensPredicted: len(toks), StoppedEOS: true}, nil
}

func (f *Fake) StopCompletion(_ context.Context, id int) error {
	f.record("stop")
	f.mu.Lock()
	ch := f.stopped[id]
	f.mu.Unlock()
	if ch == nil {
		return engine.ErrUnknownContext(id)
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

func (f *Fake) TokenizeAsync(_ context.Context, id int, text string) (types.TokenizeResult, error) {
	f.record("tokenize_async")
	if err := f.check(id); err != nil {
		return types.TokenizeResult{}, err
	}
	return types.TokenizeResult{Tokens: make([]int, len(text))}, nil
}

func (f *Fake) TokenizeSync(id int, text string) (types.TokenizeResult, error) {
	f.record("tokenize_sync")
	if err := f.check(id); err != nil {
		return types.TokenizeResult{}, err
	}
	return types.TokenizeResult{Tokens: make([]int, len(text))}, nil
}

func (f *Fake) Detokenize(_ context.Context, id int, tokens []int) (string, error) {
	f.record("detokenize")
	return "text", f.check(id)
}

func (f *Fake) Embedding(_ context.Context, id int, _ string, p types.EmbeddingParams) (types.EmbeddingResult, error) {
	f.record("embedding")
	if err := f.check(id); err != nil {
		return types.EmbeddingResult{}, err
	}
	return types.EmbeddingResult{Embedding: []float64{0.1, 0.2}}, nil
}

func (f *Fake) Bench(_ context.Context, id int, _, _, _, _ int) (string, error) {
	f.record("bench")
	if err := f.check(id); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.BenchOut, nil
}

func (f *Fake) GetFormattedChat(_ context.Context, id int, messages []types.ChatMessage, template string) (string, error) {
	f.record("format_chat")
	if err := f.check(id); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.LastChat = messages
	f.LastTemplate = template
	f.mu.Unlock()
	out := ""
	for _, m := range messages {
		out += m.Role + ":" + m.Content + "\n"
	}
	return out, nil
}

func (f *Fake) LoadSession(_ context.Context, id int, path string) (types.SessionLoadResult, error) {
	f.record("load_session")
	f.mu.Lock()
	f.LastPath = path
	f.mu.Unlock()
	return types.SessionLoadResult{TokensLoaded: 12, Prompt: "hi"}, f.check(id)
}

func (f *Fake) SaveSession(_ context.Context, id int, path string, tokenSize int) (int, error) {
	f.record("save_session")
	if err := f.check(id); err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.LastPath = path
	f.LastTokenSize = tokenSize
	f.mu.Unlock()
	return 42, nil
}

func (f *Fake) ApplyLoraAdapters(_ context.Context, id int, adapters []types.LoraAdapter) error {
	f.record("apply_lora")
	f.mu.Lock()
	f.LastLora = adapters
	f.mu.Unlock()
	return f.check(id)
}

func (f *Fake) RemoveLoraAdapters(_ context.Context, id int) error {
	f.record("remove_lora")
	f.mu.Lock()
	f.LastLora = nil
	f.mu.Unlock()
	return f.check(id)
}

func (f *Fake) GetLoadedLoraAdapters(_ context.Context, id int) ([]types.LoraAdapter, error) {
	f.record("get_lora")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[id] {
		return nil, engine.ErrUnknownContext(id)
	}
	return f.LastLora, nil
}

func (f *Fake) ReleaseContext(_ context.Context, id int) error {
	f.record("release")
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[id] {
		return engine.ErrUnknownContext(id)
	}
	delete(f.live, id)
	return nil
}

func (f *Fake) ReleaseAllContexts(context.Context) error {
	f.record("release_all")
	f.mu.Lock()
	f.live = make(map[int]bool)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ModelInfo(_ context.Context, path string, skip []string) (map[string]any, error) {
	f.record("model_info")
	f.mu.Lock()
	f.LastPath = path
	f.LastSkip = skip
	f.mu.Unlock()
	if path == "" {
		return nil, errors.New("empty path")
	}
	return map[string]any{"general.architecture": "llama"}, nil
}

func (f *Fake) GetCPUFeatures(context.Context) (types.CPUFeatures, error) {
	return types.CPUFeatures{AVX2: true}, nil
}

func (f *Fake) SetContextLimit(_ context.Context, limit int) error {
	f.mu.Lock()
	f.Limit = limit
	f.mu.Unlock()
	return nil
}
