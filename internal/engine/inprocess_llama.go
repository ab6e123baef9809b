//go:build llama

package engine

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/pkg/errors"

	"llamactx/internal/events"
	"llamactx/pkg/types"
)

// localContext owns one loaded model. go-llama.cpp models are not safe for
// concurrent use, so every call holds mu.
type localContext struct {
	mu      sync.Mutex
	model   *llama.LLama
	threads int
	details types.ModelDetails
	lora    []types.LoraAdapter
	stop    atomic.Bool
	nPast   int
}

func (lc *localContext) free() {
	lc.stop.Store(true)
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.model != nil {
		lc.model.Free()
		lc.model = nil
	}
}

func (e *InProcessEngine) InitContext(ctx context.Context, id int, p InitParams) (InitResult, error) {
	if strings.TrimSpace(p.ModelPath) == "" {
		return InitResult{}, errors.New("model path is empty")
	}
	if err := e.table.reserve(id); err != nil {
		return InitResult{}, err
	}
	if p.UseProgressCallback {
		_ = events.PublishProgress(e.bus, id, 0)
	}
	o := p.Options
	mo := modelOptions(o, e.cfg)
	lora := p.LoraList
	if p.Lora != "" {
		lora = append([]types.LoraAdapter{{Path: p.Lora}}, lora...)
	}
	if len(lora) > 1 {
		e.table.abort(id)
		return InitResult{}, ErrUnsupported("more than one lora adapter")
	}
	if len(lora) == 1 {
		mo = append(mo, llama.SetLoraAdapter(lora[0].Path), llama.SetLoraBase(p.ModelPath))
	}

	start := time.Now()
	model, err := llama.New(p.ModelPath, mo...)
	if err != nil {
		e.table.abort(id)
		return InitResult{}, err
	}
	details, derr := DescribeModel(p.ModelPath)
	if derr != nil {
		details = types.ModelDetails{Desc: p.ModelPath}
	}
	// Embedded Jinja templates are not evaluated in process.
	details.IsChatTemplateSupported = false
	e.table.commit(id, &localContext{model: model, threads: zn(o.NThreads, e.cfg.Threads), details: details, lora: lora})
	if p.UseProgressCallback {
		_ = events.PublishProgress(e.bus, id, 1)
	}
	e.logger.Info().Int("ctx_id", id).Str("model", p.ModelPath).Int64("dur_ms", time.Since(start).Milliseconds()).Msg("engine event=context_ready")
	res := InitResult{GPU: zn(o.NGPULayers, e.cfg.GPULayers) > 0, Model: details}
	if !res.GPU {
		res.ReasonNoGPU = "n_gpu_layers is 0"
	}
	return res, nil
}

func (e *InProcessEngine) Completion(ctx context.Context, id int, p CompletionParams) (types.CompletionResult, error) {
	lc, err := e.table.get(id)
	if err != nil {
		return types.CompletionResult{}, err
	}
	if len(p.JSONSchema) > 0 {
		return types.CompletionResult{}, ErrUnsupported("json_schema")
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.model == nil {
		return types.CompletionResult{}, ErrUnknownContext(id)
	}
	lc.stop.Store(false)
	predicted := 0
	lc.model.SetTokenCallback(func(tok string) bool {
		if ctx.Err() != nil || lc.stop.Load() {
			return false
		}
		predicted++
		if p.EmitPartialCompletion {
			_ = events.PublishToken(e.bus, id, types.TokenData{Token: tok})
		}
		return true
	})

	start := time.Now()
	text, err := lc.model.Predict(p.Prompt, predictOptions(p.SamplingOptions, lc.threads)...)
	if err != nil {
		if ctx.Err() != nil {
			return types.CompletionResult{}, ctx.Err()
		}
		return types.CompletionResult{}, err
	}
	res := types.CompletionResult{Text: text, TokensPredicted: predicted}
	res.Timings.PredictedN = predicted
	res.Timings.PredictedMS = float64(time.Since(start).Microseconds()) / 1000
	if res.Timings.PredictedMS > 0 {
		res.Timings.PredictedPerSecond = float64(predicted) * 1000 / res.Timings.PredictedMS
	}
	switch {
	case lc.stop.Load():
		res.Interrupted = true
	case p.NPredict > 0 && predicted >= p.NPredict:
		res.StoppedLimit = true
	default:
		for _, w := range p.Stop {
			if w != "" && strings.HasSuffix(text, w) {
				res.StoppedWord = true
				res.StoppingWord = w
				break
			}
		}
		if !res.StoppedWord {
			res.StoppedEOS = true
		}
	}
	if n, _, terr := lc.model.TokenizeString(p.Prompt); terr == nil {
		lc.nPast = int(n) + predicted
	}
	return res, nil
}

// StopCompletion takes effect at the next generated token.
func (e *InProcessEngine) StopCompletion(_ context.Context, id int) error {
	lc, err := e.table.get(id)
	if err != nil {
		return err
	}
	lc.stop.Store(true)
	return nil
}

func (e *InProcessEngine) TokenizeAsync(_ context.Context, id int, text string) (types.TokenizeResult, error) {
	lc, err := e.table.get(id)
	if err != nil {
		return types.TokenizeResult{}, err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	_, toks, err := lc.model.TokenizeString(text)
	if err != nil {
		return types.TokenizeResult{}, err
	}
	out := make([]int, len(toks))
	for i, t := range toks {
		out[i] = int(t)
	}
	return types.TokenizeResult{Tokens: out}, nil
}

func (e *InProcessEngine) Embedding(_ context.Context, id int, text string, _ types.EmbeddingParams) (types.EmbeddingResult, error) {
	lc, err := e.table.get(id)
	if err != nil {
		return types.EmbeddingResult{}, err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	vec, err := lc.model.Embeddings(text)
	if err != nil {
		return types.EmbeddingResult{}, err
	}
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return types.EmbeddingResult{Embedding: out}, nil
}

func (e *InProcessEngine) LoadSession(_ context.Context, id int, path string) (types.SessionLoadResult, error) {
	lc, err := e.table.get(id)
	if err != nil {
		return types.SessionLoadResult{}, err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if err := lc.model.LoadState(path); err != nil {
		return types.SessionLoadResult{}, err
	}
	return types.SessionLoadResult{}, nil
}

// SaveSession saves the full state; the returned count is the number of
// tokens evaluated by the last completion.
func (e *InProcessEngine) SaveSession(_ context.Context, id int, path string, tokenSize int) (int, error) {
	lc, err := e.table.get(id)
	if err != nil {
		return 0, err
	}
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if err := lc.model.SaveState(path); err != nil {
		return 0, err
	}
	n := lc.nPast
	if tokenSize >= 0 && n > tokenSize {
		n = tokenSize
	}
	return n, nil
}

func zn(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func zf(v float64, def float32) float32 {
	if v > 0 {
		return float32(v)
	}
	return def
}

// modelOptions maps context options onto go-llama.cpp load options, falling
// back to the engine defaults for unset sizes.
func modelOptions(o types.ContextOptions, cfg InProcessConfig) []llama.ModelOption {
	mo := []llama.ModelOption{llama.SetContext(zn(o.NCtx, cfg.CtxSize))}
	if ngl := zn(o.NGPULayers, cfg.GPULayers); ngl > 0 {
		mo = append(mo, llama.SetGPULayers(ngl))
	}
	if o.NBatch > 0 {
		mo = append(mo, llama.SetNBatch(o.NBatch))
	}
	if o.UseMlock {
		mo = append(mo, llama.EnableMLock)
	}
	if o.UseMmap != nil {
		mo = append(mo, llama.SetMMap(*o.UseMmap))
	}
	if o.Embedding {
		mo = append(mo, llama.EnableEmbeddings)
	}
	if o.RopeFreqBase > 0 {
		mo = append(mo, llama.WithRopeFreqBase(float32(o.RopeFreqBase)))
	}
	if o.RopeFreqScale > 0 {
		mo = append(mo, llama.WithRopeFreqScale(float32(o.RopeFreqScale)))
	}
	return mo
}

func predictOptions(s types.SamplingOptions, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, s.NPredict)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(zf(s.TopP, llama.DefaultOptions.TopP)),
		llama.SetTopK(zn(s.TopK, llama.DefaultOptions.TopK)),
		llama.SetTemperature(zf(s.Temperature, llama.DefaultOptions.Temperature)),
		llama.SetPenalty(zf(s.PenaltyRepeat, llama.DefaultOptions.Penalty)),
	}
	if s.Seed != 0 {
		po = append(po, llama.SetSeed(int(s.Seed)))
	}
	if len(s.Stop) > 0 {
		po = append(po, llama.SetStopWords(s.Stop...))
	}
	return po
}
