package engine

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"llamactx/internal/chat"
	"llamactx/internal/events"
	"llamactx/pkg/types"
)

// syncTimeout bounds the calls behind TokenizeSync, which take no context.
const syncTimeout = 5 * time.Second

// remoteContext is one context served by a llama-server.
type remoteContext struct {
	client    *llamaClient
	modelPath string
	model     types.ModelDetails
	proc      *process

	mu       sync.Mutex
	inflight context.CancelFunc
	stopped  bool
}

func (rc *remoteContext) begin(cancel context.CancelFunc) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.inflight != nil {
		return false
	}
	rc.inflight = cancel
	rc.stopped = false
	return true
}

// end clears the in-flight completion and reports whether it was stopped.
func (rc *remoteContext) end() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.inflight = nil
	stopped := rc.stopped
	rc.stopped = false
	return stopped
}

func (rc *remoteContext) stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.inflight != nil {
		rc.stopped = true
		rc.inflight()
	}
}

// httpEngine holds the per-context operations shared by the engines that
// drive llama-server over HTTP.
type httpEngine struct {
	bus     events.Bus
	logger  zerolog.Logger
	table   *contextTable[*remoteContext]
	slotDir string
	// shared is set when every context talks to the same server, whose slot
	// and LoRA state are global.
	shared bool
}

func newHTTPEngine(bus events.Bus, logger zerolog.Logger, slotDir string) httpEngine {
	return httpEngine{bus: bus, logger: logger, table: newContextTable[*remoteContext](), slotDir: slotDir}
}

func (e *httpEngine) publishProgress(id int, p InitParams, progress float64) {
	if !p.UseProgressCallback {
		return
	}
	if err := events.PublishProgress(e.bus, id, progress); err != nil {
		e.logger.Warn().Err(err).Int("ctx_id", id).Msg("engine event=progress_publish_error")
	}
}

// describe fills model details from the server properties and, when the model
// file is readable locally, from its GGUF header.
func describe(modelPath string, props serverProps) types.ModelDetails {
	md := types.ModelDetails{IsChatTemplateSupported: strings.TrimSpace(props.ChatTemplate) != ""}
	path := modelPath
	if path == "" {
		path = props.ModelPath
	}
	if path == "" {
		return md
	}
	if d, err := DescribeModel(path); err == nil {
		d.IsChatTemplateSupported = md.IsChatTemplateSupported || d.IsChatTemplateSupported
		return d
	}
	md.Desc = filepath.Base(path)
	return md
}

// serverWide refuses an operation on server-global state while another
// context shares the server.
func (e *httpEngine) serverWide(op string) error {
	if e.shared && e.table.len() > 1 {
		return ErrUnsupported(op + " with more than one context on a shared server")
	}
	return nil
}

func (e *httpEngine) Completion(ctx context.Context, id int, p CompletionParams) (types.CompletionResult, error) {
	rc, err := e.table.get(id)
	if err != nil {
		return types.CompletionResult{}, err
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if !rc.begin(cancel) {
		return types.CompletionResult{}, errors.Errorf("completion already in progress on context %d", id)
	}
	start := time.Now()
	var onToken func(types.TokenData)
	if p.EmitPartialCompletion {
		onToken = func(tok types.TokenData) {
			if err := events.PublishToken(e.bus, id, tok); err != nil {
				e.logger.Warn().Err(err).Int("ctx_id", id).Msg("engine event=token_publish_error")
			}
		}
	}
	res, err := rc.client.complete(cctx, p, onToken)
	stopped := rc.end()
	if err != nil && stopped && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		res.Interrupted = true
		err = nil
	}
	e.logger.Debug().Int("ctx_id", id).Bool("stream", p.EmitPartialCompletion).Bool("interrupted", res.Interrupted).
		Int64("dur_ms", time.Since(start).Milliseconds()).Msg("engine event=completion_done")
	return res, err
}

func (e *httpEngine) StopCompletion(_ context.Context, id int) error {
	rc, err := e.table.get(id)
	if err != nil {
		return err
	}
	rc.stop()
	return nil
}

func (e *httpEngine) TokenizeAsync(ctx context.Context, id int, text string) (types.TokenizeResult, error) {
	rc, err := e.table.get(id)
	if err != nil {
		return types.TokenizeResult{}, err
	}
	toks, err := rc.client.tokenize(ctx, text)
	return types.TokenizeResult{Tokens: toks}, err
}

// TokenizeSync issues the request immediately on its own deadline.
func (e *httpEngine) TokenizeSync(id int, text string) (types.TokenizeResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	return e.TokenizeAsync(ctx, id, text)
}

func (e *httpEngine) Detokenize(ctx context.Context, id int, tokens []int) (string, error) {
	rc, err := e.table.get(id)
	if err != nil {
		return "", err
	}
	return rc.client.detokenize(ctx, tokens)
}

func (e *httpEngine) Embedding(ctx context.Context, id int, text string, p types.EmbeddingParams) (types.EmbeddingResult, error) {
	rc, err := e.table.get(id)
	if err != nil {
		return types.EmbeddingResult{}, err
	}
	vec, err := rc.client.embedding(ctx, text, p)
	return types.EmbeddingResult{Embedding: vec}, err
}

// GetFormattedChat uses the server's own template when template is empty and
// renders a named fallback template otherwise.
func (e *httpEngine) GetFormattedChat(ctx context.Context, id int, messages []types.ChatMessage, template string) (string, error) {
	rc, err := e.table.get(id)
	if err != nil {
		return "", err
	}
	if template == "" {
		return rc.client.applyTemplate(ctx, messages)
	}
	return chat.Render(template, messages)
}

// Bench measures prompt processing and generation speed with nr rounds of
// non-cached completions. The server schedules its own slots, so pl is not
// used to fan out requests.
func (e *httpEngine) Bench(ctx context.Context, id int, pp, tg, pl, nr int) (string, error) {
	rc, err := e.table.get(id)
	if err != nil {
		return "", err
	}
	if nr <= 0 {
		nr = 1
	}
	ppSpeeds := make([]float64, 0, nr)
	tgSpeeds := make([]float64, 0, nr)
	for i := 0; i < nr; i++ {
		req := completionRequest{
			Prompt:      strings.Repeat(" a", max(pp, 1)),
			NPredict:    max(tg, 1),
			IgnoreEOS:   true,
			CachePrompt: false,
		}
		var ch completionChunk
		if err := rc.client.do(ctx, http.MethodPost, "/completion", req, &ch); err != nil {
			return "", err
		}
		ppSpeeds = append(ppSpeeds, ch.Timings.PromptPerSecond)
		tgSpeeds = append(tgSpeeds, ch.Timings.PredictedPerSecond)
	}
	ppAvg, ppStd := meanStd(ppSpeeds)
	tgAvg, tgStd := meanStd(tgSpeeds)
	e.logger.Debug().Int("ctx_id", id).Int("pp", pp).Int("tg", tg).Int("pl", pl).Int("nr", nr).Msg("engine event=bench_done")
	out, err := json.Marshal([]any{rc.model.Desc, rc.model.Size, rc.model.NParams, ppAvg, ppStd, tgAvg, tgStd})
	return string(out), err
}

// meanStd returns the mean and sample standard deviation of xs.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)-1))
}

// slotName maps a session path onto the server's slot directory. Files outside
// the slot directory are staged in and out of it when the directory is local.
func (e *httpEngine) slotName(path string) (name string, staged bool) {
	name = filepath.Base(path)
	if e.slotDir == "" {
		return name, false
	}
	return name, filepath.Clean(filepath.Dir(path)) != filepath.Clean(e.slotDir)
}

func (e *httpEngine) LoadSession(ctx context.Context, id int, path string) (types.SessionLoadResult, error) {
	rc, err := e.table.get(id)
	if err != nil {
		return types.SessionLoadResult{}, err
	}
	if err := e.serverWide("session load"); err != nil {
		return types.SessionLoadResult{}, err
	}
	name, staged := e.slotName(path)
	if staged {
		if err := copyFile(path, filepath.Join(e.slotDir, name)); err != nil {
			return types.SessionLoadResult{}, errors.Wrap(err, "stage session")
		}
	}
	res, err := rc.client.slotRestore(ctx, name)
	if err != nil {
		return types.SessionLoadResult{}, err
	}
	return types.SessionLoadResult{TokensLoaded: res.NRestored}, nil
}

// SaveSession persists the whole slot; llama-server has no token limit for
// slot saves, so tokenSize is only recorded in the debug log.
func (e *httpEngine) SaveSession(ctx context.Context, id int, path string, tokenSize int) (int, error) {
	rc, err := e.table.get(id)
	if err != nil {
		return 0, err
	}
	if err := e.serverWide("session save"); err != nil {
		return 0, err
	}
	name, staged := e.slotName(path)
	res, err := rc.client.slotSave(ctx, name)
	if err != nil {
		return 0, err
	}
	if staged {
		if err := moveFile(filepath.Join(e.slotDir, name), path); err != nil {
			return 0, errors.Wrap(err, "move session")
		}
	}
	e.logger.Debug().Int("ctx_id", id).Str("path", path).Int("token_size", tokenSize).Int("n_saved", res.NSaved).Msg("engine event=session_saved")
	return res.NSaved, nil
}

func (e *httpEngine) ApplyLoraAdapters(ctx context.Context, id int, adapters []types.LoraAdapter) error {
	rc, err := e.table.get(id)
	if err != nil {
		return err
	}
	if err := e.serverWide("lora apply"); err != nil {
		return err
	}
	avail, err := rc.client.loraAdapters(ctx)
	if err != nil {
		return err
	}
	want := make(map[string]float64, len(adapters))
	for _, a := range adapters {
		scale := a.Scaled
		if scale == 0 {
			scale = 1
		}
		want[filepath.Clean(a.Path)] = scale
	}
	for i := range avail {
		key := filepath.Clean(avail[i].Path)
		scale, ok := want[key]
		if ok {
			delete(want, key)
		}
		avail[i].Scale = scale
	}
	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for path := range want {
			missing = append(missing, path)
		}
		sort.Strings(missing)
		return errors.Errorf("lora adapters not loaded by server: %s", strings.Join(missing, ", "))
	}
	return rc.client.setLoraAdapters(ctx, avail)
}

func (e *httpEngine) RemoveLoraAdapters(ctx context.Context, id int) error {
	rc, err := e.table.get(id)
	if err != nil {
		return err
	}
	if err := e.serverWide("lora remove"); err != nil {
		return err
	}
	avail, err := rc.client.loraAdapters(ctx)
	if err != nil {
		return err
	}
	for i := range avail {
		avail[i].Scale = 0
	}
	return rc.client.setLoraAdapters(ctx, avail)
}

func (e *httpEngine) GetLoadedLoraAdapters(ctx context.Context, id int) ([]types.LoraAdapter, error) {
	rc, err := e.table.get(id)
	if err != nil {
		return nil, err
	}
	avail, err := rc.client.loraAdapters(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.LoraAdapter, 0, len(avail))
	for _, a := range avail {
		if a.Scale != 0 {
			out = append(out, types.LoraAdapter{Path: a.Path, Scaled: a.Scale})
		}
	}
	return out, nil
}

func (e *httpEngine) ModelInfo(_ context.Context, path string, skip []string) (map[string]any, error) {
	return ReadGGUFMetadata(path, skip)
}

func (e *httpEngine) GetCPUFeatures(context.Context) (types.CPUFeatures, error) {
	return CPUFeatures(), nil
}

func (e *httpEngine) SetContextLimit(_ context.Context, limit int) error {
	e.table.setLimit(limit)
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}
