// Package httpapi exposes the context manager over HTTP. Request and response
// bodies are JSON; completions and context initialization can stream NDJSON.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"llamactx/internal/common/fsutil"
	"llamactx/internal/manager"
	"llamactx/internal/registry"
	"llamactx/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	InitLlama(ctx context.Context, p types.ContextParams, onProgress func(float64)) (*manager.LlamaContext, error)
	Context(id int) (*manager.LlamaContext, error)
	ReleaseAll(ctx context.Context) error
	GetCPUFeatures(ctx context.Context) (types.CPUFeatures, error)
	SetContextLimit(ctx context.Context, limit int) error
	LoadModelInfo(ctx context.Context, path string) (map[string]any, error)
	Status() types.StatusResponse
	Ready() bool
}

// ModelLister lists discoverable models. registry.Watcher implements it.
type ModelLister interface {
	Models() []types.Model
}

// StaticModels is a fixed model list.
type StaticModels []types.Model

func (s StaticModels) Models() []types.Model { return s }

// SessionLister lists recorded sessions. sessionstore.Store implements it.
type SessionLister interface {
	List(ctx context.Context) ([]types.SessionRecord, error)
}

// Options wires optional collaborators into the mux.
type Options struct {
	Models   ModelLister
	Sessions SessionLister
}

type api struct {
	svc      Service
	models   ModelLister
	sessions SessionLister
}

func NewMux(svc Service, opts Options) http.Handler {
	a := &api{svc: svc, models: opts.Models, sessions: opts.Sessions}
	if a.models == nil {
		a.models = StaticModels(nil)
	}

	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/models", a.listModels)
	r.Get("/models/info", a.modelInfo)
	r.Get("/cpu", a.cpu)
	r.Post("/limit", a.setLimit)
	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	})
	r.Get("/sessions", a.listSessions)

	r.Post("/contexts", a.initContext)
	r.Delete("/contexts", a.releaseAll)
	r.Route("/contexts/{id}", func(r chi.Router) {
		r.Delete("/", a.release)
		r.Post("/completion", a.completion)
		r.Post("/stop", a.stop)
		r.Post("/tokenize", a.tokenize)
		r.Post("/detokenize", a.detokenize)
		r.Post("/embedding", a.embedding)
		r.Post("/bench", a.bench)
		r.Post("/chat/format", a.formatChat)
		r.Post("/session/load", a.loadSession)
		r.Post("/session/save", a.saveSession)
		r.Get("/lora", a.getLora)
		r.Put("/lora", a.applyLora)
		r.Delete("/lora", a.removeLora)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unavailable"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON enforces the content type and body size limit and decodes into v.
// On failure it writes the error response and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// An oversized body surfaces here too; keep it a plain 400.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// lookup resolves the {id} route parameter to a live context.
func (a *api) lookup(w http.ResponseWriter, r *http.Request) (*manager.LlamaContext, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid context id")
		return nil, false
	}
	c, err := a.svc.Context(id)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return c, true
}

// resolveModel maps a registry id or name to its path; anything else is
// treated as a path.
func (a *api) resolveModel(ref string) string {
	if m, ok := registry.Find(a.models.Models(), ref); ok {
		return m.Path
	}
	return ref
}

func toContextResponse(c *manager.LlamaContext) types.ContextResponse {
	return types.ContextResponse{ID: c.ID, GPU: c.GPU, ReasonNoGPU: c.ReasonNoGPU, Model: c.Model}
}

// listModels godoc
// @Summary List models
// @Tags models
// @Produce json
// @Success 200 {object} types.ModelsResponse
// @Router /models [get]
func (a *api) listModels(w http.ResponseWriter, r *http.Request) {
	models := a.models.Models()
	if models == nil {
		models = []types.Model{}
	}
	writeJSON(w, http.StatusOK, types.ModelsResponse{Models: models})
}

// modelInfo godoc
// @Summary Read GGUF metadata without creating a context
// @Tags models
// @Produce json
// @Param path query string true "model path or id"
// @Success 200 {object} types.ModelInfoResponse
// @Router /models/info [get]
func (a *api) modelInfo(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("path")
	if ref == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	path := a.resolveModel(ref)
	md, err := a.svc.LoadModelInfo(r.Context(), path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.ModelInfoResponse{Path: fsutil.LocalPath(path), Metadata: md})
}

func (a *api) cpu(w http.ResponseWriter, r *http.Request) {
	f, err := a.svc.GetCPUFeatures(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (a *api) setLimit(w http.ResponseWriter, r *http.Request) {
	var req types.LimitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Limit < 0 {
		writeJSONError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}
	if err := a.svc.SetContextLimit(r.Context(), req.Limit); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) listSessions(w http.ResponseWriter, r *http.Request) {
	out := []types.SessionRecord{}
	if a.sessions != nil {
		recs, err := a.sessions.List(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		out = append(out, recs...)
	}
	writeJSON(w, http.StatusOK, types.SessionsResponse{Sessions: out})
}

// initContext godoc
// @Summary Create a context
// @Description With ?progress=1 the response is NDJSON: progress lines, then a context line.
// @Tags contexts
// @Accept json
// @Produce json
// @Param request body types.InitContextRequest true "context parameters"
// @Success 201 {object} types.ContextResponse
// @Failure 400 {object} types.ErrorResponse
// @Failure 409 {object} types.ErrorResponse
// @Failure 503 {object} types.ErrorResponse
// @Router /contexts [post]
func (a *api) initContext(w http.ResponseWriter, r *http.Request) {
	var req types.InitContextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	req.Model = a.resolveModel(req.Model)

	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	start := logStart(r, "init", -1)

	if r.URL.Query().Get("progress") != "1" {
		c, err := a.svc.InitLlama(ctx, req.ContextParams, nil)
		if err != nil {
			logEnd(r, "init", -1, writeError(w, err), start, err)
			return
		}
		writeJSON(w, http.StatusCreated, toContextResponse(c))
		logEnd(r, "init", c.ID, http.StatusCreated, start, nil)
		return
	}

	nw := newNDJSONWriter(w, nil)
	c, err := a.svc.InitLlama(ctx, req.ContextParams, func(p float64) {
		_ = nw.write(types.InitProgressLine{Progress: p})
	})
	if err != nil {
		logEnd(r, "init", -1, nw.fail(err), start, err)
		return
	}
	_ = nw.write(types.InitDoneLine{Context: toContextResponse(c)})
	logEnd(r, "init", c.ID, http.StatusOK, start, nil)
}

func (a *api) releaseAll(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.ReleaseAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) release(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if err := c.Release(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// completion godoc
// @Summary Run a completion
// @Description With stream=true the response is NDJSON: token lines, then a done line.
// @Tags contexts
// @Accept json
// @Produce json
// @Param id path int true "context id"
// @Param request body types.CompletionRequest true "completion parameters"
// @Success 200 {object} types.CompletionResult
// @Failure 400 {object} types.ErrorResponse
// @Failure 404 {object} types.ErrorResponse
// @Failure 429 {object} types.ErrorResponse
// @Router /contexts/{id}/completion [post]
func (a *api) completion(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req types.CompletionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// Join server base context with request context so shutdown cancels work too.
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	defer cancel()
	if completionTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, completionTimeout)
		defer tcancel()
	}
	start := logStart(r, "completion", c.ID)

	if !req.Stream {
		res, err := c.Completion(ctx, req.CompletionParams, nil)
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			logEnd(r, "completion", c.ID, writeError(w, err), start, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		logEnd(r, "completion", c.ID, http.StatusOK, start, nil)
		return
	}

	var tee io.Writer
	if requestLogLevel(r) >= LevelDebug {
		tee = &lineLogger{logger: requestLogger(r)}
	}
	nw := newNDJSONWriter(w, tee)
	res, err := c.Completion(ctx, req.CompletionParams, func(tok types.TokenData) {
		_ = nw.write(tok)
	})
	if err != nil {
		// Client went away: nothing left to tell it.
		if r.Context().Err() != nil {
			return
		}
		logEnd(r, "completion", c.ID, nw.fail(err), start, err)
		return
	}
	_ = nw.write(types.CompletionDoneLine{Done: true, Result: res})
	logEnd(r, "completion", c.ID, http.StatusOK, start, nil)
}

func (a *api) stop(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if err := c.StopCompletion(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) tokenize(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req types.TokenizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var (
		res types.TokenizeResult
		err error
	)
	if req.Sync {
		res, err = c.TokenizeSync(req.Text)
	} else {
		res, err = c.TokenizeAsync(r.Context(), req.Text)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) detokenize(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req types.DetokenizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	text, err := c.Detokenize(r.Context(), req.Tokens)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.DetokenizeResponse{Text: text})
}

func (a *api) embedding(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req types.EmbeddingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := c.Embedding(r.Context(), req.Text, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) bench(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req types.BenchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := c.Bench(r.Context(), req.PP, req.TG, req.PL, req.NR)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) formatChat(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req types.FormatChatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prompt, err := c.GetFormattedChat(r.Context(), req.Messages, req.Template)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.FormatChatResponse{Prompt: prompt})
}

func (a *api) loadSession(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req types.SessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	res, err := c.LoadSession(r.Context(), req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) saveSession(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req types.SessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	n, err := c.SaveSession(r.Context(), req.Path, &manager.SaveSessionOptions{TokenSize: req.TokenSize})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.SessionSaveResponse{Tokens: n})
}

func (a *api) getLora(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	list, err := c.GetLoadedLoraAdapters(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []types.LoraAdapter{}
	}
	writeJSON(w, http.StatusOK, types.LoraResponse{Adapters: list})
}

func (a *api) applyLora(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	var req types.LoraRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := c.ApplyLoraAdapters(r.Context(), req.Adapters); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) removeLora(w http.ResponseWriter, r *http.Request) {
	c, ok := a.lookup(w, r)
	if !ok {
		return
	}
	if err := c.RemoveLoraAdapters(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
