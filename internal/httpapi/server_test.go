package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"llamactx/internal/engine"
	"llamactx/internal/engine/enginetest"
	"llamactx/internal/events"
	"llamactx/internal/manager"
	"llamactx/pkg/types"
)

var errTest = errors.New("boom")

type fixedSessions []types.SessionRecord

func (s fixedSessions) List(context.Context) ([]types.SessionRecord, error) { return s, nil }

func newTestServer(t *testing.T, opts Options) (http.Handler, *manager.Manager, *enginetest.Fake) {
	t.Helper()
	bus := events.NewGoChannelBus(zerolog.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	fe := enginetest.New(bus)
	m := manager.NewWithConfig(manager.ManagerConfig{Engine: fe, Bus: bus, Deterministic: true, MaxWait: time.Second})
	return NewMux(m, opts), m, fe
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func ndjsonLines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		var v map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &v), "line %q", sc.Text())
		out = append(out, v)
	}
	return out
}

func TestInitContext_Created(t *testing.T) {
	h, m, fe := newTestServer(t, Options{})
	rr := doJSON(t, h, http.MethodPost, "/contexts", `{"model":"file:///m/tiny.gguf"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp types.ContextResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 0, resp.ID)
	require.Equal(t, "fake", resp.Model.Desc)
	require.Equal(t, "/m/tiny.gguf", fe.LastInit.ModelPath)
	require.False(t, fe.LastInit.UseProgressCallback)
	require.Len(t, m.Contexts(), 1)
}

func TestInitContext_ResolvesRegistryID(t *testing.T) {
	models := StaticModels{{ID: "tiny.gguf", Name: "tiny", Path: "/models/tiny.gguf"}}
	h, _, fe := newTestServer(t, Options{Models: models})
	rr := doJSON(t, h, http.MethodPost, "/contexts", `{"model":"tiny"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "/models/tiny.gguf", fe.LastInit.ModelPath)
}

func TestInitContext_ProgressStream(t *testing.T) {
	h, _, _ := newTestServer(t, Options{})
	rr := doJSON(t, h, http.MethodPost, "/contexts?progress=1", `{"model":"/m.gguf"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))

	lines := ndjsonLines(t, rr.Body.String())
	require.Len(t, lines, 4)
	for i, want := range []float64{0, 0.5, 1} {
		require.Equal(t, want, lines[i]["progress"])
	}
	ctx, ok := lines[3]["context"].(map[string]any)
	require.True(t, ok, "last line: %v", lines[3])
	require.Equal(t, float64(0), ctx["id"])
}

func TestInitContext_ProgressStreamFailure(t *testing.T) {
	h, _, fe := newTestServer(t, Options{})
	fe.InitErr = engine.ErrDependencyUnavailable("no llama-server")
	rr := doJSON(t, h, http.MethodPost, "/contexts?progress=1", `{"model":"/m.gguf"}`)

	// Progress was already streamed, so the failure arrives as the last line.
	require.Equal(t, http.StatusOK, rr.Code)
	lines := ndjsonLines(t, rr.Body.String())
	require.NotEmpty(t, lines)
	last := lines[len(lines)-1]
	require.Equal(t, float64(http.StatusServiceUnavailable), last["code"])
	require.Contains(t, last["error"], "no llama-server")
}

func TestInitContext_BadRequests(t *testing.T) {
	h, _, _ := newTestServer(t, Options{})

	rr := doJSON(t, h, http.MethodPost, "/contexts", `{"model":"  "}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/contexts", `{not json`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/contexts", strings.NewReader(`{"model":"/m.gguf"}`))
	req.Header.Set("Content-Type", "text/plain")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestCompletion_Streams(t *testing.T) {
	h, _, fe := newTestServer(t, Options{})
	fe.Tokens = []string{"Hel", "lo"}
	require.Equal(t, http.StatusCreated, doJSON(t, h, http.MethodPost, "/contexts", `{"model":"/m.gguf"}`).Code)

	rr := doJSON(t, h, http.MethodPost, "/contexts/0/completion", `{"prompt":"hi","stream":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/x-ndjson", rr.Header().Get("Content-Type"))

	lines := ndjsonLines(t, rr.Body.String())
	require.Len(t, lines, 3)
	require.Equal(t, "Hel", lines[0]["token"])
	require.Equal(t, "lo", lines[1]["token"])
	require.Equal(t, true, lines[2]["done"])
	res := lines[2]["result"].(map[string]any)
	require.Equal(t, "Hello", res["text"])
	require.True(t, fe.LastComp.EmitPartialCompletion)
}

func TestCompletion_JSON(t *testing.T) {
	h, _, fe := newTestServer(t, Options{})
	fe.Tokens = []string{"ok"}
	require.Equal(t, http.StatusCreated, doJSON(t, h, http.MethodPost, "/contexts", `{"model":"/m.gguf"}`).Code)

	rr := doJSON(t, h, http.MethodPost, "/contexts/0/completion", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var res types.CompletionResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	require.Equal(t, "ok", res.Text)
	require.False(t, fe.LastComp.EmitPartialCompletion)
}

func TestCompletion_Errors(t *testing.T) {
	h, _, fe := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, doJSON(t, h, http.MethodPost, "/contexts", `{"model":"/m.gguf"}`).Code)

	rr := doJSON(t, h, http.MethodPost, "/contexts/0/completion", `{"prompt":""}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/contexts/9/completion", `{"prompt":"x"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/contexts/abc/completion", `{"prompt":"x"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	// Failure before any token: plain JSON error even when streaming was requested.
	fe.CompErr = errTest
	rr = doJSON(t, h, http.MethodPost, "/contexts/0/completion", `{"prompt":"x","stream":true}`)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	var e types.ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &e))
	require.Equal(t, "boom", e.Error)
}

func TestContextOps(t *testing.T) {
	h, _, fe := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, doJSON(t, h, http.MethodPost, "/contexts", `{"model":"/m.gguf"}`).Code)

	rr := doJSON(t, h, http.MethodPost, "/contexts/0/tokenize", `{"text":"abc","sync":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, fe.Calls(), "tokenize_sync")

	rr = doJSON(t, h, http.MethodPost, "/contexts/0/detokenize", `{"tokens":[1,2]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"text":"text"}`, rr.Body.String())

	rr = doJSON(t, h, http.MethodPost, "/contexts/0/embedding", `{"text":"abc"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/contexts/0/bench", `{"pp":512,"tg":128,"pl":1,"nr":1}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var bench types.BenchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &bench))
	require.Equal(t, "llama 1B Q4_K", bench.ModelDesc)

	rr = doJSON(t, h, http.MethodPost, "/contexts/0/chat/format", `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"prompt":"user:hi\n"}`, rr.Body.String())

	rr = doJSON(t, h, http.MethodPost, "/contexts/0/stop", "")
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestSessions(t *testing.T) {
	recs := fixedSessions{{Path: "/s/a.bin", ContextID: 0, Tokens: 42}}
	h, _, fe := newTestServer(t, Options{Sessions: recs})
	require.Equal(t, http.StatusCreated, doJSON(t, h, http.MethodPost, "/contexts", `{"model":"/m.gguf"}`).Code)

	rr := doJSON(t, h, http.MethodPost, "/contexts/0/session/save", `{"path":"file:///s/a.bin"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"tokens":42}`, rr.Body.String())
	require.Equal(t, "/s/a.bin", fe.LastPath)
	require.Equal(t, -1, fe.LastTokenSize)

	rr = doJSON(t, h, http.MethodPost, "/contexts/0/session/load", `{"path":"/s/a.bin"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, h, http.MethodPost, "/contexts/0/session/load", `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/sessions", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list types.SessionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list.Sessions, 1)
}

func TestLora(t *testing.T) {
	h, _, fe := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, doJSON(t, h, http.MethodPost, "/contexts", `{"model":"/m.gguf"}`).Code)

	rr := doJSON(t, h, http.MethodPut, "/contexts/0/lora", `{"adapters":[{"path":"file:///a.gguf","scaled":0.5}]}`)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, []types.LoraAdapter{{Path: "/a.gguf", Scaled: 0.5}}, fe.LastLora)

	rr = doJSON(t, h, http.MethodGet, "/contexts/0/lora", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"adapters":[{"path":"/a.gguf","scaled":0.5}]}`, rr.Body.String())

	rr = doJSON(t, h, http.MethodDelete, "/contexts/0/lora", "")
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/contexts/0/lora", "")
	require.JSONEq(t, `{"adapters":[]}`, rr.Body.String())
}

func TestRelease(t *testing.T) {
	h, m, _ := newTestServer(t, Options{})
	require.Equal(t, http.StatusCreated, doJSON(t, h, http.MethodPost, "/contexts", `{"model":"/m.gguf"}`).Code)
	require.Equal(t, http.StatusCreated, doJSON(t, h, http.MethodPost, "/contexts", `{"model":"/m.gguf"}`).Code)

	require.Equal(t, http.StatusNoContent, doJSON(t, h, http.MethodDelete, "/contexts/0", "").Code)
	require.Equal(t, http.StatusNotFound, doJSON(t, h, http.MethodDelete, "/contexts/0", "").Code)
	require.Len(t, m.Contexts(), 1)

	require.Equal(t, http.StatusNoContent, doJSON(t, h, http.MethodDelete, "/contexts", "").Code)
	require.Empty(t, m.Contexts())
}

func TestModelsAndInfo(t *testing.T) {
	models := StaticModels{{ID: "tiny.gguf", Name: "tiny", Path: "/models/tiny.gguf"}}
	h, _, fe := newTestServer(t, Options{Models: models})

	rr := doJSON(t, h, http.MethodGet, "/models", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var list types.ModelsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, []types.Model(models), list.Models)

	rr = doJSON(t, h, http.MethodGet, "/models/info?path=tiny.gguf", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "/models/tiny.gguf", fe.LastPath)
	require.Equal(t, engine.TokenizerSkipKeys, fe.LastSkip)

	rr = doJSON(t, h, http.MethodGet, "/models/info", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestModels_EmptyListIsArray(t *testing.T) {
	h, _, _ := newTestServer(t, Options{})
	rr := doJSON(t, h, http.MethodGet, "/models", "")
	require.JSONEq(t, `{"models":[]}`, rr.Body.String())
}

func TestLimitAndCPU(t *testing.T) {
	h, _, fe := newTestServer(t, Options{})

	require.Equal(t, http.StatusBadRequest, doJSON(t, h, http.MethodPost, "/limit", `{"limit":-1}`).Code)
	require.Equal(t, http.StatusNoContent, doJSON(t, h, http.MethodPost, "/limit", `{"limit":3}`).Code)
	require.Equal(t, 3, fe.Limit)

	rr := doJSON(t, h, http.MethodGet, "/cpu", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var f types.CPUFeatures
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &f))
	require.True(t, f.AVX2)
}

func TestHealthReadyStatus(t *testing.T) {
	h, _, fe := newTestServer(t, Options{})

	rr := doJSON(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	require.Equal(t, http.StatusOK, doJSON(t, h, http.MethodGet, "/readyz", "").Code)

	fe.InitErr = errTest
	require.Equal(t, http.StatusInternalServerError, doJSON(t, h, http.MethodPost, "/contexts", `{"model":"/m.gguf"}`).Code)
	require.Equal(t, http.StatusServiceUnavailable, doJSON(t, h, http.MethodGet, "/readyz", "").Code)

	rr = doJSON(t, h, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var st types.StatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &st))
	require.Equal(t, "boom", st.LastError)
}

type codedErr struct{}

func (codedErr) Error() string   { return "teapot" }
func (codedErr) StatusCode() int { return http.StatusTeapot }

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{manager.ErrInvalidArgument("x"), http.StatusBadRequest},
		{manager.ErrContextNotFound(3), http.StatusNotFound},
		{engine.ErrUnknownContext(3), http.StatusNotFound},
		{engine.ErrDependencyUnavailable("bin"), http.StatusServiceUnavailable},
		{engine.ErrUnsupported("bench"), http.StatusNotImplemented},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{codedErr{}, http.StatusTeapot},
		{errTest, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), "err=%v", tc.err)
	}
}
