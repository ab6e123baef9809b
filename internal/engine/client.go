package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"llamactx/pkg/types"
)

// llamaClient speaks the native llama-server HTTP API.
type llamaClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func newHTTPClient(connectTimeout time.Duration) *http.Client {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// Timeout stays 0: deadlines come from request contexts.
	return &http.Client{Transport: tr, Timeout: 0}
}

func newLlamaClient(baseURL, apiKey string, hc *http.Client) *llamaClient {
	return &llamaClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, httpClient: hc}
}

type httpStatusError struct {
	status string
	code   int
	body   string
}

func (e httpStatusError) Error() string {
	return "llama-server http error: " + e.status + ": " + e.body
}

func (c *llamaClient) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *llamaClient) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "llama-server %s %s", method, path)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return httpStatusError{status: resp.Status, code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "llama-server %s %s: decode", method, path)
	}
	return nil
}

// health reports whether the server has finished loading its model.
func (c *llamaClient) health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

type serverProps struct {
	ChatTemplate string `json:"chat_template"`
	ModelPath    string `json:"model_path"`
	TotalSlots   int    `json:"total_slots"`
	BuildInfo    string `json:"build_info"`
	DefaultGen   struct {
		NCtx int `json:"n_ctx"`
	} `json:"default_generation_settings"`
}

func (c *llamaClient) props(ctx context.Context) (serverProps, error) {
	var p serverProps
	err := c.do(ctx, http.MethodGet, "/props", nil, &p)
	return p, err
}

// completionRequest is the /completion payload.
type completionRequest struct {
	Prompt           string          `json:"prompt"`
	Stream           bool            `json:"stream"`
	CachePrompt      bool            `json:"cache_prompt"`
	NPredict         int             `json:"n_predict,omitempty"`
	NProbs           int             `json:"n_probs,omitempty"`
	Temperature      float64         `json:"temperature,omitempty"`
	TopK             int             `json:"top_k,omitempty"`
	TopP             float64         `json:"top_p,omitempty"`
	MinP             float64         `json:"min_p,omitempty"`
	Seed             int64           `json:"seed,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	RepeatLastN      int             `json:"repeat_last_n,omitempty"`
	RepeatPenalty    float64         `json:"repeat_penalty,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  float64         `json:"presence_penalty,omitempty"`
	Grammar          string          `json:"grammar,omitempty"`
	IgnoreEOS        bool            `json:"ignore_eos,omitempty"`
	JSONSchema       json.RawMessage `json:"json_schema,omitempty"`
}

func newCompletionRequest(p CompletionParams) completionRequest {
	s := p.SamplingOptions
	req := completionRequest{
		Prompt:           p.Prompt,
		Stream:           p.EmitPartialCompletion,
		CachePrompt:      true,
		NPredict:         s.NPredict,
		NProbs:           s.NProbs,
		Temperature:      s.Temperature,
		TopK:             s.TopK,
		TopP:             s.TopP,
		MinP:             s.MinP,
		Seed:             s.Seed,
		Stop:             s.Stop,
		RepeatLastN:      s.PenaltyLastN,
		RepeatPenalty:    s.PenaltyRepeat,
		FrequencyPenalty: s.PenaltyFreq,
		PresencePenalty:  s.PenaltyPresent,
		Grammar:          s.Grammar,
		IgnoreEOS:        s.IgnoreEOS,
	}
	if len(p.JSONSchema) > 0 {
		req.JSONSchema = json.RawMessage(p.JSONSchema)
	}
	return req
}

// completionChunk is one streamed chunk, or the whole non-streamed response.
type completionChunk struct {
	Content                 string                  `json:"content"`
	Stop                    bool                    `json:"stop"`
	CompletionProbabilities []types.TokenProb       `json:"completion_probabilities"`
	TokensPredicted         int                     `json:"tokens_predicted"`
	TokensEvaluated         int                     `json:"tokens_evaluated"`
	TokensCached            int                     `json:"tokens_cached"`
	Truncated               bool                    `json:"truncated"`
	StoppedEOS              bool                    `json:"stopped_eos"`
	StoppedWord             bool                    `json:"stopped_word"`
	StoppedLimit            bool                    `json:"stopped_limit"`
	StoppingWord            string                  `json:"stopping_word"`
	Timings                 types.CompletionTimings `json:"timings"`
}

func (ch completionChunk) finish(text string, probs []types.TokenProb) types.CompletionResult {
	return types.CompletionResult{
		Text:                    text,
		CompletionProbabilities: probs,
		TokensPredicted:         ch.TokensPredicted,
		TokensEvaluated:         ch.TokensEvaluated,
		TokensCached:            ch.TokensCached,
		Truncated:               ch.Truncated,
		StoppedEOS:              ch.StoppedEOS,
		StoppedWord:             ch.StoppedWord,
		StoppedLimit:            ch.StoppedLimit,
		StoppingWord:            ch.StoppingWord,
		Timings:                 ch.Timings,
	}
}

// complete runs /completion. When streaming, onToken is invoked for every
// chunk that carries content. A canceled ctx after at least one chunk yields
// the partial result with Interrupted set and the ctx error.
func (c *llamaClient) complete(ctx context.Context, p CompletionParams, onToken func(types.TokenData)) (types.CompletionResult, error) {
	body := newCompletionRequest(p)
	if !body.Stream {
		var ch completionChunk
		if err := c.do(ctx, http.MethodPost, "/completion", body, &ch); err != nil {
			return types.CompletionResult{}, err
		}
		return ch.finish(ch.Content, ch.CompletionProbabilities), nil
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/completion", body)
	if err != nil {
		return types.CompletionResult{}, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return types.CompletionResult{}, ctx.Err()
		}
		return types.CompletionResult{}, errors.Wrap(err, "llama-server completion")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return types.CompletionResult{}, httpStatusError{status: resp.Status, code: resp.StatusCode, body: strings.TrimSpace(string(b))}
	}

	var (
		text  strings.Builder
		probs []types.TokenProb
		last  completionChunk
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var ch completionChunk
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			return types.CompletionResult{}, errors.Wrap(err, "llama-server completion: decode chunk")
		}
		if ch.Content != "" || len(ch.CompletionProbabilities) > 0 {
			text.WriteString(ch.Content)
			probs = append(probs, ch.CompletionProbabilities...)
			if onToken != nil {
				onToken(types.TokenData{Token: ch.Content, CompletionProbabilities: ch.CompletionProbabilities})
			}
		}
		if ch.Stop {
			last = ch
			break
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			res := last.finish(text.String(), probs)
			res.Interrupted = true
			return res, ctx.Err()
		}
		return types.CompletionResult{}, errors.Wrap(err, "llama-server completion: read stream")
	}
	if ctx.Err() != nil {
		res := last.finish(text.String(), probs)
		res.Interrupted = true
		return res, ctx.Err()
	}
	return last.finish(text.String(), probs), nil
}

func (c *llamaClient) tokenize(ctx context.Context, text string) ([]int, error) {
	var out struct {
		Tokens []int `json:"tokens"`
	}
	err := c.do(ctx, http.MethodPost, "/tokenize", map[string]any{"content": text}, &out)
	if out.Tokens == nil {
		out.Tokens = []int{}
	}
	return out.Tokens, err
}

func (c *llamaClient) detokenize(ctx context.Context, tokens []int) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, http.MethodPost, "/detokenize", map[string]any{"tokens": tokens}, &out)
	return out.Content, err
}

// embedding accepts both the legacy {"embedding":[...]} and the list form
// [{"index":0,"embedding":[[...]]}] answered by newer servers.
func (c *llamaClient) embedding(ctx context.Context, text string, p types.EmbeddingParams) ([]float64, error) {
	body := map[string]any{"content": text}
	if p.EmbdNormalize != nil {
		body["embd_normalize"] = *p.EmbdNormalize
	}
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/embedding", body, &raw); err != nil {
		return nil, err
	}
	return decodeEmbedding(raw)
}

func decodeEmbedding(raw json.RawMessage) ([]float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("llama-server embedding: empty response")
	}
	if trimmed[0] == '{' {
		var obj struct {
			Embedding []float64 `json:"embedding"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, errors.Wrap(err, "llama-server embedding: decode")
		}
		return obj.Embedding, nil
	}
	var list []struct {
		Embedding json.RawMessage `json:"embedding"`
	}
	if err := json.Unmarshal(trimmed, &list); err != nil {
		return nil, errors.Wrap(err, "llama-server embedding: decode")
	}
	if len(list) == 0 {
		return nil, errors.New("llama-server embedding: no results")
	}
	var nested [][]float64
	if err := json.Unmarshal(list[0].Embedding, &nested); err == nil && len(nested) > 0 {
		return nested[0], nil
	}
	var flat []float64
	if err := json.Unmarshal(list[0].Embedding, &flat); err != nil {
		return nil, errors.Wrap(err, "llama-server embedding: decode vector")
	}
	return flat, nil
}

func (c *llamaClient) applyTemplate(ctx context.Context, messages []types.ChatMessage) (string, error) {
	var out struct {
		Prompt string `json:"prompt"`
	}
	err := c.do(ctx, http.MethodPost, "/apply-template", map[string]any{"messages": messages}, &out)
	return out.Prompt, err
}

type slotSaveResult struct {
	NSaved   int `json:"n_saved"`
	NWritten int `json:"n_written"`
}

type slotRestoreResult struct {
	NRestored int `json:"n_restored"`
	NRead     int `json:"n_read"`
}

func (c *llamaClient) slotSave(ctx context.Context, filename string) (slotSaveResult, error) {
	var out slotSaveResult
	err := c.do(ctx, http.MethodPost, "/slots/0?action=save", map[string]any{"filename": filename}, &out)
	return out, err
}

func (c *llamaClient) slotRestore(ctx context.Context, filename string) (slotRestoreResult, error) {
	var out slotRestoreResult
	err := c.do(ctx, http.MethodPost, "/slots/0?action=restore", map[string]any{"filename": filename}, &out)
	return out, err
}

type serverLora struct {
	ID    int     `json:"id"`
	Path  string  `json:"path,omitempty"`
	Scale float64 `json:"scale"`
}

func (c *llamaClient) loraAdapters(ctx context.Context) ([]serverLora, error) {
	var out []serverLora
	err := c.do(ctx, http.MethodGet, "/lora-adapters", nil, &out)
	return out, err
}

func (c *llamaClient) setLoraAdapters(ctx context.Context, list []serverLora) error {
	body := make([]map[string]any, 0, len(list))
	for _, l := range list {
		body = append(body, map[string]any{"id": l.ID, "scale": l.Scale})
	}
	return c.do(ctx, http.MethodPost, "/lora-adapters", body, nil)
}

func (c *llamaClient) host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL
	}
	return u.Host
}
