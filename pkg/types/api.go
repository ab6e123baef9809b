package types

// InitContextRequest is the body of POST /contexts.
type InitContextRequest struct {
	ContextParams
}

// ContextResponse describes a live context.
type ContextResponse struct {
	// Context id used in /contexts/{id}/... routes.
	// example: 42017
	ID int `json:"id" example:"42017"`
	// Whether GPU acceleration is active.
	GPU bool `json:"gpu"`
	// Why GPU acceleration is not active, when it is not.
	ReasonNoGPU string       `json:"reasonNoGPU,omitempty"`
	Model       ModelDetails `json:"model"`
}

// CompletionRequest is the body of POST /contexts/{id}/completion.
type CompletionRequest struct {
	CompletionParams
	// If true, stream NDJSON token lines before the final line.
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
}

// TokenizeRequest is the body of POST /contexts/{id}/tokenize.
type TokenizeRequest struct {
	// example: Hello world
	Text string `json:"text" example:"Hello world"`
	// Use the non-suspending engine call.
	Sync bool `json:"sync,omitempty"`
}

// DetokenizeRequest is the body of POST /contexts/{id}/detokenize.
type DetokenizeRequest struct {
	Tokens []int `json:"tokens"`
}

// DetokenizeResponse carries detokenized text.
type DetokenizeResponse struct {
	Text string `json:"text"`
}

// EmbeddingRequest is the body of POST /contexts/{id}/embedding.
type EmbeddingRequest struct {
	Text   string           `json:"text"`
	Params *EmbeddingParams `json:"params,omitempty"`
}

// BenchRequest is the body of POST /contexts/{id}/bench.
type BenchRequest struct {
	PP int `json:"pp" example:"512"`
	TG int `json:"tg" example:"128"`
	PL int `json:"pl" example:"1"`
	NR int `json:"nr" example:"3"`
}

// FormatChatRequest is the body of POST /contexts/{id}/chat/format.
type FormatChatRequest struct {
	Messages []ChatMessage `json:"messages"`
	Template string        `json:"template,omitempty"`
}

// FormatChatResponse carries a formatted prompt.
type FormatChatResponse struct {
	Prompt string `json:"prompt"`
}

// SessionRequest is the body of the session load/save routes.
type SessionRequest struct {
	// example: /data/sessions/chat-1.bin
	Path string `json:"path" example:"/data/sessions/chat-1.bin"`
	// Token limit on save; 0 or omitted means no limit.
	TokenSize int `json:"tokenSize,omitempty"`
}

// SessionSaveResponse reports a saved session.
type SessionSaveResponse struct {
	Tokens int `json:"tokens"`
}

// LoraRequest is the body of PUT /contexts/{id}/lora.
type LoraRequest struct {
	Adapters []LoraAdapter `json:"adapters"`
}

// LoraResponse lists loaded adapters.
type LoraResponse struct {
	Adapters []LoraAdapter `json:"adapters"`
}

// LimitRequest is the body of POST /limit.
type LimitRequest struct {
	// example: 4
	Limit int `json:"limit" example:"4"`
}

// ModelsResponse wraps the list of models returned by GET /models.
type ModelsResponse struct {
	// List of available models.
	Models []Model `json:"models"`
}

// ModelInfoResponse wraps GGUF metadata returned by GET /models/info.
type ModelInfoResponse struct {
	Path     string         `json:"path"`
	Metadata map[string]any `json:"metadata"`
}

// SessionRecord is one entry of the saved-session catalog.
type SessionRecord struct {
	Path      string `json:"path"`
	ContextID int    `json:"context_id"`
	Model     string `json:"model"`
	TokenSize int    `json:"token_size"`
	Tokens    int    `json:"tokens"`
	SavedUnix int64  `json:"saved_unix"`
}

// SessionsResponse lists saved sessions.
type SessionsResponse struct {
	Sessions []SessionRecord `json:"sessions"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// ContextStatus summarizes a live context for /status.
type ContextStatus struct {
	// example: 42017
	ID int `json:"id" example:"42017"`
	// Model path the context was created from.
	Model string `json:"model"`
	GPU   bool   `json:"gpu"`
	// Time the context was created (unix seconds).
	// example: 1700000000
	CreatedUnix int64 `json:"created_unix" example:"1700000000"`
	// Last time a completion was admitted (unix seconds).
	// example: 1700000000
	LastUsed int64 `json:"last_used_unix" example:"1700000000"`
	// Completions waiting for the in-flight slot, including the in-flight one.
	QueueLen int `json:"queue_len"`
	// Completions currently running (0 or 1).
	Inflight int `json:"inflight"`
	// Maximum queued completions allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Live contexts.
	Contexts []ContextStatus `json:"contexts"`
	// Engine kind (server, subprocess, inprocess).
	// example: subprocess
	Engine string `json:"engine" example:"subprocess"`
	// Maximum live contexts enforced by the engine (0 = unlimited).
	ContextLimit int `json:"context_limit"`
	// Last error observed by the manager (if any).
	LastError string `json:"last_error,omitempty"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
	// Total number of contexts created.
	InitsTotal uint64 `json:"inits_total"`
	// Total number of completions finished (success or error).
	CompletionsTotal uint64 `json:"completions_total"`
}

// InitProgressLine is streamed by POST /contexts?progress=1 while the context loads.
type InitProgressLine struct {
	// example: 0.5
	Progress float64 `json:"progress" example:"0.5"`
}

// InitDoneLine ends a POST /contexts?progress=1 stream.
type InitDoneLine struct {
	Context ContextResponse `json:"context"`
}

// CompletionDoneLine ends a streamed completion.
type CompletionDoneLine struct {
	Done   bool             `json:"done"`
	Result CompletionResult `json:"result"`
}
