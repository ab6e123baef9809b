// Package engine is the boundary to the inference runtime. Every Engine
// method addresses one context by the integer id the caller allocated; the
// engine publishes initialization progress and streamed tokens for that id on
// the events.Bus it was constructed with.
//
// Three implementations exist:
//
//   - ServerEngine: every context shares one running llama-server.
//   - SubprocessEngine: one llama-server process is spawned per context.
//   - InProcessEngine: go-llama.cpp bindings, built with `-tags=llama`.
//     Without the tag a stub returns ErrDependencyUnavailable.
package engine

import (
	"context"

	"llamactx/pkg/types"
)

// Kind names an engine implementation.
type Kind string

const (
	KindServer     Kind = "server"
	KindSubprocess Kind = "subprocess"
	KindInProcess  Kind = "inprocess"
)

// InitParams are the normalized context creation parameters.
type InitParams struct {
	ModelPath           string
	IsModelAsset        bool
	UseProgressCallback bool
	// PoolingType is the numeric pooling code; nil leaves the engine default.
	PoolingType *int
	Lora        string
	LoraList    []types.LoraAdapter
	Options     types.ContextOptions
}

// InitResult is what the engine reports for a created context.
type InitResult struct {
	GPU         bool
	ReasonNoGPU string
	Model       types.ModelDetails
}

// CompletionParams carry a resolved prompt to the engine.
type CompletionParams struct {
	Prompt string
	// EmitPartialCompletion requests a token event per generated token.
	EmitPartialCompletion bool
	JSONSchema            []byte
	types.SamplingOptions
}

// Engine is the call contract of the inference boundary.
type Engine interface {
	Kind() Kind

	InitContext(ctx context.Context, id int, p InitParams) (InitResult, error)
	// Completion runs until generation ends, the context is stopped, or ctx is done.
	// A stopped completion returns its partial result with Interrupted set.
	Completion(ctx context.Context, id int, p CompletionParams) (types.CompletionResult, error)
	StopCompletion(ctx context.Context, id int) error

	TokenizeAsync(ctx context.Context, id int, text string) (types.TokenizeResult, error)
	// TokenizeSync does not block on the engine's request queue.
	TokenizeSync(id int, text string) (types.TokenizeResult, error)
	Detokenize(ctx context.Context, id int, tokens []int) (string, error)
	Embedding(ctx context.Context, id int, text string, p types.EmbeddingParams) (types.EmbeddingResult, error)
	// Bench returns a JSON array: [modelDesc, modelSize, modelNParams, ppAvg, ppStd, tgAvg, tgStd].
	Bench(ctx context.Context, id int, pp, tg, pl, nr int) (string, error)
	GetFormattedChat(ctx context.Context, id int, messages []types.ChatMessage, template string) (string, error)

	LoadSession(ctx context.Context, id int, path string) (types.SessionLoadResult, error)
	// SaveSession returns the number of tokens saved. tokenSize < 0 means no limit.
	SaveSession(ctx context.Context, id int, path string, tokenSize int) (int, error)

	ApplyLoraAdapters(ctx context.Context, id int, adapters []types.LoraAdapter) error
	RemoveLoraAdapters(ctx context.Context, id int) error
	GetLoadedLoraAdapters(ctx context.Context, id int) ([]types.LoraAdapter, error)

	ReleaseContext(ctx context.Context, id int) error
	ReleaseAllContexts(ctx context.Context) error

	ModelInfo(ctx context.Context, path string, skip []string) (map[string]any, error)
	GetCPUFeatures(ctx context.Context) (types.CPUFeatures, error)
	SetContextLimit(ctx context.Context, limit int) error
}
