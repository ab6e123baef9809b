//go:build !llama

package engine

import (
	"context"

	"llamactx/pkg/types"
)

// localContext has no resources without the llama tag; no instance is ever created.
type localContext struct {
	lora []types.LoraAdapter
}

func (lc *localContext) free() {}

const notBuilt = "llama support not built (missing 'llama' build tag)"

func (e *InProcessEngine) InitContext(context.Context, int, InitParams) (InitResult, error) {
	return InitResult{}, ErrDependencyUnavailable(notBuilt)
}

func (e *InProcessEngine) Completion(_ context.Context, id int, _ CompletionParams) (types.CompletionResult, error) {
	return types.CompletionResult{}, ErrUnknownContext(id)
}

func (e *InProcessEngine) StopCompletion(_ context.Context, id int) error {
	return ErrUnknownContext(id)
}

func (e *InProcessEngine) TokenizeAsync(_ context.Context, id int, _ string) (types.TokenizeResult, error) {
	return types.TokenizeResult{}, ErrUnknownContext(id)
}

func (e *InProcessEngine) Embedding(_ context.Context, id int, _ string, _ types.EmbeddingParams) (types.EmbeddingResult, error) {
	return types.EmbeddingResult{}, ErrUnknownContext(id)
}

func (e *InProcessEngine) LoadSession(_ context.Context, id int, _ string) (types.SessionLoadResult, error) {
	return types.SessionLoadResult{}, ErrUnknownContext(id)
}

func (e *InProcessEngine) SaveSession(_ context.Context, id int, _ string, _ int) (int, error) {
	return 0, ErrUnknownContext(id)
}
