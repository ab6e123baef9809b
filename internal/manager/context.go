package manager

import (
	"context"
	"sync/atomic"
	"time"

	"llamactx/internal/engine"
	"llamactx/pkg/types"
)

// LlamaContext is the handle of one engine context. It is created by
// InitLlama and stays valid until Release or Manager.ReleaseAll; afterwards
// operations fail with the engine's unknown-context error.
type LlamaContext struct {
	ID          int
	GPU         bool
	ReasonNoGPU string
	Model       types.ModelDetails
	ModelPath   string
	Created     time.Time

	m *Manager
	// Queueing primitives
	genCh    chan struct{} // size 1: single in-flight completion
	queueCh  chan struct{} // buffered: queue slots
	lastUsed atomic.Int64
}

func newLlamaContext(m *Manager, id int, modelPath string, res engine.InitResult) *LlamaContext {
	c := &LlamaContext{
		ID:          id,
		GPU:         res.GPU,
		ReasonNoGPU: res.ReasonNoGPU,
		Model:       res.Model,
		ModelPath:   modelPath,
		Created:     time.Now(),
		m:           m,
		genCh:       make(chan struct{}, 1),
		queueCh:     make(chan struct{}, m.maxQueueDepth),
	}
	c.lastUsed.Store(c.Created.Unix())
	return c
}

// LastUsed is when the context last admitted a completion.
func (c *LlamaContext) LastUsed() time.Time {
	return time.Unix(c.lastUsed.Load(), 0)
}

// TokenizeAsync tokenizes text through the engine's request queue.
func (c *LlamaContext) TokenizeAsync(ctx context.Context, text string) (types.TokenizeResult, error) {
	return c.m.eng.TokenizeAsync(ctx, c.ID, text)
}

// TokenizeSync tokenizes text without waiting behind queued engine work.
func (c *LlamaContext) TokenizeSync(text string) (types.TokenizeResult, error) {
	return c.m.eng.TokenizeSync(c.ID, text)
}

func (c *LlamaContext) Detokenize(ctx context.Context, tokens []int) (string, error) {
	return c.m.eng.Detokenize(ctx, c.ID, tokens)
}

// Embedding computes the embedding of text. Nil params mean engine defaults.
func (c *LlamaContext) Embedding(ctx context.Context, text string, p *types.EmbeddingParams) (types.EmbeddingResult, error) {
	var ep types.EmbeddingParams
	if p != nil {
		ep = *p
	}
	return c.m.eng.Embedding(ctx, c.ID, text, ep)
}

// StopCompletion asks the engine to end the in-flight completion early. The
// completion still settles through its own call, including listener cleanup.
func (c *LlamaContext) StopCompletion(ctx context.Context) error {
	return c.m.eng.StopCompletion(ctx, c.ID)
}

// Release frees the engine context. The id leaves the live set when the
// engine succeeds or no longer knows it.
func (c *LlamaContext) Release(ctx context.Context) error {
	err := c.m.eng.ReleaseContext(ctx, c.ID)
	if err != nil && !engine.IsUnknownContext(err) {
		c.m.logger.Error().Err(err).Int("ctx_id", c.ID).Msg("manager event=release_error")
		return err
	}
	c.m.forget(c.ID)
	c.m.logger.Info().Int("ctx_id", c.ID).Msg("manager event=release")
	c.m.pub.Publish(Event{Name: EventRelease, ContextID: c.ID})
	return err
}
