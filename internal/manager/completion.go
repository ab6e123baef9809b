package manager

import (
	"context"
	"sync"
	"time"

	"llamactx/internal/engine"
	"llamactx/internal/events"
	"llamactx/internal/schema"
	"llamactx/pkg/types"
)

// Completion outcomes recorded in metrics and lifecycle events.
const (
	outcomeOK          = "ok"
	outcomeInterrupted = "interrupted"
	outcomeError       = "error"
	outcomeRejected    = "rejected"
)

// Completion generates text for p. Messages, when set, take precedence over
// Prompt and are formatted with GetFormattedChat; an empty list still wins. When onToken is set it is
// called, in order, for every token the engine streams for this context; no
// token from another context reaches it, and it is never called after
// Completion returns. Canceling ctx stops the engine-side generation.
//
// An empty prompt or an invalid JSON schema fails with an InvalidArgument
// error before the engine is involved. Engine errors are returned unchanged.
func (c *LlamaContext) Completion(ctx context.Context, p types.CompletionParams, onToken func(types.TokenData)) (types.CompletionResult, error) {
	m := c.m
	prompt := p.Prompt
	if p.Messages != nil {
		formatted, err := c.GetFormattedChat(ctx, p.Messages, p.ChatTemplate)
		if err != nil {
			return types.CompletionResult{}, err
		}
		prompt = formatted
	}
	if prompt == "" {
		return types.CompletionResult{}, ErrInvalidArgument("prompt is required")
	}
	var rawSchema []byte
	if len(p.JSONSchema) > 0 {
		s, err := schema.Compile(p.JSONSchema)
		if err != nil {
			return types.CompletionResult{}, ErrInvalidArgument("json_schema: " + err.Error())
		}
		rawSchema = s.Raw()
	}

	release, err := m.beginGeneration(ctx, c)
	if err != nil {
		if IsTooBusy(err) {
			completionsTotal.WithLabelValues(outcomeRejected).Inc()
		}
		return types.CompletionResult{}, err
	}
	defer release()

	if onToken != nil {
		sub, err := m.bus.Subscribe(events.TopicToken, func(e events.Event) {
			if e.ContextID != c.ID || e.Token == nil {
				return
			}
			tokensTotal.Inc()
			onToken(*e.Token)
		})
		if err != nil {
			return types.CompletionResult{}, err
		}
		activeListeners.Inc()
		defer func() {
			sub.Cancel()
			activeListeners.Dec()
		}()
	}

	stop := context.AfterFunc(ctx, func() {
		if err := m.eng.StopCompletion(context.Background(), c.ID); err != nil {
			m.logger.Debug().Err(err).Int("ctx_id", c.ID).Msg("manager event=stop_on_cancel")
		}
	})
	defer stop()

	m.pub.Publish(Event{Name: EventCompletionStart, ContextID: c.ID, Fields: map[string]any{"stream": onToken != nil}})
	start := time.Now()
	res, err := m.eng.Completion(ctx, c.ID, engine.CompletionParams{
		Prompt:                prompt,
		EmitPartialCompletion: onToken != nil,
		JSONSchema:            rawSchema,
		SamplingOptions:       p.SamplingOptions,
	})
	outcome := outcomeOK
	switch {
	case err != nil:
		outcome = outcomeError
	case res.Interrupted:
		outcome = outcomeInterrupted
	}
	completionsTotal.WithLabelValues(outcome).Inc()
	m.completionsTotal.Add(1)
	dur := time.Since(start)
	m.logger.Debug().Int("ctx_id", c.ID).Str("outcome", outcome).Int("tokens", res.TokensPredicted).Int64("dur_ms", dur.Milliseconds()).Msg("manager event=completion_done")
	m.pub.Publish(Event{Name: EventCompletionDone, ContextID: c.ID, Fields: map[string]any{"outcome": outcome, "tokens": res.TokensPredicted}})
	return res, err
}

// streamBuffer is the token channel capacity of a CompletionStream.
const streamBuffer = 64

// CompletionStream is a completion whose tokens arrive on a channel.
type CompletionStream struct {
	tokens chan types.TokenData
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	res types.CompletionResult
	err error
}

// Stream starts a completion in the background. The caller must either drain
// Tokens until it is closed or call Cancel; Wait returns the final result.
func (c *LlamaContext) Stream(ctx context.Context, p types.CompletionParams) *CompletionStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &CompletionStream{
		tokens: make(chan types.TokenData, streamBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		defer cancel()
		s.res, s.err = c.Completion(ctx, p, func(tok types.TokenData) {
			s.push(ctx, tok)
		})
		s.mu.Lock()
		s.closed = true
		close(s.tokens)
		s.mu.Unlock()
	}()
	return s
}

func (s *CompletionStream) push(ctx context.Context, tok types.TokenData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.tokens <- tok:
	case <-ctx.Done():
	}
}

// Tokens yields streamed tokens in order and is closed when the completion settles.
func (s *CompletionStream) Tokens() <-chan types.TokenData { return s.tokens }

// Cancel stops the completion. Tokens not yet received may be dropped.
func (s *CompletionStream) Cancel() { s.cancel() }

// Wait blocks until the completion settles and returns its result.
func (s *CompletionStream) Wait() (types.CompletionResult, error) {
	<-s.done
	return s.res, s.err
}
