package manager

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"llamactx/internal/events"
	"llamactx/pkg/types"
)

func TestCompletion_StreamsTokensInOrder(t *testing.T) {
	m, fe, bus := newTestManager(t)
	fe.Tokens = []string{"Hel", "lo", " world"}
	c := mustInit(t, m, "/m.gguf")

	var got []string
	res, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "hi"}, func(tok types.TokenData) {
		got = append(got, tok.Token)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "lo", " world"}, got)
	require.Equal(t, "Hello world", res.Text)
	require.True(t, fe.LastComp.EmitPartialCompletion)
	require.Equal(t, "hi", fe.LastComp.Prompt)
	require.Zero(t, bus.Active(), "token subscription must be released")
}

func TestCompletion_WithoutCallback(t *testing.T) {
	m, fe, bus := newTestManager(t)
	fe.Tokens = []string{"a"}
	c := mustInit(t, m, "/m.gguf")
	res, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "a", res.Text)
	require.False(t, fe.LastComp.EmitPartialCompletion)
	require.Zero(t, bus.Active())
}

func TestCompletion_EmptyPromptIsInvalidArgument(t *testing.T) {
	m, fe, bus := newTestManager(t)
	c := mustInit(t, m, "/m.gguf")
	before := len(fe.Calls())

	_, err := c.Completion(context.Background(), types.CompletionParams{}, func(types.TokenData) {})
	require.True(t, IsInvalidArgument(err), "got %v", err)
	require.Len(t, fe.Calls(), before, "no engine call expected")
	require.Zero(t, bus.Active())
}

func TestCompletion_EmptyFormattedChatIsInvalidArgument(t *testing.T) {
	m, fe, _ := newTestManager(t)
	c := mustInit(t, m, "/m.gguf")
	// An empty message list is formatted instead of falling back to Prompt.
	_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "ignored", Messages: []types.ChatMessage{}}, nil)
	require.True(t, IsInvalidArgument(err), "got %v", err)
	require.Contains(t, fe.Calls(), "format_chat")
	require.NotContains(t, fe.Calls(), "completion")

	res, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "hi", fe.LastComp.Prompt)
	require.False(t, res.Interrupted)
}

func TestCompletion_InvalidSchemaIsInvalidArgument(t *testing.T) {
	m, fe, _ := newTestManager(t)
	c := mustInit(t, m, "/m.gguf")
	_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "hi", JSONSchema: []byte("{not json")}, nil)
	require.True(t, IsInvalidArgument(err), "got %v", err)
	require.NotContains(t, fe.Calls(), "completion")
}

func TestCompletion_SchemaForwarded(t *testing.T) {
	m, fe, _ := newTestManager(t)
	c := mustInit(t, m, "/m.gguf")
	s := `{"type":"object","properties":{"name":{"type":"string"}}}`
	_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "hi", JSONSchema: []byte(s)}, nil)
	require.NoError(t, err)
	require.JSONEq(t, s, string(fe.LastComp.JSONSchema))
}

func TestCompletion_MessagesTakePrecedence(t *testing.T) {
	m, fe, _ := newTestManager(t)
	c := mustInit(t, m, "/m.gguf")
	_, err := c.Completion(context.Background(), types.CompletionParams{
		Prompt: "ignored",
		Messages: []types.ChatMessage{
			{Role: "system", Content: "be brief"},
			{Role: "user", Parts: []types.MessagePart{{Type: "text", Text: "a"}, {Type: "image_url"}, {Type: "text", Text: "b"}}},
		},
	}, nil)
	require.NoError(t, err)
	require.Equal(t, "system:be brief\nuser:a\nb\n", fe.LastComp.Prompt)
	require.Equal(t, "chatml", fe.LastTemplate)
}

func TestGetFormattedChat_TemplateSelection(t *testing.T) {
	m, fe, _ := newTestManager(t)
	ctx := context.Background()
	msgs := []types.ChatMessage{{Role: "user", Content: "hi"}}

	plain := mustInit(t, m, "/m.gguf")
	_, err := plain.GetFormattedChat(ctx, msgs, "")
	require.NoError(t, err)
	require.Equal(t, "chatml", fe.LastTemplate)

	native, err := m.InitLlama(ctx, types.ContextParams{Model: "/m.gguf", ContextOptions: types.ContextOptions{ChatTemplate: "native"}}, nil)
	require.NoError(t, err)
	_, err = native.GetFormattedChat(ctx, msgs, "")
	require.NoError(t, err)
	require.Equal(t, "", fe.LastTemplate)

	_, err = native.GetFormattedChat(ctx, msgs, "llama3")
	require.NoError(t, err)
	require.Equal(t, "llama3", fe.LastTemplate)
}

func TestCompletion_EngineErrorUnchangedAndListenerReleased(t *testing.T) {
	m, fe, bus := newTestManager(t)
	boom := errors.New("decode failed")
	fe.CompErr = boom
	c := mustInit(t, m, "/m.gguf")
	_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "hi"}, func(types.TokenData) {})
	require.Same(t, boom, err)
	require.Zero(t, bus.Active())
}

func TestCompletion_ConcurrentContextsIsolated(t *testing.T) {
	m, fe, bus := newTestManager(t)
	fe.Tokens = []string{"a", "b", "c", "d"}
	fe.TagTokens = true
	ctxs := []*LlamaContext{mustInit(t, m, "/a.gguf"), mustInit(t, m, "/b.gguf"), mustInit(t, m, "/c.gguf")}

	var mu sync.Mutex
	seen := make(map[int][]string)
	var g errgroup.Group
	for _, c := range ctxs {
		g.Go(func() error {
			var mine []string
			_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "go"}, func(tok types.TokenData) {
				mine = append(mine, tok.Token)
			})
			mu.Lock()
			seen[c.ID] = mine
			mu.Unlock()
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, c := range ctxs {
		prefix := strconv.Itoa(c.ID) + ":"
		got := seen[c.ID]
		require.Len(t, got, 4)
		for i, tok := range got {
			require.True(t, strings.HasPrefix(tok, prefix), "context %d received foreign token %q", c.ID, tok)
			require.Equal(t, prefix+fe.Tokens[i], tok)
		}
	}
	require.Zero(t, bus.Active())
}

func TestCompletion_CancelStopsEngine(t *testing.T) {
	m, fe, bus := newTestManager(t)
	fe.Tokens = []string{"partial"}
	fe.Block = make(chan struct{})
	fe.Started = make(chan int, 1)
	c := mustInit(t, m, "/m.gguf")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fe.Started
		cancel()
	}()
	res, err := c.Completion(ctx, types.CompletionParams{Prompt: "hi"}, func(types.TokenData) {})
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	require.Equal(t, "partial", res.Text)
	require.Contains(t, fe.Calls(), "stop")
	require.Zero(t, bus.Active())
}

func TestStopCompletion_InterruptsInFlight(t *testing.T) {
	m, fe, _ := newTestManager(t)
	fe.Block = make(chan struct{})
	fe.Started = make(chan int, 1)
	c := mustInit(t, m, "/m.gguf")

	done := make(chan types.CompletionResult, 1)
	go func() {
		res, _ := c.Completion(context.Background(), types.CompletionParams{Prompt: "hi"}, nil)
		done <- res
	}()
	<-fe.Started
	require.NoError(t, c.StopCompletion(context.Background()))
	select {
	case res := <-done:
		require.True(t, res.Interrupted)
	case <-time.After(2 * time.Second):
		t.Fatal("completion did not settle after stop")
	}
}

func TestCompletion_TooBusyWhenQueueFull(t *testing.T) {
	m, fe, _ := newTestManager(t, func(c *ManagerConfig) {
		c.MaxQueueDepth = 1
		c.MaxWait = 20 * time.Millisecond
	})
	fe.Block = make(chan struct{})
	fe.Started = make(chan int, 1)
	c := mustInit(t, m, "/m.gguf")

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "first"}, nil)
		errCh <- err
	}()
	<-fe.Started

	_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "second"}, nil)
	require.True(t, IsTooBusy(err), "got %v", err)

	close(fe.Block)
	require.NoError(t, <-errCh)
}

func TestBeginGeneration_RespectsCanceledContext(t *testing.T) {
	m, _, _ := newTestManager(t)
	c := mustInit(t, m, "/m.gguf")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.beginGeneration(ctx, c)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, len(c.queueCh))
}

func TestCompletion_LifecycleEvents(t *testing.T) {
	pub := NewMemoryPublisher()
	m, _, _ := newTestManager(t, func(c *ManagerConfig) { c.Publisher = pub })
	c := mustInit(t, m, "/m.gguf")
	_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, []string{EventInitStart, EventInitReady, EventCompletionStart, EventCompletionDone}, pub.Names())
	last := pub.Events()[3]
	require.Equal(t, outcomeOK, last.Fields["outcome"])
}

func TestStream_DeliversTokensAndResult(t *testing.T) {
	m, fe, bus := newTestManager(t)
	fe.Tokens = []string{"x", "y", "z"}
	c := mustInit(t, m, "/m.gguf")

	s := c.Stream(context.Background(), types.CompletionParams{Prompt: "hi"})
	var got []string
	for tok := range s.Tokens() {
		got = append(got, tok.Token)
	}
	res, err := s.Wait()
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y", "z"}, got)
	require.Equal(t, "xyz", res.Text)
	require.Zero(t, bus.Active())
}

func TestStream_Cancel(t *testing.T) {
	m, fe, bus := newTestManager(t)
	fe.Tokens = []string{"x"}
	fe.Block = make(chan struct{})
	fe.Started = make(chan int, 1)
	c := mustInit(t, m, "/m.gguf")

	s := c.Stream(context.Background(), types.CompletionParams{Prompt: "hi"})
	<-fe.Started
	s.Cancel()
	for range s.Tokens() {
	}
	res, err := s.Wait()
	require.NoError(t, err)
	require.True(t, res.Interrupted)
	require.Zero(t, bus.Active())
}

func TestStream_InvalidPrompt(t *testing.T) {
	m, _, _ := newTestManager(t)
	c := mustInit(t, m, "/m.gguf")
	s := c.Stream(context.Background(), types.CompletionParams{})
	_, err := s.Wait()
	require.True(t, IsInvalidArgument(err), "got %v", err)
	_, open := <-s.Tokens()
	require.False(t, open)
}

func TestCompletion_NoCallbackAfterReturn(t *testing.T) {
	m, fe, bus := newTestManager(t)
	fe.Tokens = []string{"a", "b"}
	c := mustInit(t, m, "/m.gguf")

	var mu sync.Mutex
	calls := 0
	_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "hi"}, func(types.TokenData) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, events.PublishToken(bus, c.ID, types.TokenData{Token: "stray"}))
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestCompletion_BlockedConsumerDoesNotStallOtherContexts(t *testing.T) {
	m, fe, _ := newTestManager(t)
	fe.Tokens = []string{"x"}
	fe.TagTokens = true
	a := mustInit(t, m, "/a.gguf")
	b := mustInit(t, m, "/b.gguf")

	gate := make(chan struct{})
	entered := make(chan struct{})
	aDone := make(chan error, 1)
	go func() {
		_, err := a.Completion(context.Background(), types.CompletionParams{Prompt: "go"}, func(types.TokenData) {
			close(entered)
			<-gate
		})
		aDone <- err
	}()
	<-entered

	bDone := make(chan []string, 1)
	go func() {
		var got []string
		_, err := b.Completion(context.Background(), types.CompletionParams{Prompt: "go"}, func(tok types.TokenData) {
			got = append(got, tok.Token)
		})
		if err != nil {
			got = append(got, "error: "+err.Error())
		}
		bDone <- got
	}()
	select {
	case got := <-bDone:
		require.Equal(t, []string{strconv.Itoa(b.ID) + ":x"}, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("context %d stalled behind the blocked consumer of context %d", b.ID, a.ID)
	}

	close(gate)
	require.NoError(t, <-aDone)
}

func TestCompletion_CallbackMayInitAnotherContext(t *testing.T) {
	m, fe, bus := newTestManager(t)
	fe.Tokens = []string{"x"}
	c := mustInit(t, m, "/a.gguf")

	var inner *LlamaContext
	var innerErr error
	done := make(chan error, 1)
	go func() {
		_, err := c.Completion(context.Background(), types.CompletionParams{Prompt: "go"}, func(types.TokenData) {
			inner, innerErr = m.InitLlama(context.Background(), types.ContextParams{Model: "/b.gguf"}, func(float64) {})
		})
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("InitLlama called from a token callback never returned")
	}
	require.NoError(t, innerErr)
	require.NotNil(t, inner)
	require.NotEqual(t, c.ID, inner.ID)
	require.Zero(t, bus.Active())
}
