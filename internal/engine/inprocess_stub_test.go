//go:build !llama

package engine

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"llamactx/internal/events"
)

func TestInProcessStubRefusesInit(t *testing.T) {
	bus := events.NewGoChannelBus(zerolog.Nop())
	t.Cleanup(func() { _ = bus.Close() })
	e := NewInProcessEngine(InProcessConfig{Bus: bus})
	require.Equal(t, KindInProcess, e.Kind())

	_, err := e.InitContext(context.Background(), 1, InitParams{ModelPath: "/m.gguf"})
	require.True(t, IsDependencyUnavailable(err))

	_, err = e.Completion(context.Background(), 1, CompletionParams{Prompt: "x"})
	require.True(t, IsUnknownContext(err))
	_, err = e.Bench(context.Background(), 1, 1, 1, 1, 1)
	require.True(t, IsUnknownContext(err))
	require.NoError(t, e.ReleaseAllContexts(context.Background()))
}
