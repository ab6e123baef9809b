package manager

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"llamactx/pkg/types"
)

func TestInitLlama_ProgressRoutedToCaller(t *testing.T) {
	m, fe, bus := newTestManager(t)
	var got []float64
	c, err := m.InitLlama(context.Background(), types.ContextParams{Model: "/m.gguf"}, func(p float64) {
		got = append(got, p)
	})
	require.NoError(t, err)
	require.Equal(t, []float64{0, 0.5, 1}, got)
	require.True(t, fe.LastInit.UseProgressCallback)
	require.Zero(t, bus.Active(), "progress subscription must be released")
	require.Equal(t, "fake", c.Model.Desc)
}

func TestInitLlama_NoCallbackNoSubscription(t *testing.T) {
	m, fe, bus := newTestManager(t)
	mustInit(t, m, "/m.gguf")
	require.False(t, fe.LastInit.UseProgressCallback)
	require.Zero(t, bus.Active())
}

func TestInitLlama_ConcurrentProgressIsolation(t *testing.T) {
	m, _, bus := newTestManager(t)
	const n = 4
	var mu sync.Mutex
	seen := make(map[int][]float64)
	var g errgroup.Group
	for range n {
		g.Go(func() error {
			var mine []float64
			c, err := m.InitLlama(context.Background(), types.ContextParams{Model: "/m.gguf"}, func(p float64) {
				mine = append(mine, p)
			})
			if err != nil {
				return err
			}
			mu.Lock()
			seen[c.ID] = mine
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, seen, n)
	for id, got := range seen {
		require.Equal(t, []float64{0, 0.5, 1}, got, "context %d", id)
	}
	require.Zero(t, bus.Active())
}

func TestInitLlama_FailureReturnsEngineErrorAndCleansUp(t *testing.T) {
	pub := NewMemoryPublisher()
	m, fe, bus := newTestManager(t, func(c *ManagerConfig) { c.Publisher = pub })
	boom := errors.New("model file is corrupt")
	fe.InitErr = boom

	var calls int
	c, err := m.InitLlama(context.Background(), types.ContextParams{Model: "/m.gguf"}, func(float64) { calls++ })
	require.Nil(t, c)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, calls)
	require.Zero(t, bus.Active(), "progress subscription must be released on failure")
	require.Empty(t, m.Contexts())
	require.Empty(t, m.pending)
	require.Equal(t, []string{EventInitStart, EventInitError}, pub.Names())
}

func TestInitLlama_EventsOnSuccess(t *testing.T) {
	pub := NewMemoryPublisher()
	m, _, _ := newTestManager(t, func(c *ManagerConfig) { c.Publisher = pub })
	c := mustInit(t, m, "/m.gguf")
	evts := pub.Events()
	require.Len(t, evts, 2)
	require.Equal(t, EventInitReady, evts[1].Name)
	require.Equal(t, c.ID, evts[1].ContextID)
	require.Equal(t, "/m.gguf", evts[1].Fields["model"])
}
