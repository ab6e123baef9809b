package manager

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"llamactx/internal/common/fsutil"
	"llamactx/internal/engine"
	"llamactx/internal/events"
	"llamactx/pkg/types"
)

// Manager owns the live contexts of one engine. It allocates context ids,
// routes engine events to per-call callbacks and records lifecycle state.
type Manager struct {
	mu       sync.RWMutex
	eng      engine.Engine
	bus      events.Bus
	logger   zerolog.Logger
	pub      EventPublisher
	sessions SessionCatalog
	llamaBin string

	ids     *idAllocator
	live    map[int]*LlamaContext
	pending map[int]struct{}

	contextLimit int
	lastErr      string
	startTime    time.Time

	initsTotal       atomic.Uint64
	completionsTotal atomic.Uint64

	// Queue config
	maxQueueDepth int
	maxWait       time.Duration
}

// New builds a Manager over eng publishing on bus, with package defaults.
func New(eng engine.Engine, bus events.Bus) *Manager {
	return NewWithConfig(ManagerConfig{Engine: eng, Bus: bus})
}

// Kind reports which engine implementation backs the manager.
func (m *Manager) Kind() engine.Kind { return m.eng.Kind() }

// Bus returns the event bus shared with the engine.
func (m *Manager) Bus() events.Bus { return m.bus }

// Ready reports whether the manager can serve requests: a context is live, or
// the most recent initialization did not fail.
func (m *Manager) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.live) > 0 || m.lastErr == ""
}

// Context returns the live context with the given id.
func (m *Manager) Context(id int) (*LlamaContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.live[id]
	if !ok {
		return nil, ErrContextNotFound(id)
	}
	return c, nil
}

// Contexts returns the live contexts ordered by id.
func (m *Manager) Contexts() []*LlamaContext {
	m.mu.RLock()
	out := make([]*LlamaContext, 0, len(m.live))
	for _, c := range m.live {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// settle resolves a pending id: c becomes live, nil discards the reservation.
func (m *Manager) settle(id int, c *LlamaContext) {
	m.mu.Lock()
	delete(m.pending, id)
	if c != nil {
		m.live[id] = c
	}
	n := len(m.live)
	m.mu.Unlock()
	liveContexts.Set(float64(n))
}

func (m *Manager) forget(id int) {
	m.mu.Lock()
	delete(m.live, id)
	n := len(m.live)
	m.mu.Unlock()
	liveContexts.Set(float64(n))
}

// ReleaseAll releases every context the engine holds. The live set is cleared
// only when the engine succeeds.
func (m *Manager) ReleaseAll(ctx context.Context) error {
	if err := m.eng.ReleaseAllContexts(ctx); err != nil {
		m.logger.Error().Err(err).Msg("manager event=release_all_error")
		return err
	}
	m.mu.Lock()
	n := len(m.live)
	m.live = make(map[int]*LlamaContext)
	m.mu.Unlock()
	liveContexts.Set(0)
	m.logger.Info().Int("released", n).Msg("manager event=release_all")
	m.pub.Publish(Event{Name: EventReleaseAll, Fields: map[string]any{"released": n}})
	return nil
}

// GetCPUFeatures reports the host CPU capabilities the engine cares about.
func (m *Manager) GetCPUFeatures(ctx context.Context) (types.CPUFeatures, error) {
	return m.eng.GetCPUFeatures(ctx)
}

// SetContextLimit bounds the number of contexts the engine will create; 0 lifts the bound.
func (m *Manager) SetContextLimit(ctx context.Context, limit int) error {
	if err := m.eng.SetContextLimit(ctx, limit); err != nil {
		return err
	}
	m.mu.Lock()
	m.contextLimit = limit
	m.mu.Unlock()
	return nil
}

// LoadModelInfo reads model metadata without creating a context. The large
// tokenizer arrays are skipped.
func (m *Manager) LoadModelInfo(ctx context.Context, path string) (map[string]any, error) {
	return m.eng.ModelInfo(ctx, fsutil.LocalPath(path), engine.TokenizerSkipKeys)
}
