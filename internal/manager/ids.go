package manager

import (
	"math/rand/v2"
	"sync/atomic"
)

// defaultJitterMax is the exclusive upper bound of the random offset added to ids.
const defaultJitterMax = 100000

// idAllocator produces context ids as counter + jitter. The counter increment
// is atomic; the jitter alone gives no uniqueness guarantee, so the Manager
// re-draws ids that collide with live or pending contexts.
type idAllocator struct {
	counter   atomic.Int64
	jitterMax int
}

// newIDAllocator returns an allocator; deterministic allocators add no jitter
// and yield 0, 1, 2, ...
func newIDAllocator(deterministic bool, jitterMax int) *idAllocator {
	if deterministic {
		jitterMax = 0
	} else if jitterMax <= 0 {
		jitterMax = defaultJitterMax
	}
	return &idAllocator{jitterMax: jitterMax}
}

func (a *idAllocator) next() int {
	n := int(a.counter.Add(1) - 1)
	if a.jitterMax <= 0 {
		return n
	}
	return n + rand.IntN(a.jitterMax)
}

// allocateID draws an id that is neither live nor pending and marks it pending.
func (m *Manager) allocateID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		id := m.ids.next()
		if _, live := m.live[id]; live {
			continue
		}
		if _, pending := m.pending[id]; pending {
			continue
		}
		m.pending[id] = struct{}{}
		return id
	}
}
