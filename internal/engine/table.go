package engine

import "sync"

// contextTable tracks the engine-side state of live contexts and enforces the
// context limit. A limit of 0 means unlimited.
type contextTable[T any] struct {
	mu      sync.Mutex
	entries map[int]T
	pending map[int]struct{}
	limit   int
}

func newContextTable[T any]() *contextTable[T] {
	return &contextTable[T]{entries: make(map[int]T), pending: make(map[int]struct{})}
}

// reserve claims a slot for id while the context is being created.
func (t *contextTable[T]) reserve(id int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return contextExistsError{id: id}
	}
	if _, ok := t.pending[id]; ok {
		return contextExistsError{id: id}
	}
	if t.limit > 0 && len(t.entries)+len(t.pending) >= t.limit {
		return contextLimitError{limit: t.limit}
	}
	t.pending[id] = struct{}{}
	return nil
}

// commit turns a reservation into a live entry.
func (t *contextTable[T]) commit(id int, v T) {
	t.mu.Lock()
	delete(t.pending, id)
	t.entries[id] = v
	t.mu.Unlock()
}

// abort drops a reservation after a failed creation.
func (t *contextTable[T]) abort(id int) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *contextTable[T]) get(id int) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	if !ok {
		var zero T
		return zero, ErrUnknownContext(id)
	}
	return v, nil
}

// remove deletes id and returns its entry.
func (t *contextTable[T]) remove(id int) (T, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.entries[id]
	delete(t.entries, id)
	return v, ok
}

// drain empties the table and returns every entry.
func (t *contextTable[T]) drain() map[int]T {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.entries
	t.entries = make(map[int]T)
	return out
}

func (t *contextTable[T]) setLimit(n int) {
	if n < 0 {
		n = 0
	}
	t.mu.Lock()
	t.limit = n
	t.mu.Unlock()
}

func (t *contextTable[T]) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
