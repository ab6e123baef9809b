package manager

import (
	"context"
	"sync"

	"llamactx/pkg/types"
)

// recordingCatalog collects session records.
type recordingCatalog struct {
	mu   sync.Mutex
	recs []types.SessionRecord
	err  error
}

func (c *recordingCatalog) Record(_ context.Context, rec types.SessionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return c.err
}
