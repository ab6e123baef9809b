package manager

import (
	"context"
	"time"

	"llamactx/internal/common/fsutil"
	"llamactx/pkg/types"
)

// SaveSessionOptions tunes SaveSession.
type SaveSessionOptions struct {
	// TokenSize caps the number of tokens saved; 0 or less saves all of them.
	TokenSize int
}

// LoadSession restores a saved session into the context.
func (c *LlamaContext) LoadSession(ctx context.Context, path string) (types.SessionLoadResult, error) {
	return c.m.eng.LoadSession(ctx, c.ID, fsutil.LocalPath(path))
}

// SaveSession writes the context state to path and returns the number of
// tokens saved. Successful saves are recorded in the session catalog if one
// is configured; a catalog failure is logged and does not fail the save.
func (c *LlamaContext) SaveSession(ctx context.Context, path string, opts *SaveSessionOptions) (int, error) {
	path = fsutil.LocalPath(path)
	tokenSize := -1
	if opts != nil && opts.TokenSize > 0 {
		tokenSize = opts.TokenSize
	}
	n, err := c.m.eng.SaveSession(ctx, c.ID, path, tokenSize)
	if err != nil {
		return 0, err
	}
	if c.m.sessions != nil {
		rec := types.SessionRecord{
			Path:      path,
			ContextID: c.ID,
			Model:     c.ModelPath,
			TokenSize: tokenSize,
			Tokens:    n,
			SavedUnix: time.Now().Unix(),
		}
		if err := c.m.sessions.Record(ctx, rec); err != nil {
			c.m.logger.Warn().Err(err).Int("ctx_id", c.ID).Str("path", path).Msg("manager event=session_record_error")
		}
	}
	return n, nil
}
