package manager

import (
	"llamactx/internal/common/fsutil"
	"llamactx/pkg/types"
)

// normalizeLoraList strips file:// from every adapter path, keeping scales.
func normalizeLoraList(list []types.LoraAdapter) []types.LoraAdapter {
	if list == nil {
		return nil
	}
	out := make([]types.LoraAdapter, len(list))
	for i, l := range list {
		out[i] = types.LoraAdapter{Path: fsutil.LocalPath(l.Path), Scaled: l.Scaled}
	}
	return out
}
