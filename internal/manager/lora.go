package manager

import (
	"context"

	"llamactx/pkg/types"
)

// ApplyLoraAdapters replaces the context's adapters with list.
func (c *LlamaContext) ApplyLoraAdapters(ctx context.Context, list []types.LoraAdapter) error {
	return c.m.eng.ApplyLoraAdapters(ctx, c.ID, normalizeLoraList(list))
}

func (c *LlamaContext) RemoveLoraAdapters(ctx context.Context) error {
	return c.m.eng.RemoveLoraAdapters(ctx, c.ID)
}

func (c *LlamaContext) GetLoadedLoraAdapters(ctx context.Context) ([]types.LoraAdapter, error) {
	return c.m.eng.GetLoadedLoraAdapters(ctx, c.ID)
}
