package manager

import (
	"context"
	"encoding/json"
	"fmt"

	"llamactx/pkg/types"
)

// Bench runs the engine benchmark: pp prompt tokens, tg generated tokens, pl
// parallel sequences, nr repetitions.
func (c *LlamaContext) Bench(ctx context.Context, pp, tg, pl, nr int) (types.BenchResult, error) {
	raw, err := c.m.eng.Bench(ctx, c.ID, pp, tg, pl, nr)
	if err != nil {
		return types.BenchResult{}, err
	}
	return parseBench(raw)
}

// parseBench decodes [modelDesc, modelSize, modelNParams, ppAvg, ppStd, tgAvg, tgStd].
func parseBench(raw string) (types.BenchResult, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return types.BenchResult{}, fmt.Errorf("bench: decode result: %w", err)
	}
	if len(fields) != 7 {
		return types.BenchResult{}, fmt.Errorf("bench: expected 7 fields, got %d", len(fields))
	}
	var r types.BenchResult
	var size, nparams float64
	targets := []any{&r.ModelDesc, &size, &nparams, &r.PPAvg, &r.PPStd, &r.TGAvg, &r.TGStd}
	for i, t := range targets {
		if err := json.Unmarshal(fields[i], t); err != nil {
			return types.BenchResult{}, fmt.Errorf("bench: field %d: %w", i, err)
		}
	}
	r.ModelSize = int64(size)
	r.ModelNParams = int64(nparams)
	return r, nil
}
