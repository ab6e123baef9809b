package manager

import "llamactx/pkg/types"

var poolingCodes = map[types.PoolingType]int{
	types.PoolingNone: 0,
	types.PoolingMean: 1,
	types.PoolingCLS:  2,
	types.PoolingLast: 3,
	types.PoolingRank: 4,
}

// poolingCode maps a pooling name to the engine's numeric code. Unknown or
// empty names yield nil, leaving the engine default in place.
func poolingCode(p types.PoolingType) *int {
	code, ok := poolingCodes[p]
	if !ok {
		return nil
	}
	return &code
}
