package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeEmbeddingShapes(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []float64
	}{
		{"legacy object", `{"embedding":[1,2]}`, []float64{1, 2}},
		{"list nested", `[{"index":0,"embedding":[[3,4]]}]`, []float64{3, 4}},
		{"list flat", `[{"index":0,"embedding":[5,6]}]`, []float64{5, 6}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeEmbedding(json.RawMessage(tc.in))
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
	_, err := decodeEmbedding(json.RawMessage(`[]`))
	require.Error(t, err)
	_, err = decodeEmbedding(json.RawMessage(``))
	require.Error(t, err)
}

func TestNewCompletionRequestMapsSampling(t *testing.T) {
	p := CompletionParams{Prompt: "p", EmitPartialCompletion: true, JSONSchema: []byte(`{"type":"object"}`)}
	p.PenaltyLastN = 64
	p.PenaltyRepeat = 1.1
	p.Stop = []string{"</s>"}
	req := newCompletionRequest(p)
	require.True(t, req.Stream)
	require.True(t, req.CachePrompt)
	require.Equal(t, 64, req.RepeatLastN)
	require.Equal(t, 1.1, req.RepeatPenalty)
	require.Equal(t, []string{"</s>"}, req.Stop)
	require.JSONEq(t, `{"type":"object"}`, string(req.JSONSchema))
}
