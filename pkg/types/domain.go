package types

import "encoding/json"

// Model represents a discoverable or loadable LLM model on disk.
type Model struct {
	// Stable identifier for the model.
	// example: tinyllama-q4.gguf
	ID string `json:"id" example:"tinyllama-q4.gguf"`
	// Human-friendly name.
	// example: TinyLlama (Q4)
	Name string `json:"name" example:"TinyLlama (Q4)"`
	// Absolute path to the model file on disk.
	// example: /home/user/models/TinyLlama.Q4_K_M.gguf
	Path string `json:"path" example:"/home/user/models/TinyLlama.Q4_K_M.gguf"`
	// Size of the model file in bytes.
	// example: 668788096
	SizeBytes int64 `json:"size_bytes,omitempty" example:"668788096"`
}

// ModelDetails is the model metadata reported by the engine when a context is created.
type ModelDetails struct {
	// Model description (architecture, size class, quantization).
	// example: llama 1B Q4_K - Medium
	Desc string `json:"desc,omitempty" example:"llama 1B Q4_K - Medium"`
	// Model size in bytes.
	Size int64 `json:"size,omitempty"`
	// Number of parameters.
	NParams int64 `json:"nParams,omitempty"`
	// Whether the model carries a chat template usable for message formatting.
	IsChatTemplateSupported bool `json:"isChatTemplateSupported"`
	// Selected GGUF metadata key/values.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GGMLType enumerates tensor types accepted for the KV cache.
type GGMLType int

const (
	GGMLTypeF32    GGMLType = 0
	GGMLTypeF16    GGMLType = 1
	GGMLTypeQ4_0   GGMLType = 2
	GGMLTypeQ4_1   GGMLType = 3
	GGMLTypeQ5_0   GGMLType = 6
	GGMLTypeQ5_1   GGMLType = 7
	GGMLTypeQ8_0   GGMLType = 8
	GGMLTypeQ8_1   GGMLType = 9
	GGMLTypeQ2_K   GGMLType = 10
	GGMLTypeQ3_K   GGMLType = 11
	GGMLTypeQ4_K   GGMLType = 12
	GGMLTypeQ5_K   GGMLType = 13
	GGMLTypeQ6_K   GGMLType = 14
	GGMLTypeQ8_K   GGMLType = 15
	GGMLTypeIQ4_NL GGMLType = 20
	GGMLTypeBF16   GGMLType = 30
)

var ggmlTypeNames = map[GGMLType]string{
	GGMLTypeF32:    "f32",
	GGMLTypeF16:    "f16",
	GGMLTypeQ4_0:   "q4_0",
	GGMLTypeQ4_1:   "q4_1",
	GGMLTypeQ5_0:   "q5_0",
	GGMLTypeQ5_1:   "q5_1",
	GGMLTypeQ8_0:   "q8_0",
	GGMLTypeQ8_1:   "q8_1",
	GGMLTypeQ2_K:   "q2_k",
	GGMLTypeQ3_K:   "q3_k",
	GGMLTypeQ4_K:   "q4_k",
	GGMLTypeQ5_K:   "q5_k",
	GGMLTypeQ6_K:   "q6_k",
	GGMLTypeQ8_K:   "q8_k",
	GGMLTypeIQ4_NL: "iq4_nl",
	GGMLTypeBF16:   "bf16",
}

// String returns the llama.cpp spelling of the type ("f16", "q8_0", ...).
func (t GGMLType) String() string {
	if s, ok := ggmlTypeNames[t]; ok {
		return s
	}
	return ""
}

// PoolingType is the symbolic embedding pooling strategy.
type PoolingType string

const (
	PoolingNone PoolingType = "none"
	PoolingMean PoolingType = "mean"
	PoolingCLS  PoolingType = "cls"
	PoolingLast PoolingType = "last"
	PoolingRank PoolingType = "rank"
)

// LoraAdapter references a LoRA adapter file. Scaled of 0 means "engine default".
type LoraAdapter struct {
	// example: /home/user/models/adapter.gguf
	Path string `json:"path" example:"/home/user/models/adapter.gguf"`
	// example: 0.5
	Scaled float64 `json:"scaled,omitempty" example:"0.5"`
}

// ContextOptions are the engine tunables that are forwarded to context creation untouched.
type ContextOptions struct {
	NCtx          int       `json:"n_ctx,omitempty" yaml:"n_ctx" toml:"n_ctx"`
	NBatch        int       `json:"n_batch,omitempty" yaml:"n_batch" toml:"n_batch"`
	NUbatch       int       `json:"n_ubatch,omitempty" yaml:"n_ubatch" toml:"n_ubatch"`
	NThreads      int       `json:"n_threads,omitempty" yaml:"n_threads" toml:"n_threads"`
	NGPULayers    int       `json:"n_gpu_layers,omitempty" yaml:"n_gpu_layers" toml:"n_gpu_layers"`
	UseMlock      bool      `json:"use_mlock,omitempty" yaml:"use_mlock" toml:"use_mlock"`
	UseMmap       *bool     `json:"use_mmap,omitempty" yaml:"use_mmap" toml:"use_mmap"`
	VocabOnly     bool      `json:"vocab_only,omitempty" yaml:"vocab_only" toml:"vocab_only"`
	FlashAttn     bool      `json:"flash_attn,omitempty" yaml:"flash_attn" toml:"flash_attn"`
	CacheTypeK    *GGMLType `json:"cache_type_k,omitempty" yaml:"cache_type_k" toml:"cache_type_k"`
	CacheTypeV    *GGMLType `json:"cache_type_v,omitempty" yaml:"cache_type_v" toml:"cache_type_v"`
	Embedding     bool      `json:"embedding,omitempty" yaml:"embedding" toml:"embedding"`
	EmbdNormalize *int      `json:"embd_normalize,omitempty" yaml:"embd_normalize" toml:"embd_normalize"`
	RopeFreqBase  float64   `json:"rope_freq_base,omitempty" yaml:"rope_freq_base" toml:"rope_freq_base"`
	RopeFreqScale float64   `json:"rope_freq_scale,omitempty" yaml:"rope_freq_scale" toml:"rope_freq_scale"`
	ChatTemplate  string    `json:"chat_template,omitempty" yaml:"chat_template" toml:"chat_template"`
}

// ContextParams describes a context to create.
type ContextParams struct {
	// Model path; a leading file:// is stripped.
	// example: file:///models/tinyllama.gguf
	Model        string        `json:"model" example:"file:///models/tinyllama.gguf"`
	IsModelAsset bool          `json:"is_model_asset,omitempty"`
	PoolingType  PoolingType   `json:"pooling_type,omitempty" example:"mean"`
	Lora         string        `json:"lora,omitempty"`
	LoraList     []LoraAdapter `json:"lora_list,omitempty"`
	ContextOptions
}

// SamplingOptions are forwarded to the engine's completion call untouched.
type SamplingOptions struct {
	NPredict       int      `json:"n_predict,omitempty" example:"128"`
	NProbs         int      `json:"n_probs,omitempty"`
	Temperature    float64  `json:"temperature,omitempty" example:"0.7"`
	TopK           int      `json:"top_k,omitempty" example:"40"`
	TopP           float64  `json:"top_p,omitempty" example:"0.9"`
	MinP           float64  `json:"min_p,omitempty"`
	Seed           int64    `json:"seed,omitempty"`
	Stop           []string `json:"stop,omitempty"`
	PenaltyLastN   int      `json:"penalty_last_n,omitempty"`
	PenaltyRepeat  float64  `json:"penalty_repeat,omitempty"`
	PenaltyFreq    float64  `json:"penalty_freq,omitempty"`
	PenaltyPresent float64  `json:"penalty_present,omitempty"`
	Grammar        string   `json:"grammar,omitempty"`
	IgnoreEOS      bool     `json:"ignore_eos,omitempty"`
}

// CompletionParams is a completion request. Non-empty Messages take precedence over Prompt.
type CompletionParams struct {
	Prompt       string        `json:"prompt,omitempty" example:"Write a haiku about the ocean."`
	Messages     []ChatMessage `json:"messages,omitempty"`
	ChatTemplate string        `json:"chatTemplate,omitempty"`
	// JSON schema constraining the output; must compile.
	JSONSchema json.RawMessage `json:"json_schema,omitempty" swaggertype:"object"`
	SamplingOptions
}

// TokenProbItem is one candidate token with its probability.
type TokenProbItem struct {
	TokStr string  `json:"tok_str"`
	Prob   float64 `json:"prob"`
}

// TokenProb is the probability distribution for one emitted token.
type TokenProb struct {
	Content string          `json:"content"`
	Probs   []TokenProbItem `json:"probs"`
}

// TokenData is the payload of a streamed token event.
type TokenData struct {
	Token                   string      `json:"token"`
	CompletionProbabilities []TokenProb `json:"completion_probabilities,omitempty"`
}

// CompletionTimings are the engine-reported timings of one completion.
type CompletionTimings struct {
	PromptN             int     `json:"prompt_n"`
	PromptMS            float64 `json:"prompt_ms"`
	PromptPerTokenMS    float64 `json:"prompt_per_token_ms"`
	PromptPerSecond     float64 `json:"prompt_per_second"`
	PredictedN          int     `json:"predicted_n"`
	PredictedMS         float64 `json:"predicted_ms"`
	PredictedPerTokenMS float64 `json:"predicted_per_token_ms"`
	PredictedPerSecond  float64 `json:"predicted_per_second"`
}

// CompletionResult is the final result of a completion call.
type CompletionResult struct {
	Text                    string            `json:"text"`
	CompletionProbabilities []TokenProb       `json:"completion_probabilities,omitempty"`
	TokensPredicted         int               `json:"tokens_predicted"`
	TokensEvaluated         int               `json:"tokens_evaluated"`
	TokensCached            int               `json:"tokens_cached"`
	Truncated               bool              `json:"truncated"`
	StoppedEOS              bool              `json:"stopped_eos"`
	StoppedWord             bool              `json:"stopped_word"`
	StoppedLimit            bool              `json:"stopped_limit"`
	StoppingWord            string            `json:"stopping_word,omitempty"`
	Interrupted             bool              `json:"interrupted,omitempty"`
	Timings                 CompletionTimings `json:"timings"`
}

// TokenizeResult lists token ids for a text.
type TokenizeResult struct {
	Tokens []int `json:"tokens"`
}

// EmbeddingParams tunes an embedding call.
type EmbeddingParams struct {
	EmbdNormalize *int `json:"embd_normalize,omitempty"`
}

// EmbeddingResult is an embedding vector.
type EmbeddingResult struct {
	Embedding []float64 `json:"embedding"`
}

// SessionLoadResult reports a restored session.
type SessionLoadResult struct {
	TokensLoaded int    `json:"tokens_loaded"`
	Prompt       string `json:"prompt,omitempty"`
}

// BenchResult is a decoded benchmark run.
type BenchResult struct {
	ModelDesc    string  `json:"modelDesc"`
	ModelSize    int64   `json:"modelSize"`
	ModelNParams int64   `json:"modelNParams"`
	PPAvg        float64 `json:"ppAvg"`
	PPStd        float64 `json:"ppStd"`
	TGAvg        float64 `json:"tgAvg"`
	TGStd        float64 `json:"tgStd"`
}

// CPUFeatures reports instruction-set extensions relevant to the engine.
type CPUFeatures struct {
	Armv8   bool `json:"armv8"`
	I8mm    bool `json:"i8mm"`
	Dotprod bool `json:"dotprod"`
	AVX2    bool `json:"avx2"`
	AVX512  bool `json:"avx512"`
	FMA     bool `json:"fma"`
}
