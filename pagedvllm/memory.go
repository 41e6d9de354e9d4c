package pagedvllm

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// DType is the element type of the KV cache.
type DType string

const (
	DTypeF32  DType = "f32"
	DTypeF16  DType = "f16"
	DTypeBF16 DType = "bf16"
	DTypeI8   DType = "i8"
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case DTypeF32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8:
		return 1
	default:
		return 0
	}
}

// ParseDType maps cache dtype names, including torch spellings, to a DType.
func ParseDType(s string) (DType, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "torch.") {
	case "f32", "float32", "float":
		return DTypeF32, nil
	case "f16", "float16", "half":
		return DTypeF16, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "i8", "int8", "u8", "uint8":
		return DTypeI8, nil
	default:
		return "", fmt.Errorf("unsupported kv cache dtype %q", s)
	}
}

// ModelConfig is the part of a model's config the block budget depends on.
type ModelConfig struct {
	Architecture      string
	NumAttentionHeads int
	NumKVHeads        int
	HeadDim           int
	NumHiddenLayers   int
	HiddenSize        int
	TorchDType        string
	KVCacheDType      DType
}

// LoadModelConfig reads config.json from a model directory. GPT-2 style
// keys (n_embd, n_layer, n_head) are accepted. A missing num_key_value_heads
// means multi-head attention and a missing head_dim is hidden/heads.
func LoadModelConfig(dir string) (*ModelConfig, error) {
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	intField := func(names ...string) int {
		for _, name := range names {
			if v, ok := raw[name].(float64); ok {
				return int(v)
			}
		}
		return 0
	}

	mc := &ModelConfig{
		HiddenSize:        intField("hidden_size", "n_embd"),
		NumHiddenLayers:   intField("num_hidden_layers", "n_layer", "num_layers"),
		NumAttentionHeads: intField("num_attention_heads", "n_head"),
		NumKVHeads:        intField("num_key_value_heads", "num_kv_heads"),
		HeadDim:           intField("head_dim"),
	}
	if archs, ok := raw["architectures"].([]interface{}); ok && len(archs) > 0 {
		mc.Architecture, _ = archs[0].(string)
	} else {
		mc.Architecture, _ = raw["model_type"].(string)
	}
	mc.TorchDType, _ = raw["torch_dtype"].(string)

	if mc.NumKVHeads == 0 {
		mc.NumKVHeads = mc.NumAttentionHeads
	}
	if mc.HeadDim == 0 && mc.NumAttentionHeads > 0 {
		mc.HeadDim = mc.HiddenSize / mc.NumAttentionHeads
	}

	if err := mc.SetKVCacheDType("auto"); err != nil {
		return nil, err
	}
	if err := mc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}
	return mc, nil
}

// SetKVCacheDType sets the cache dtype. "auto" follows torch_dtype and
// falls back to f16.
func (mc *ModelConfig) SetKVCacheDType(s string) error {
	if s == "" || strings.EqualFold(s, "auto") {
		if d, err := ParseDType(mc.TorchDType); err == nil {
			mc.KVCacheDType = d
		} else {
			mc.KVCacheDType = DTypeF16
		}
		return nil
	}
	d, err := ParseDType(s)
	if err != nil {
		return err
	}
	mc.KVCacheDType = d
	return nil
}

// Validate checks the fields the block arithmetic needs.
func (mc *ModelConfig) Validate() error {
	switch {
	case mc.NumHiddenLayers <= 0:
		return fmt.Errorf("num_hidden_layers must be > 0")
	case mc.NumKVHeads <= 0:
		return fmt.Errorf("num_key_value_heads must be > 0")
	case mc.HeadDim <= 0:
		return fmt.Errorf("head_dim must be > 0")
	case mc.KVCacheDType.Size() == 0:
		return fmt.Errorf("unknown kv cache dtype %q", mc.KVCacheDType)
	}
	return nil
}

// Scale is the attention softmax scale, 1/sqrt(head_dim).
func (mc *ModelConfig) Scale() float64 {
	return 1 / math.Sqrt(float64(mc.HeadDim))
}

// BlockBytes is the memory one block of blockSize tokens takes over all
// layers, keys and values.
func (mc *ModelConfig) BlockBytes(blockSize int) int64 {
	return 2 * int64(mc.NumHiddenLayers) * int64(mc.NumKVHeads) * int64(mc.HeadDim) *
		int64(mc.KVCacheDType.Size()) * int64(blockSize)
}

// NumBlocksForBudget returns how many blocks fit in budget bytes.
func (mc *ModelConfig) NumBlocksForBudget(budget int64, blockSize int) (int, error) {
	if err := mc.Validate(); err != nil {
		return 0, err
	}
	if blockSize <= 0 {
		return 0, fmt.Errorf("block size must be > 0")
	}
	if budget < 0 {
		return 0, fmt.Errorf("negative memory budget %d", budget)
	}
	return int(budget / mc.BlockBytes(blockSize)), nil
}
