package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paged-vllm-go/hostbackend"
	"paged-vllm-go/pagedvllm"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeModel(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	config := `{
		"architectures": ["LlamaForCausalLM"],
		"hidden_size": 64,
		"num_hidden_layers": 2,
		"num_attention_heads": 4,
		"num_key_value_heads": 2,
		"torch_dtype": "bfloat16"
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))
	return dir
}

func TestEngineConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("block_size: 8\nnum_fast_blocks: 100\npreemption_mode: swap\n"), 0o644))

	var got *pagedvllm.Config
	cmd := &cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			got, err = engineConfig(cmd)
			return err
		},
	}
	cmd.Flags().String("config", "", "")
	addEngineFlags(cmd)
	cmd.SetArgs([]string{"--config", path, "--num-fast-blocks", "12", "--max-num-seqs", "3"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, 8, got.BlockSize)
	assert.Equal(t, 12, got.NumFastBlocks)
	assert.Equal(t, 3, got.MaxNumSeqs)
	assert.Equal(t, pagedvllm.PreemptSwap, got.PreemptionMode)
	assert.Equal(t, 512, got.NumSlowBlocks)
}

func TestBlocksCommand(t *testing.T) {
	out, err := execute(t, "blocks", "--model", writeModel(t), "--block-size", "16",
		"--fast-bytes", "40960", "--slow-bytes", "8192")
	require.NoError(t, err)

	// 2 layers * 2 kv heads * 16 head dim * 2 bytes * 16 tokens, keys and values
	assert.Contains(t, out, "block bytes:     4096")
	assert.Contains(t, out, "kv cache dtype:  bf16")
	assert.Contains(t, out, "fast blocks:     9")
	assert.Contains(t, out, "slow blocks:     2")
}

func TestBlocksCommandErrors(t *testing.T) {
	_, err := execute(t, "blocks")
	assert.Error(t, err)

	_, err = execute(t, "blocks", "--model", writeModel(t), "--kv-dtype", "f64")
	assert.Error(t, err)

	_, err = execute(t, "blocks", "--model", writeModel(t), "--fast-bytes", "100")
	assert.Error(t, err)

	_, err = execute(t, "blocks", "--model", t.TempDir())
	assert.Error(t, err)
}

func TestGenerateCommand(t *testing.T) {
	out, err := execute(t, "generate", "--max-tokens", "5", "--num-fast-blocks", "32", "hello", "world")
	require.NoError(t, err)
	assert.Contains(t, out, "Prompt 1: hello")
	assert.Contains(t, out, "Prompt 2: world")
	assert.Contains(t, out, "Tokens: 5 (length)")
}

func TestGenerateCommandUnreachableServer(t *testing.T) {
	_, err := execute(t, "generate", "--server", "http://127.0.0.1:1", "hello")
	assert.Error(t, err)
}

func TestRunBenchUnderPressure(t *testing.T) {
	cfg := pagedvllm.NewConfig(
		pagedvllm.WithBlockSize(4),
		pagedvllm.WithNumFastBlocks(16),
		pagedvllm.WithNumSlowBlocks(32),
		pagedvllm.WithMaxNumSeqs(6),
		pagedvllm.WithPreemptionMode(pagedvllm.PreemptSwap),
	)
	stats, err := runBench(context.Background(), cfg, benchOptions{
		Requests:  12,
		PromptLen: 20,
		MaxTokens: 8,
		Seed:      7,
		Layout:    hostbackend.Layout{NumLayers: 1, NumKVHeads: 2, HeadDim: 4, BlockSize: 4, DType: pagedvllm.DTypeF16},
	})
	require.NoError(t, err)

	assert.Equal(t, 12, stats.Finished)
	assert.Equal(t, 0, stats.Aborted)
	assert.Equal(t, 12*8, stats.Tokens)
	assert.Equal(t, 16, stats.FreeFast)
	assert.Equal(t, 32, stats.FreeSlow)

	var buf bytes.Buffer
	printStats(&buf, stats)
	assert.Contains(t, buf.String(), "12 finished, 0 aborted")
}

func TestRunBenchRejectsEmptyWorkload(t *testing.T) {
	_, err := runBench(context.Background(), pagedvllm.NewConfig(), benchOptions{})
	assert.Error(t, err)
}
