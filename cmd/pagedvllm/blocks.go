package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"paged-vllm-go/pagedvllm"
)

func newBlocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "Size the fast and slow tiers for a model from byte budgets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := engineConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Model == "" {
				return fmt.Errorf("--model or a config with a model directory is required")
			}
			dtype, _ := cmd.Flags().GetString("kv-dtype")
			fastBytes, _ := cmd.Flags().GetInt64("fast-bytes")
			slowBytes, _ := cmd.Flags().GetInt64("slow-bytes")

			mc, err := pagedvllm.LoadModelConfig(cfg.Model)
			if err != nil {
				return err
			}
			if err := mc.SetKVCacheDType(dtype); err != nil {
				return err
			}
			if err := cfg.ResolveBlocks(mc, fastBytes, slowBytes); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "architecture:    %s\n", mc.Architecture)
			fmt.Fprintf(w, "kv cache dtype:  %s\n", mc.KVCacheDType)
			fmt.Fprintf(w, "block size:      %d tokens\n", cfg.BlockSize)
			fmt.Fprintf(w, "block bytes:     %d\n", mc.BlockBytes(cfg.BlockSize))
			fmt.Fprintf(w, "fast blocks:     %d\n", cfg.NumFastBlocks)
			fmt.Fprintf(w, "slow blocks:     %d\n", cfg.NumSlowBlocks)
			fmt.Fprintf(w, "attention scale: %.6f\n", mc.Scale())
			return nil
		},
	}
	addEngineFlags(cmd)
	cmd.Flags().String("kv-dtype", "auto", "KV cache dtype (auto, f32, f16, bf16, i8)")
	cmd.Flags().Int64("fast-bytes", 0, "Fast tier budget in bytes, scaled by gpu_memory_utilization")
	cmd.Flags().Int64("slow-bytes", 0, "Slow tier budget in bytes")
	return cmd
}
