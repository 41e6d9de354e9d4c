package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"paged-vllm-go/internal/logger"
	"paged-vllm-go/pagedvllm"
)

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pagedvllm",
		Short: "Paged KV cache scheduler for batched LLM inference",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Disable usage printing on errors
			cmd.SilenceUsage = true

			level, _ := cmd.Flags().GetString("log-level")
			format, _ := cmd.Flags().GetString("log-format")
			logger.Setup(level, format)

			if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
				serveMetrics(addr)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "Log format (console, json)")
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML engine config file")
	rootCmd.PersistentFlags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		newGenerateCmd(),
		newBenchCmd(),
		newBlocksCmd(),
	)
	return rootCmd
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		logger.Log.Info("serving metrics", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server failed", "err", err)
		}
	}()
}

// addEngineFlags registers the flags that override config file values.
func addEngineFlags(cmd *cobra.Command) {
	cmd.Flags().String("model", "", "Model directory holding config.json")
	cmd.Flags().Int("block-size", 0, "Tokens per KV cache block")
	cmd.Flags().Int("num-fast-blocks", 0, "Blocks in the fast tier")
	cmd.Flags().Int("num-slow-blocks", 0, "Blocks in the slow tier")
	cmd.Flags().Int("max-num-seqs", 0, "Maximum running sequence groups")
	cmd.Flags().Int("max-model-len", 0, "Maximum tokens per sequence")
	cmd.Flags().String("preemption-mode", "", "Preemption mode (recompute, swap)")
	cmd.Flags().Bool("priority", false, "Order waiting requests by priority")
}

// engineConfig loads --config and applies every engine flag the user set.
func engineConfig(cmd *cobra.Command) (*pagedvllm.Config, error) {
	var opts []pagedvllm.ConfigOption
	flags := cmd.Flags()

	if flags.Changed("model") {
		v, _ := flags.GetString("model")
		opts = append(opts, pagedvllm.WithModel(v))
	}
	ints := map[string]func(int) pagedvllm.ConfigOption{
		"block-size":      pagedvllm.WithBlockSize,
		"num-fast-blocks": pagedvllm.WithNumFastBlocks,
		"num-slow-blocks": pagedvllm.WithNumSlowBlocks,
		"max-num-seqs":    pagedvllm.WithMaxNumSeqs,
		"max-model-len":   pagedvllm.WithMaxModelLen,
	}
	for name, opt := range ints {
		if flags.Changed(name) {
			v, _ := flags.GetInt(name)
			opts = append(opts, opt(v))
		}
	}
	if flags.Changed("preemption-mode") {
		v, _ := flags.GetString("preemption-mode")
		opts = append(opts, pagedvllm.WithPreemptionMode(pagedvllm.PreemptionMode(v)))
	}
	if flags.Changed("priority") {
		v, _ := flags.GetBool("priority")
		opts = append(opts, pagedvllm.WithPriorityOrdering(v))
	}

	path, _ := cmd.Flags().GetString("config")
	cfg, err := pagedvllm.LoadConfig(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return cfg, nil
}
