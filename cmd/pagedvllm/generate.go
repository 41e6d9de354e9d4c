package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"paged-vllm-go/internal/logger"
	"paged-vllm-go/pagedvllm"
	"paged-vllm-go/remote"
)

func newGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate PROMPT...",
		Short: "Generate completions with a compute server or the mock model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := engineConfig(cmd)
			if err != nil {
				return err
			}
			maxTokens, _ := cmd.Flags().GetInt("max-tokens")
			temperature, _ := cmd.Flags().GetFloat64("temperature")
			progress, _ := cmd.Flags().GetBool("progress")

			server, _ := cmd.Flags().GetString("server")
			llm, err := newLLM(cmd.Context(), cfg, server)
			if err != nil {
				return err
			}
			defer llm.Close()

			outputs, err := llm.GenerateSimple(args, pagedvllm.NewSamplingParams(
				pagedvllm.WithMaxTokens(maxTokens),
				pagedvllm.WithTemperature(temperature),
			), progress)
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}

			w := cmd.OutOrStdout()
			for i, o := range outputs {
				fmt.Fprintf(w, "\nPrompt %d: %s\n", i+1, args[i])
				fmt.Fprintf(w, "Output: %s\n", o.Text)
				fmt.Fprintf(w, "Tokens: %d (%s)\n", len(o.TokenIDs), o.FinishReason)
			}
			return nil
		},
	}
	addEngineFlags(cmd)
	cmd.Flags().Int("max-tokens", 32, "Maximum tokens to generate per prompt")
	cmd.Flags().Float64("temperature", 1.0, "Sampling temperature")
	cmd.Flags().Bool("progress", false, "Show a progress bar")
	cmd.Flags().String("server", "", "Compute server URL; the mock model is used when empty")
	return cmd
}

// newLLM connects to a compute server, or falls back to the mock model.
func newLLM(ctx context.Context, cfg *pagedvllm.Config, server string) (*pagedvllm.LLM, error) {
	if server == "" {
		return pagedvllm.NewLLM(cfg)
	}
	info, err := remote.FetchInfo(ctx, server, nil)
	if err != nil {
		return nil, err
	}
	if cfg.EOS == -1 {
		cfg.EOS = info.EOSTokenID
	}
	logger.Log.Info("connected to compute server", "model", info.ModelType, "vocab", info.VocabSize)
	return pagedvllm.NewLLMWithComponents(cfg,
		remote.NewRunner(server, nil),
		remote.NewTokenizer(server, nil, cfg.EOS),
		remote.NewBackend(server, nil),
	), nil
}
