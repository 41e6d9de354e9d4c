package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"paged-vllm-go/hostbackend"
	"paged-vllm-go/internal/logger"
	"paged-vllm-go/pagedvllm"
)

type benchOptions struct {
	Requests int
	PromptLen int
	MaxTokens int
	Seed      int64
	Layout    hostbackend.Layout
	Progress  bool
}

type benchStats struct {
	Requests int
	Finished int
	Aborted  int
	Tokens   int
	Elapsed  time.Duration
	FreeFast int
	FreeSlow int
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Drive the engine loop with concurrent requests against a host KV cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := engineConfig(cmd)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			var opts benchOptions
			opts.Requests, _ = flags.GetInt("requests")
			opts.PromptLen, _ = flags.GetInt("prompt-len")
			opts.MaxTokens, _ = flags.GetInt("max-tokens")
			opts.Seed, _ = flags.GetInt64("seed")
			opts.Progress, _ = flags.GetBool("progress")
			layers, _ := flags.GetInt("layers")
			kvHeads, _ := flags.GetInt("kv-heads")
			headDim, _ := flags.GetInt("head-dim")
			dtype, _ := flags.GetString("kv-dtype")

			d, err := pagedvllm.ParseDType(dtype)
			if err != nil {
				return err
			}
			opts.Layout = hostbackend.Layout{
				NumLayers:  layers,
				NumKVHeads: kvHeads,
				HeadDim:    headDim,
				BlockSize:  cfg.BlockSize,
				DType:      d,
			}

			stats, err := runBench(cmd.Context(), cfg, opts)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	addEngineFlags(cmd)
	cmd.Flags().Int("requests", 64, "Number of requests")
	cmd.Flags().Int("prompt-len", 48, "Maximum prompt length in tokens")
	cmd.Flags().Int("max-tokens", 64, "Tokens to generate per request")
	cmd.Flags().Int64("seed", 1, "Seed for prompt lengths")
	cmd.Flags().Int("layers", 4, "Layers per block")
	cmd.Flags().Int("kv-heads", 4, "KV heads per layer")
	cmd.Flags().Int("head-dim", 16, "Head dimension")
	cmd.Flags().String("kv-dtype", "f16", "KV cache dtype (f32, f16, bf16, i8)")
	cmd.Flags().Bool("progress", true, "Show a progress bar")
	return cmd
}

// runBench runs the engine loop in one goroutine while a producer submits
// requests and a consumer waits for them.
func runBench(ctx context.Context, cfg *pagedvllm.Config, opts benchOptions) (benchStats, error) {
	if opts.Requests < 1 || opts.PromptLen < 1 {
		return benchStats{}, fmt.Errorf("need at least one request of at least one token")
	}
	if cfg.MaxModelLen < 2 {
		return benchStats{}, fmt.Errorf("max_model_len %d leaves no room to generate", cfg.MaxModelLen)
	}
	if cfg.EOS == -1 {
		cfg.EOS = 2
	}

	cache, err := hostbackend.NewHostCache(opts.Layout)
	if err != nil {
		return benchStats{}, err
	}
	runner, err := hostbackend.NewEchoRunner(cache, 32000, cfg.EOS)
	if err != nil {
		return benchStats{}, err
	}
	engine := pagedvllm.NewLLMEngine(cfg, runner, pagedvllm.NewMockTokenizer(cfg.EOS), cache)

	var bar *progressbar.ProgressBar
	if opts.Progress {
		bar = progressbar.Default(int64(opts.Requests), "Benchmarking")
	}

	stats := benchStats{Requests: opts.Requests}
	rng := rand.New(rand.NewSource(opts.Seed))
	sp := pagedvllm.NewSamplingParams(pagedvllm.WithMaxTokens(opts.MaxTokens))
	groups := make(chan *pagedvllm.SequenceGroup, cfg.RequestQueueSize)

	g, ctx := errgroup.WithContext(ctx)
	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()

	start := time.Now()
	g.Go(func() error {
		err := engine.Run(loopCtx)
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer close(groups)
		for i := 0; i < opts.Requests; i++ {
			n := 1 + rng.Intn(min(opts.PromptLen, cfg.MaxModelLen-1))
			prompt := make([]int, n)
			for j := range prompt {
				prompt[j] = 3 + rng.Intn(31997)
			}
			req, err := engine.NewRequest(ctx, prompt, sp)
			if err != nil {
				return err
			}
			if err := engine.Submit(ctx, req); err != nil {
				return err
			}
			select {
			case groups <- req:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		defer stopLoop()
		for req := range groups {
			results, err := req.Wait(ctx)
			if err != nil {
				return err
			}
			for _, r := range results {
				stats.Tokens += len(r.TokenIDs)
				if r.FinishReason == pagedvllm.FinishAborted || r.FinishReason == pagedvllm.FinishError {
					stats.Aborted++
					logger.Log.Warn("request aborted", "group", req.ID, "err", r.Err)
				} else {
					stats.Finished++
				}
			}
			if bar != nil {
				bar.Add(1)
			}
		}
		return nil
	})

	err = g.Wait()
	stats.Elapsed = time.Since(start)
	if bar != nil {
		bar.Finish()
	}
	if cerr := engine.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return stats, err
	}

	bm := engine.Scheduler().BlockManager()
	stats.FreeFast = bm.NumFreeFastBlocks()
	stats.FreeSlow = bm.NumFreeSlowBlocks()
	return stats, nil
}

func printStats(w io.Writer, s benchStats) {
	fmt.Fprintf(w, "\nrequests:   %d (%d finished, %d aborted)\n", s.Requests, s.Finished, s.Aborted)
	fmt.Fprintf(w, "tokens:     %d\n", s.Tokens)
	fmt.Fprintf(w, "elapsed:    %s\n", s.Elapsed.Round(time.Millisecond))
	if secs := s.Elapsed.Seconds(); secs > 0 {
		fmt.Fprintf(w, "throughput: %.1f tok/s\n", float64(s.Tokens)/secs)
	}
	fmt.Fprintf(w, "free fast:  %d blocks\n", s.FreeFast)
	fmt.Fprintf(w, "free slow:  %d blocks\n", s.FreeSlow)
}
