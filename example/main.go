package main

import (
	"fmt"
	"log"

	"paged-vllm-go/hostbackend"
	"paged-vllm-go/pagedvllm"
)

func main() {
	// A deliberately small fast tier so the scheduler has to swap.
	config := pagedvllm.NewConfig(
		pagedvllm.WithBlockSize(8),
		pagedvllm.WithNumFastBlocks(12),
		pagedvllm.WithNumSlowBlocks(64),
		pagedvllm.WithMaxNumSeqs(4),
		pagedvllm.WithPreemptionMode(pagedvllm.PreemptSwap),
		pagedvllm.WithEOS(2),
	)

	cache, err := hostbackend.NewHostCache(hostbackend.Layout{
		NumLayers:  2,
		NumKVHeads: 2,
		HeadDim:    8,
		BlockSize:  config.BlockSize,
		DType:      pagedvllm.DTypeBF16,
	})
	if err != nil {
		log.Fatalf("Failed to create cache: %v", err)
	}
	runner, err := hostbackend.NewEchoRunner(cache, 32000, config.EOS)
	if err != nil {
		log.Fatalf("Failed to create runner: %v", err)
	}

	llm := pagedvllm.NewLLMWithComponents(config, runner, pagedvllm.NewMockTokenizer(config.EOS), cache)
	defer llm.Close()

	samplingParams := pagedvllm.NewSamplingParams(
		pagedvllm.WithTemperature(0.6),
		pagedvllm.WithMaxTokens(24),
	)

	prompts := []string{
		"Hello, paged attention!",
		"What is the meaning of life?",
		"Explain copy-on-write in simple terms.",
		"Why do blocks make KV caches cheaper?",
		"Swap me out and back in again.",
	}

	fmt.Println("Starting generation...")
	fmt.Println()

	outputs, err := llm.GenerateSimple(prompts, samplingParams, true)
	if err != nil {
		log.Fatalf("Generation failed: %v", err)
	}

	fmt.Println("\nResults:")
	fmt.Println("========")
	for i, output := range outputs {
		fmt.Printf("\nPrompt %d: %s\n", i+1, prompts[i])
		fmt.Printf("Tokens: %d (%s)\n", len(output.TokenIDs), output.FinishReason)
	}
}
