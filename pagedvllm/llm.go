package pagedvllm

import "fmt"

// LLM is the user-facing API for the inference engine
type LLM struct {
	*LLMEngine
}

// NewLLM creates a new LLM with mock compute components. When config names
// a model directory, its config.json sets the attention scale.
func NewLLM(config *Config) (*LLM, error) {
	// Set up EOS token
	if config.EOS == -1 {
		config.EOS = 2 // Default EOS token
	}

	tokenizer := NewMockTokenizer(config.EOS)
	modelRunner := NewMockModelRunner(config)
	engine := NewLLMEngine(config, modelRunner, tokenizer, NopCacheBackend{})

	if config.Model != "" {
		mc, err := LoadModelConfig(config.Model)
		if err != nil {
			return nil, fmt.Errorf("failed to load model config: %w", err)
		}
		engine.SetAttentionScale(mc.Scale())
	}

	return &LLM{
		LLMEngine: engine,
	}, nil
}

// NewLLMWithComponents creates a new LLM with custom components
func NewLLMWithComponents(config *Config, modelRunner ModelRunner, tokenizer Tokenizer, backend CacheBackend) *LLM {
	engine := NewLLMEngine(config, modelRunner, tokenizer, backend)
	return &LLM{
		LLMEngine: engine,
	}
}

// GenerateSimple is a convenience method for generating from string prompts
func (llm *LLM) GenerateSimple(prompts []string, samplingParams *SamplingParams, useTqdm bool) ([]Output, error) {
	promptsInterface := make([]interface{}, len(prompts))
	for i, p := range prompts {
		promptsInterface[i] = p
	}
	return llm.Generate(promptsInterface, samplingParams, useTqdm)
}
