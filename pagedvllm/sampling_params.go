package pagedvllm

import "fmt"

// SamplingParams holds the sampling parameters for generation
type SamplingParams struct {
	Temperature  float64
	TopP         float64
	MaxTokens    int // <= 0 means bounded only by MaxModelLen
	IgnoreEOS    bool
	StopTokenIDs []int
	N            int // sequences per request
	Priority     int
}

// SamplingOption is a functional option for SamplingParams
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates a new SamplingParams with default values
func NewSamplingParams(opts ...SamplingOption) *SamplingParams {
	sp := &SamplingParams{
		Temperature: 1.0,
		TopP:        1.0,
		MaxTokens:   64,
		N:           1,
	}

	for _, opt := range opts {
		opt(sp)
	}

	if err := sp.validate(); err != nil {
		panic(err)
	}

	return sp
}

// validate checks if the sampling parameters are valid
func (sp *SamplingParams) validate() error {
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be >= 0, got %v", sp.Temperature)
	}
	if sp.TopP <= 0 || sp.TopP > 1 {
		return fmt.Errorf("top_p must be in (0, 1], got %v", sp.TopP)
	}
	if sp.N < 1 {
		return fmt.Errorf("n must be >= 1, got %d", sp.N)
	}
	return nil
}

// WithTemperature sets the sampling temperature
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Temperature = t
	}
}

// WithTopP sets the nucleus sampling threshold
func WithTopP(p float64) SamplingOption {
	return func(sp *SamplingParams) {
		sp.TopP = p
	}
}

// WithMaxTokens sets the maximum number of tokens to generate
func WithMaxTokens(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.MaxTokens = n
	}
}

// WithIgnoreEOS sets whether to ignore the EOS token
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) {
		sp.IgnoreEOS = b
	}
}

// WithStopTokenIDs sets extra token ids that finish a sequence
func WithStopTokenIDs(ids ...int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.StopTokenIDs = append([]int(nil), ids...)
	}
}

// WithN sets the number of sequences sampled from one prompt
func WithN(n int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.N = n
	}
}

// WithPriority sets the request priority. Higher runs first when the
// scheduler has priority ordering enabled.
func WithPriority(p int) SamplingOption {
	return func(sp *SamplingParams) {
		sp.Priority = p
	}
}
