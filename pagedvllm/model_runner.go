package pagedvllm

import (
	"context"
	"strings"
)

// ModelRunner is the compute backend's forward pass. Implementations read
// and write the KV cache through the block tables and slot mapping in the
// metadata; the scheduler guarantees every named block is resident.
type ModelRunner interface {
	// Run executes one forward pass and returns the next token ID for each
	// sequence in meta, in order.
	Run(ctx context.Context, meta *InputMetadata) ([]int, error)

	// Close cleans up resources
	Close() error
}

// MockModelRunner is a simple mock implementation for demonstration
type MockModelRunner struct {
	eos   int
	vocab int
}

// NewMockModelRunner creates a new mock model runner
func NewMockModelRunner(config *Config) *MockModelRunner {
	return &MockModelRunner{
		eos:   config.EOS,
		vocab: 32000, // Default vocab size
	}
}

// Run generates mock output tokens
func (m *MockModelRunner) Run(ctx context.Context, meta *InputMetadata) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tokenIDs := make([]int, len(meta.SeqIDs))
	for i, seqID := range meta.SeqIDs {
		tokenID := int((seqID + int64(meta.ContextLens[i])) % int64(m.vocab))
		if tokenID == m.eos {
			tokenID = (tokenID + 1) % m.vocab
		}
		tokenIDs[i] = tokenID
	}

	return tokenIDs, nil
}

// Close cleans up resources
func (m *MockModelRunner) Close() error {
	return nil
}

// Tokenizer is an interface for tokenizing text
type Tokenizer interface {
	// Encode converts text to token IDs
	Encode(text string) ([]int, error)

	// Decode converts token IDs to text
	Decode(tokenIDs []int) (string, error)

	// EOSTokenID returns the EOS token ID
	EOSTokenID() int
}

// MockTokenizer is a simple mock tokenizer for demonstration
type MockTokenizer struct {
	eosTokenID int
}

// NewMockTokenizer creates a new mock tokenizer
func NewMockTokenizer(eosTokenID int) *MockTokenizer {
	return &MockTokenizer{
		eosTokenID: eosTokenID,
	}
}

// Encode performs mock tokenization
func (t *MockTokenizer) Encode(text string) ([]int, error) {
	// Simple mock: convert each character to a token
	tokens := make([]int, 0, len(text))
	for _, c := range text {
		tokens = append(tokens, int(c)%1000)
	}
	return tokens, nil
}

// Decode performs mock detokenization
func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	var sb strings.Builder
	for _, id := range tokenIDs {
		if id != t.eosTokenID {
			sb.WriteRune(rune(id%1000 + 32))
		}
	}
	return sb.String(), nil
}

// EOSTokenID returns the EOS token ID
func (t *MockTokenizer) EOSTokenID() int {
	return t.eosTokenID
}

// NopCacheBackend keeps no memory. It suits runners that ignore the KV
// cache, such as MockModelRunner.
type NopCacheBackend struct{}

func (NopCacheBackend) AllocateBlock(PhysicalBlock) error             { return nil }
func (NopCacheBackend) FreeBlock(PhysicalBlock) error                 { return nil }
func (NopCacheBackend) CopyBlocks(context.Context, []BlockMove) error { return nil }
