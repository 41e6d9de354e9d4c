package remote

import (
	"context"
	"fmt"
	"net/http"

	"paged-vllm-go/pagedvllm"
)

// Sequence is one entry of a batch on the wire.
type Sequence struct {
	SeqID       int64               `json:"seq_id"`
	InputTokens []int               `json:"input_tokens"`
	Positions   []int               `json:"positions"`
	BlockTable  []pagedvllm.BlockID `json:"block_table"`
	ContextLen  int                 `json:"context_len"`
	SlotMapping []int               `json:"slot_mapping"`
	IsPrompt    bool                `json:"is_prompt"`
}

// Batch is the body of POST /inference.
type Batch struct {
	Sequences     []Sequence `json:"sequences"`
	MaxContextLen int        `json:"max_context_len"`
	BlockSize     int        `json:"block_size"`
	Scale         float64    `json:"scale"`
}

// NewBatch converts engine input metadata to its wire form.
func NewBatch(meta *pagedvllm.InputMetadata) Batch {
	b := Batch{
		Sequences:     make([]Sequence, len(meta.SeqIDs)),
		MaxContextLen: meta.MaxContextLen,
		BlockSize:     meta.BlockSize,
		Scale:         meta.Scale,
	}
	for i, id := range meta.SeqIDs {
		b.Sequences[i] = Sequence{
			SeqID:       id,
			InputTokens: meta.InputTokens[i],
			Positions:   meta.Positions[i],
			BlockTable:  meta.BlockTables[i],
			ContextLen:  meta.ContextLens[i],
			SlotMapping: meta.SlotMapping[i],
			IsPrompt:    meta.IsPrompt[i],
		}
	}
	return b
}

// Runner implements pagedvllm.ModelRunner on a compute server.
type Runner struct {
	client client
}

// NewRunner creates a runner for the server at serverURL. A nil hc uses
// http.DefaultClient.
func NewRunner(serverURL string, hc *http.Client) *Runner {
	return &Runner{client: newClient(serverURL, hc)}
}

// Run sends one batch and returns the next token of every sequence.
func (r *Runner) Run(ctx context.Context, meta *pagedvllm.InputMetadata) ([]int, error) {
	var result struct {
		TokenIDs []int `json:"token_ids"`
	}
	if err := r.client.do(ctx, http.MethodPost, "/inference", NewBatch(meta), &result); err != nil {
		return nil, err
	}
	if len(result.TokenIDs) != len(meta.SeqIDs) {
		return nil, fmt.Errorf("server returned %d tokens for %d sequences", len(result.TokenIDs), len(meta.SeqIDs))
	}
	return result.TokenIDs, nil
}

// Close implements pagedvllm.ModelRunner.
func (r *Runner) Close() error {
	return nil
}
