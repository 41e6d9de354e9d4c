package pagedvllm

import (
	"context"
	"fmt"

	"paged-vllm-go/internal/metrics"
)

// CacheBackend owns the memory behind physical blocks. Everything above it
// moves block identifiers only.
type CacheBackend interface {
	// AllocateBlock creates the backing storage of one block.
	AllocateBlock(b PhysicalBlock) error
	// FreeBlock releases the backing storage of one block.
	FreeBlock(b PhysicalBlock) error
	// CopyBlocks copies the content of every Src to its Dst. It may block
	// on device transfers.
	CopyBlocks(ctx context.Context, moves []BlockMove) error
}

// InputMetadata describes one batch to the compute backend. Slices are
// indexed by sequence; SlotMapping holds the cache slot of every token in
// InputTokens.
type InputMetadata struct {
	SeqIDs        []int64
	InputTokens   [][]int
	Positions     [][]int
	BlockTables   [][]BlockID
	ContextLens   []int
	MaxContextLen int
	SlotMapping   [][]int
	IsPrompt      []bool
	Scale         float64
	BlockSize     int
}

// NumTokens returns the total number of input tokens.
func (m *InputMetadata) NumTokens() int {
	n := 0
	for _, t := range m.InputTokens {
		n += len(t)
	}
	return n
}

// CacheEngine turns block manager decisions into backend operations. It
// tracks which blocks have backing storage so allocate and free are
// idempotent.
type CacheEngine struct {
	backend      CacheBackend
	blockManager *BlockManager
	scale        float64
	resident     map[PhysicalBlock]struct{}
}

// NewCacheEngine creates a cache engine. scale is passed through to the
// backend as the attention scale.
func NewCacheEngine(backend CacheBackend, bm *BlockManager, scale float64) *CacheEngine {
	return &CacheEngine{
		backend:      backend,
		blockManager: bm,
		scale:        scale,
		resident:     make(map[PhysicalBlock]struct{}),
	}
}

// AllocateBlock creates backing storage for b unless it already exists.
func (e *CacheEngine) AllocateBlock(b PhysicalBlock) error {
	if _, ok := e.resident[b]; ok {
		return nil
	}
	if err := e.backend.AllocateBlock(b); err != nil {
		return fmt.Errorf("allocate block %s: %w", b, err)
	}
	e.resident[b] = struct{}{}
	return nil
}

// FreeBlock releases b. Freeing a block without storage is a no-op.
func (e *CacheEngine) FreeBlock(b PhysicalBlock) error {
	if _, ok := e.resident[b]; !ok {
		return nil
	}
	if err := e.backend.FreeBlock(b); err != nil {
		return fmt.Errorf("free block %s: %w", b, err)
	}
	delete(e.resident, b)
	return nil
}

// IsAllocated reports whether b has backing storage.
func (e *CacheEngine) IsAllocated(b PhysicalBlock) bool {
	_, ok := e.resident[b]
	return ok
}

func pairs(src, dst []BlockID, from, to Device) ([]BlockMove, error) {
	if len(src) != len(dst) {
		return nil, fmt.Errorf("block copy with %d sources and %d destinations", len(src), len(dst))
	}
	moves := make([]BlockMove, len(src))
	for i := range src {
		moves[i] = BlockMove{
			Src: PhysicalBlock{Device: from, ID: src[i]},
			Dst: PhysicalBlock{Device: to, ID: dst[i]},
		}
	}
	return moves, nil
}

// SwapIn copies slow-tier blocks src into fast-tier blocks dst pairwise.
func (e *CacheEngine) SwapIn(ctx context.Context, src, dst []BlockID) error {
	moves, err := pairs(src, dst, DeviceSlow, DeviceFast)
	if err != nil {
		return err
	}
	return e.move(ctx, "swap_in", moves)
}

// SwapOut copies fast-tier blocks src into slow-tier blocks dst pairwise.
func (e *CacheEngine) SwapOut(ctx context.Context, src, dst []BlockID) error {
	moves, err := pairs(src, dst, DeviceFast, DeviceSlow)
	if err != nil {
		return err
	}
	return e.move(ctx, "swap_out", moves)
}

// CopyBlocks duplicates fast-tier blocks src into dst pairwise.
func (e *CacheEngine) CopyBlocks(ctx context.Context, src, dst []BlockID) error {
	moves, err := pairs(src, dst, DeviceFast, DeviceFast)
	if err != nil {
		return err
	}
	return e.move(ctx, "copy", moves)
}

func (e *CacheEngine) move(ctx context.Context, op string, moves []BlockMove) error {
	if len(moves) == 0 {
		return nil
	}
	for _, mv := range moves {
		if !e.IsAllocated(mv.Src) {
			return fmt.Errorf("%s: source block %s has no storage", op, mv.Src)
		}
		if err := e.AllocateBlock(mv.Dst); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if err := e.backend.CopyBlocks(ctx, moves); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	metrics.RecordBlocksMoved(op, len(moves))
	return nil
}

// Execute applies the block moves of a scheduling step: swap-in, then
// swap-out, then copy. A slow block released by a swap-in may be the
// destination of a swap-out in the same step, and a fast block released by
// a swap-out may be a copy destination.
func (e *CacheEngine) Execute(ctx context.Context, out *SchedulerOutput) error {
	if err := e.move(ctx, "swap_in", out.SwapInMoves()); err != nil {
		return err
	}
	if err := e.move(ctx, "swap_out", out.SwapOutMoves()); err != nil {
		return err
	}
	return e.move(ctx, "copy", out.CopyMoves())
}

// Reclaim releases storage of every block the block manager no longer
// references.
func (e *CacheEngine) Reclaim() error {
	for b := range e.resident {
		if e.blockManager.Allocator(b.Device).IsFree(b.ID) {
			if err := e.FreeBlock(b); err != nil {
				return err
			}
		}
	}
	return nil
}

// PrepareInput builds the batch description for seqs and makes sure every
// block in their tables has storage. Prefill sequences feed every token not
// yet computed; decode sequences feed their last token.
func (e *CacheEngine) PrepareInput(seqs []*Sequence) (*InputMetadata, error) {
	bs := e.blockManager.BlockSize()
	meta := &InputMetadata{
		SeqIDs:      make([]int64, len(seqs)),
		InputTokens: make([][]int, len(seqs)),
		Positions:   make([][]int, len(seqs)),
		BlockTables: make([][]BlockID, len(seqs)),
		ContextLens: make([]int, len(seqs)),
		SlotMapping: make([][]int, len(seqs)),
		IsPrompt:    make([]bool, len(seqs)),
		Scale:       e.scale,
		BlockSize:   bs,
	}

	for i, seq := range seqs {
		table := e.blockManager.BlockTable(seq.SeqID)
		if len(table) < seq.NumBlocks() {
			return nil, fmt.Errorf("sequence %d has %d blocks for %d tokens", seq.SeqID, len(table), seq.Len())
		}
		ids := make([]BlockID, len(table))
		for j, b := range table {
			if b.Device != DeviceFast {
				return nil, fmt.Errorf("sequence %d block %s: %w", seq.SeqID, b, ErrNotResident)
			}
			if err := e.AllocateBlock(b); err != nil {
				return nil, err
			}
			ids[j] = b.ID
		}

		start := seq.NumComputedTokens
		if start >= seq.Len() {
			start = seq.Len() - 1
		}
		positions := make([]int, 0, seq.Len()-start)
		slots := make([]int, 0, seq.Len()-start)
		for pos := start; pos < seq.Len(); pos++ {
			positions = append(positions, pos)
			slots = append(slots, int(ids[pos/bs])*bs+pos%bs)
		}

		meta.SeqIDs[i] = seq.SeqID
		meta.InputTokens[i] = seq.TokenIDs[start:seq.Len()]
		meta.Positions[i] = positions
		meta.BlockTables[i] = ids
		meta.ContextLens[i] = seq.Len()
		meta.SlotMapping[i] = slots
		meta.IsPrompt[i] = seq.IsPrefill()
		meta.MaxContextLen = max(meta.MaxContextLen, seq.Len())
	}
	return meta, nil
}

// Close releases every block that still has storage.
func (e *CacheEngine) Close() error {
	for b := range e.resident {
		if err := e.FreeBlock(b); err != nil {
			return err
		}
	}
	return nil
}
