package pagedvllm

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"
)

// ComputeHash computes the hash of token IDs with an optional prefix hash.
// Chaining the previous block's hash makes equal hashes imply equal prefixes
// up to collisions.
func ComputeHash(tokenIDs []int, prefixHash uint64) uint64 {
	h := xxhash.New()

	buf := make([]byte, 8)
	if prefixHash != 0 {
		binary.LittleEndian.PutUint64(buf, prefixHash)
		h.Write(buf)
	}

	for _, tokenID := range tokenIDs {
		binary.LittleEndian.PutUint32(buf[:4], uint32(tokenID))
		h.Write(buf[:4])
	}

	return h.Sum64()
}

// BlockManager maps sequences to physical blocks on two tiers. Every
// sequence has its own block table; full prompt blocks with identical
// content are shared inside a group and copied on write.
type BlockManager struct {
	blockSize int
	fast      *BlockAllocator
	slow      *BlockAllocator
	tables    map[int64][]PhysicalBlock
	seqs      map[int64]*Sequence
}

// NewBlockManager creates a new block manager
func NewBlockManager(blockSize, numFastBlocks, numSlowBlocks int) *BlockManager {
	return &BlockManager{
		blockSize: blockSize,
		fast:      NewBlockAllocator(DeviceFast, numFastBlocks),
		slow:      NewBlockAllocator(DeviceSlow, numSlowBlocks),
		tables:    make(map[int64][]PhysicalBlock),
		seqs:      make(map[int64]*Sequence),
	}
}

// BlockSize returns the number of tokens per block.
func (bm *BlockManager) BlockSize() int { return bm.blockSize }

// NumFreeFastBlocks returns the free block count of the fast tier.
func (bm *BlockManager) NumFreeFastBlocks() int { return bm.fast.NumFreeBlocks() }

// NumFreeSlowBlocks returns the free block count of the slow tier.
func (bm *BlockManager) NumFreeSlowBlocks() int { return bm.slow.NumFreeBlocks() }

// NumTotalFastBlocks returns the size of the fast tier.
func (bm *BlockManager) NumTotalFastBlocks() int { return bm.fast.NumBlocks() }

// NumTotalSlowBlocks returns the size of the slow tier.
func (bm *BlockManager) NumTotalSlowBlocks() int { return bm.slow.NumBlocks() }

// Allocator returns the allocator of one tier.
func (bm *BlockManager) Allocator(d Device) *BlockAllocator {
	if d == DeviceSlow {
		return bm.slow
	}
	return bm.fast
}

// sharedWith finds an earlier sequence whose block i may back block i of s:
// both full, same chained hash and same token prefix.
func sharedWith(earlier []*Sequence, s *Sequence, i int) (*Sequence, bool) {
	lb := s.LogicalBlocks[i]
	if !lb.Full {
		return nil, false
	}
	end := (i + 1) * s.BlockSize
	for _, o := range earlier {
		if i >= len(o.LogicalBlocks) {
			continue
		}
		olb := o.LogicalBlocks[i]
		if olb.Full && olb.Hash == lb.Hash && slices.Equal(o.TokenIDs[:end], s.TokenIDs[:end]) {
			return o, true
		}
	}
	return nil, false
}

// NumRequiredBlocks returns the number of distinct blocks Allocate would
// take for the group. For a single sequence this is ceil(len/blockSize).
func (bm *BlockManager) NumRequiredBlocks(g *SequenceGroup) int {
	seqs := g.UnfinishedSeqs()
	n := 0
	for k, s := range seqs {
		for i := 0; i < s.NumBlocks(); i++ {
			if _, ok := sharedWith(seqs[:k], s, i); !ok {
				n++
			}
		}
	}
	return n
}

// CanAllocate checks if there are enough free fast blocks for the group
func (bm *BlockManager) CanAllocate(g *SequenceGroup) bool {
	return bm.NumRequiredBlocks(g) <= bm.fast.NumFreeBlocks()
}

// Allocate gives every unfinished sequence of the group a fast-tier block
// table. It is all-or-nothing: on exhaustion every block taken by this call
// is released and nil is returned. On success it returns the distinct
// blocks allocated.
func (bm *BlockManager) Allocate(g *SequenceGroup) []PhysicalBlock {
	seqs := g.UnfinishedSeqs()
	for _, s := range seqs {
		if _, ok := bm.tables[s.SeqID]; ok {
			panic(fmt.Sprintf("sequence %d already has blocks allocated", s.SeqID))
		}
	}

	var allocated []PhysicalBlock
	tables := make([][]PhysicalBlock, len(seqs))

	rollback := func() {
		freed := 0
		for _, table := range tables {
			for _, b := range table {
				if bm.fast.Free(b.ID) {
					freed++
				}
			}
		}
		if freed != len(allocated) {
			panic(fmt.Sprintf("allocation rollback released %d of %d blocks", freed, len(allocated)))
		}
	}

	for k, s := range seqs {
		table := make([]PhysicalBlock, 0, s.NumBlocks())
		for i := 0; i < s.NumBlocks(); i++ {
			if o, ok := sharedWith(seqs[:k], s, i); ok {
				b := tables[slices.Index(seqs, o)][i]
				bm.fast.Share(b.ID)
				table = append(table, b)
				continue
			}
			b, ok := bm.fast.Allocate()
			if !ok {
				tables[k] = table
				rollback()
				return nil
			}
			allocated = append(allocated, b)
			table = append(table, b)
		}
		tables[k] = table
	}

	for k, s := range seqs {
		bm.setTable(s, tables[k])
	}
	return allocated
}

func (bm *BlockManager) setTable(s *Sequence, table []PhysicalBlock) {
	bm.tables[s.SeqID] = table
	bm.seqs[s.SeqID] = s
	for i, lb := range s.LogicalBlocks {
		if i < len(table) {
			b := table[i]
			lb.Physical = &b
		} else {
			lb.Physical = nil
		}
	}
}

// Free releases every block of the sequence and drops its table. Freeing
// an untracked sequence is a no-op.
func (bm *BlockManager) Free(seqID int64) {
	table, ok := bm.tables[seqID]
	if !ok {
		return
	}
	for i := len(table) - 1; i >= 0; i-- {
		bm.Allocator(table[i].Device).Free(table[i].ID)
	}
	if s := bm.seqs[seqID]; s != nil {
		for _, lb := range s.LogicalBlocks {
			lb.Physical = nil
		}
	}
	delete(bm.tables, seqID)
	delete(bm.seqs, seqID)
}

// FreeGroup frees every member of the group.
func (bm *BlockManager) FreeGroup(g *SequenceGroup) {
	for _, s := range g.Seqs {
		bm.Free(s.SeqID)
	}
}

// HasBlocks reports whether the sequence holds a block table.
func (bm *BlockManager) HasBlocks(seqID int64) bool {
	_, ok := bm.tables[seqID]
	return ok
}

// BlockTable returns a copy of the sequence's block table.
func (bm *BlockManager) BlockTable(seqID int64) []PhysicalBlock {
	return slices.Clone(bm.tables[seqID])
}

func (bm *BlockManager) groupSeqIDs(g *SequenceGroup) []int64 {
	ids := make([]int64, 0, len(g.Seqs))
	for _, s := range g.Seqs {
		if _, ok := bm.tables[s.SeqID]; ok {
			ids = append(ids, s.SeqID)
		}
	}
	return ids
}

// distinctBlocks counts the distinct blocks of from referenced by the
// tables of ids.
func (bm *BlockManager) distinctBlocks(ids []int64, from Device) int {
	seen := make(map[BlockID]struct{})
	for _, id := range ids {
		for _, b := range bm.tables[id] {
			if b.Device == from {
				seen[b.ID] = struct{}{}
			}
		}
	}
	return len(seen)
}

// migrate moves the tables of ids from one tier to the other. Blocks shared
// among ids stay shared on the destination. Nothing is mutated when the
// destination tier is short.
func (bm *BlockManager) migrate(ids []int64, from, to Device) ([]BlockMove, error) {
	src, dst := bm.Allocator(from), bm.Allocator(to)
	for _, id := range ids {
		for _, b := range bm.tables[id] {
			if b.Device != from {
				return nil, fmt.Errorf("sequence %d block %s is not on the %s tier", id, b, from)
			}
		}
	}

	need := bm.distinctBlocks(ids, from)
	if need > dst.NumFreeBlocks() {
		return nil, fmt.Errorf("moving %d blocks to %s tier with %d free: %w",
			need, to, dst.NumFreeBlocks(), ErrInsufficientBlocks)
	}

	mapping := make(map[BlockID]PhysicalBlock, need)
	moves := make([]BlockMove, 0, need)
	for _, id := range ids {
		table := bm.tables[id]
		next := make([]PhysicalBlock, len(table))
		for i, b := range table {
			nb, ok := mapping[b.ID]
			if ok {
				dst.Share(nb.ID)
			} else {
				nb, ok = dst.Allocate()
				if !ok {
					panic(fmt.Sprintf("%s tier exhausted after capacity check", to))
				}
				mapping[b.ID] = nb
				moves = append(moves, BlockMove{Src: b, Dst: nb})
			}
			src.Free(b.ID)
			next[i] = nb
		}
		bm.setTable(bm.seqs[id], next)
	}
	return moves, nil
}

// CanSwapOut reports whether the slow tier can take the group's blocks.
func (bm *BlockManager) CanSwapOut(g *SequenceGroup) bool {
	return bm.distinctBlocks(bm.groupSeqIDs(g), DeviceFast) <= bm.slow.NumFreeBlocks()
}

// SwapOutGroup moves the group's tables to the slow tier.
func (bm *BlockManager) SwapOutGroup(g *SequenceGroup) ([]BlockMove, error) {
	return bm.migrate(bm.groupSeqIDs(g), DeviceFast, DeviceSlow)
}

// NumSwapInBlocksRequired returns the fast blocks a swapped group needs:
// its distinct slow blocks plus the slots of its next step.
func (bm *BlockManager) NumSwapInBlocksRequired(g *SequenceGroup) int {
	return bm.distinctBlocks(bm.groupSeqIDs(g), DeviceSlow) + bm.NumAppendBlocksRequired(g)
}

// CanSwapIn reports whether the fast tier can take back the group.
func (bm *BlockManager) CanSwapIn(g *SequenceGroup) bool {
	return bm.NumSwapInBlocksRequired(g) <= bm.fast.NumFreeBlocks()
}

// SwapInGroup moves the group's tables back to the fast tier.
func (bm *BlockManager) SwapInGroup(g *SequenceGroup) ([]BlockMove, error) {
	return bm.migrate(bm.groupSeqIDs(g), DeviceSlow, DeviceFast)
}

// SwapOut moves one sequence's table to the slow tier. Blocks it shares
// with other sequences are copied, not moved.
func (bm *BlockManager) SwapOut(seqID int64) ([]BlockMove, error) {
	if !bm.HasBlocks(seqID) {
		return nil, nil
	}
	return bm.migrate([]int64{seqID}, DeviceFast, DeviceSlow)
}

// SwapIn moves one sequence's table back to the fast tier.
func (bm *BlockManager) SwapIn(seqID int64) ([]BlockMove, error) {
	if !bm.HasBlocks(seqID) {
		return nil, nil
	}
	return bm.migrate([]int64{seqID}, DeviceSlow, DeviceFast)
}

// Fork gives child a table sharing every block of parent.
func (bm *BlockManager) Fork(parent, child *Sequence) {
	table, ok := bm.tables[parent.SeqID]
	if !ok {
		return
	}
	for _, b := range table {
		bm.Allocator(b.Device).Share(b.ID)
	}
	bm.setTable(child, slices.Clone(table))
}

// NumAppendBlocksRequired returns the blocks AppendSlot would take for the
// group: one per sequence that starts a new block or writes into a shared
// last block.
func (bm *BlockManager) NumAppendBlocksRequired(g *SequenceGroup) int {
	n := 0
	for _, s := range g.UnfinishedSeqs() {
		table, ok := bm.tables[s.SeqID]
		if !ok || len(table) == 0 {
			continue
		}
		last := table[len(table)-1]
		if len(table) < s.NumBlocks() || bm.Allocator(last.Device).RefCount(last.ID) > 1 {
			n++
		}
	}
	return n
}

// AppendSlot makes sure the slot of the sequence's last token is backed by
// an exclusively owned fast block. It allocates a block when the token
// starts a new one and copies a shared last block on write; the returned
// move must be applied before the next forward pass.
func (bm *BlockManager) AppendSlot(s *Sequence) (*BlockMove, error) {
	table, ok := bm.tables[s.SeqID]
	if !ok {
		return nil, fmt.Errorf("sequence %d has no block table", s.SeqID)
	}

	if len(table) < s.NumBlocks() {
		b, ok := bm.fast.Allocate()
		if !ok {
			return nil, ErrInsufficientBlocks
		}
		bm.setTable(s, append(table, b))
		return nil, nil
	}

	last := table[len(table)-1]
	if last.Device != DeviceFast {
		return nil, fmt.Errorf("sequence %d block %s: %w", s.SeqID, last, ErrNotResident)
	}
	if bm.fast.RefCount(last.ID) == 1 {
		return nil, nil
	}

	b, ok := bm.fast.Allocate()
	if !ok {
		return nil, ErrInsufficientBlocks
	}
	bm.fast.Free(last.ID)
	table[len(table)-1] = b
	bm.setTable(s, table)
	return &BlockMove{Src: last, Dst: b}, nil
}

// CheckInvariants verifies both allocators and that every block's ref count
// equals the number of table entries naming it.
func (bm *BlockManager) CheckInvariants() error {
	for _, a := range []*BlockAllocator{bm.fast, bm.slow} {
		if err := a.CheckConservation(); err != nil {
			return err
		}
	}

	refs := map[PhysicalBlock]int{}
	for seqID, table := range bm.tables {
		for _, b := range table {
			if bm.Allocator(b.Device).IsFree(b.ID) {
				return fmt.Errorf("sequence %d references free block %s", seqID, b)
			}
			refs[b]++
		}
	}
	for _, a := range []*BlockAllocator{bm.fast, bm.slow} {
		for i := 0; i < a.NumBlocks(); i++ {
			b := PhysicalBlock{Device: a.Device(), ID: BlockID(i)}
			if refs[b] != a.RefCount(b.ID) {
				return fmt.Errorf("block %s: %d table references, ref count %d", b, refs[b], a.RefCount(b.ID))
			}
		}
	}
	return nil
}
