// Package hostbackend keeps KV cache blocks in host memory. It implements
// pagedvllm.CacheBackend for both tiers and is used by tests and the bench
// command where no accelerator is present.
package hostbackend

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"paged-vllm-go/pagedvllm"
)

// Layout is the shape of one block.
type Layout struct {
	NumLayers  int
	NumKVHeads int
	HeadDim    int
	BlockSize  int
	DType      pagedvllm.DType
}

// NewLayout derives the block shape from a model config.
func NewLayout(mc *pagedvllm.ModelConfig, blockSize int) Layout {
	return Layout{
		NumLayers:  mc.NumHiddenLayers,
		NumKVHeads: mc.NumKVHeads,
		HeadDim:    mc.HeadDim,
		BlockSize:  blockSize,
		DType:      mc.KVCacheDType,
	}
}

// SlotElems is the number of elements of one token's key (or value) in one
// layer.
func (l Layout) SlotElems() int {
	return l.NumKVHeads * l.HeadDim
}

func (l Layout) slotBytes() int {
	return l.SlotElems() * l.DType.Size()
}

func (l Layout) slabBytes() int {
	return l.BlockSize * l.slotBytes()
}

// Validate checks that the layout describes a non-empty block.
func (l Layout) Validate() error {
	if l.NumLayers <= 0 || l.NumKVHeads <= 0 || l.HeadDim <= 0 || l.BlockSize <= 0 {
		return fmt.Errorf("invalid block layout %+v", l)
	}
	if l.DType.Size() == 0 {
		return fmt.Errorf("unsupported kv cache dtype %q", l.DType)
	}
	return nil
}

type kvBlock struct {
	keys   [][]byte // per layer
	values [][]byte
}

// HostCache stores each physical block as per-layer key and value slabs.
type HostCache struct {
	layout      Layout
	parallelism int

	mu     sync.RWMutex
	blocks map[pagedvllm.PhysicalBlock]*kvBlock
}

// Option configures a HostCache.
type Option func(*HostCache)

// WithParallelism bounds the number of concurrent layer copies.
func WithParallelism(n int) Option {
	return func(c *HostCache) {
		c.parallelism = n
	}
}

// NewHostCache creates an empty cache for blocks of the given layout.
func NewHostCache(layout Layout, opts ...Option) (*HostCache, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	c := &HostCache{
		layout:      layout,
		parallelism: runtime.GOMAXPROCS(0),
		blocks:      make(map[pagedvllm.PhysicalBlock]*kvBlock),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.parallelism < 1 {
		c.parallelism = 1
	}
	return c, nil
}

// Layout returns the block layout.
func (c *HostCache) Layout() Layout {
	return c.layout
}

// AllocateBlock implements pagedvllm.CacheBackend.
func (c *HostCache) AllocateBlock(b pagedvllm.PhysicalBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.blocks[b]; ok {
		return fmt.Errorf("block %s already allocated", b)
	}
	kb := &kvBlock{
		keys:   make([][]byte, c.layout.NumLayers),
		values: make([][]byte, c.layout.NumLayers),
	}
	for l := range kb.keys {
		kb.keys[l] = make([]byte, c.layout.slabBytes())
		kb.values[l] = make([]byte, c.layout.slabBytes())
	}
	c.blocks[b] = kb
	return nil
}

// FreeBlock implements pagedvllm.CacheBackend.
func (c *HostCache) FreeBlock(b pagedvllm.PhysicalBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.blocks[b]; !ok {
		return fmt.Errorf("block %s not allocated", b)
	}
	delete(c.blocks, b)
	return nil
}

// NumAllocated returns the number of blocks with storage.
func (c *HostCache) NumAllocated() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

func (c *HostCache) block(b pagedvllm.PhysicalBlock) (*kvBlock, error) {
	kb, ok := c.blocks[b]
	if !ok {
		return nil, fmt.Errorf("block %s not allocated", b)
	}
	return kb, nil
}

// CopyBlocks implements pagedvllm.CacheBackend. Layers of all moves are
// copied concurrently.
func (c *HostCache) CopyBlocks(ctx context.Context, moves []pagedvllm.BlockMove) error {
	type pair struct{ src, dst *kvBlock }

	c.mu.RLock()
	pairs := make([]pair, len(moves))
	for i, mv := range moves {
		src, err := c.block(mv.Src)
		if err != nil {
			c.mu.RUnlock()
			return err
		}
		dst, err := c.block(mv.Dst)
		if err != nil {
			c.mu.RUnlock()
			return err
		}
		pairs[i] = pair{src, dst}
	}
	c.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for _, p := range pairs {
		for l := 0; l < c.layout.NumLayers; l++ {
			g.Go(func() error {
				if err := ctx.Err(); err != nil {
					return err
				}
				copy(p.dst.keys[l], p.src.keys[l])
				copy(p.dst.values[l], p.src.values[l])
				return nil
			})
		}
	}
	return g.Wait()
}

// CopyIntoCache writes one key and value vector per slot into a layer of
// the fast tier. A slot is blockID*BlockSize + offset.
func (c *HostCache) CopyIntoCache(layer int, keys, values [][]float32, slots []int) error {
	if len(keys) != len(slots) || len(values) != len(slots) {
		return fmt.Errorf("%d keys and %d values for %d slots", len(keys), len(values), len(slots))
	}
	if layer < 0 || layer >= c.layout.NumLayers {
		return fmt.Errorf("layer %d out of range", layer)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	sb := c.layout.slotBytes()
	for i, slot := range slots {
		b := pagedvllm.PhysicalBlock{Device: pagedvllm.DeviceFast, ID: pagedvllm.BlockID(slot / c.layout.BlockSize)}
		kb, err := c.block(b)
		if err != nil {
			return err
		}
		off := (slot % c.layout.BlockSize) * sb
		if err := encode(c.layout.DType, kb.keys[layer][off:off+sb], keys[i]); err != nil {
			return fmt.Errorf("slot %d key: %w", slot, err)
		}
		if err := encode(c.layout.DType, kb.values[layer][off:off+sb], values[i]); err != nil {
			return fmt.Errorf("slot %d value: %w", slot, err)
		}
	}
	return nil
}

// ReadSlot returns the key and value stored at offset of block b.
func (c *HostCache) ReadSlot(b pagedvllm.PhysicalBlock, layer, offset int) (key, value []float32, err error) {
	if offset < 0 || offset >= c.layout.BlockSize {
		return nil, nil, fmt.Errorf("offset %d out of range", offset)
	}
	if layer < 0 || layer >= c.layout.NumLayers {
		return nil, nil, fmt.Errorf("layer %d out of range", layer)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	kb, err := c.block(b)
	if err != nil {
		return nil, nil, err
	}
	sb := c.layout.slotBytes()
	off := offset * sb
	if key, err = decode(c.layout.DType, kb.keys[layer][off:off+sb]); err != nil {
		return nil, nil, err
	}
	if value, err = decode(c.layout.DType, kb.values[layer][off:off+sb]); err != nil {
		return nil, nil, err
	}
	return key, value, nil
}

// Checksum hashes every slab of block b.
func (c *HostCache) Checksum(b pagedvllm.PhysicalBlock) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	kb, err := c.block(b)
	if err != nil {
		return 0, err
	}
	h := xxhash.New()
	for l := range kb.keys {
		h.Write(kb.keys[l])
		h.Write(kb.values[l])
	}
	return h.Sum64(), nil
}
