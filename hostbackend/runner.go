package hostbackend

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"paged-vllm-go/pagedvllm"
)

// nibbles is the number of 4-bit digits needed for a 32-bit integer. Small
// integers survive every cache dtype exactly, including i8 and bf16.
const nibbles = 8

func encodeInt(dst []float32, v int) {
	clear(dst)
	u := uint32(v)
	for i := 0; i < nibbles; i++ {
		dst[i] = float32((u >> (4 * i)) & 0xF)
	}
}

func decodeInt(src []float32) int {
	var u uint32
	for i := 0; i < nibbles; i++ {
		u |= uint32(src[i]) << (4 * i)
	}
	return int(int32(u))
}

// EchoRunner is a pagedvllm.ModelRunner that stores every input token in
// the KV cache and derives the next token from the whole context read back
// out of the cache. Any block lost or corrupted by a swap or copy changes
// the generated tokens.
type EchoRunner struct {
	cache *HostCache
	vocab int
	eos   int
}

// NewEchoRunner creates a runner writing to cache. Generated tokens are in
// [0, vocab) and never equal eos.
func NewEchoRunner(cache *HostCache, vocab, eos int) (*EchoRunner, error) {
	if cache.layout.SlotElems() < nibbles {
		return nil, fmt.Errorf("echo runner needs at least %d elements per slot, layout has %d", nibbles, cache.layout.SlotElems())
	}
	if vocab < 2 {
		return nil, fmt.Errorf("vocab size %d too small", vocab)
	}
	return &EchoRunner{cache: cache, vocab: vocab, eos: eos}, nil
}

// Run implements pagedvllm.ModelRunner.
func (r *EchoRunner) Run(ctx context.Context, meta *pagedvllm.InputMetadata) ([]int, error) {
	if err := r.write(meta); err != nil {
		return nil, err
	}

	next := make([]int, len(meta.SeqIDs))
	for i := range meta.SeqIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		history, err := r.ReadTokens(meta.BlockTables[i], meta.ContextLens[i])
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", meta.SeqIDs[i], err)
		}
		next[i] = r.nextToken(history)
	}
	return next, nil
}

func (r *EchoRunner) write(meta *pagedvllm.InputMetadata) error {
	n := meta.NumTokens()
	slots := make([]int, 0, n)
	keys := make([][]float32, 0, n)
	values := make([][]float32, 0, n)
	elems := r.cache.layout.SlotElems()
	for i, tokens := range meta.InputTokens {
		for j, tok := range tokens {
			k := make([]float32, elems)
			v := make([]float32, elems)
			encodeInt(k, tok)
			encodeInt(v, meta.Positions[i][j])
			slots = append(slots, meta.SlotMapping[i][j])
			keys = append(keys, k)
			values = append(values, v)
		}
	}
	for layer := 0; layer < r.cache.layout.NumLayers; layer++ {
		if err := r.cache.CopyIntoCache(layer, keys, values, slots); err != nil {
			return err
		}
	}
	return nil
}

// ReadTokens returns the first n tokens stored under a fast tier block
// table. Every layer must agree.
func (r *EchoRunner) ReadTokens(table []pagedvllm.BlockID, n int) ([]int, error) {
	bs := r.cache.layout.BlockSize
	if n > len(table)*bs {
		return nil, fmt.Errorf("%d tokens do not fit %d blocks", n, len(table))
	}
	tokens := make([]int, n)
	for pos := range tokens {
		b := pagedvllm.PhysicalBlock{Device: pagedvllm.DeviceFast, ID: table[pos/bs]}
		for layer := 0; layer < r.cache.layout.NumLayers; layer++ {
			key, value, err := r.cache.ReadSlot(b, layer, pos%bs)
			if err != nil {
				return nil, err
			}
			if p := decodeInt(value); p != pos {
				return nil, fmt.Errorf("block %s layer %d: slot for position %d holds position %d", b, layer, pos, p)
			}
			tok := decodeInt(key)
			if layer > 0 && tok != tokens[pos] {
				return nil, fmt.Errorf("block %s: layers disagree at position %d", b, pos)
			}
			tokens[pos] = tok
		}
	}
	return tokens, nil
}

func (r *EchoRunner) nextToken(history []int) int {
	buf := make([]byte, 4*len(history))
	for i, t := range history {
		binary.LittleEndian.PutUint32(buf[i*4:], uint32(t))
	}
	next := int(xxhash.Sum64(buf) % uint64(r.vocab))
	if next == r.eos {
		next = (next + 1) % r.vocab
	}
	return next
}

// Close implements pagedvllm.ModelRunner.
func (r *EchoRunner) Close() error {
	return nil
}
