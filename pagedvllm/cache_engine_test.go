package pagedvllm

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingBackend logs every backend call in order.
type recordingBackend struct {
	calls     []string
	copies    [][]BlockMove
	allocated map[PhysicalBlock]int
	copyErr   error
}

func newRecordingBackend() *recordingBackend {
	return &recordingBackend{allocated: make(map[PhysicalBlock]int)}
}

func (r *recordingBackend) AllocateBlock(b PhysicalBlock) error {
	r.calls = append(r.calls, "alloc "+b.String())
	r.allocated[b]++
	return nil
}

func (r *recordingBackend) FreeBlock(b PhysicalBlock) error {
	r.calls = append(r.calls, "free "+b.String())
	r.allocated[b]--
	return nil
}

func (r *recordingBackend) CopyBlocks(_ context.Context, moves []BlockMove) error {
	if r.copyErr != nil {
		return r.copyErr
	}
	r.calls = append(r.calls, "copy")
	r.copies = append(r.copies, moves)
	return nil
}

func TestCacheEngineAllocateFreeIdempotent(t *testing.T) {
	backend := newRecordingBackend()
	ce := NewCacheEngine(backend, NewBlockManager(16, 4, 4), 1)
	b := PhysicalBlock{Device: DeviceFast, ID: 2}

	require.NoError(t, ce.AllocateBlock(b))
	require.NoError(t, ce.AllocateBlock(b))
	assert.True(t, ce.IsAllocated(b))
	assert.Equal(t, 1, backend.allocated[b])

	require.NoError(t, ce.FreeBlock(b))
	require.NoError(t, ce.FreeBlock(b))
	assert.False(t, ce.IsAllocated(b))
	assert.Equal(t, 0, backend.allocated[b])
	assert.Equal(t, []string{"alloc fast:2", "free fast:2"}, backend.calls)
}

func TestCacheEngineCopyPrimitives(t *testing.T) {
	backend := newRecordingBackend()
	ce := NewCacheEngine(backend, NewBlockManager(16, 4, 4), 1)
	ctx := context.Background()

	require.NoError(t, ce.AllocateBlock(PhysicalBlock{DeviceFast, 0}))
	require.NoError(t, ce.AllocateBlock(PhysicalBlock{DeviceFast, 1}))

	require.NoError(t, ce.SwapOut(ctx, []BlockID{0, 1}, []BlockID{3, 2}))
	require.NoError(t, ce.SwapIn(ctx, []BlockID{3}, []BlockID{2}))
	require.NoError(t, ce.CopyBlocks(ctx, []BlockID{2}, []BlockID{3}))

	want := [][]BlockMove{
		{{Src: PhysicalBlock{DeviceFast, 0}, Dst: PhysicalBlock{DeviceSlow, 3}}, {Src: PhysicalBlock{DeviceFast, 1}, Dst: PhysicalBlock{DeviceSlow, 2}}},
		{{Src: PhysicalBlock{DeviceSlow, 3}, Dst: PhysicalBlock{DeviceFast, 2}}},
		{{Src: PhysicalBlock{DeviceFast, 2}, Dst: PhysicalBlock{DeviceFast, 3}}},
	}
	if diff := cmp.Diff(want, backend.copies); diff != "" {
		t.Errorf("copies mismatch (-want +got):\n%s", diff)
	}

	assert.Error(t, ce.CopyBlocks(ctx, []BlockID{0}, nil), "length mismatch")
	assert.Error(t, ce.SwapIn(ctx, []BlockID{0}, []BlockID{0}), "source without storage")
}

func TestCacheEngineExecuteOrder(t *testing.T) {
	backend := newRecordingBackend()
	ce := NewCacheEngine(backend, NewBlockManager(16, 4, 4), 1)
	for _, b := range []PhysicalBlock{{DeviceSlow, 0}, {DeviceFast, 1}, {DeviceFast, 2}} {
		require.NoError(t, ce.AllocateBlock(b))
	}

	out := newSchedulerOutput()
	out.BlocksToCopy["c"] = []BlockMove{{Src: PhysicalBlock{DeviceFast, 2}, Dst: PhysicalBlock{DeviceFast, 1}}}
	out.BlocksToSwapOut["b"] = []BlockMove{{Src: PhysicalBlock{DeviceFast, 1}, Dst: PhysicalBlock{DeviceSlow, 0}}}
	out.BlocksToSwapIn["a"] = []BlockMove{{Src: PhysicalBlock{DeviceSlow, 0}, Dst: PhysicalBlock{DeviceFast, 3}}}

	require.NoError(t, ce.Execute(context.Background(), out))
	require.Len(t, backend.copies, 3)
	assert.Equal(t, out.BlocksToSwapIn["a"], backend.copies[0])
	assert.Equal(t, out.BlocksToSwapOut["b"], backend.copies[1])
	assert.Equal(t, out.BlocksToCopy["c"], backend.copies[2])
}

func TestCacheEngineExecuteError(t *testing.T) {
	backend := newRecordingBackend()
	backend.copyErr = errors.New("dma failure")
	ce := NewCacheEngine(backend, NewBlockManager(16, 4, 4), 1)
	require.NoError(t, ce.AllocateBlock(PhysicalBlock{DeviceSlow, 0}))

	out := newSchedulerOutput()
	out.BlocksToSwapIn["a"] = []BlockMove{{Src: PhysicalBlock{DeviceSlow, 0}, Dst: PhysicalBlock{DeviceFast, 0}}}
	err := ce.Execute(context.Background(), out)
	assert.ErrorIs(t, err, backend.copyErr)
}

func TestCacheEnginePrepareInput(t *testing.T) {
	bm := NewBlockManager(4, 8, 8)
	ce := NewCacheEngine(newRecordingBackend(), bm, 0.125)

	prefill := newGroup(t, nil, 6, 4)
	decode := newGroup(t, nil, 3, 4)
	bm.Allocate(prefill)
	bm.Allocate(decode)

	d := decode.Seqs[0]
	d.NumComputedTokens = d.Len()
	d.AppendToken(77)
	_, err := bm.AppendSlot(d)
	require.NoError(t, err)

	meta, err := ce.PrepareInput([]*Sequence{prefill.Seqs[0], d})
	require.NoError(t, err)

	pt := bm.BlockTable(prefill.Seqs[0].SeqID)
	dt := bm.BlockTable(d.SeqID)

	assert.Equal(t, []bool{true, false}, meta.IsPrompt)
	assert.Equal(t, []int{6, 4}, meta.ContextLens)
	assert.Equal(t, 6, meta.MaxContextLen)
	assert.Equal(t, 0.125, meta.Scale)
	assert.Equal(t, 7, meta.NumTokens())
	assert.Equal(t, []int{77}, meta.InputTokens[1])
	assert.Equal(t, []int{3}, meta.Positions[1])

	wantSlots := []int{
		int(pt[0].ID)*4 + 0, int(pt[0].ID)*4 + 1, int(pt[0].ID)*4 + 2, int(pt[0].ID)*4 + 3,
		int(pt[1].ID)*4 + 0, int(pt[1].ID)*4 + 1,
	}
	assert.Equal(t, wantSlots, meta.SlotMapping[0])
	assert.Equal(t, []int{int(dt[0].ID)*4 + 3}, meta.SlotMapping[1])

	for _, b := range append(pt, dt...) {
		assert.True(t, ce.IsAllocated(b), "block %s has storage", b)
	}
}

func TestCacheEnginePrepareInputNotResident(t *testing.T) {
	bm := NewBlockManager(4, 8, 8)
	ce := NewCacheEngine(newRecordingBackend(), bm, 1)
	g := newGroup(t, nil, 6, 4)
	bm.Allocate(g)
	_, err := bm.SwapOutGroup(g)
	require.NoError(t, err)

	_, err = ce.PrepareInput(g.Seqs)
	assert.ErrorIs(t, err, ErrNotResident)
}

func TestCacheEngineReclaim(t *testing.T) {
	backend := newRecordingBackend()
	bm := NewBlockManager(4, 8, 8)
	ce := NewCacheEngine(backend, bm, 1)
	g := newGroup(t, nil, 6, 4)
	bm.Allocate(g)
	_, err := ce.PrepareInput(g.Seqs)
	require.NoError(t, err)
	table := bm.BlockTable(g.Seqs[0].SeqID)

	require.NoError(t, ce.Reclaim())
	assert.True(t, ce.IsAllocated(table[0]), "live blocks keep storage")

	bm.FreeGroup(g)
	require.NoError(t, ce.Reclaim())
	for _, b := range table {
		assert.False(t, ce.IsAllocated(b))
		assert.Equal(t, 0, backend.allocated[b])
	}
}
