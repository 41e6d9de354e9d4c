package pagedvllm

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func groupIDs(groups []*SequenceGroup) []string {
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		ids = append(ids, g.ID)
	}
	return ids
}

// step simulates one engine step over the scheduler: every scheduled
// sequence is computed and receives token.
func step(s *Scheduler, token int) *SchedulerOutput {
	out := s.Schedule()
	seqs := out.ScheduledSeqs()
	tokens := make([]int, len(seqs))
	for i, seq := range seqs {
		seq.NumComputedTokens = seq.Len()
		tokens[i] = token
	}
	s.Postprocess(seqs, tokens)
	return out
}

func TestSchedulerAdmissionScenario(t *testing.T) {
	// GIVEN block size 16, a 4-block fast tier and a 70-token prompt
	cfg := NewConfig(WithBlockSize(16), WithNumFastBlocks(4), WithNumSlowBlocks(0))
	s := NewScheduler(cfg)
	g := newGroup(t, nil, 70, 16)
	s.AddSequenceGroup(g)

	// WHEN scheduling
	assert.False(t, s.BlockManager().CanAllocate(g), "needs 5 blocks")
	out := s.Schedule()

	// THEN nothing runs and the group is reported as ignored
	assert.Empty(t, out.ScheduledGroups)
	assert.Equal(t, []string{g.ID}, groupIDs(out.IgnoredGroups))
	assert.Equal(t, 1, s.NumWaiting())

	// GIVEN the same prompt with a 5-block fast tier
	cfg = NewConfig(WithBlockSize(16), WithNumFastBlocks(5), WithNumSlowBlocks(0))
	s = NewScheduler(cfg)
	g = newGroup(t, nil, 70, 16)
	s.AddSequenceGroup(g)

	// WHEN scheduling
	require.True(t, s.BlockManager().CanAllocate(g))
	out = s.Schedule()

	// THEN exactly that group is scheduled
	assert.Equal(t, []string{g.ID}, groupIDs(out.ScheduledGroups))
	assert.Empty(t, out.IgnoredGroups)
	assert.Equal(t, StatusRunning, g.Seqs[0].Status)
	checkQueues(t, s)
}

func TestSchedulerWaitingIsStrictFIFO(t *testing.T) {
	// GIVEN A (4 blocks), B (10 blocks) and C (1 block) over 10 fast blocks
	s := NewScheduler(NewConfig(WithBlockSize(16), WithNumFastBlocks(10), WithNumSlowBlocks(0)))
	a := newGroup(t, nil, 64, 16)
	b := newGroup(t, nil, 160, 16)
	c := newGroup(t, nil, 16, 16)
	for _, g := range []*SequenceGroup{a, b, c} {
		s.AddSequenceGroup(g)
	}

	// WHEN scheduling
	out := s.Schedule()

	// THEN A runs, B blocks the queue and C stays queued despite fitting
	assert.Equal(t, []string{a.ID}, groupIDs(out.ScheduledGroups))
	assert.Equal(t, []string{b.ID}, groupIDs(out.IgnoredGroups))
	assert.True(t, s.BlockManager().CanAllocate(c))

	waiting, running, _ := s.QueueIDs()
	assert.Equal(t, []string{b.ID, c.ID}, waiting)
	assert.Equal(t, []string{a.ID}, running)
	assert.Equal(t, StatusWaiting, c.Seqs[0].Status)
	checkQueues(t, s)
}

func TestThresholdPolicy(t *testing.T) {
	p := ThresholdPolicy{Fraction: 0.25}
	tests := []struct {
		name                          string
		free, total, waiting, require int
		want                          bool
	}{
		{"below threshold", 24, 100, 1, 5, true},
		{"at threshold", 25, 100, 1, 5, false},
		{"above threshold", 26, 100, 1, 5, false},
		{"nothing waiting", 0, 100, 0, 5, false},
		{"no blocks required", 0, 100, 3, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ShouldPreempt(tt.free, tt.total, tt.waiting, tt.require))
		})
	}
}

func TestSchedulerPreemptionThreshold(t *testing.T) {
	tests := []struct {
		name        string
		runningToks int // 16 tokens per block over a 100-block tier
		wantPreempt bool
	}{
		{"24 free blocks", 76 * 16, true},
		{"26 free blocks", 74 * 16, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(NewConfig(WithBlockSize(16), WithNumFastBlocks(100), WithNumSlowBlocks(0)))
			running := newGroup(t, nil, tt.runningToks, 16)
			s.AddSequenceGroup(running)
			require.Len(t, s.Schedule().ScheduledGroups, 1)

			big := newGroup(t, nil, 30*16, 16)
			s.AddSequenceGroup(big)
			out := s.Schedule()

			if tt.wantPreempt {
				assert.Equal(t, []string{running.ID}, groupIDs(out.PreemptedGroups))
				assert.Equal(t, StatusWaiting, running.Seqs[0].Status)
				assert.Equal(t, 0, running.Seqs[0].NumComputedTokens)
				assert.Contains(t, groupIDs(out.ScheduledGroups), big.ID)
				waiting, _, _ := s.QueueIDs()
				assert.Equal(t, []string{running.ID}, waiting, "recompute requeues at the back of waiting")
			} else {
				assert.Empty(t, out.PreemptedGroups)
				assert.Equal(t, []string{running.ID}, groupIDs(out.ScheduledGroups))
				assert.Equal(t, []string{big.ID}, groupIDs(out.IgnoredGroups))
			}
			checkQueues(t, s)
		})
	}
}

func TestSchedulerSwapPreemptionAndSwapIn(t *testing.T) {
	cfg := NewConfig(WithBlockSize(16), WithNumFastBlocks(100), WithNumSlowBlocks(100),
		WithPreemptionMode(PreemptSwap), WithEOS(0))
	s := NewScheduler(cfg)

	a := newGroup(t, nil, 76*16, 16)
	s.AddSequenceGroup(a)
	s.Schedule()

	big := newGroup(t, nil, 30*16, 16)
	s.AddSequenceGroup(big)
	out := s.Schedule()

	require.Equal(t, []string{a.ID}, groupIDs(out.PreemptedGroups))
	assert.Len(t, out.BlocksToSwapOut[a.ID], 76)
	assert.Equal(t, StatusSwappedOut, a.Seqs[0].Status)
	assert.Equal(t, 1, s.NumSwapped())
	assert.Equal(t, 24, s.BlockManager().NumFreeSlowBlocks())
	checkQueues(t, s)

	// Big finishes with EOS, which makes room for A.
	for _, seq := range out.ScheduledSeqs() {
		seq.NumComputedTokens = seq.Len()
	}
	s.Postprocess(out.ScheduledSeqs(), []int{0})
	require.True(t, big.IsFinished())

	out = s.Schedule()
	assert.Len(t, out.BlocksToSwapIn[a.ID], 76)
	assert.Equal(t, []string{a.ID}, groupIDs(out.ScheduledGroups))
	assert.Empty(t, out.PreemptedGroups)
	assert.Equal(t, StatusRunning, a.Seqs[0].Status)
	assert.Equal(t, 0, s.NumSwapped())
	checkQueues(t, s)
}

func TestSchedulerSwapInLeavesRoomForRunningGroups(t *testing.T) {
	// GIVEN a 5-block fast tier, A running and needing a new block, C swapped
	// out needing 2 blocks plus one for its next token, and 3 free blocks
	cfg := NewConfig(WithBlockSize(4), WithNumFastBlocks(5), WithNumSlowBlocks(16),
		WithPreemptionMode(PreemptSwap), WithPreemptionPolicy(NeverPreempt))
	s := NewScheduler(cfg)
	a := newGroup(t, nil, 8, 4)
	c := newGroup(t, nil, 8, 4)
	s.AddSequenceGroup(a)
	s.AddSequenceGroup(c)
	step(s, 7)

	s.running.Remove(c.ID)
	s.preempt(c, newSchedulerOutput())
	require.Equal(t, 3, s.BlockManager().NumFreeFastBlocks())
	require.Equal(t, 3, s.BlockManager().NumSwapInBlocksRequired(c))

	// WHEN scheduling
	out := s.Schedule()

	// THEN C waits on the slow tier instead of bouncing in and out
	assert.Empty(t, out.BlocksToSwapIn)
	assert.Empty(t, out.BlocksToSwapOut)
	assert.Empty(t, out.PreemptedGroups)
	assert.Equal(t, []string{a.ID}, groupIDs(out.ScheduledGroups))
	assert.Equal(t, StatusSwappedOut, c.Seqs[0].Status)
	checkQueues(t, s)
}

func TestSchedulerNoSwapBounceUnderArrivals(t *testing.T) {
	s := NewScheduler(NewConfig(
		WithBlockSize(4),
		WithNumFastBlocks(10),
		WithNumSlowBlocks(64),
		WithPreemptionMode(PreemptSwap),
		WithPreemptionPolicy(NeverPreempt),
	))

	var groups []*SequenceGroup
	swaps := 0
	for i := 0; i < 300; i++ {
		if i%3 == 0 && len(groups) < 40 {
			g := newGroup(t, nil, 16, 4, WithMaxTokens(12))
			groups = append(groups, g)
			s.AddSequenceGroup(g)
		}
		out := step(s, 7)
		checkNoSwapBounce(t, out)
		checkQueues(t, s)
		swaps += len(out.BlocksToSwapOut)
	}
	for s.HasUnfinished() {
		checkNoSwapBounce(t, step(s, 7))
	}

	assert.Positive(t, swaps)
	for _, g := range groups {
		assert.True(t, g.IsFinished())
	}
	assert.Equal(t, 10, s.BlockManager().NumFreeFastBlocks())
}

func TestSchedulerSwapFallsBackToRecompute(t *testing.T) {
	cfg := NewConfig(WithBlockSize(16), WithNumFastBlocks(100), WithNumSlowBlocks(10),
		WithPreemptionMode(PreemptSwap))
	s := NewScheduler(cfg)

	a := newGroup(t, nil, 76*16, 16)
	s.AddSequenceGroup(a)
	s.Schedule()
	s.AddSequenceGroup(newGroup(t, nil, 30*16, 16))
	out := s.Schedule()

	assert.Equal(t, []string{a.ID}, groupIDs(out.PreemptedGroups))
	assert.Empty(t, out.BlocksToSwapOut)
	assert.Equal(t, 0, s.NumSwapped())
	assert.Equal(t, StatusWaiting, a.Seqs[0].Status)
	assert.Equal(t, 10, s.BlockManager().NumFreeSlowBlocks())
	checkQueues(t, s)
}

func TestSchedulerRespectsMaxNumSeqs(t *testing.T) {
	s := NewScheduler(testConfig(WithMaxNumSeqs(2)))
	groups := make([]*SequenceGroup, 4)
	for i := range groups {
		groups[i] = newGroup(t, nil, 8, 16)
		s.AddSequenceGroup(groups[i])
	}

	out := s.Schedule()
	assert.Equal(t, groupIDs(groups[:2]), groupIDs(out.ScheduledGroups))
	assert.Equal(t, []string{groups[2].ID}, groupIDs(out.IgnoredGroups))
	assert.Equal(t, 2, s.NumRunning())
	checkQueues(t, s)
}

func TestSchedulerCancelledGroupIsAborted(t *testing.T) {
	s := NewScheduler(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	g := newGroup(t, ctx, 40, 16)
	waiting := newGroup(t, ctx, 40, 16)
	s.AddSequenceGroup(g)
	s.Schedule()
	s.AddSequenceGroup(waiting)

	cancel()
	out := s.Schedule()

	assert.ElementsMatch(t, []string{g.ID, waiting.ID}, groupIDs(out.AbortedGroups))
	assert.False(t, s.HasUnfinished())
	assert.Equal(t, 64, s.BlockManager().NumFreeFastBlocks())

	r := g.Seqs[0].Result()
	assert.Equal(t, FinishAborted, r.FinishReason)
	assert.ErrorIs(t, r.Err, context.Canceled)
	assert.Equal(t, StatusAborted, g.Seqs[0].Status)
}

func TestSchedulerAbortGroup(t *testing.T) {
	s := NewScheduler(testConfig())
	g := newGroup(t, nil, 40, 16)
	s.AddSequenceGroup(g)
	s.Schedule()

	assert.True(t, s.AbortGroup(g.ID, assert.AnError))
	assert.False(t, s.AbortGroup(g.ID, assert.AnError))
	assert.Equal(t, FinishError, g.Seqs[0].Result().FinishReason)
	assert.Equal(t, 64, s.BlockManager().NumFreeFastBlocks())
}

func TestSchedulerPostprocessStopConditions(t *testing.T) {
	tests := []struct {
		name   string
		opts   []SamplingOption
		tokens []int
		want   FinishReason
		steps  int
	}{
		{"eos", nil, []int{5, 2}, FinishStop, 2},
		{"ignore eos", []SamplingOption{WithIgnoreEOS(true), WithMaxTokens(3)}, []int{2, 2, 2}, FinishLength, 3},
		{"stop token", []SamplingOption{WithStopTokenIDs(9)}, []int{5, 9}, FinishStop, 2},
		{"max tokens", []SamplingOption{WithMaxTokens(2)}, []int{5, 6}, FinishLength, 2},
		{"max model len", []SamplingOption{WithMaxTokens(0)}, []int{5, 6, 7}, FinishLength, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(testConfig(WithEOS(2), WithMaxModelLen(13)))
			g := newGroup(t, nil, 10, 16, tt.opts...)
			s.AddSequenceGroup(g)

			for i, tok := range tt.tokens {
				require.False(t, g.IsFinished(), "finished early at step %d", i)
				step(s, tok)
			}
			require.True(t, g.IsFinished())
			assert.Equal(t, tt.want, g.Seqs[0].Result().FinishReason)
			assert.Equal(t, tt.tokens, g.Seqs[0].Result().TokenIDs)
			assert.False(t, s.HasUnfinished())
			assert.Equal(t, 64, s.BlockManager().NumFreeFastBlocks())
		})
	}
}

func TestSchedulerForkCopiesOnWrite(t *testing.T) {
	s := NewScheduler(testConfig())
	g := newGroup(t, nil, 20, 16, WithMaxTokens(0))
	s.AddSequenceGroup(g)
	step(s, 7)

	parent := g.Seqs[0]
	child := s.Fork(g, parent)
	require.Len(t, g.Seqs, 2)
	assert.Equal(t, s.BlockManager().BlockTable(parent.SeqID), s.BlockManager().BlockTable(child.SeqID))

	out := s.Schedule()
	require.Len(t, out.BlocksToCopy[g.ID], 1)
	mv := out.BlocksToCopy[g.ID][0]
	assert.Equal(t, DeviceFast, mv.Src.Device)
	assert.NotEqual(t, s.BlockManager().BlockTable(parent.SeqID)[1], s.BlockManager().BlockTable(child.SeqID)[1])
	assert.Len(t, out.ScheduledSeqs(), 2)
	checkQueues(t, s)
}

func TestSchedulerPriorityOrdering(t *testing.T) {
	s := NewScheduler(testConfig(WithPriorityOrdering(true)))
	low := newGroup(t, nil, 4, 16, WithPriority(0))
	high := newGroup(t, nil, 4, 16, WithPriority(5))
	mid := newGroup(t, nil, 4, 16, WithPriority(1))
	mid2 := newGroup(t, nil, 4, 16, WithPriority(1))
	for _, g := range []*SequenceGroup{low, high, mid, mid2} {
		s.AddSequenceGroup(g)
	}
	waiting, _, _ := s.QueueIDs()
	assert.Equal(t, []string{high.ID, mid.ID, mid2.ID, low.ID}, waiting)

	fifo := NewScheduler(testConfig())
	for _, g := range []*SequenceGroup{low, high} {
		fifo.AddSequenceGroup(g)
	}
	waiting, _, _ = fifo.QueueIDs()
	assert.Equal(t, []string{low.ID, high.ID}, waiting, "priority is ignored by default")
}

func TestSchedulerInvariantsUnderLoad(t *testing.T) {
	for _, mode := range []PreemptionMode{PreemptRecompute, PreemptSwap} {
		t.Run(string(mode), func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			s := NewScheduler(NewConfig(
				WithBlockSize(8),
				WithNumFastBlocks(40),
				WithNumSlowBlocks(12),
				WithMaxNumSeqs(6),
				WithMaxModelLen(200),
				WithPreemptionMode(mode),
				WithEOS(0),
			))

			var groups []*SequenceGroup
			for i := 0; i < 400; i++ {
				if rng.Intn(3) == 0 && len(groups) < 60 {
					g := newGroup(t, nil, 1+rng.Intn(60), 8,
						WithN(1+rng.Intn(2)), WithMaxTokens(1+rng.Intn(40)))
					groups = append(groups, g)
					s.AddSequenceGroup(g)
				}

				out := s.Schedule()
				checkQueues(t, s)
				checkNoSwapBounce(t, out)
				for _, g := range out.ScheduledGroups {
					for _, seq := range g.UnfinishedSeqs() {
						require.Equal(t, DeviceFast, s.BlockManager().BlockTable(seq.SeqID)[0].Device)
						require.GreaterOrEqual(t, len(s.BlockManager().BlockTable(seq.SeqID)), seq.NumBlocks())
					}
				}

				seqs := out.ScheduledSeqs()
				tokens := make([]int, len(seqs))
				for j, seq := range seqs {
					seq.NumComputedTokens = seq.Len()
					tokens[j] = 1 + rng.Intn(50)
					if rng.Intn(25) == 0 {
						tokens[j] = 0
					}
				}
				s.Postprocess(seqs, tokens)
				require.NoError(t, s.BlockManager().CheckInvariants())
			}

			for s.HasUnfinished() {
				step(s, 0)
				checkQueues(t, s)
			}
			for _, g := range groups {
				assert.True(t, g.IsFinished())
			}
			assert.Equal(t, 40, s.BlockManager().NumFreeFastBlocks())
			assert.Equal(t, 12, s.BlockManager().NumFreeSlowBlocks())
		})
	}
}
