package pagedvllm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// promptTokens returns n distinct token ids starting at base.
func promptTokens(n, base int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = base + i
	}
	return ids
}

func newGroup(t *testing.T, ctx context.Context, numTokens, blockSize int, opts ...SamplingOption) *SequenceGroup {
	t.Helper()
	if ctx == nil {
		ctx = context.Background()
	}
	g, err := NewSequenceGroup(ctx, promptTokens(numTokens, 100), NewSamplingParams(opts...), blockSize)
	require.NoError(t, err)
	return g
}

func testConfig(opts ...ConfigOption) *Config {
	base := []ConfigOption{
		WithBlockSize(16),
		WithNumFastBlocks(64),
		WithNumSlowBlocks(64),
		WithMaxModelLen(4096),
	}
	return NewConfig(append(base, opts...)...)
}

// checkQueues asserts that every group is in at most one queue and that the
// block manager is consistent.
func checkQueues(t *testing.T, s *Scheduler) {
	t.Helper()
	w, r, sw := s.QueueIDs()
	seen := map[string]int{}
	for _, ids := range [][]string{w, r, sw} {
		for _, id := range ids {
			seen[id]++
		}
	}
	for id, n := range seen {
		require.Equalf(t, 1, n, "group %s is in %d queues", id, n)
	}
	require.LessOrEqual(t, len(r), s.config.MaxNumSeqs)
	require.NoError(t, s.BlockManager().CheckInvariants())
}

// checkNoSwapBounce asserts that no group swapped in by a step is preempted
// by the same step.
func checkNoSwapBounce(t *testing.T, out *SchedulerOutput) {
	t.Helper()
	for _, g := range out.PreemptedGroups {
		require.NotContainsf(t, out.BlocksToSwapIn, g.ID, "group %s swapped in and preempted in one step", g.ID)
	}
}
