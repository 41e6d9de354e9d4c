package pagedvllm

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/emirpasic/gods/lists/doublylinkedlist"
	"github.com/emirpasic/gods/maps/linkedhashmap"

	"paged-vllm-go/internal/logger"
	"paged-vllm-go/internal/metrics"
)

// SchedulerOutput is the plan of one scheduling step. Block moves are keyed
// by group ID.
type SchedulerOutput struct {
	ScheduledGroups []*SequenceGroup
	PreemptedGroups []*SequenceGroup
	IgnoredGroups   []*SequenceGroup
	AbortedGroups   []*SequenceGroup
	BlocksToSwapIn  map[string][]BlockMove
	BlocksToSwapOut map[string][]BlockMove
	BlocksToCopy    map[string][]BlockMove
}

func newSchedulerOutput() *SchedulerOutput {
	return &SchedulerOutput{
		BlocksToSwapIn:  make(map[string][]BlockMove),
		BlocksToSwapOut: make(map[string][]BlockMove),
		BlocksToCopy:    make(map[string][]BlockMove),
	}
}

// IsEmpty reports whether nothing is scheduled and no block moves.
func (o *SchedulerOutput) IsEmpty() bool {
	return len(o.ScheduledGroups) == 0 && len(o.BlocksToSwapIn) == 0 &&
		len(o.BlocksToSwapOut) == 0 && len(o.BlocksToCopy) == 0
}

// ScheduledSeqs returns the unfinished sequences of the scheduled groups in
// batch order.
func (o *SchedulerOutput) ScheduledSeqs() []*Sequence {
	var seqs []*Sequence
	for _, g := range o.ScheduledGroups {
		seqs = append(seqs, g.UnfinishedSeqs()...)
	}
	return seqs
}

// SwapInMoves flattens BlocksToSwapIn in group ID order.
func (o *SchedulerOutput) SwapInMoves() []BlockMove { return flattenMoves(o.BlocksToSwapIn) }

// SwapOutMoves flattens BlocksToSwapOut in group ID order.
func (o *SchedulerOutput) SwapOutMoves() []BlockMove { return flattenMoves(o.BlocksToSwapOut) }

// CopyMoves flattens BlocksToCopy in group ID order.
func (o *SchedulerOutput) CopyMoves() []BlockMove { return flattenMoves(o.BlocksToCopy) }

func flattenMoves(m map[string][]BlockMove) []BlockMove {
	var moves []BlockMove
	for _, id := range slices.Sorted(maps.Keys(m)) {
		moves = append(moves, m[id]...)
	}
	return moves
}

// Scheduler owns the waiting, running and swapped queues and the block
// manager. It is not safe for concurrent use; one goroutine drives Schedule
// and Postprocess.
type Scheduler struct {
	config       *Config
	policy       PreemptionPolicy
	blockManager *BlockManager
	waiting      *doublylinkedlist.List // FIFO of *SequenceGroup
	running      *linkedhashmap.Map     // group ID -> *SequenceGroup
	swapped      *doublylinkedlist.List // FIFO of *SequenceGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(config *Config) *Scheduler {
	return &Scheduler{
		config:       config,
		policy:       config.preemptionPolicy(),
		blockManager: NewBlockManager(config.BlockSize, config.NumFastBlocks, config.NumSlowBlocks),
		waiting:      doublylinkedlist.New(),
		running:      linkedhashmap.New(),
		swapped:      doublylinkedlist.New(),
	}
}

// BlockManager returns the scheduler's block manager.
func (s *Scheduler) BlockManager() *BlockManager {
	return s.blockManager
}

// HasUnfinished returns true if any group is queued
func (s *Scheduler) HasUnfinished() bool {
	return !s.waiting.Empty() || !s.running.Empty() || !s.swapped.Empty()
}

// NumWaiting returns the length of the waiting queue.
func (s *Scheduler) NumWaiting() int { return s.waiting.Size() }

// NumRunning returns the number of running groups.
func (s *Scheduler) NumRunning() int { return s.running.Size() }

// NumSwapped returns the length of the swapped queue.
func (s *Scheduler) NumSwapped() int { return s.swapped.Size() }

// QueueIDs returns the group IDs of each queue in queue order.
func (s *Scheduler) QueueIDs() (waiting, running, swapped []string) {
	return listIDs(s.waiting), mapIDs(s.running), listIDs(s.swapped)
}

func listIDs(l *doublylinkedlist.List) []string {
	ids := make([]string, 0, l.Size())
	for _, v := range l.Values() {
		ids = append(ids, v.(*SequenceGroup).ID)
	}
	return ids
}

func mapIDs(m *linkedhashmap.Map) []string {
	ids := make([]string, 0, m.Size())
	for _, k := range m.Keys() {
		ids = append(ids, k.(string))
	}
	return ids
}

func (s *Scheduler) swappedHead() *SequenceGroup {
	v, ok := s.swapped.Get(0)
	if !ok {
		return nil
	}
	return v.(*SequenceGroup)
}

// AddSequenceGroup appends a group to the waiting queue. With priority
// ordering it is placed behind every waiting group of equal or higher
// priority.
func (s *Scheduler) AddSequenceGroup(g *SequenceGroup) {
	if !s.config.PriorityOrdering {
		s.waiting.Add(g)
		return
	}
	idx := s.waiting.Size()
	it := s.waiting.Iterator()
	for it.Next() {
		if it.Value().(*SequenceGroup).Priority < g.Priority {
			idx = it.Index()
			break
		}
	}
	s.waiting.Insert(idx, g)
}

// Schedule runs one scheduling step: cancelled groups are reaped, then the
// swapped, running and waiting phases run in that order.
func (s *Scheduler) Schedule() *SchedulerOutput {
	out := newSchedulerOutput()

	s.reapCancelled(out)
	swappedIn := s.scheduleSwapped(out)
	s.scheduleRunning(out, swappedIn)
	s.scheduleWaiting(out)

	bm := s.blockManager
	metrics.RecordSchedulerState(bm.NumFreeFastBlocks(), bm.NumFreeSlowBlocks(),
		s.waiting.Size(), s.running.Size(), s.swapped.Size())
	return out
}

// scheduleSwapped readmits swapped groups in FIFO order until the head does
// not fit. The next-token slots of running groups are held back first, so a
// readmitted group always gets its own slots in the running phase.
func (s *Scheduler) scheduleSwapped(out *SchedulerOutput) map[string]bool {
	bm := s.blockManager
	swappedIn := make(map[string]bool)
	if s.swapped.Empty() {
		return swappedIn
	}

	reserved := 0
	for _, v := range s.running.Values() {
		if g := v.(*SequenceGroup); !g.IsFinished() {
			reserved += bm.NumAppendBlocksRequired(g)
		}
	}

	for !s.swapped.Empty() {
		v, _ := s.swapped.Get(0)
		g := v.(*SequenceGroup)

		if s.running.Size() >= s.config.MaxNumSeqs ||
			bm.NumSwapInBlocksRequired(g)+reserved > bm.NumFreeFastBlocks() {
			break
		}
		moves, err := bm.SwapInGroup(g)
		if err != nil {
			break
		}
		reserved += bm.NumAppendBlocksRequired(g)

		s.swapped.Remove(0)
		g.setStatus(StatusRunning)
		s.running.Put(g.ID, g)
		out.BlocksToSwapIn[g.ID] = moves
		swappedIn[g.ID] = true
	}
	return swappedIn
}

// scheduleRunning drops finished groups, preempts groups the policy picks
// or that cannot get slots for their next token, and schedules the rest.
// Groups swapped in this step are exempt from the policy.
func (s *Scheduler) scheduleRunning(out *SchedulerOutput, swappedIn map[string]bool) {
	bm := s.blockManager
	for _, k := range s.running.Keys() {
		v, _ := s.running.Get(k)
		g := v.(*SequenceGroup)

		if g.IsFinished() {
			s.running.Remove(k)
			bm.FreeGroup(g)
			continue
		}

		if !swappedIn[g.ID] && s.policy.ShouldPreempt(bm.NumFreeFastBlocks(), bm.NumTotalFastBlocks(),
			s.waiting.Size(), bm.NumRequiredBlocks(g)) {
			s.running.Remove(k)
			s.preempt(g, out)
			continue
		}

		moves, ok := s.reserveSlots(g)
		if !ok {
			s.running.Remove(k)
			s.preempt(g, out)
			continue
		}
		if len(moves) > 0 {
			out.BlocksToCopy[g.ID] = moves
		}
		out.ScheduledGroups = append(out.ScheduledGroups, g)
	}
}

// reserveSlots backs the next token of every sequence of g. It takes
// nothing unless all slots fit.
func (s *Scheduler) reserveSlots(g *SequenceGroup) ([]BlockMove, bool) {
	bm := s.blockManager
	if bm.NumAppendBlocksRequired(g) > bm.NumFreeFastBlocks() {
		return nil, false
	}

	var moves []BlockMove
	for _, seq := range g.UnfinishedSeqs() {
		mv, err := bm.AppendSlot(seq)
		if err != nil {
			// Capacity was checked; anything else is a broken table.
			panic(err)
		}
		if mv != nil {
			moves = append(moves, *mv)
		}
	}
	return moves, true
}

// preempt evicts a group already removed from running. Swap mode falls back
// to recompute when the slow tier cannot hold the group.
func (s *Scheduler) preempt(g *SequenceGroup, out *SchedulerOutput) {
	out.PreemptedGroups = append(out.PreemptedGroups, g)

	if s.config.PreemptionMode == PreemptSwap {
		moves, err := s.blockManager.SwapOutGroup(g)
		if err == nil {
			g.setStatus(StatusSwappedOut)
			s.swapped.Add(g)
			out.BlocksToSwapOut[g.ID] = moves
			metrics.RecordPreemption(string(PreemptSwap))
			logger.Log.Debug("preempted group", "group", g.ID, "mode", PreemptSwap, "blocks", len(moves))
			return
		}
		metrics.SwapFallbacks.Inc()
		logger.Log.Warn("swap preemption fell back to recompute", "group", g.ID, "err", err)
	}

	s.blockManager.FreeGroup(g)
	for _, seq := range g.UnfinishedSeqs() {
		seq.Status = StatusWaiting
		seq.NumComputedTokens = 0
	}
	s.waiting.Add(g)
	metrics.RecordPreemption(string(PreemptRecompute))
	logger.Log.Debug("preempted group", "group", g.ID, "mode", PreemptRecompute)
}

// scheduleWaiting admits waiting groups strictly in queue order. The first
// group that does not fit stays at the head and is reported as ignored.
func (s *Scheduler) scheduleWaiting(out *SchedulerOutput) {
	bm := s.blockManager
	for !s.waiting.Empty() {
		v, _ := s.waiting.Get(0)
		g := v.(*SequenceGroup)

		if s.running.Size() >= s.config.MaxNumSeqs || !bm.CanAllocate(g) {
			out.IgnoredGroups = append(out.IgnoredGroups, g)
			metrics.IgnoredGroups.Inc()
			return
		}
		if bm.Allocate(g) == nil && bm.NumRequiredBlocks(g) > 0 {
			out.IgnoredGroups = append(out.IgnoredGroups, g)
			metrics.IgnoredGroups.Inc()
			return
		}

		s.waiting.Remove(0)
		g.setStatus(StatusRunning)
		s.running.Put(g.ID, g)
		out.ScheduledGroups = append(out.ScheduledGroups, g)
	}
}

// reapCancelled aborts every queued group whose context is done.
func (s *Scheduler) reapCancelled(out *SchedulerOutput) {
	var cancelled []*SequenceGroup
	for _, l := range []*doublylinkedlist.List{s.waiting, s.swapped} {
		for _, v := range l.Values() {
			if g := v.(*SequenceGroup); g.err() != nil {
				cancelled = append(cancelled, g)
			}
		}
	}
	for _, v := range s.running.Values() {
		if g := v.(*SequenceGroup); g.err() != nil {
			cancelled = append(cancelled, g)
		}
	}

	for _, g := range cancelled {
		if s.AbortGroup(g.ID, g.err()) {
			out.AbortedGroups = append(out.AbortedGroups, g)
		}
	}
}

// AbortGroup removes a queued group, frees its blocks and finishes its
// sequences. Context errors finish with FinishAborted, anything else with
// FinishError. It returns false if no queue holds the group.
func (s *Scheduler) AbortGroup(id string, err error) bool {
	g, ok := s.remove(id)
	if !ok {
		return false
	}

	reason := FinishError
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = FinishAborted
	}

	n := len(g.UnfinishedSeqs())
	s.blockManager.FreeGroup(g)
	g.abort(reason, err)
	metrics.AbortedSequences.Add(float64(n))
	logger.Log.Info("aborted group", "group", g.ID, "seqs", n, "reason", string(reason), "err", err)
	return true
}

func (s *Scheduler) remove(id string) (*SequenceGroup, bool) {
	if v, ok := s.running.Get(id); ok {
		s.running.Remove(id)
		return v.(*SequenceGroup), true
	}
	for _, l := range []*doublylinkedlist.List{s.waiting, s.swapped} {
		it := l.Iterator()
		for it.Next() {
			if g := it.Value().(*SequenceGroup); g.ID == id {
				l.Remove(it.Index())
				return g, true
			}
		}
	}
	return nil, false
}

// Fork adds a child of parent to its group, sharing parent's blocks.
func (s *Scheduler) Fork(g *SequenceGroup, parent *Sequence) *Sequence {
	child := g.fork(parent)
	s.blockManager.Fork(parent, child)
	return child
}

// Postprocess appends one generated token per sequence and finishes the
// sequences that hit a stop condition. Finished sequences release their
// blocks immediately; a group is dropped from running once all members are
// done.
func (s *Scheduler) Postprocess(seqs []*Sequence, tokenIDs []int) {
	for i, seq := range seqs {
		if seq.IsFinished() {
			continue
		}
		tokenID := tokenIDs[i]
		seq.AppendToken(tokenID)

		if reason, done := s.stopReason(seq, tokenID); done {
			seq.finish(StatusFinished, reason, nil)
			s.blockManager.Free(seq.SeqID)
		}
	}

	for _, k := range s.running.Keys() {
		v, _ := s.running.Get(k)
		if g := v.(*SequenceGroup); g.IsFinished() {
			s.running.Remove(k)
			s.blockManager.FreeGroup(g)
		}
	}
}

func (s *Scheduler) stopReason(seq *Sequence, tokenID int) (FinishReason, bool) {
	if !seq.IgnoreEOS && tokenID == s.config.EOS {
		return FinishStop, true
	}
	if slices.Contains(seq.StopTokenIDs, tokenID) {
		return FinishStop, true
	}
	if seq.MaxTokens > 0 && seq.NumCompletionTokens() >= seq.MaxTokens {
		return FinishLength, true
	}
	if seq.NumTokens >= s.config.MaxModelLen {
		return FinishLength, true
	}
	return "", false
}
