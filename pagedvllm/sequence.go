package pagedvllm

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SequenceStatus represents the status of a sequence
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusSwappedOut
	StatusFinished
	StatusAborted
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusRunning:
		return "running"
	case StatusSwappedOut:
		return "swapped_out"
	case StatusFinished:
		return "finished"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible.
func (s SequenceStatus) IsTerminal() bool {
	return s == StatusFinished || s == StatusAborted
}

// FinishReason explains why a sequence reached a terminal state.
type FinishReason string

const (
	FinishStop    FinishReason = "stop"
	FinishLength  FinishReason = "length"
	FinishAborted FinishReason = "aborted"
	FinishError   FinishReason = "error"
)

// Result is the final outcome of a sequence, published once when it
// reaches a terminal state.
type Result struct {
	SeqID        int64
	TokenIDs     []int // completion tokens
	FinishReason FinishReason
	Err          error
}

// LogicalBlock is a block-sized window over one sequence's tokens.
type LogicalBlock struct {
	Index     int
	NumTokens int
	Full      bool
	Hash      uint64 // chained over all previous blocks; set once Full
	Physical  *PhysicalBlock
}

// Sequence represents a single generation request
type Sequence struct {
	SeqID             int64
	Status            SequenceStatus
	TokenIDs          []int
	LastToken         int
	NumTokens         int
	NumPromptTokens   int
	NumComputedTokens int
	Temperature       float64
	TopP              float64
	MaxTokens         int
	IgnoreEOS         bool
	StopTokenIDs      []int
	BlockSize         int
	LogicalBlocks     []*LogicalBlock
	FinishReason      FinishReason
	CreatedAt         time.Time
	LastTokenAt       time.Time

	done   chan struct{}
	result Result
	once   sync.Once
}

var seqCounter int64 = 0

// NewSequence creates a new sequence from token IDs and sampling parameters
func NewSequence(tokenIDs []int, samplingParams *SamplingParams, blockSize int) *Sequence {
	seqID := atomic.AddInt64(&seqCounter, 1) - 1
	now := time.Now()

	s := &Sequence{
		SeqID:           seqID,
		Status:          StatusWaiting,
		TokenIDs:        make([]int, 0, len(tokenIDs)),
		NumPromptTokens: len(tokenIDs),
		Temperature:     samplingParams.Temperature,
		TopP:            samplingParams.TopP,
		MaxTokens:       samplingParams.MaxTokens,
		IgnoreEOS:       samplingParams.IgnoreEOS,
		StopTokenIDs:    samplingParams.StopTokenIDs,
		BlockSize:       blockSize,
		CreatedAt:       now,
		LastTokenAt:     now,
		done:            make(chan struct{}),
	}
	for _, id := range tokenIDs {
		s.push(id)
	}
	return s
}

// push appends a token and keeps the logical blocks in step.
func (s *Sequence) push(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
	s.LastToken = tokenID
	s.NumTokens++

	n := len(s.LogicalBlocks)
	if n == 0 || s.LogicalBlocks[n-1].Full {
		s.LogicalBlocks = append(s.LogicalBlocks, &LogicalBlock{Index: n})
		n++
	}
	lb := s.LogicalBlocks[n-1]
	lb.NumTokens++
	if lb.NumTokens == s.BlockSize {
		lb.Full = true
		var prefix uint64
		if n > 1 {
			prefix = s.LogicalBlocks[n-2].Hash
		}
		lb.Hash = ComputeHash(s.Block(n-1), prefix)
	}
}

// Len returns the number of tokens in the sequence
func (s *Sequence) Len() int {
	return s.NumTokens
}

// IsFinished returns true if the sequence reached a terminal state
func (s *Sequence) IsFinished() bool {
	return s.Status.IsTerminal()
}

// IsPrefill reports whether the next forward pass must compute the prompt.
func (s *Sequence) IsPrefill() bool {
	return s.NumComputedTokens == 0
}

// NumCompletionTokens returns the number of completion tokens
func (s *Sequence) NumCompletionTokens() int {
	return s.NumTokens - s.NumPromptTokens
}

// PromptTokenIDs returns the prompt token IDs
func (s *Sequence) PromptTokenIDs() []int {
	return s.TokenIDs[:s.NumPromptTokens]
}

// CompletionTokenIDs returns the completion token IDs
func (s *Sequence) CompletionTokenIDs() []int {
	return s.TokenIDs[s.NumPromptTokens:]
}

// NumBlocks returns the total number of blocks needed
func (s *Sequence) NumBlocks() int {
	return (s.NumTokens + s.BlockSize - 1) / s.BlockSize
}

// LastBlockNumTokens returns the number of tokens in the last block
func (s *Sequence) LastBlockNumTokens() int {
	return s.NumTokens - (s.NumBlocks()-1)*s.BlockSize
}

// Block returns the tokens in the i-th block
func (s *Sequence) Block(i int) []int {
	if i < 0 || i >= s.NumBlocks() {
		return nil
	}
	start := i * s.BlockSize
	end := min((i+1)*s.BlockSize, len(s.TokenIDs))
	return s.TokenIDs[start:end]
}

// AppendToken appends a generated token to the sequence
func (s *Sequence) AppendToken(tokenID int) {
	s.push(tokenID)
	s.LastTokenAt = time.Now()
}

// Done is closed when the sequence reaches a terminal state.
func (s *Sequence) Done() <-chan struct{} {
	return s.done
}

// Result returns the final outcome. It is only meaningful after Done is
// closed.
func (s *Sequence) Result() Result {
	<-s.done
	return s.result
}

// finish moves the sequence into a terminal state and closes Done. Only the
// first call has any effect.
func (s *Sequence) finish(status SequenceStatus, reason FinishReason, err error) {
	s.once.Do(func() {
		s.Status = status
		s.FinishReason = reason
		s.result = Result{
			SeqID:        s.SeqID,
			TokenIDs:     slices.Clone(s.CompletionTokenIDs()),
			FinishReason: reason,
			Err:          err,
		}
		close(s.done)
	})
}

// fork returns a copy of s under a new id. Physical mappings are not
// copied; the block manager shares them.
func (s *Sequence) fork() *Sequence {
	child := &Sequence{
		SeqID:             atomic.AddInt64(&seqCounter, 1) - 1,
		Status:            s.Status,
		TokenIDs:          slices.Clone(s.TokenIDs),
		LastToken:         s.LastToken,
		NumTokens:         s.NumTokens,
		NumPromptTokens:   s.NumPromptTokens,
		NumComputedTokens: s.NumComputedTokens,
		Temperature:       s.Temperature,
		TopP:              s.TopP,
		MaxTokens:         s.MaxTokens,
		IgnoreEOS:         s.IgnoreEOS,
		StopTokenIDs:      s.StopTokenIDs,
		BlockSize:         s.BlockSize,
		CreatedAt:         time.Now(),
		LastTokenAt:       s.LastTokenAt,
		done:              make(chan struct{}),
	}
	child.LogicalBlocks = make([]*LogicalBlock, len(s.LogicalBlocks))
	for i, lb := range s.LogicalBlocks {
		child.LogicalBlocks[i] = &LogicalBlock{Index: lb.Index, NumTokens: lb.NumTokens, Full: lb.Full, Hash: lb.Hash}
	}
	return child
}

// SequenceGroup is the sequences sampled from one prompt. It is the unit the
// scheduler queues, admits and preempts.
type SequenceGroup struct {
	ID        string
	Seqs      []*Sequence
	Priority  int
	CreatedAt time.Time

	ctx context.Context
}

// NewSequenceGroup creates a group of samplingParams.N sequences over
// tokenIDs. Cancelling ctx aborts the group at the next scheduling step.
func NewSequenceGroup(ctx context.Context, tokenIDs []int, samplingParams *SamplingParams, blockSize int) (*SequenceGroup, error) {
	if len(tokenIDs) == 0 {
		return nil, ErrEmptyPrompt
	}
	if ctx == nil {
		ctx = context.Background()
	}

	n := max(samplingParams.N, 1)
	g := &SequenceGroup{
		ID:        uuid.New().String(),
		Seqs:      make([]*Sequence, 0, n),
		Priority:  samplingParams.Priority,
		CreatedAt: time.Now(),
		ctx:       ctx,
	}
	for range n {
		g.Seqs = append(g.Seqs, NewSequence(tokenIDs, samplingParams, blockSize))
	}
	return g, nil
}

// Context returns the context the group was created with.
func (g *SequenceGroup) Context() context.Context {
	if g.ctx == nil {
		return context.Background()
	}
	return g.ctx
}

// err reports the cancellation cause of the group's context, if any.
func (g *SequenceGroup) err() error {
	if g.ctx == nil {
		return nil
	}
	return g.ctx.Err()
}

// IsFinished reports whether every member sequence is terminal.
func (g *SequenceGroup) IsFinished() bool {
	for _, s := range g.Seqs {
		if !s.IsFinished() {
			return false
		}
	}
	return true
}

// UnfinishedSeqs returns the member sequences that are not terminal.
func (g *SequenceGroup) UnfinishedSeqs() []*Sequence {
	seqs := make([]*Sequence, 0, len(g.Seqs))
	for _, s := range g.Seqs {
		if !s.IsFinished() {
			seqs = append(seqs, s)
		}
	}
	return seqs
}

// NumTokens is the token total over unfinished sequences.
func (g *SequenceGroup) NumTokens() int {
	n := 0
	for _, s := range g.UnfinishedSeqs() {
		n += s.Len()
	}
	return n
}

func (g *SequenceGroup) setStatus(status SequenceStatus) {
	for _, s := range g.UnfinishedSeqs() {
		s.Status = status
	}
}

// abort finishes every unfinished sequence with reason and err.
func (g *SequenceGroup) abort(reason FinishReason, err error) {
	for _, s := range g.UnfinishedSeqs() {
		s.finish(StatusAborted, reason, err)
	}
}

// fork adds a child of parent to the group.
func (g *SequenceGroup) fork(parent *Sequence) *Sequence {
	child := parent.fork()
	g.Seqs = append(g.Seqs, child)
	return child
}

// Wait blocks until every sequence in the group has delivered its Result
// or ctx is done. Results are in member order.
func (g *SequenceGroup) Wait(ctx context.Context) ([]Result, error) {
	results := make([]Result, len(g.Seqs))
	for i, s := range g.Seqs {
		select {
		case <-s.done:
			results[i] = s.result
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}
