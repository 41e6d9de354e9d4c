package pagedvllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"paged-vllm-go/internal/logger"
	"paged-vllm-go/internal/metrics"
)

// Output represents the output of a finished sequence
type Output struct {
	GroupID      string
	SeqID        int64
	Text         string
	TokenIDs     []int
	FinishReason FinishReason
	Err          error
}

// LLMEngine is the main inference engine. Step, Run and AddRequest must be
// called from one goroutine; Submit may be called from any.
type LLMEngine struct {
	config      *Config
	modelRunner ModelRunner
	tokenizer   Tokenizer
	scheduler   *Scheduler
	cache       *CacheEngine

	requests  chan *SequenceGroup
	closed    chan struct{}
	closeOnce sync.Once
	loop      sync.WaitGroup

	// submitMu is held shared by Submit and exclusively by Close, so no
	// send lands on requests after Close has drained it.
	submitMu sync.RWMutex
}

// NewLLMEngine creates a new LLM engine
func NewLLMEngine(config *Config, modelRunner ModelRunner, tokenizer Tokenizer, backend CacheBackend) *LLMEngine {
	scheduler := NewScheduler(config)
	return &LLMEngine{
		config:      config,
		modelRunner: modelRunner,
		tokenizer:   tokenizer,
		scheduler:   scheduler,
		cache:       NewCacheEngine(backend, scheduler.BlockManager(), 1),
		requests:    make(chan *SequenceGroup, config.RequestQueueSize),
		closed:      make(chan struct{}),
	}
}

// SetAttentionScale overrides the scale passed to the backend.
func (e *LLMEngine) SetAttentionScale(scale float64) {
	e.cache.scale = scale
}

// Scheduler returns the engine's scheduler.
func (e *LLMEngine) Scheduler() *Scheduler {
	return e.scheduler
}

// Close stops Run, aborts every queued request and cleans up resources.
func (e *LLMEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.closed)
		// Wait out Submit calls that passed the closed check.
		e.submitMu.Lock()
		e.submitMu.Unlock()
		e.loop.Wait()
		e.abortAll(ErrEngineClosed)
		err = errors.Join(e.cache.Close(), e.modelRunner.Close())
	})
	return err
}

// NewRequest builds a sequence group from a string or []int prompt without
// queueing it.
func (e *LLMEngine) NewRequest(ctx context.Context, prompt interface{}, samplingParams *SamplingParams) (*SequenceGroup, error) {
	var tokenIDs []int
	var err error

	switch p := prompt.(type) {
	case string:
		tokenIDs, err = e.tokenizer.Encode(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode prompt: %w", err)
		}
	case []int:
		tokenIDs = p
	default:
		return nil, fmt.Errorf("prompt must be string or []int")
	}

	if len(tokenIDs) >= e.config.MaxModelLen {
		return nil, fmt.Errorf("%d prompt tokens, max model len %d: %w", len(tokenIDs), e.config.MaxModelLen, ErrPromptTooLong)
	}
	return NewSequenceGroup(ctx, tokenIDs, samplingParams, e.config.BlockSize)
}

// AddRequest adds a generation request to the engine. It must be called
// from the goroutine that drives Step.
func (e *LLMEngine) AddRequest(ctx context.Context, prompt interface{}, samplingParams *SamplingParams) (*SequenceGroup, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	g, err := e.NewRequest(ctx, prompt, samplingParams)
	if err != nil {
		return nil, err
	}
	e.scheduler.AddSequenceGroup(g)
	return g, nil
}

// Submit hands a group to the engine loop over the bounded request
// channel. It blocks while the channel is full.
func (e *LLMEngine) Submit(ctx context.Context, g *SequenceGroup) error {
	e.submitMu.RLock()
	defer e.submitMu.RUnlock()

	if e.isClosed() {
		return ErrEngineClosed
	}
	select {
	case e.requests <- g:
		return nil
	case <-e.closed:
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *LLMEngine) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

// drainRequests moves submitted groups into the waiting queue.
func (e *LLMEngine) drainRequests() {
	for {
		select {
		case g := <-e.requests:
			e.scheduler.AddSequenceGroup(g)
		default:
			return
		}
	}
}

// Step performs one inference step: schedule, apply block moves, run the
// model over the scheduled sequences and append their tokens. It returns
// the sequences that finished and the number of tokens processed. On a
// backend failure every scheduled group is aborted with the error.
func (e *LLMEngine) Step(ctx context.Context) ([]Output, int, error) {
	start := time.Now()
	e.drainRequests()

	out := e.scheduler.Schedule()
	outputs := e.collect(out.AbortedGroups)
	outputs = append(outputs, e.abortUnfittable(out)...)

	if err := e.cache.Execute(ctx, out); err != nil {
		return append(outputs, e.failBatch(out, err)...), 0, fmt.Errorf("cache operations failed: %w", err)
	}

	seqs := out.ScheduledSeqs()
	if len(seqs) == 0 {
		return outputs, 0, e.cache.Reclaim()
	}

	meta, err := e.cache.PrepareInput(seqs)
	if err != nil {
		return append(outputs, e.failBatch(out, err)...), 0, fmt.Errorf("failed to prepare batch: %w", err)
	}

	tokenIDs, err := e.modelRunner.Run(ctx, meta)
	if err == nil && len(tokenIDs) != len(seqs) {
		err = fmt.Errorf("model returned %d tokens for %d sequences", len(tokenIDs), len(seqs))
	}
	if err != nil {
		logger.Log.Error("model inference failed", "seqs", len(seqs), "err", err)
		return append(outputs, e.failBatch(out, err)...), 0, fmt.Errorf("model inference failed: %w", err)
	}

	for _, seq := range seqs {
		seq.NumComputedTokens = seq.Len()
	}
	e.scheduler.Postprocess(seqs, tokenIDs)

	for _, g := range out.ScheduledGroups {
		for _, seq := range g.Seqs {
			if seq.IsFinished() && slices.Contains(seqs, seq) {
				outputs = append(outputs, e.output(g.ID, seq))
			}
		}
	}

	numTokens := meta.NumTokens()
	metrics.RecordStep(len(seqs), time.Since(start))
	return outputs, numTokens, e.cache.Reclaim()
}

// abortUnfittable aborts groups that need more blocks than the fast tier
// holds in total; they would block their queue forever.
func (e *LLMEngine) abortUnfittable(out *SchedulerOutput) []Output {
	bm := e.scheduler.BlockManager()
	total := bm.NumTotalFastBlocks()
	var aborted []*SequenceGroup
	abort := func(g *SequenceGroup, need int) {
		err := fmt.Errorf("group needs %d blocks, fast tier has %d: %w", need, total, ErrCapacityExceeded)
		if e.scheduler.AbortGroup(g.ID, err) {
			aborted = append(aborted, g)
		}
	}

	for _, g := range out.IgnoredGroups {
		if need := bm.NumRequiredBlocks(g); need > total {
			abort(g, need)
		}
	}
	if g := e.scheduler.swappedHead(); g != nil && e.scheduler.NumRunning() == 0 {
		if need := bm.NumSwapInBlocksRequired(g); need > total {
			abort(g, need)
		}
	}
	return e.collect(aborted)
}

func (e *LLMEngine) failBatch(out *SchedulerOutput, err error) []Output {
	var failed []*SequenceGroup
	for _, g := range out.ScheduledGroups {
		if e.scheduler.AbortGroup(g.ID, err) {
			failed = append(failed, g)
		}
	}
	if rerr := e.cache.Reclaim(); rerr != nil {
		logger.Log.Error("failed to reclaim blocks", "err", rerr)
	}
	return e.collect(failed)
}

func (e *LLMEngine) abortAll(err error) {
	e.drainRequests()
	w, r, s := e.scheduler.QueueIDs()
	for _, ids := range [][]string{r, s, w} {
		for _, id := range ids {
			e.scheduler.AbortGroup(id, err)
		}
	}
}

func (e *LLMEngine) collect(groups []*SequenceGroup) []Output {
	var outputs []Output
	for _, g := range groups {
		for _, seq := range g.Seqs {
			outputs = append(outputs, e.output(g.ID, seq))
		}
	}
	return outputs
}

func (e *LLMEngine) output(groupID string, seq *Sequence) Output {
	r := seq.Result()
	o := Output{
		GroupID:      groupID,
		SeqID:        seq.SeqID,
		TokenIDs:     r.TokenIDs,
		FinishReason: r.FinishReason,
		Err:          r.Err,
	}
	text, err := e.tokenizer.Decode(r.TokenIDs)
	if err != nil && o.Err == nil {
		o.Err = fmt.Errorf("failed to decode tokens: %w", err)
	}
	o.Text = text
	return o
}

// IsFinished returns true if all requests have been processed
func (e *LLMEngine) IsFinished() bool {
	return !e.scheduler.HasUnfinished() && len(e.requests) == 0
}

// Run drives Step until ctx is done or the engine is closed. Groups arrive
// through Submit. Step failures are logged and the loop continues with the
// next batch. Remaining groups are aborted on return.
func (e *LLMEngine) Run(ctx context.Context) error {
	e.loop.Add(1)
	defer e.loop.Done()
	defer func() {
		cause := ctx.Err()
		if cause == nil {
			cause = ErrEngineClosed
		}
		e.abortAll(cause)
	}()

	for {
		if !e.scheduler.HasUnfinished() {
			select {
			case g := <-e.requests:
				e.scheduler.AddSequenceGroup(g)
			case <-ctx.Done():
				return ctx.Err()
			case <-e.closed:
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.closed:
			return nil
		default:
		}

		if _, _, err := e.Step(ctx); err != nil {
			logger.Log.Error("engine step failed", "err", err)
		}
	}
}

// Generate generates completions for the given prompts. The result holds
// the first sequence of each prompt, in prompt order.
func (e *LLMEngine) Generate(prompts []interface{}, samplingParams interface{}, useTqdm bool) ([]Output, error) {
	// Convert sampling params
	var spList []*SamplingParams
	switch sp := samplingParams.(type) {
	case *SamplingParams:
		spList = make([]*SamplingParams, len(prompts))
		for i := range spList {
			spList[i] = sp
		}
	case []*SamplingParams:
		if len(sp) != len(prompts) {
			return nil, fmt.Errorf("number of sampling params must match number of prompts")
		}
		spList = sp
	default:
		return nil, fmt.Errorf("samplingParams must be *SamplingParams or []*SamplingParams")
	}

	ctx := context.Background()
	groups := make([]*SequenceGroup, len(prompts))
	for i, prompt := range prompts {
		g, err := e.AddRequest(ctx, prompt, spList[i])
		if err != nil {
			return nil, err
		}
		groups[i] = g
	}

	// Set up progress bar
	var bar *progressbar.ProgressBar
	if useTqdm {
		bar = progressbar.NewOptions(len(prompts),
			progressbar.OptionSetDescription("Generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetTheme(progressbar.Theme{
				Saucer:        "=",
				SaucerHead:    ">",
				SaucerPadding: " ",
				BarStart:      "[",
				BarEnd:        "]",
			}),
		)
	}

	done := make(map[string]bool, len(groups))

	for !e.IsFinished() {
		start := time.Now()
		_, numTokens, err := e.Step(ctx)
		if err != nil {
			return nil, err
		}
		elapsed := time.Since(start).Seconds()

		if useTqdm && elapsed > 0 {
			bar.Describe(fmt.Sprintf("Generating [%dtok/s, %d running, %d swapped]",
				int(float64(numTokens)/elapsed), e.scheduler.NumRunning(), e.scheduler.NumSwapped()))
		}

		for _, g := range groups {
			if !done[g.ID] && g.IsFinished() {
				done[g.ID] = true
				if useTqdm {
					bar.Add(1)
				}
			}
		}
	}

	if useTqdm {
		bar.Finish()
	}

	// Reconstruct outputs in order
	outputs := make([]Output, len(groups))
	for i, g := range groups {
		outputs[i] = e.output(g.ID, g.Seqs[0])
	}

	return outputs, nil
}
