package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Tier and queue label values.
const (
	TierFast = "fast"
	TierSlow = "slow"

	QueueWaiting = "waiting"
	QueueRunning = "running"
	QueueSwapped = "swapped"
)

var (
	FreeBlocks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kv_cache_free_blocks",
		Help: "Free KV cache blocks per memory tier",
	}, []string{"tier"})

	QueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_queue_length",
		Help: "Sequence groups per scheduler queue",
	}, []string{"queue"})

	Preemptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_preemptions_total",
		Help: "Sequence groups preempted, by preemption mode actually applied",
	}, []string{"mode"})

	SwapFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_swap_fallbacks_total",
		Help: "Swap preemptions that fell back to recompute for lack of slow-tier blocks",
	})

	IgnoredGroups = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_ignored_groups_total",
		Help: "Scheduling steps where the head of the waiting queue could not be admitted",
	})

	AbortedSequences = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_aborted_sequences_total",
		Help: "Sequences terminated by cancellation or backend failure",
	})

	BlocksMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_blocks_moved_total",
		Help: "Blocks copied by the cache engine",
	}, []string{"op"})

	GeneratedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_generated_tokens_total",
		Help: "Tokens appended to running sequences",
	})

	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_step_duration_seconds",
		Help:    "Duration of one engine step (schedule, cache ops, forward, postprocess)",
		Buckets: prometheus.DefBuckets,
	})
)

// RecordSchedulerState publishes the block pools and queue sizes after a
// scheduling step.
func RecordSchedulerState(freeFast, freeSlow, waiting, running, swapped int) {
	FreeBlocks.WithLabelValues(TierFast).Set(float64(freeFast))
	FreeBlocks.WithLabelValues(TierSlow).Set(float64(freeSlow))
	QueueLength.WithLabelValues(QueueWaiting).Set(float64(waiting))
	QueueLength.WithLabelValues(QueueRunning).Set(float64(running))
	QueueLength.WithLabelValues(QueueSwapped).Set(float64(swapped))
}

// RecordPreemption counts one preempted group under the applied mode.
func RecordPreemption(mode string) {
	Preemptions.WithLabelValues(mode).Inc()
}

// RecordBlocksMoved counts blocks moved by op ("swap_in", "swap_out", "copy").
func RecordBlocksMoved(op string, n int) {
	if n > 0 {
		BlocksMoved.WithLabelValues(op).Add(float64(n))
	}
}

// RecordStep observes a finished engine step.
func RecordStep(tokens int, d time.Duration) {
	GeneratedTokens.Add(float64(tokens))
	StepDuration.Observe(d.Seconds())
}
