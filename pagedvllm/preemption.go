package pagedvllm

// PreemptionPolicy decides whether a running group is evicted in the
// running phase of a scheduling step.
type PreemptionPolicy interface {
	ShouldPreempt(freeBlocks, totalBlocks, numWaiting, requiredBlocks int) bool
}

// PreemptionPolicyFunc adapts a function to PreemptionPolicy.
type PreemptionPolicyFunc func(freeBlocks, totalBlocks, numWaiting, requiredBlocks int) bool

// ShouldPreempt calls f.
func (f PreemptionPolicyFunc) ShouldPreempt(freeBlocks, totalBlocks, numWaiting, requiredBlocks int) bool {
	return f(freeBlocks, totalBlocks, numWaiting, requiredBlocks)
}

// ThresholdPolicy preempts while work is waiting and free fast blocks are
// below Fraction of the tier.
type ThresholdPolicy struct {
	Fraction float64
}

// ShouldPreempt implements PreemptionPolicy.
func (p ThresholdPolicy) ShouldPreempt(freeBlocks, totalBlocks, numWaiting, requiredBlocks int) bool {
	return numWaiting > 0 &&
		freeBlocks < int(float64(totalBlocks)*p.Fraction) &&
		requiredBlocks > 0
}

// DefaultPreemptionPolicy preempts below 25% free.
var DefaultPreemptionPolicy PreemptionPolicy = ThresholdPolicy{Fraction: 0.25}

// NeverPreempt disables threshold preemption. Groups are still preempted
// when they cannot get slots for their next token.
var NeverPreempt PreemptionPolicy = PreemptionPolicyFunc(func(int, int, int, int) bool { return false })
