package limiter

import (
	"go.uber.org/atomic"
)

// PeakAdaptiveLimiter is an implementation of the FactorLimiter interface that learns the
// highest traffic value it has seen for a topic and admits values up to a fraction of that peak.
// This removes the need for static per-topic capacity configuration.
//
// The peak never decays: it is a high-water mark for the life of the limiter.
// Under an active suppression factor, a value that sets a new peak is rejected because
// its own budget is value*(1-factor) < value.
type PeakAdaptiveLimiter struct {
	topic string
	typ   Type

	capacityHint      atomic.Int64
	suppressionFactor atomic.Float64
}

// NewPeakAdaptiveLimiterConstructorFunc returns a function that creates a new PeakAdaptiveLimiter.
func NewPeakAdaptiveLimiterConstructorFunc() NewLimiterFunc {
	return func(topic string, typ Type) FactorLimiter {
		return NewPeakAdaptiveLimiter(topic, typ)
	}
}

// NewPeakAdaptiveLimiter returns an open PeakAdaptiveLimiter with no learned peak.
func NewPeakAdaptiveLimiter(topic string, typ Type) *PeakAdaptiveLimiter {
	return &PeakAdaptiveLimiter{
		topic: topic,
		typ:   typ,
	}
}

// AddTrafficData raises the capacity hint to value if needed, then admits value
// iff it fits in hint*(1-suppressionFactor).
func (l *PeakAdaptiveLimiter) AddTrafficData(value int64) bool {
	hint := l.raiseCapacityHint(value)
	budget := float64(hint) * (1 - l.suppressionFactor.Load())
	return float64(value) <= budget
}

// raiseCapacityHint is an atomic fetch-and-max, returning the hint after the update.
func (l *PeakAdaptiveLimiter) raiseCapacityHint(value int64) int64 {
	for {
		current := l.capacityHint.Load()
		if value <= current {
			return current
		}
		if l.capacityHint.CompareAndSwap(current, value) {
			return value
		}
	}
}

// UpdateSuppressionFactor stores the clamped factor, last write wins.
func (l *PeakAdaptiveLimiter) UpdateSuppressionFactor(factor float64) {
	l.suppressionFactor.Store(Clamp(factor))
}

func (l *PeakAdaptiveLimiter) SuppressionFactor() float64 {
	return l.suppressionFactor.Load()
}

// CapacityHint returns the highest traffic value seen so far.
func (l *PeakAdaptiveLimiter) CapacityHint() int64 {
	return l.capacityHint.Load()
}

func (l *PeakAdaptiveLimiter) Topic() string { return l.topic }

func (l *PeakAdaptiveLimiter) Type() Type { return l.typ }
