package limiter

import (
	"math/rand"

	"go.uber.org/atomic"
)

// ProbabilisticLimiter is an implementation of the FactorLimiter interface that rejects each unit of
// traffic with a probability equal to the suppression factor, regardless of its size.
// It keeps no state besides the factor, so it suits coarse shedding of aggregate load
// but has high variance at low call volume.
type ProbabilisticLimiter struct {
	topic string
	typ   Type

	suppressionFactor atomic.Float64
	random            func() float64
}

// NewProbabilisticLimiterConstructorFunc returns a function that creates a new ProbabilisticLimiter.
func NewProbabilisticLimiterConstructorFunc(opts ...func(*ProbabilisticLimiter)) NewLimiterFunc {
	return func(topic string, typ Type) FactorLimiter {
		return NewProbabilisticLimiter(topic, typ, opts...)
	}
}

// NewProbabilisticLimiter returns an open ProbabilisticLimiter.
func NewProbabilisticLimiter(topic string, typ Type, opts ...func(*ProbabilisticLimiter)) *ProbabilisticLimiter {
	l := &ProbabilisticLimiter{
		topic:  topic,
		typ:    typ,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WithRandom replaces the uniform [0,1) source. It must be safe for concurrent use.
func WithRandom(random func() float64) func(*ProbabilisticLimiter) {
	return func(l *ProbabilisticLimiter) {
		l.random = random
	}
}

// AddTrafficData ignores value and admits iff a uniform draw exceeds the suppression factor.
func (l *ProbabilisticLimiter) AddTrafficData(_ int64) bool {
	return l.random() > l.suppressionFactor.Load()
}

func (l *ProbabilisticLimiter) UpdateSuppressionFactor(factor float64) {
	l.suppressionFactor.Store(Clamp(factor))
}

func (l *ProbabilisticLimiter) SuppressionFactor() float64 {
	return l.suppressionFactor.Load()
}

func (l *ProbabilisticLimiter) Topic() string { return l.topic }

func (l *ProbabilisticLimiter) Type() Type { return l.typ }
