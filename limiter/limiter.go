package limiter

import "math"

// Type identifies the dimension a FactorLimiter enforces.
type Type int

const (
	// THROUGHPUT limits the bytes published to a topic.
	THROUGHPUT Type = iota
	// QPS limits the number of publish requests to a topic.
	QPS
)

// String returns the label used for metrics and logs.
func (t Type) String() string {
	switch t {
	case THROUGHPUT:
		return "throughput"
	case QPS:
		return "qps"
	default:
		return "unknown"
	}
}

// FactorLimiter is the interface that abstracts a single topic, single dimension admission decision.
// The suppression factor is a fraction in [0, 1] of traffic to reject: 0 is fully open, 1 rejects everything.
type FactorLimiter interface {
	// AddTrafficData records a unit of traffic and reports whether it is admitted.
	AddTrafficData(value int64) bool
	// UpdateSuppressionFactor overwrites the suppression factor, clamping it into [0, 1].
	UpdateSuppressionFactor(factor float64)
	// SuppressionFactor returns the factor currently in effect.
	SuppressionFactor() float64

	Topic() string
	Type() Type
}

// NewLimiterFunc creates the limiter for a topic and dimension.
type NewLimiterFunc func(topic string, typ Type) FactorLimiter

// Clamp forces a suppression factor into [0, 1]. NaN is treated as fully open.
func Clamp(factor float64) float64 {
	if math.IsNaN(factor) || factor < 0 {
		return 0
	}
	if factor > 1 {
		return 1
	}
	return factor
}
