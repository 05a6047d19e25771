package qosbroker

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/parkerroan/qosbroker/limiter"
	"golang.org/x/exp/slog"
)

// Option configures a RateLimiterService.
type Option func(*RateLimiterService)

// WithClientID sets the id this node reports to the coordinator with. Required.
func WithClientID(clientID string) Option {
	return func(s *RateLimiterService) {
		s.clientID = clientID
	}
}

// WithReportInterval sets how often usage is reported to the coordinator.
// default: 1s
func WithReportInterval(interval time.Duration) Option {
	return func(s *RateLimiterService) {
		s.reportInterval = interval
	}
}

// WithReportTimeout bounds a single report round trip.
// default: the report interval
func WithReportTimeout(timeout time.Duration) Option {
	return func(s *RateLimiterService) {
		s.reportTimeout = timeout
	}
}

// WithLimiterTypes sets the dimensions limited for every topic.
// default: THROUGHPUT, QPS
func WithLimiterTypes(types ...limiter.Type) Option {
	return func(s *RateLimiterService) {
		s.limiterTypes = types
	}
}

// WithLimiterFactory sets the function used to create a topic's limiters.
// default: PeakAdaptiveLimiter for THROUGHPUT, ProbabilisticLimiter for QPS
func WithLimiterFactory(fn limiter.NewLimiterFunc) Option {
	return func(s *RateLimiterService) {
		s.newLimiter = fn
	}
}

// WithMetrics sets where limiter outcomes are recorded.
func WithMetrics(metrics MetricsRecorder) Option {
	return func(s *RateLimiterService) {
		s.metrics = metrics
	}
}

// WithDefaultClosed makes topics reject all traffic until the coordinator
// has sent a suppression factor for them. Topics are open by default.
func WithDefaultClosed() Option {
	return func(s *RateLimiterService) {
		s.defaultClosed = true
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *RateLimiterService) {
		s.logger = logger
	}
}

// WithClock replaces the clock driving the report loop.
func WithClock(clock clockwork.Clock) Option {
	return func(s *RateLimiterService) {
		s.clock = clock
	}
}
