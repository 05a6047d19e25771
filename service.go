package qosbroker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/parkerroan/qosbroker/broker"
	"github.com/parkerroan/qosbroker/limiter"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
)

var (
	ErrMissingClientID    = errors.New("qosbroker: client id is required")
	ErrInvalidInterval    = errors.New("qosbroker: report interval must be positive")
	ErrMissingCoordinator = errors.New("qosbroker: coordinator is required")
	ErrNoLimiterTypes     = errors.New("qosbroker: at least one limiter type is required")
)

// RateLimiterService decides whether produce requests are admitted.
//
// Every topic gets one limiter per configured dimension. A request is allowed only when all of the
// topic's limiters allow it. The service owns a TrafficAggregator that reports the topic usage of
// this node to the coordinator and feeds the suppression factors it returns back into the limiters.
type RateLimiterService struct {
	clientID       string
	reportInterval time.Duration
	reportTimeout  time.Duration
	limiterTypes   []limiter.Type
	newLimiter     limiter.NewLimiterFunc
	defaultClosed  bool
	metrics        MetricsRecorder
	logger         *slog.Logger
	clock          clockwork.Clock

	aggregator *TrafficAggregator

	mu     sync.Mutex
	topics sync.Map // topic to []limiter.FactorLimiter
}

var _ SuppressionApplier = (*RateLimiterService)(nil)

// NewRateLimiterService creates a service reporting to coordinator.
// Configuration errors are returned joined; check them with errors.Is.
func NewRateLimiterService(coordinator broker.Coordinator, opts ...Option) (*RateLimiterService, error) {
	s := &RateLimiterService{
		reportInterval: time.Second,
		limiterTypes:   []limiter.Type{limiter.THROUGHPUT, limiter.QPS},
		newLimiter:     defaultLimiter,
		metrics:        noopMetrics{},
		logger:         slog.Default(),
		clock:          clockwork.NewRealClock(),
	}

	// Apply all provided options
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if coordinator == nil {
		err = multierr.Append(err, ErrMissingCoordinator)
	}
	if s.clientID == "" {
		err = multierr.Append(err, ErrMissingClientID)
	}
	if s.reportInterval <= 0 {
		err = multierr.Append(err, ErrInvalidInterval)
	}
	if len(s.limiterTypes) == 0 {
		err = multierr.Append(err, ErrNoLimiterTypes)
	}
	if err != nil {
		return nil, err
	}

	if s.reportTimeout <= 0 {
		s.reportTimeout = s.reportInterval
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	if s.newLimiter == nil {
		s.newLimiter = defaultLimiter
	}

	s.aggregator = newTrafficAggregator(s.clientID, s.reportInterval, coordinator, s,
		withReportTimeout(s.reportTimeout),
		withAggregatorClock(s.clock),
		withAggregatorMetrics(s.metrics),
		withAggregatorLogger(s.logger),
	)
	return s, nil
}

func defaultLimiter(topic string, typ limiter.Type) limiter.FactorLimiter {
	if typ == limiter.QPS {
		return limiter.NewProbabilisticLimiter(topic, typ)
	}
	return limiter.NewPeakAdaptiveLimiter(topic, typ)
}

// Start begins reporting usage to the coordinator until ctx is done or Stop is called.
func (s *RateLimiterService) Start(ctx context.Context) error {
	return s.aggregator.Start(ctx)
}

// Stop stops reporting and waits for an in-flight report to finish or ctx to expire.
func (s *RateLimiterService) Stop(ctx context.Context) error {
	return s.aggregator.Stop(ctx)
}

// ClientID returns the id this node reports with.
func (s *RateLimiterService) ClientID() string {
	return s.clientID
}

// IsAllowed records usage bytes of produce traffic on topic and reports whether it is admitted.
// Every limiter of the topic sees the request, even after one of them rejected it.
// A negative usage is counted as 0.
func (s *RateLimiterService) IsAllowed(topic string, usage int64) bool {
	if usage < 0 {
		usage = 0
	}
	s.aggregator.AddTopicUsage(topic, usage)

	allowed := true
	for _, l := range s.limiters(topic) {
		value := usage
		if l.Type() == limiter.QPS {
			value = 1
		}
		ok := l.AddTrafficData(value)
		s.metrics.RecordAdmission(topic, s.clientID, l.Type(), usage, ok)
		allowed = allowed && ok
	}
	return allowed
}

// UpdateSuppressionFactor sets the factor of every limiter of topic.
func (s *RateLimiterService) UpdateSuppressionFactor(topic string, factor float64) {
	s.logger.Debug("Updating suppression factor", slog.String("topic", topic), slog.Float64("factor", factor))
	for _, l := range s.limiters(topic) {
		l.UpdateSuppressionFactor(factor)
	}
}

// UpdateSuppressionFactorFor sets the factor of the topic's limiter for one dimension.
// It is a no-op when the dimension is not limited.
func (s *RateLimiterService) UpdateSuppressionFactorFor(topic string, typ limiter.Type, factor float64) {
	for _, l := range s.limiters(topic) {
		if l.Type() == typ {
			l.UpdateSuppressionFactor(factor)
		}
	}
}

// SuppressionFactor returns the current factor of a topic dimension,
// or false when the topic has not been seen yet.
func (s *RateLimiterService) SuppressionFactor(topic string, typ limiter.Type) (float64, bool) {
	v, ok := s.topics.Load(topic)
	if !ok {
		return 0, false
	}
	for _, l := range v.([]limiter.FactorLimiter) {
		if l.Type() == typ {
			return l.SuppressionFactor(), true
		}
	}
	return 0, false
}

// limiters returns the limiters of a topic, creating them the first time the topic is seen.
func (s *RateLimiterService) limiters(topic string) []limiter.FactorLimiter {
	if v, ok := s.topics.Load(topic); ok {
		return v.([]limiter.FactorLimiter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// another caller may have created them while we waited
	if v, ok := s.topics.Load(topic); ok {
		return v.([]limiter.FactorLimiter)
	}

	set := make([]limiter.FactorLimiter, 0, len(s.limiterTypes))
	for _, typ := range s.limiterTypes {
		l := s.newLimiter(topic, typ)
		if s.defaultClosed {
			l.UpdateSuppressionFactor(1)
		}
		if err := s.metrics.RegisterLimiter(s.clientID, l); err != nil {
			s.logger.Error("Error registering limiter metrics",
				slog.String("topic", topic),
				slog.String("limiter", typ.String()),
				slog.Any("error", err),
			)
		}
		set = append(set, l)
	}
	s.topics.Store(topic, set)
	return set
}
