package qosbroker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/parkerroan/qosbroker/broker"
	"github.com/parkerroan/qosbroker/limiter"
	"go.uber.org/atomic"
	"golang.org/x/exp/slog"
)

var ErrAlreadyStarted = errors.New("qosbroker: traffic aggregator already started")

// SuppressionApplier receives the suppression factors returned by the coordinator.
type SuppressionApplier interface {
	UpdateSuppressionFactorFor(topic string, typ limiter.Type, factor float64)
}

// TrafficAggregator counts the traffic a node receives per topic and reports it to the
// coordinator once per interval. The coordinator's answer is pushed to a SuppressionApplier.
//
// A failed report is logged and dropped: the previous factors stay in place and the traffic
// of that window is not resent.
type TrafficAggregator struct {
	clientID    string
	interval    time.Duration
	timeout     time.Duration
	coordinator broker.Coordinator
	applier     SuppressionApplier
	clock       clockwork.Clock
	metrics     MetricsRecorder
	logger      *slog.Logger

	// writers hold the read lock, the tick holds the write lock to swap windows
	mu      sync.RWMutex
	current *window

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

type window struct {
	from  time.Time
	usage sync.Map // topic to *topicCounter
}

type topicCounter struct {
	bytes   atomic.Int64
	queries atomic.Int64
}

func newWindow(from time.Time) *window {
	return &window{from: from}
}

func (w *window) counter(topic string) *topicCounter {
	if v, ok := w.usage.Load(topic); ok {
		return v.(*topicCounter)
	}
	v, _ := w.usage.LoadOrStore(topic, &topicCounter{})
	return v.(*topicCounter)
}

// snapshot returns the window's counters sorted by topic.
func (w *window) snapshot() []broker.TopicUsage {
	var usage []broker.TopicUsage
	w.usage.Range(func(k, v any) bool {
		c := v.(*topicCounter)
		usage = append(usage, broker.TopicUsage{
			Topic:   k.(string),
			Bytes:   c.bytes.Load(),
			Queries: c.queries.Load(),
		})
		return true
	})
	sort.Slice(usage, func(i, j int) bool { return usage[i].Topic < usage[j].Topic })
	return usage
}

type aggregatorOption func(*TrafficAggregator)

func withReportTimeout(timeout time.Duration) aggregatorOption {
	return func(a *TrafficAggregator) {
		a.timeout = timeout
	}
}

func withAggregatorClock(clock clockwork.Clock) aggregatorOption {
	return func(a *TrafficAggregator) {
		a.clock = clock
	}
}

func withAggregatorMetrics(metrics MetricsRecorder) aggregatorOption {
	return func(a *TrafficAggregator) {
		a.metrics = metrics
	}
}

func withAggregatorLogger(logger *slog.Logger) aggregatorOption {
	return func(a *TrafficAggregator) {
		a.logger = logger
	}
}

func newTrafficAggregator(clientID string, interval time.Duration, coordinator broker.Coordinator, applier SuppressionApplier, opts ...aggregatorOption) *TrafficAggregator {
	a := &TrafficAggregator{
		clientID:    clientID,
		interval:    interval,
		timeout:     interval,
		coordinator: coordinator,
		applier:     applier,
		clock:       clockwork.NewRealClock(),
		metrics:     noopMetrics{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.current = newWindow(a.clock.Now())
	return a
}

// AddTopicUsage counts one query of bytes on topic in the current window.
func (a *TrafficAggregator) AddTopicUsage(topic string, bytes int64) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	c := a.current.counter(topic)
	c.bytes.Add(bytes)
	c.queries.Inc()
}

// Start runs the report loop in the background until ctx is done or Stop is called.
func (a *TrafficAggregator) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.done != nil {
		return ErrAlreadyStarted
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})

	ticker := a.clock.NewTicker(a.interval)
	go func() {
		defer close(a.done)
		defer ticker.Stop()
		a.run(ctx, ticker)
	}()
	return nil
}

// Stop cancels the report loop and waits for it to exit.
func (a *TrafficAggregator) Stop(ctx context.Context) error {
	a.lifecycle.Lock()
	cancel, done := a.cancel, a.done
	a.lifecycle.Unlock()

	if done == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping traffic aggregator: %w", ctx.Err())
	}
}

func (a *TrafficAggregator) run(ctx context.Context, ticker clockwork.Ticker) {
	a.logger.Debug("report loop starting", slog.String("client", a.clientID), slog.Duration("interval", a.interval))
	for {
		select {
		case <-ctx.Done():
			a.logger.Debug("report loop stopped", slog.String("client", a.clientID))
			return
		case <-ticker.Chan():
			a.tick(ctx)
		}
	}
}

// tick closes the current window and reports it.
func (a *TrafficAggregator) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Recovered from panic in report loop", slog.Any("panic", r))
		}
	}()

	now := a.clock.Now()
	a.mu.Lock()
	closed := a.current
	a.current = newWindow(now)
	a.mu.Unlock()

	usage := closed.snapshot()
	if len(usage) == 0 {
		return
	}

	report := broker.LoadReport{
		ID:       uuid.New(),
		ClientID: a.clientID,
		From:     closed.from,
		To:       now,
		Usage:    usage,
	}
	data, err := a.send(ctx, report)
	a.metrics.RecordReport(a.clientID, err)
	if err != nil {
		a.logger.Error("Error sending load report, keeping previous suppression factors",
			slog.String("report_id", report.ID.String()),
			slog.Any("error", err),
		)
		return
	}

	for topic, factor := range data.Factors {
		a.applier.UpdateSuppressionFactorFor(topic, limiter.THROUGHPUT, factor.Throughput)
		a.applier.UpdateSuppressionFactorFor(topic, limiter.QPS, factor.QPS)
	}
}

// send bounds the round trip by the report timeout even if the coordinator ignores ctx.
func (a *TrafficAggregator) send(ctx context.Context, report broker.LoadReport) (broker.SuppressionData, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		data broker.SuppressionData
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("coordinator panicked: %v", r)}
			}
		}()
		data, err := a.coordinator.AddTrafficData(ctx, report)
		done <- result{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return broker.SuppressionData{}, fmt.Errorf("sending load report: %w", ctx.Err())
	}
}
