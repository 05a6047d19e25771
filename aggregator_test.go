package qosbroker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/parkerroan/qosbroker/broker"
	"github.com/parkerroan/qosbroker/limiter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const testInterval = time.Second

// fakeCoordinator records reports and answers with a configurable function.
type fakeCoordinator struct {
	mu      sync.Mutex
	reports []broker.LoadReport
	answer  func(broker.LoadReport) (broker.SuppressionData, error)
}

func (c *fakeCoordinator) AddTrafficData(_ context.Context, report broker.LoadReport) (broker.SuppressionData, error) {
	c.mu.Lock()
	c.reports = append(c.reports, report)
	answer := c.answer
	c.mu.Unlock()
	if answer == nil {
		return broker.NewSuppressionData(), nil
	}
	return answer(report)
}

func (c *fakeCoordinator) received() []broker.LoadReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.LoadReport(nil), c.reports...)
}

func newTestService(t *testing.T, coordinator broker.Coordinator, opts ...Option) (*RateLimiterService, clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	opts = append([]Option{
		WithClientID("node-1"),
		WithReportInterval(testInterval),
		WithReportTimeout(100 * time.Millisecond),
		WithClock(clock),
	}, opts...)
	svc, err := NewRateLimiterService(coordinator, opts...)
	require.NoError(t, err)
	return svc, clock
}

func TestTrafficAggregator_ReportsWindowUsage(t *testing.T) {
	coordinator := &fakeCoordinator{}
	svc, clock := newTestService(t, coordinator)
	start := clock.Now()

	svc.IsAllowed("orders", 100)
	svc.IsAllowed("orders", 200)
	svc.IsAllowed("audit", 10)

	clock.Advance(testInterval)
	svc.aggregator.tick(context.Background())

	reports := coordinator.received()
	require.Len(t, reports, 1)
	report := reports[0]
	assert.NotEqual(t, uuid.Nil, report.ID)
	assert.Equal(t, "node-1", report.ClientID)
	assert.Equal(t, start, report.From)
	assert.Equal(t, start.Add(testInterval), report.To)
	assert.Equal(t, []broker.TopicUsage{
		{Topic: "audit", Bytes: 10, Queries: 1},
		{Topic: "orders", Bytes: 300, Queries: 2},
	}, report.Usage)

	// the next window starts where the previous one ended
	svc.IsAllowed("orders", 1)
	clock.Advance(testInterval)
	svc.aggregator.tick(context.Background())

	reports = coordinator.received()
	require.Len(t, reports, 2)
	assert.Equal(t, start.Add(testInterval), reports[1].From)
	assert.Equal(t, []broker.TopicUsage{{Topic: "orders", Bytes: 1, Queries: 1}}, reports[1].Usage)
}

func TestTrafficAggregator_EmptyWindowIsNotReported(t *testing.T) {
	coordinator := &fakeCoordinator{}
	svc, clock := newTestService(t, coordinator)

	clock.Advance(testInterval)
	svc.aggregator.tick(context.Background())
	assert.Empty(t, coordinator.received())
}

func TestTrafficAggregator_AppliesFeedback(t *testing.T) {
	coordinator := &fakeCoordinator{
		answer: func(broker.LoadReport) (broker.SuppressionData, error) {
			return broker.SuppressionData{Factors: map[string]broker.SuppressionFactor{
				"orders": {Throughput: 0.5, QPS: 0.25},
				"remote": {Throughput: 1},
			}}, nil
		},
	}
	svc, clock := newTestService(t, coordinator)

	svc.IsAllowed("orders", 100)
	clock.Advance(testInterval)
	svc.aggregator.tick(context.Background())

	throughput, _ := svc.SuppressionFactor("orders", limiter.THROUGHPUT)
	qps, _ := svc.SuppressionFactor("orders", limiter.QPS)
	assert.Equal(t, 0.5, throughput)
	assert.Equal(t, 0.25, qps)

	// a topic this node has not served yet starts with the coordinator's factor
	remote, ok := svc.SuppressionFactor("remote", limiter.THROUGHPUT)
	assert.True(t, ok)
	assert.Equal(t, 1.0, remote)
}

func TestTrafficAggregator_FailedRoundTripKeepsFactors(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	testCases := []struct {
		description string
		answer      func(broker.LoadReport) (broker.SuppressionData, error)
	}{
		{
			description: "coordinator error",
			answer: func(broker.LoadReport) (broker.SuppressionData, error) {
				return broker.SuppressionData{}, errors.New("coordinator unavailable")
			},
		},
		{
			description: "coordinator panics",
			answer: func(broker.LoadReport) (broker.SuppressionData, error) {
				panic("boom")
			},
		},
		{
			description: "coordinator hangs past the timeout",
			answer: func(broker.LoadReport) (broker.SuppressionData, error) {
				<-release
				return broker.SuppressionData{Factors: map[string]broker.SuppressionFactor{"orders": {}}}, nil
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			metrics := &countingReports{}
			svc, clock := newTestService(t, &fakeCoordinator{answer: tc.answer}, WithMetrics(metrics))
			svc.UpdateSuppressionFactor("orders", 0.3)

			svc.IsAllowed("orders", 100)
			clock.Advance(testInterval)
			require.NotPanics(t, func() {
				svc.aggregator.tick(context.Background())
			})

			for _, typ := range []limiter.Type{limiter.THROUGHPUT, limiter.QPS} {
				factor, _ := svc.SuppressionFactor("orders", typ)
				assert.Equal(t, 0.3, factor)
			}
			assert.Equal(t, 1, metrics.failed())
		})
	}
}

type countingReports struct {
	noopMetrics
	mu     sync.Mutex
	errors int
}

func (c *countingReports) RecordReport(_ string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errors++
	}
}

func (c *countingReports) failed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

func TestTrafficAggregator_NoWriteLostAcrossSwaps(t *testing.T) {
	coordinator := &fakeCoordinator{}
	agg := newTrafficAggregator("node-1", testInterval, coordinator, noopApplier{},
		withAggregatorClock(clockwork.NewFakeClock()),
	)

	const writers, writes = 8, 2000
	stop, ticks := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(ticks)
		for {
			select {
			case <-stop:
				return
			default:
				agg.tick(context.Background())
			}
		}
	}()

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			for j := 0; j < writes; j++ {
				agg.AddTopicUsage("orders", 3)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(stop)
	<-ticks
	agg.tick(context.Background())

	var bytes, queries int64
	for _, report := range coordinator.received() {
		for _, usage := range report.Usage {
			bytes += usage.Bytes
			queries += usage.Queries
		}
	}
	assert.EqualValues(t, writers*writes*3, bytes)
	assert.EqualValues(t, writers*writes, queries)
}

type noopApplier struct{}

func (noopApplier) UpdateSuppressionFactorFor(string, limiter.Type, float64) {}

func TestTrafficAggregator_Lifecycle(t *testing.T) {
	coordinator := &fakeCoordinator{}
	svc, clock := newTestService(t, coordinator)
	ctx := context.Background()

	require.NoError(t, svc.Stop(ctx), "stopping before start is a no-op")

	require.NoError(t, svc.Start(ctx))
	assert.ErrorIs(t, svc.Start(ctx), ErrAlreadyStarted)

	svc.IsAllowed("orders", 100)
	assert.Eventually(t, func() bool {
		clock.Advance(testInterval)
		return len(coordinator.received()) > 0
	}, time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))
	require.NoError(t, svc.Stop(stopCtx), "stop is idempotent")

	// no report after stop
	sent := len(coordinator.received())
	svc.IsAllowed("orders", 100)
	clock.Advance(testInterval)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, coordinator.received(), sent)
}
