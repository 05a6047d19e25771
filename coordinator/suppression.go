package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/parkerroan/qosbroker/broker"
	"github.com/parkerroan/qosbroker/limiter"
	"golang.org/x/exp/slog"
)

// SuppressionManager is the reference implementation of broker.Coordinator.
//
// For every topic it keeps the recent loads of each reporting client, predicts the topic's demand
// as the sum of every active client's latest per-second rate, and answers
//
//	factor = max(0, 1 - quota/demand)
//
// per dimension. Every client of a topic receives the same factor, so no client is suppressed
// harder than another with equal or lower demand. Demand counts attempted traffic, so admitted
// traffic converges on min(quota, demand).
type SuppressionManager struct {
	quotas QuotaSource

	interval         time.Duration
	historySlots     int
	maxMissedUpdates int
	clock            clockwork.Clock

	mu     sync.Mutex
	topics map[string]*ClientHistory // topic to client load info
}

var _ broker.Coordinator = (*SuppressionManager)(nil)

// GCMetrics reports what a GC pass found and removed.
type GCMetrics struct {
	Topics         int
	Clients        int
	RemovedTopics  int
	RemovedClients int
}

// NewSuppressionManager creates a coordinator expecting a report from each node every interval.
func NewSuppressionManager(quotas QuotaSource, interval time.Duration, opts ...func(*SuppressionManager)) (*SuppressionManager, error) {
	if quotas == nil {
		return nil, errors.New("quota source is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("invalid reporting interval %v", interval)
	}
	m := &SuppressionManager{
		quotas:           quotas,
		interval:         interval,
		historySlots:     5,
		maxMissedUpdates: 2,
		clock:            clockwork.NewRealClock(),
		topics:           make(map[string]*ClientHistory),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.historySlots <= 0 || m.maxMissedUpdates <= 0 {
		return nil, errors.New("history slots and max missed updates must be positive")
	}
	return m, nil
}

// WithHistorySlots sets how many reports are kept per client and topic.
func WithHistorySlots(slots int) func(*SuppressionManager) {
	return func(m *SuppressionManager) {
		m.historySlots = slots
	}
}

// WithMaxMissedUpdates sets how many intervals a client may stay silent
// before its last report stops counting towards demand.
func WithMaxMissedUpdates(missed int) func(*SuppressionManager) {
	return func(m *SuppressionManager) {
		m.maxMissedUpdates = missed
	}
}

// WithClock replaces the clock used to expire reports.
func WithClock(clock clockwork.Clock) func(*SuppressionManager) {
	return func(m *SuppressionManager) {
		m.clock = clock
	}
}

// AddTrafficData records the report and returns the suppression factor of each reported topic.
func (m *SuppressionManager) AddTrafficData(ctx context.Context, report broker.LoadReport) (broker.SuppressionData, error) {
	if report.ClientID == "" {
		return broker.SuppressionData{}, errors.New("report without client id")
	}
	if report.Window() <= 0 {
		return broker.SuppressionData{}, fmt.Errorf("report %s has an empty window", report.ID)
	}

	data := broker.NewSuppressionData()
	for _, usage := range report.Usage {
		history, err := m.record(usage.Topic, TopicLoad{
			ClientID: report.ClientID,
			From:     report.From,
			To:       report.To,
			Bytes:    usage.Bytes,
			Queries:  usage.Queries,
		})
		if err != nil {
			return broker.SuppressionData{}, err
		}

		bytesDemand, queriesDemand := demand(history.PredictLoad())

		limits, err := m.quotas.Limits(ctx, usage.Topic)
		if err != nil {
			// fail open for this topic only
			slog.Error("Error loading topic quota", slog.String("topic", usage.Topic), slog.Any("error", err))
			data.Factors[usage.Topic] = broker.SuppressionFactor{}
			continue
		}

		factor := broker.SuppressionFactor{
			Throughput: suppressionFactor(limits.Throughput, bytesDemand),
			QPS:        suppressionFactor(limits.QPS, queriesDemand),
		}
		if factor.Throughput > 0 || factor.QPS > 0 {
			slog.Debug("Suppressing topic",
				slog.String("topic", usage.Topic),
				slog.Float64("throughput_demand", bytesDemand),
				slog.Float64("throughput_quota", limits.Throughput),
				slog.Float64("qps_demand", queriesDemand),
				slog.Float64("qps_quota", limits.QPS),
				slog.Float64("throughput_factor", factor.Throughput),
				slog.Float64("qps_factor", factor.QPS),
			)
		}
		data.Factors[usage.Topic] = factor
	}
	return data, nil
}

// GC removes clients that stopped reporting and topics left without clients.
func (m *SuppressionManager) GC() GCMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	var metrics GCMetrics
	for topic, history := range m.topics {
		removed, remaining := history.Prune()
		metrics.RemovedClients += removed
		if remaining == 0 {
			delete(m.topics, topic)
			metrics.RemovedTopics++
			continue
		}
		metrics.Clients += remaining
	}
	metrics.Topics = len(m.topics)
	return metrics
}

// record adds load to the topic's history, creating it if needed. The add happens under m.mu
// so GC never drops a history between its creation and its first record.
func (m *SuppressionManager) record(topic string, load TopicLoad) (*ClientHistory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.topics[topic]
	if !ok {
		var err error
		h, err = NewClientHistory(m.historySlots, time.Duration(m.maxMissedUpdates)*m.interval, m.clock)
		if err != nil {
			return nil, err
		}
		m.topics[topic] = h
	}
	h.Add(load)
	return h, nil
}

func demand(loads []TopicLoad) (bytesPerSecond, queriesPerSecond float64) {
	for _, load := range loads {
		b, q := load.Rates()
		bytesPerSecond += b
		queriesPerSecond += q
	}
	return bytesPerSecond, queriesPerSecond
}

func suppressionFactor(limit, actual float64) float64 {
	if limit <= 0 || actual <= 0 {
		return 0
	}
	return limiter.Clamp(1 - limit/actual)
}
