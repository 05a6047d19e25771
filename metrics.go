package qosbroker

import (
	"fmt"

	"github.com/parkerroan/qosbroker/limiter"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder receives the outcome of every limiter decision and report round trip.
type MetricsRecorder interface {
	// RegisterLimiter is called once when a topic limiter is created.
	RegisterLimiter(clientID string, l limiter.FactorLimiter) error
	// RecordAdmission is called once per limiter for every IsAllowed call.
	RecordAdmission(topic, clientID string, typ limiter.Type, bytes int64, allowed bool)
	// RecordReport is called once per report sent to the coordinator.
	RecordReport(clientID string, err error)
}

type noopMetrics struct{}

func (noopMetrics) RegisterLimiter(string, limiter.FactorLimiter) error { return nil }

func (noopMetrics) RecordAdmission(string, string, limiter.Type, int64, bool) {}

func (noopMetrics) RecordReport(string, error) {}

// PrometheusMetrics is a MetricsRecorder exporting to a prometheus.Registerer.
type PrometheusMetrics struct {
	registerer prometheus.Registerer

	allowedBytes     *prometheus.CounterVec
	limitedBytes     *prometheus.CounterVec
	allowedQueries   *prometheus.CounterVec
	limitedQueries   *prometheus.CounterVec
	aggregateReports *prometheus.CounterVec
}

var _ MetricsRecorder = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates the producer counters and registers them with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	labels := []string{"topic", "client", "limiter"}
	m := &PrometheusMetrics{
		registerer: reg,
		allowedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qos_producer_allowed_bytes_total",
			Help: "Bytes admitted by a topic limiter.",
		}, labels),
		limitedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qos_producer_rate_limited_bytes_total",
			Help: "Bytes rejected by a topic limiter.",
		}, labels),
		allowedQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qos_producer_allowed_queries_total",
			Help: "Produce requests admitted by a topic limiter.",
		}, labels),
		limitedQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qos_producer_rate_limited_queries_total",
			Help: "Produce requests rejected by a topic limiter.",
		}, labels),
		aggregateReports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qos_aggregator_reports_total",
			Help: "Load reports sent to the coordinator by result.",
		}, []string{"client", "result"}),
	}

	for _, c := range []prometheus.Collector{m.allowedBytes, m.limitedBytes, m.allowedQueries, m.limitedQueries, m.aggregateReports} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering producer metrics: %w", err)
		}
	}
	return m, nil
}

// RegisterLimiter exposes the limiter's suppression factor as a gauge.
// Registering the same topic limiter twice fails.
func (m *PrometheusMetrics) RegisterLimiter(clientID string, l limiter.FactorLimiter) error {
	gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "qos_producer_suppression_factor",
		Help: "Current suppression factor of a topic limiter.",
		ConstLabels: prometheus.Labels{
			"topic":   l.Topic(),
			"client":  clientID,
			"limiter": l.Type().String(),
		},
	}, l.SuppressionFactor)
	return m.registerer.Register(gauge)
}

func (m *PrometheusMetrics) RecordAdmission(topic, clientID string, typ limiter.Type, bytes int64, allowed bool) {
	bytesCounter, queriesCounter := m.allowedBytes, m.allowedQueries
	if !allowed {
		bytesCounter, queriesCounter = m.limitedBytes, m.limitedQueries
	}
	labels := prometheus.Labels{"topic": topic, "client": clientID, "limiter": typ.String()}
	if bytes > 0 {
		bytesCounter.With(labels).Add(float64(bytes))
	}
	queriesCounter.With(labels).Inc()
}

func (m *PrometheusMetrics) RecordReport(clientID string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.aggregateReports.WithLabelValues(clientID, result).Inc()
}
