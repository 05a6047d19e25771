package qosbroker

import (
	"errors"
	"strings"
	"testing"

	"github.com/parkerroan/qosbroker/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Admissions(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)

	svc, _ := newTestService(t, &fakeCoordinator{},
		WithMetrics(metrics),
		WithLimiterFactory(func(topic string, typ limiter.Type) limiter.FactorLimiter {
			l := limiter.NewProbabilisticLimiter(topic, typ)
			if typ == limiter.QPS {
				l.UpdateSuppressionFactor(1)
			}
			return l
		}),
	)

	assert.False(t, svc.IsAllowed("orders", 100))
	assert.False(t, svc.IsAllowed("orders", 50))

	assert.Equal(t, 150.0, testutil.ToFloat64(metrics.allowedBytes.WithLabelValues("orders", "node-1", "throughput")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.allowedQueries.WithLabelValues("orders", "node-1", "throughput")))
	assert.Equal(t, 150.0, testutil.ToFloat64(metrics.limitedBytes.WithLabelValues("orders", "node-1", "qps")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.limitedQueries.WithLabelValues("orders", "node-1", "qps")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.limitedBytes.WithLabelValues("orders", "node-1", "throughput")))
}

func TestPrometheusMetrics_NegativeBytesAreNotCounted(t *testing.T) {
	metrics, err := NewPrometheusMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	require.NotPanics(t, func() {
		metrics.RecordAdmission("orders", "node-1", limiter.THROUGHPUT, -10, true)
	})
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.allowedBytes.WithLabelValues("orders", "node-1", "throughput")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.allowedQueries.WithLabelValues("orders", "node-1", "throughput")))
}

func TestPrometheusMetrics_SuppressionFactorGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)

	svc, _ := newTestService(t, &fakeCoordinator{}, WithMetrics(metrics))
	svc.UpdateSuppressionFactor("orders", 0.4)
	svc.UpdateSuppressionFactorFor("orders", limiter.QPS, 0.1)

	expected := `
# HELP qos_producer_suppression_factor Current suppression factor of a topic limiter.
# TYPE qos_producer_suppression_factor gauge
qos_producer_suppression_factor{client="node-1",limiter="qps",topic="orders"} 0.1
qos_producer_suppression_factor{client="node-1",limiter="throughput",topic="orders"} 0.4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "qos_producer_suppression_factor"))

	// the gauge of a topic limiter can only be registered once
	l := limiter.NewPeakAdaptiveLimiter("orders", limiter.THROUGHPUT)
	assert.Error(t, metrics.RegisterLimiter("node-1", l))

	count, err := testutil.GatherAndCount(reg, "qos_producer_suppression_factor")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPrometheusMetrics_Reports(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(reg)
	require.NoError(t, err)

	metrics.RecordReport("node-1", nil)
	metrics.RecordReport("node-1", nil)
	metrics.RecordReport("node-1", errors.New("timeout"))

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.aggregateReports.WithLabelValues("node-1", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.aggregateReports.WithLabelValues("node-1", "error")))

	_, err = NewPrometheusMetrics(reg)
	assert.Error(t, err, "collectors are already registered")
}
