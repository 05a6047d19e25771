package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quotaYAML = `
default:
  throughput: 100
topics:
  orders:
    throughput: 2048
    qps: 50
`

func writeQuotaFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestFileQuotas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotas.yaml")
	writeQuotaFile(t, path, quotaYAML)

	quotas, err := NewFileQuotas(path)
	require.NoError(t, err)

	ctx := context.Background()
	limits, err := quotas.Limits(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, TopicLimits{Throughput: 2048, QPS: 50}, limits)

	limits, err = quotas.Limits(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, TopicLimits{Throughput: 100}, limits)

	// a broken file keeps the previous quotas
	writeQuotaFile(t, path, "topics: [")
	assert.Error(t, quotas.Reload())
	limits, err = quotas.Limits(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, TopicLimits{Throughput: 2048, QPS: 50}, limits)
}

func TestNewFileQuotas_MissingFile(t *testing.T) {
	_, err := NewFileQuotas(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFileQuotas_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotas.yaml")
	writeQuotaFile(t, path, quotaYAML)

	quotas, err := NewFileQuotas(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- quotas.Watch(ctx) }()

	assert.Eventually(t, func() bool {
		// rewrite until the watcher is up and has seen it
		if err := os.WriteFile(path, []byte("topics:\n  orders:\n    throughput: 4096\n"), 0o600); err != nil {
			return false
		}
		limits, err := quotas.Limits(context.Background(), "orders")
		return err == nil && limits.Throughput == 4096
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
