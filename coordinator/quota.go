package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/redis/go-redis/v9"
)

// TopicLimits is the externally configured ceiling for a topic.
// A limit <= 0 means the dimension is not limited.
type TopicLimits struct {
	Throughput float64 // bytes per second
	QPS        float64 // queries per second
}

// QuotaSource provides topic quotas to the coordinator. Local limiters never read it.
type QuotaSource interface {
	Limits(ctx context.Context, topic string) (TopicLimits, error)
}

// ThroughputLimit returns the throughput quota of a topic in bytes per second.
func ThroughputLimit(ctx context.Context, quotas QuotaSource, topic string) (float64, error) {
	limits, err := quotas.Limits(ctx, topic)
	if err != nil {
		return 0, err
	}
	return limits.Throughput, nil
}

// StaticQuotas is an in-memory QuotaSource, useful for tests and single-tenant deployments.
type StaticQuotas struct {
	mu       sync.RWMutex
	defaults TopicLimits
	topics   map[string]TopicLimits
}

func NewStaticQuotas(defaults TopicLimits) *StaticQuotas {
	return &StaticQuotas{
		defaults: defaults,
		topics:   make(map[string]TopicLimits),
	}
}

// Set overrides the limits of a topic.
func (s *StaticQuotas) Set(topic string, limits TopicLimits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = limits
}

func (s *StaticQuotas) Limits(_ context.Context, topic string) (TopicLimits, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limits, ok := s.topics[topic]; ok {
		return limits, nil
	}
	return s.defaults, nil
}

// RedisQuotas reads topic quotas from Redis hashes named <prefix><topic>
// with the fields "throughput" (bytes/s) and "qps".
type RedisQuotas struct {
	client   *redis.Client
	prefix   string
	defaults TopicLimits
}

// NewRedisQuotas creates a RedisQuotas. Topics without a hash get the defaults.
func NewRedisQuotas(rdb *redis.Client, prefix string, defaults TopicLimits) *RedisQuotas {
	return &RedisQuotas{
		client:   rdb,
		prefix:   prefix,
		defaults: defaults,
	}
}

func (r *RedisQuotas) Limits(ctx context.Context, topic string) (TopicLimits, error) {
	vals, err := r.client.HMGet(ctx, r.prefix+topic, "throughput", "qps").Result()
	if err != nil {
		return TopicLimits{}, fmt.Errorf("loading quota for topic %q: %w", topic, err)
	}

	limits := r.defaults
	if limits.Throughput, err = parseLimit(vals[0], r.defaults.Throughput); err != nil {
		return TopicLimits{}, fmt.Errorf("topic %q throughput: %w", topic, err)
	}
	if limits.QPS, err = parseLimit(vals[1], r.defaults.QPS); err != nil {
		return TopicLimits{}, fmt.Errorf("topic %q qps: %w", topic, err)
	}
	return limits, nil
}

// SetLimits writes the quota of a topic.
func (r *RedisQuotas) SetLimits(ctx context.Context, topic string, limits TopicLimits) error {
	return r.client.HSet(ctx, r.prefix+topic, "throughput", limits.Throughput, "qps", limits.QPS).Err()
}

func parseLimit(v interface{}, fallback float64) (float64, error) {
	if v == nil {
		return fallback, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
	return strconv.ParseFloat(s, 64)
}

// CachedQuotas keeps quotas from another QuotaSource in memory for a TTL.
type CachedQuotas struct {
	source QuotaSource
	cache  *ristretto.Cache
	ttl    time.Duration
}

// NewCachedQuotas wraps source with a cache holding up to maxTopics entries.
func NewCachedQuotas(source QuotaSource, maxTopics int64, ttl time.Duration) (*CachedQuotas, error) {
	if maxTopics <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxTopics * 10,
		MaxCost:     maxTopics,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating quota cache: %w", err)
	}
	return &CachedQuotas{
		source: source,
		cache:  cache,
		ttl:    ttl,
	}, nil
}

func (c *CachedQuotas) Limits(ctx context.Context, topic string) (TopicLimits, error) {
	if v, ok := c.cache.Get(topic); ok {
		return v.(TopicLimits), nil
	}
	limits, err := c.source.Limits(ctx, topic)
	if err != nil {
		return TopicLimits{}, err
	}
	c.cache.SetWithTTL(topic, limits, 1, c.ttl)
	return limits, nil
}

// Wait blocks until pending cache writes are visible.
func (c *CachedQuotas) Wait() {
	c.cache.Wait()
}

func (c *CachedQuotas) Close() {
	c.cache.Close()
}
