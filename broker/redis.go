package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/semaphore"
)

const (
	fieldReport  = "report"
	fieldReplyTo = "reply_to"
)

// ErrNoReply is returned when the coordinator did not answer before the deadline.
var ErrNoReply = errors.New("no reply from coordinator")

// Option configures the Redis transport on either side.
type Option func(*redisConfig)

type redisConfig struct {
	stream       string
	replyPrefix  string
	replyTTL     time.Duration
	replyTimeout time.Duration
	blockTimeout time.Duration
	maxStreamLen int64
	maxThreads   int64
}

func newRedisConfig(opts []Option) redisConfig {
	cfg := redisConfig{
		stream:       "qosbroker:reports",
		replyPrefix:  "qosbroker:reply:",
		replyTTL:     30 * time.Second,
		replyTimeout: 5 * time.Second,
		blockTimeout: time.Second,
		maxThreads:   100,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithStream sets the Redis stream reports are written to.
// default: "qosbroker:reports"
func WithStream(stream string) Option {
	return func(c *redisConfig) {
		c.stream = stream
	}
}

// WithReplyTTL sets how long an unread reply is kept in Redis.
func WithReplyTTL(ttl time.Duration) Option {
	return func(c *redisConfig) {
		c.replyTTL = ttl
	}
}

// WithReplyTimeout bounds the wait for a reply when the caller's context has no deadline.
func WithReplyTimeout(timeout time.Duration) Option {
	return func(c *redisConfig) {
		c.replyTimeout = timeout
	}
}

// WithCappedStream sets the Redis stream max length.
func WithCappedStream(maxLen int64) Option {
	return func(c *redisConfig) {
		c.maxStreamLen = maxLen
	}
}

// WithMaxThreads sets the maximum number of reports the server handles concurrently.
func WithMaxThreads(maxThreads int) Option {
	return func(c *redisConfig) {
		c.maxThreads = int64(maxThreads)
	}
}

type reply struct {
	Data  SuppressionData `json:"data"`
	Error string          `json:"error,omitempty"`
}

// RedisCoordinator is an implementation of the Coordinator interface used by publishing nodes.
// Reports are appended to a Redis stream and the answer is read from a per-report list.
type RedisCoordinator struct {
	client *redis.Client
	cfg    redisConfig
}

var _ Coordinator = (*RedisCoordinator)(nil)

func NewRedisCoordinator(rdb *redis.Client, opts ...Option) *RedisCoordinator {
	return &RedisCoordinator{
		client: rdb,
		cfg:    newRedisConfig(opts),
	}
}

// AddTrafficData publishes the report and blocks until the coordinator replies or ctx expires.
func (r *RedisCoordinator) AddTrafficData(ctx context.Context, report LoadReport) (SuppressionData, error) {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return SuppressionData{}, fmt.Errorf("encoding report: %w", err)
	}
	replyKey := r.cfg.replyPrefix + report.ID.String()

	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.stream,
		Values: map[string]interface{}{
			fieldReport:  payload,
			fieldReplyTo: replyKey,
		},
		MaxLen: r.cfg.maxStreamLen,
		Approx: true,
	}).Err()
	if err != nil {
		return SuppressionData{}, fmt.Errorf("publishing report: %w", err)
	}

	wait := r.cfg.replyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait <= 0 {
		return SuppressionData{}, ErrNoReply
	}

	res, err := r.client.BLPop(ctx, wait, replyKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SuppressionData{}, ErrNoReply
		}
		return SuppressionData{}, fmt.Errorf("waiting for reply: %w", err)
	}

	// BLPOP answers [key, value]
	var rep reply
	if err := json.Unmarshal([]byte(res[1]), &rep); err != nil {
		return SuppressionData{}, fmt.Errorf("decoding reply: %w", err)
	}
	if rep.Error != "" {
		return SuppressionData{}, fmt.Errorf("coordinator: %s", rep.Error)
	}
	if rep.Data.Factors == nil {
		rep.Data.Factors = make(map[string]SuppressionFactor)
	}
	return rep.Data, nil
}

// CoordinatorServer consumes reports from the Redis stream, hands them to a Coordinator
// and writes each answer back to the reply list named in the report.
type CoordinatorServer struct {
	client      *redis.Client
	coordinator Coordinator
	cfg         redisConfig

	backoff *backoff.Backoff
	sem     *semaphore.Weighted
}

func NewCoordinatorServer(rdb *redis.Client, coordinator Coordinator, opts ...Option) *CoordinatorServer {
	cfg := newRedisConfig(opts)
	return &CoordinatorServer{
		client:      rdb,
		coordinator: coordinator,
		cfg:         cfg,
		backoff: &backoff.Backoff{
			Min:    100 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		sem: semaphore.NewWeighted(cfg.maxThreads),
	}
}

// Serve reads new reports until ctx is cancelled. Only reports written after Serve starts are read.
// It returns once the reports already being handled have been answered.
func (s *CoordinatorServer) Serve(ctx context.Context) error {
	lastMessageID := "$"

	for {
		if ctx.Err() != nil {
			s.wait()
			if errors.Is(ctx.Err(), context.Canceled) {
				slog.Info("Context was cancelled, stopping coordinator server")
				return nil
			}
			return ctx.Err()
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.cfg.stream, lastMessageID},
			Count:   100,
			Block:   s.cfg.blockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			slog.Error("Error reading reports from stream", slog.Any("error", err))
			time.Sleep(s.backoff.Duration())
			continue
		}
		s.backoff.Reset()

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastMessageID = msg.ID
				if err := s.sem.Acquire(ctx, 1); err != nil {
					// only fails once ctx is done
					continue
				}
				go func(msg redis.XMessage) {
					defer s.sem.Release(1)
					s.handle(ctx, msg)
				}(msg)
			}
		}
	}
}

// wait blocks until every in-flight handler has released its slot.
func (s *CoordinatorServer) wait() {
	_ = s.sem.Acquire(context.Background(), s.cfg.maxThreads)
	s.sem.Release(s.cfg.maxThreads)
}

// handle answers one report. The node is waiting for the reply, so a report that was read before
// shutdown is still answered; the work is bounded by the reply timeout instead.
func (s *CoordinatorServer) handle(ctx context.Context, msg redis.XMessage) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.replyTimeout)
	defer cancel()

	replyKey, _ := msg.Values[fieldReplyTo].(string)
	raw, _ := msg.Values[fieldReport].(string)
	if replyKey == "" {
		slog.Warn("Dropping report without reply key", slog.String("id", msg.ID))
		return
	}

	var rep reply
	var report LoadReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		rep.Error = fmt.Sprintf("decoding report: %v", err)
	} else {
		data, err := s.coordinator.AddTrafficData(ctx, report)
		if err != nil {
			rep.Error = err.Error()
		} else {
			rep.Data = data
		}
	}

	payload, err := json.Marshal(rep)
	if err != nil {
		slog.Error("Error encoding reply", slog.Any("error", err))
		return
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, replyKey, payload)
	pipe.Expire(ctx, replyKey, s.cfg.replyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.Error("Error writing reply", slog.Any("error", err), slog.String("reply_to", replyKey))
	}
}
