package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/parkerroan/qosbroker/broker"
	"github.com/parkerroan/qosbroker/coordinator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Port              int           `envconfig:"SERVER_PORT" default:"9090"`
	RedisURL          string        `envconfig:"REDIS_URL" default:"localhost:6379"`
	Stream            string        `envconfig:"REPORT_STREAM" default:"qosbroker:reports"`
	MaxStreamLen      int64         `envconfig:"MAX_STREAM_LEN" default:"100000"`
	MaxThreads        int           `envconfig:"MAX_THREADS" default:"100"`
	ReportInterval    time.Duration `envconfig:"REPORT_INTERVAL" default:"1s"`
	HistorySlots      int           `envconfig:"HISTORY_SLOTS" default:"5"`
	MaxMissedUpdates  int           `envconfig:"MAX_MISSED_UPDATES" default:"2"`
	GCSchedule        string        `envconfig:"GC_SCHEDULE" default:"@every 1m"` // cron syntax
	QuotaFile         string        `envconfig:"QUOTA_FILE"`                      // YAML quotas, replaces the Redis quota hashes
	QuotaPrefix       string        `envconfig:"QUOTA_PREFIX" default:"qosbroker:quota:"`
	DefaultThroughput float64       `envconfig:"DEFAULT_THROUGHPUT" default:"0"` // bytes/s, 0 is unlimited
	DefaultQPS        float64       `envconfig:"DEFAULT_QPS" default:"0"`
	QuotaCacheSize    int64         `envconfig:"QUOTA_CACHE_SIZE" default:"10000"`
	QuotaCacheTTL     time.Duration `envconfig:"QUOTA_CACHE_TTL" default:"30s"`
}

var (
	trackedTopics = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qos_coordinator_topics",
		Help: "Topics with at least one reporting client.",
	})
	trackedClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "qos_coordinator_clients",
		Help: "Client histories across all topics.",
	})
)

func main() {
	// Load .env file from given path. We're assuming it's in the current directory.
	loadEnvFile()

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL, // "localhost:6379"
	})

	redisQuotas := coordinator.NewRedisQuotas(rdb, cfg.QuotaPrefix, coordinator.TopicLimits{
		Throughput: cfg.DefaultThroughput,
		QPS:        cfg.DefaultQPS,
	})
	var source coordinator.QuotaSource = redisQuotas
	var fileQuotas *coordinator.FileQuotas
	if cfg.QuotaFile != "" {
		if fileQuotas, err = coordinator.NewFileQuotas(cfg.QuotaFile); err != nil {
			log.Fatalf("Error loading quota file: %v", err)
		}
		source = fileQuotas
	}
	quotas, err := coordinator.NewCachedQuotas(source, cfg.QuotaCacheSize, cfg.QuotaCacheTTL)
	if err != nil {
		log.Fatalf("Error creating quota cache: %v", err)
	}
	defer quotas.Close()

	manager, err := coordinator.NewSuppressionManager(quotas, cfg.ReportInterval,
		coordinator.WithHistorySlots(cfg.HistorySlots),
		coordinator.WithMaxMissedUpdates(cfg.MaxMissedUpdates),
	)
	if err != nil {
		log.Fatalf("Error creating suppression manager: %v", err)
	}

	server := broker.NewCoordinatorServer(rdb, manager,
		broker.WithStream(cfg.Stream),
		broker.WithCappedStream(cfg.MaxStreamLen),
		broker.WithMaxThreads(cfg.MaxThreads),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(trackedTopics, trackedClients)

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.HandleFunc("/topics/{topic}/quota", getQuota(source)).Methods(http.MethodGet)
	r.HandleFunc("/topics/{topic}/quota", putQuota(redisQuotas, fileQuotas != nil)).Methods(http.MethodPut)

	admin := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Consuming load reports", slog.String("stream", cfg.Stream))
		return server.Serve(ctx)
	})
	if fileQuotas != nil {
		g.Go(func() error {
			return fileQuotas.Watch(ctx)
		})
	}

	gc := cron.New()
	if _, err := gc.AddFunc(cfg.GCSchedule, func() { collect(manager) }); err != nil {
		log.Fatalf("Invalid GC schedule %q: %v", cfg.GCSchedule, err)
	}
	gc.Start()
	defer func() { <-gc.Stop().Done() }()
	g.Go(func() error {
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return admin.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Error running coordinator", slog.Any("error", err))
		os.Exit(1)
	}
}

// collect drops clients that stopped reporting and exports what is left.
func collect(manager *coordinator.SuppressionManager) {
	m := manager.GC()
	trackedTopics.Set(float64(m.Topics))
	trackedClients.Set(float64(m.Clients))
	slog.Debug("Collected idle client histories",
		slog.Int("topics", m.Topics),
		slog.Int("clients", m.Clients),
		slog.Int("removed_topics", m.RemovedTopics),
		slog.Int("removed_clients", m.RemovedClients),
	)
}

// getQuota answers the quota the coordinator enforces, from whichever source is configured.
func getQuota(quotas coordinator.QuotaSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limits, err := quotas.Limits(r.Context(), mux.Vars(r)["topic"])
		if err != nil {
			slog.Error("Error loading quota", slog.Any("error", err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(quotaBody{Throughput: limits.Throughput, QPS: limits.QPS})
	}
}

// putQuota stores a topic quota. Coordinators pick it up once their cached copy expires.
// When quotas are served from a file the file is the only source and writes are refused.
func putQuota(quotas *coordinator.RedisQuotas, fromFile bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fromFile {
			http.Error(w, "quotas are read from QUOTA_FILE, edit the file instead", http.StatusConflict)
			return
		}
		var body quotaBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		topic := mux.Vars(r)["topic"]
		if err := quotas.SetLimits(r.Context(), topic, coordinator.TopicLimits{Throughput: body.Throughput, QPS: body.QPS}); err != nil {
			slog.Error("Error storing quota", slog.String("topic", topic), slog.Any("error", err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type quotaBody struct {
	Throughput float64 `json:"throughput"` // bytes per second
	QPS        float64 `json:"qps"`
}

func loadEnvFile() {
	if _, err := os.Stat(".env"); err == nil {
		// The file exists, now let's try to load it
		if err := godotenv.Load(); err != nil {
			// The file couldn't be loaded, log the error
			log.Fatalf("Error loading .env file: %s", err)
		}
	} else if !os.IsNotExist(err) {
		// There's an error other than "file does not exist", let's log it
		slog.Warn(fmt.Sprintf("Unexpected error looking for .env file: %s", err))
	}
}
