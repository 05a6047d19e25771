package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-redis/redis_rate/v10"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/parkerroan/qosbroker"
	"github.com/parkerroan/qosbroker/broker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Port           int           `envconfig:"SERVER_PORT" default:"8080"`
	RedisURL       string        `envconfig:"REDIS_URL" default:"localhost:6379"`
	Stream         string        `envconfig:"REPORT_STREAM" default:"qosbroker:reports"`
	ClientID       string        `envconfig:"CLIENT_ID"` // defaults to the hostname
	ReportInterval time.Duration `envconfig:"REPORT_INTERVAL" default:"1s"`
	ReportTimeout  time.Duration `envconfig:"REPORT_TIMEOUT" default:"800ms"`
	DefaultClosed  bool          `envconfig:"DEFAULT_CLOSED" default:"false"`
	NTPServer      string        `envconfig:"NTP_SERVER" default:"pool.ntp.org"` // empty disables the check
	ProducerRPS    int           `envconfig:"PRODUCER_RPS" default:"0"`         // per producer hard cap, 0 disables it
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	// Load .env file from given path. We're assuming it's in the current directory.
	loadEnvFile()

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if cfg.ClientID == "" {
		if cfg.ClientID, err = os.Hostname(); err != nil {
			log.Fatalf("Error resolving client id: %v", err)
		}
	}
	setupLogger(cfg.LogLevel)
	checkClockOffset(cfg.NTPServer, cfg.ReportInterval)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL, // "localhost:6379"
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := qosbroker.NewPrometheusMetrics(reg)
	if err != nil {
		log.Fatalf("Error registering metrics: %v", err)
	}

	opts := []qosbroker.Option{
		qosbroker.WithClientID(cfg.ClientID),
		qosbroker.WithReportInterval(cfg.ReportInterval),
		qosbroker.WithReportTimeout(cfg.ReportTimeout),
		qosbroker.WithMetrics(metrics),
		qosbroker.WithLogger(slog.Default().With(slog.String("client", cfg.ClientID))),
	}
	if cfg.DefaultClosed {
		opts = append(opts, qosbroker.WithDefaultClosed())
	}
	svc, err := qosbroker.NewRateLimiterService(
		broker.NewRedisCoordinator(rdb, broker.WithStream(cfg.Stream), broker.WithReplyTimeout(cfg.ReportTimeout)),
		opts...,
	)
	if err != nil {
		log.Fatalf("Error creating rate limiter service: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("Error starting rate limiter service: %v", err)
	}

	// Create a new router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	produce := r.PathPrefix("/topics/{topic}").Subrouter()

	// Add the logging middleware first.
	produce.Use(LoggingMiddleware)
	if cfg.ProducerRPS > 0 {
		produce.Use(RedisRateLimitMiddleware(redis_rate.NewLimiter(rdb), redis_rate.PerSecond(cfg.ProducerRPS)))
	}
	produce.Use(qosbroker.HTTPMiddleware(svc, func(r *http.Request) string {
		return mux.Vars(r)["topic"]
	}))
	produce.HandleFunc("/produce", func(w http.ResponseWriter, r *http.Request) {
		// The message would be handed to the topic's storage here.
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("Serving produce requests", slog.Int("port", cfg.Port), slog.String("client", cfg.ClientID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return multierr.Combine(server.Shutdown(shutdownCtx), svc.Stop(shutdownCtx))
	})

	if err := g.Wait(); err != nil {
		slog.Error("Error running node", slog.Any("error", err))
		os.Exit(1)
	}
}

// checkClockOffset warns when the local clock drifts enough to skew the report windows.
func checkClockOffset(server string, interval time.Duration) {
	if server == "" {
		return
	}
	resp, err := ntp.Query(server)
	if err != nil {
		slog.Warn("Could not query NTP server", slog.String("server", server), slog.Any("error", err))
		return
	}
	offset := resp.ClockOffset
	if offset < 0 {
		offset = -offset
	}
	if offset > interval/2 {
		slog.Warn("Local clock is off by more than half a report interval",
			slog.Duration("offset", resp.ClockOffset),
			slog.Duration("interval", interval),
		)
	}
}

func setupLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		log.Fatalf("Error parsing log level %q: %v", level, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code and writes it to the response.
func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Create a new status recorder.
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK, // Default to 200 OK if WriteHeader is not called.
		}

		// Continue to the next middleware or handler.
		next.ServeHTTP(recorder, r)

		slog.Debug("Handled request",
			slog.String("method", r.Method),
			slog.String("path", r.RequestURI),
			slog.Int("status", recorder.statusCode),
			slog.Int64("bytes", r.ContentLength),
			slog.String("remote_addr", r.RemoteAddr),
		)
	})
}

// RedisRateLimitMiddleware caps every producer at limit before the topic's QoS is consulted.
func RedisRateLimitMiddleware(limiter *redis_rate.Limiter, limit redis_rate.Limit) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			producer := r.Header.Get("X-Producer-ID")
			if producer == "" {
				producer = r.RemoteAddr
			}

			res, err := limiter.Allow(r.Context(), "producer:"+producer, limit)
			if err != nil {
				// Redis is down: let the topic QoS decide alone.
				slog.Error("Error checking producer rate limit", slog.Any("error", err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("RateLimit-Remaining", strconv.Itoa(res.Remaining))

			if res.Allowed == 0 {
				seconds := int(res.RetryAfter / time.Second)
				h.Set("RateLimit-RetryAfter", strconv.Itoa(seconds))
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}

			// Continue to the next middleware or handler.
			next.ServeHTTP(w, r)
		})
	}
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
