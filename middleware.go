package qosbroker

import (
	"net/http"
	"strconv"
	"time"

	"github.com/parkerroan/qosbroker/limiter"
	"golang.org/x/exp/slog"
	"golang.org/x/time/rate"
)

// HTTPMiddleware creates a new middleware function for admission control on produce requests.
// topicGetter extracts the topic from the request; requests without a topic pass through.
// The request's ContentLength is counted as its usage. This function is compatible with both
// standard net/http and mux handlers.
func HTTPMiddleware(svc *RateLimiterService, topicGetter func(r *http.Request) string) func(next http.Handler) http.Handler {
	// one rejection log per second is enough to spot a suppressed topic
	logRejection := rate.Sometimes{Interval: time.Second}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			topic := topicGetter(r)
			if topic == "" {
				next.ServeHTTP(w, r)
				return
			}

			usage := r.ContentLength
			if usage < 0 {
				usage = 0
			}

			if !svc.IsAllowed(topic, usage) {
				factor, _ := svc.SuppressionFactor(topic, limiter.THROUGHPUT)
				logRejection.Do(func() {
					slog.Info("Rate limited produce request",
						slog.String("topic", topic),
						slog.Int64("bytes", usage),
						slog.Float64("suppression_factor", factor),
					)
				})
				w.Header().Add("X-Suppression-Factor", strconv.FormatFloat(factor, 'f', 3, 64))
				w.Header().Add("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}

			// Proceed to the next handler if not rate-limited
			next.ServeHTTP(w, r)
		})
	}
}
