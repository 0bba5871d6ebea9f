// Package metrics provides Prometheus instrumentation for the marketplace platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmesh",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentmesh",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RFPsPublishedTotal counts RFPs created on the registry.
	RFPsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Name:      "rfps_published_total",
		Help:      "Total RFPs published.",
	})

	// RFPsExpiredTotal counts RFPs swept into the expired state.
	RFPsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Name:      "rfps_expired_total",
		Help:      "Total RFPs auto-expired by the sweeper.",
	})

	// BidsSubmittedTotal counts bid submissions by outcome ("accepted" or the
	// rejection reason).
	BidsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmesh",
			Name:      "bids_submitted_total",
			Help:      "Total bid submissions by outcome.",
		},
		[]string{"outcome"},
	)

	// AssignmentsTotal counts assignment status changes (creation and
	// delivery) by the status reached.
	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmesh",
			Name:      "assignments_total",
			Help:      "Total assignment status changes by status reached.",
		},
		[]string{"status"},
	)

	// RatingsRecordedTotal counts ratings recorded.
	RatingsRecordedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Name:      "ratings_recorded_total",
		Help:      "Total ratings recorded.",
	})

	// X402ChallengesTotal counts 402 challenges issued by a provider.
	X402ChallengesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Name:      "x402_challenges_total",
		Help:      "Total x402 payment challenges issued.",
	})

	// X402SettlementsTotal counts facilitator settle outcomes.
	X402SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentmesh",
			Name:      "x402_settlements_total",
			Help:      "Total facilitator settlement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// X402ReplayRejectedTotal counts signatures rejected as replays.
	X402ReplayRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentmesh",
		Name:      "x402_replay_rejected_total",
		Help:      "Total deliver requests rejected as signature replays.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentmesh", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentmesh", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentmesh", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentmesh", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RFPsPublishedTotal,
		RFPsExpiredTotal,
		BidsSubmittedTotal,
		AssignmentsTotal,
		RatingsRecordedTotal,
		X402ChallengesTotal,
		X402SettlementsTotal,
		X402ReplayRejectedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path — avoids cardinality explosion
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
