package registryapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmesh/internal/health"
	"github.com/mbd888/agentmesh/internal/idgen"
	"github.com/mbd888/agentmesh/internal/logging"
	"github.com/mbd888/agentmesh/internal/metrics"
	"github.com/mbd888/agentmesh/internal/ratelimit"
	"github.com/mbd888/agentmesh/internal/security"
	"github.com/mbd888/agentmesh/internal/validation"
)

// RouterConfig bundles the middleware knobs for NewRouter.
type RouterConfig struct {
	RateLimitRPM int
	Logger       *slog.Logger
	Health       *health.Registry
}

// NewRouter assembles the registry's gin engine: security headers, request
// sizing, request-id logging, metrics, per-client rate limiting, the API
// routes, and the health/metrics endpoints.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(security.HeadersMiddleware())
	r.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	r.Use(requestIDMiddleware(logger))
	r.Use(metrics.Middleware())

	if cfg.RateLimitRPM > 0 {
		rlCfg := ratelimit.DefaultConfig()
		rlCfg.RequestsPerMinute = cfg.RateLimitRPM
		r.Use(ratelimit.MiddlewareWithConfig(rlCfg))
	}

	RegisterRoutes(r, h)

	r.GET("/health/ready", func(c *gin.Context) {
		if cfg.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		healthy, statuses := cfg.Health.CheckAll(c.Request.Context())
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"healthy": healthy, "checks": statuses})
	})

	return r
}

// RegisterRoutes mounts the registry API endpoints on an existing router
// group, so tests can drive a bare engine without middleware.
func RegisterRoutes(r gin.IRouter, h *Handler) {
	agents := r.Group("/agents")
	{
		agents.POST("/register", h.RegisterAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:id", h.GetAgent)
		agents.POST("/:id/subscribe", h.Subscribe)
		agents.POST("/:id/rate", h.Rate)
		agents.GET("/:id/reputation", h.GetReputation)
	}

	rfp := r.Group("/rfp")
	{
		rfp.POST("/create", h.CreateRFP)
		rfp.GET("/open", h.ListOpenRFPs)
		rfp.GET("/stream", h.StreamRFPs)
		rfp.GET("/:id", h.GetRFP)
		rfp.POST("/:id/bid", h.SubmitBid)
		rfp.GET("/:id/bids", h.ListBids)
		rfp.POST("/:id/select", h.SelectWinner)
		rfp.POST("/:id/cancel", h.CancelRFP)
	}

	assignments := r.Group("/assignments")
	{
		assignments.GET("/:id", h.GetAssignment)
		assignments.POST("/:id/delivery", h.RecordDelivery)
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", metrics.Handler())
}

// requestIDMiddleware threads a request id through the context logger, so
// every handler log line carries it.
func requestIDMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
