// Command registry runs the Registry & RFP Coordinator: agent registration,
// RFP brokering, bid collection, winner assignment, and reputation.
package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/mbd888/agentmesh/internal/config"
	"github.com/mbd888/agentmesh/internal/health"
	"github.com/mbd888/agentmesh/internal/logging"
	"github.com/mbd888/agentmesh/internal/marketplace"
	"github.com/mbd888/agentmesh/internal/metrics"
	"github.com/mbd888/agentmesh/internal/registryapi"
	"github.com/mbd888/agentmesh/internal/traces"
)

func main() {
	cfg, err := config.LoadServerOnly()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "text")
	logger.Info("starting registry", "port", cfg.Port, "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	var store marketplace.Storage
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
		if err := db.PingContext(ctx); err != nil {
			logger.Error("failed to reach database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()

		pg := marketplace.NewPostgresStore(db, logger)
		pg.StartSweeper(ctx, marketplace.DefaultSweepInterval)
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
		store = pg
		logger.Info("using postgres store")
	} else {
		mem := marketplace.NewStore(logger)
		mem.StartSweeper(ctx, marketplace.DefaultSweepInterval)
		store = mem
		logger.Info("using in-memory store")
	}

	checks := health.NewRegistry()
	checks.Register("store", func(ctx context.Context) health.Status {
		if _, err := store.ListOpenRFPs(ctx, nil); err != nil {
			return health.Status{Name: "store", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "store", Healthy: true}
	})

	handler := registryapi.NewHandler(store, logger)
	if cfg.IsDevelopment() {
		handler.AllowPrivateEndpoints()
	}
	router := registryapi.NewRouter(handler, registryapi.RouterConfig{
		RateLimitRPM: cfg.RateLimitRPM,
		Logger:       logger,
		Health:       checks,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down registry")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
