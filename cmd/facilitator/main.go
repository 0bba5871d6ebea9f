// Command facilitator runs the payment facilitator: the one process in the
// marketplace that holds a signing key. It countersigns consumer-built
// transfers as fee-payer, broadcasts them, and answers on-chain verification
// queries from providers.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmesh/internal/config"
	"github.com/mbd888/agentmesh/internal/facilitator"
	"github.com/mbd888/agentmesh/internal/logging"
	"github.com/mbd888/agentmesh/internal/metrics"
	"github.com/mbd888/agentmesh/internal/security"
	"github.com/mbd888/agentmesh/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "text")

	w, err := wallet.New(wallet.Config{
		RPCURL:       cfg.RPCURL,
		PrivateKey:   cfg.PrivateKey,
		ChainID:      cfg.ChainID,
		USDCContract: cfg.USDCContract,
	})
	if err != nil {
		logger.Error("failed to initialize wallet", "error", err)
		os.Exit(1)
	}
	defer func() { _ = w.Close() }()

	logger.Info("starting facilitator", "port", cfg.Port, "fee_payer", w.Address(), "chain_id", cfg.ChainID)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.HeadersMiddleware())
	router.Use(metrics.Middleware())
	router.GET("/metrics", metrics.Handler())

	svc := facilitator.NewService(w, networkName(cfg.ChainID), logger)
	svc.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down facilitator")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func networkName(chainID int64) string {
	switch chainID {
	case 8453:
		return "base"
	case 84532:
		return "base-sepolia"
	default:
		return "evm"
	}
}
