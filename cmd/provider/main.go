// Command provider runs a data-provider agent: it registers itself with the
// registry, subscribes to its capabilities, polls for matching RFPs and bids
// on them, and serves a payment-gated /deliver endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmesh/internal/config"
	"github.com/mbd888/agentmesh/internal/logging"
	"github.com/mbd888/agentmesh/internal/marketplace"
	"github.com/mbd888/agentmesh/internal/metrics"
	"github.com/mbd888/agentmesh/internal/provider"
	"github.com/mbd888/agentmesh/internal/registryclient"
	"github.com/mbd888/agentmesh/internal/security"
)

func main() {
	cfg, err := config.LoadServerOnly()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "text")

	agentID := envOr("AGENT_ID", "provider-1")
	agentName := envOr("AGENT_NAME", agentID)
	capabilities := splitCSV(envOr("CAPABILITIES", "price_data"))
	pricing := parsePricing(envOr("PRICING", "price_data=0.000100"))
	endpointURL := cfg.ProviderURL
	if endpointURL == "" {
		endpointURL = "http://localhost:" + cfg.Port
	}

	providerCfg := provider.Config{
		AgentID:        agentID,
		Name:           agentName,
		WalletAddress:  cfg.WalletAddr,
		EndpointURL:    endpointURL,
		Capabilities:   capabilities,
		Pricing:        pricing,
		Network:        envOr("NETWORK", "base-sepolia"),
		TokenMint:      cfg.USDCContract,
		FacilitatorURL: cfg.FacilitatorURL,
	}

	prov := provider.New(providerCfg, priceDataHandler(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prov.StartReplaySweeper(ctx, time.Minute)

	registry := registryclient.New(cfg.RegistryURL)
	if err := registerSelf(ctx, registry, providerCfg); err != nil {
		logger.Error("failed to register with registry", "error", err)
		os.Exit(1)
	}
	logger.Info("registered with registry", "agent_id", agentID, "endpoint", endpointURL)

	poller := provider.NewPoller(providerCfg, registryclient.New(cfg.RegistryURL, registryclient.WithTimeout(5*time.Second)), nil, cfg.PollInterval, logger)
	go poller.Run(ctx)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(security.HeadersMiddleware())
	router.Use(metrics.Middleware())
	router.GET("/metrics", metrics.Handler())
	prov.RegisterRoutes(router)

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

	logger.Info("provider serving", "port", cfg.Port, "capabilities", capabilities)
	<-ctx.Done()
	logger.Info("shutting down provider")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// registerSelf registers the agent and subscribes it to each capability.
func registerSelf(ctx context.Context, registry *registryclient.Client, cfg provider.Config) error {
	_, err := registry.RegisterAgent(ctx, &marketplace.Agent{
		AgentID:       cfg.AgentID,
		Name:          cfg.Name,
		AgentType:     marketplace.AgentTypeDataProvider,
		EndpointURL:   cfg.EndpointURL,
		WalletAddress: cfg.WalletAddress,
		Capabilities:  cfg.Capabilities,
		Pricing:       cfg.Pricing,
	})
	if err != nil {
		return err
	}
	for _, capability := range cfg.Capabilities {
		if err := registry.Subscribe(ctx, cfg.AgentID, capability); err != nil {
			return err
		}
	}
	return nil
}

// priceDataHandler is the built-in demo service: a static quote echoing the
// requested symbol. Real deployments plug their own ServiceHandler here.
func priceDataHandler() provider.ServiceHandler {
	return provider.ServiceHandlerFunc(func(_ context.Context, payload []byte) (interface{}, error) {
		var req struct {
			Requirements map[string]interface{} `json:"requirements"`
		}
		_ = json.Unmarshal(payload, &req)
		symbol := "SOL/USDC"
		if s, ok := req.Requirements["symbol"].(string); ok && s != "" {
			symbol = s
		}
		return map[string]interface{}{
			"symbol":    symbol,
			"price":     "147.25",
			"source":    "demo-feed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}, nil
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitCSV(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parsePricing parses "cap=price,cap=price" pairs.
func parsePricing(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		if k, v, ok := strings.Cut(strings.TrimSpace(pair), "="); ok {
			out[k] = v
		}
	}
	return out
}
