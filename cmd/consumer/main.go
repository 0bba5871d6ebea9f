// Command consumer runs one procurement: broadcast an RFP, collect bids,
// pick a winner, settle payment through the facilitator, fetch the service,
// and rate the provider. The discriminated result is printed as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mbd888/agentmesh/internal/config"
	"github.com/mbd888/agentmesh/internal/consumer"
	"github.com/mbd888/agentmesh/internal/evaluator"
	"github.com/mbd888/agentmesh/internal/logging"
	"github.com/mbd888/agentmesh/internal/registryclient"
	"github.com/mbd888/agentmesh/internal/txbuilder"
	"github.com/mbd888/agentmesh/pkg/x402"
)

func main() {
	taskType := flag.String("task-type", "price_data", "task type to request")
	budget := flag.String("max-budget", "", "maximum budget in USDC (defaults to MAX_PAYMENT_USDC)")
	symbol := flag.String("symbol", "SOL/USDC", "symbol requirement passed to bidders")
	bidWindow := flag.Duration("bid-window", 0, "bidding window (defaults to BID_WINDOW_SECONDS)")
	flag.Parse()

	cfg, err := config.LoadServerOnly()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "text")

	maxBudget := *budget
	if maxBudget == "" {
		maxBudget = cfg.MaxPaymentUSDC
	}
	window := *bidWindow
	if window <= 0 {
		window = time.Duration(cfg.BidWindowSeconds) * time.Second
	}

	builder, err := txbuilder.New(txbuilder.Config{
		RPCURL:    cfg.RPCURL,
		ChainID:   cfg.ChainID,
		TokenMint: cfg.USDCContract,
	})
	if err != nil {
		logger.Error("failed to initialize transaction builder", "error", err)
		os.Exit(1)
	}

	agentID := os.Getenv("AGENT_ID")
	if agentID == "" {
		agentID = "consumer-1"
	}

	loop := consumer.New(consumer.Config{
		AgentID:       agentID,
		WalletAddress: cfg.WalletAddr,
		BidWindow:     window,
	}, registryclient.New(cfg.RegistryURL), x402.NewClient(builder), evaluator.NewWeighted(), logger)

	result := loop.Execute(context.Background(), consumer.Request{
		TaskType:      *taskType,
		Requirements:  map[string]interface{}{"symbol": *symbol},
		MaxBudgetUSDC: maxBudget,
	})

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))

	if !result.OK {
		os.Exit(1)
	}
}
