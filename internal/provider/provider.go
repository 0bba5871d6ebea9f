// Package provider implements a provider agent's long-running HTTP service:
// a payment-gated /deliver endpoint and a background loop that polls the
// registry for matching RFPs and bids on them.
package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmesh/internal/facilitator"
	"github.com/mbd888/agentmesh/internal/idgen"
	"github.com/mbd888/agentmesh/internal/metrics"
	"github.com/mbd888/agentmesh/internal/usdc"
	"github.com/mbd888/agentmesh/pkg/x402"
)

// ServiceHandler produces the business payload for a paid delivery. The
// request body of POST /deliver is passed through untouched; whatever the
// handler returns is serialized under service_data in the response.
type ServiceHandler interface {
	Serve(ctx context.Context, payload []byte) (interface{}, error)
}

// ServiceHandlerFunc adapts a function to ServiceHandler.
type ServiceHandlerFunc func(ctx context.Context, payload []byte) (interface{}, error)

// Serve implements ServiceHandler.
func (f ServiceHandlerFunc) Serve(ctx context.Context, payload []byte) (interface{}, error) {
	return f(ctx, payload)
}

// DefaultChallengeTTL bounds how long an issued payment challenge stays
// honorable.
const DefaultChallengeTTL = 5 * time.Minute

// DefaultReplayTTL is how long an accepted payment signature is remembered.
// It must exceed the ledger's finality window so a settled payment cannot be
// replayed after the cache forgets it.
const DefaultReplayTTL = 15 * time.Minute

// Config describes one provider agent.
type Config struct {
	AgentID       string
	Name          string
	WalletAddress string
	EndpointURL   string            // public base URL, registered with the registry
	Capabilities  []string          // doubles as the task types the poller watches
	Pricing       map[string]string // capability -> human USDC price

	Network        string
	TokenMint      string
	FacilitatorURL string

	ChallengeTTL time.Duration
	ReplayTTL    time.Duration
}

// Provider is the HTTP side of a provider agent.
type Provider struct {
	cfg         Config
	handler     ServiceHandler
	facilitator *facilitator.Client
	replay      *replayCache
	logger      *slog.Logger
}

// New builds a Provider around a ServiceHandler.
func New(cfg Config, handler ServiceHandler, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.ReplayTTL <= 0 {
		cfg.ReplayTTL = DefaultReplayTTL
	}
	return &Provider{
		cfg:         cfg,
		handler:     handler,
		facilitator: facilitator.NewClient(cfg.FacilitatorURL),
		replay:      newReplayCache(cfg.ReplayTTL),
		logger:      logger,
	}
}

// StartReplaySweeper evicts expired replay-cache entries until ctx is done.
func (p *Provider) StartReplaySweeper(ctx context.Context, interval time.Duration) {
	p.replay.startSweeper(ctx, interval)
}

// RegisterRoutes mounts /deliver and /health.
func (p *Provider) RegisterRoutes(r gin.IRouter) {
	r.POST("/deliver", p.handleDeliver)
	r.GET("/health", p.handleHealth)
}

// deliverRequest is the optional body of POST /deliver. task_type selects
// which advertised capability is being bought; absent, the provider's first
// capability is assumed.
type deliverRequest struct {
	TaskType string `json:"task_type"`
}

// handleDeliver is the payment gate. Without proof of payment it answers 402
// with a challenge; with proof it verifies the signature on chain, guards
// against replays, and only then invokes the service handler.
func (p *Provider) handleDeliver(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	var req deliverRequest
	_ = json.Unmarshal(body, &req) // tolerate empty or free-form bodies

	priceHuman, priceMinor, ok := p.priceFor(req.TaskType)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_capability", "message": "no price advertised for task type"})
		return
	}

	header := c.GetHeader(x402.HeaderName)
	if header == "" {
		metrics.X402ChallengesTotal.Inc()
		c.JSON(http.StatusPaymentRequired, x402.Challenge{
			Recipient:      p.cfg.WalletAddress,
			AmountHuman:    priceHuman,
			AmountMinor:    priceMinor.Int64(),
			TokenMint:      p.cfg.TokenMint,
			Network:        p.cfg.Network,
			FacilitatorURL: p.cfg.FacilitatorURL,
			Nonce:          idgen.New(),
			ExpiresAt:      time.Now().Add(p.cfg.ChallengeTTL),
		})
		return
	}

	proof, err := x402.DecodeHeader(header)
	if err != nil {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "invalid_payment_header", "message": err.Error()})
		return
	}

	// One paid signature buys exactly one delivery.
	if !p.replay.reserve(proof.Signature) {
		metrics.X402ReplayRejectedTotal.Inc()
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "signature_already_used", "message": "payment signature was already redeemed"})
		return
	}

	verified, err := p.facilitator.VerifyOnChain(c.Request.Context(), facilitator.VerifyOnChainRequest{
		Signature:          proof.Signature,
		ExpectedRecipient:  p.cfg.WalletAddress,
		ExpectedMinorUnits: priceMinor.String(),
		Network:            proof.Network,
	})
	if err != nil || !verified.Confirmed {
		// The signature never paid for anything; let a corrected retry reuse it.
		p.replay.release(proof.Signature)
		reason := "payment_not_found_or_insufficient"
		if err != nil {
			p.logger.Warn("deliver: on-chain verification unavailable", "error", err)
		}
		c.JSON(http.StatusPaymentRequired, gin.H{"error": reason})
		return
	}

	data, err := p.handler.Serve(c.Request.Context(), body)
	if err != nil {
		p.logger.Error("deliver: service handler failed", "error", err)
		// The payment is spent but nothing was delivered. Releasing the
		// reservation keeps delivery idempotent per signature: the consumer
		// retries with the same proof and is not charged again.
		p.replay.release(proof.Signature)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "service_failed", "payment_signature": proof.Signature})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"service_data":      data,
		"payment_signature": proof.Signature,
	})
}

func (p *Provider) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"agent_id":     p.cfg.AgentID,
		"replay_cache": p.replay.size(),
	})
}

// priceFor resolves the advertised price for a task type. An empty task type
// falls back to the provider's first capability.
func (p *Provider) priceFor(taskType string) (human string, minor *big.Int, ok bool) {
	if taskType == "" && len(p.cfg.Capabilities) > 0 {
		taskType = p.cfg.Capabilities[0]
	}
	human, found := p.cfg.Pricing[taskType]
	if !found {
		return "", nil, false
	}
	minor, ok = usdc.Parse(human)
	if !ok || minor.Sign() <= 0 {
		return "", nil, false
	}
	return human, minor, true
}
