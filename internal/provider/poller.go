package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/agentmesh/internal/circuitbreaker"
	"github.com/mbd888/agentmesh/internal/evaluator"
	"github.com/mbd888/agentmesh/internal/marketplace"
	"github.com/mbd888/agentmesh/internal/registryclient"
	"github.com/mbd888/agentmesh/internal/retry"
)

// DefaultPollInterval is the cadence at which a provider scans the registry
// for open RFPs.
const DefaultPollInterval = 3 * time.Second

// pollRequestTimeout keeps a slow registry from stalling the loop.
const pollRequestTimeout = 5 * time.Second

// breakerKey labels the registry upstream in the circuit breaker.
const breakerKey = "registry"

// Poller watches the registry for open RFPs matching the provider's
// capabilities and submits bids the policy approves. Each RFP is considered
// once; a failed submission is retried once after backoff, then dropped.
type Poller struct {
	cfg      Config
	registry *registryclient.Client
	policy   evaluator.BidPolicy
	breaker  *circuitbreaker.Breaker
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	seen map[string]struct{} // rfp_id -> considered
}

// NewPoller builds a Poller. A nil policy defaults to bidding the advertised
// price for every priced task type; the RFP's budget is not checked here.
func NewPoller(cfg Config, registry *registryclient.Client, policy evaluator.BidPolicy, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if policy == nil {
		policy = AdvertisedPricePolicy(cfg.Pricing)
	}
	return &Poller{
		cfg:      cfg,
		registry: registry,
		policy:   policy,
		breaker:  circuitbreaker.New(5, 30*time.Second),
		interval: interval,
		logger:   logger,
	}
}

// AdvertisedPricePolicy bids the provider's advertised price for the RFP's
// task type, passing only when the task type is not priced. It does not
// compare the price with the RFP's budget; an over-budget bid is submitted
// and rejected by the registry.
func AdvertisedPricePolicy(pricing map[string]string) evaluator.BidPolicy {
	return evaluator.BidPolicyFunc(func(_ context.Context, rfp *marketplace.RFP) (string, bool) {
		price, ok := pricing[rfp.TaskType]
		return price, ok
	})
}

// Run polls until ctx is cancelled. Transient registry failures are
// swallowed: the loop continues on the next tick, with the circuit breaker
// suppressing calls while the registry is persistently down.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("poller started", "agent_id", p.cfg.AgentID, "task_types", p.cfg.Capabilities, "interval", p.interval)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped", "agent_id", p.cfg.AgentID)
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick performs one poll cycle.
func (p *Poller) tick(ctx context.Context) {
	if !p.breaker.Allow(breakerKey) {
		return
	}

	pollCtx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	rfps, err := p.registry.ListOpenRFPs(pollCtx, p.cfg.Capabilities, time.Time{})
	cancel()
	if err != nil {
		p.breaker.RecordFailure(breakerKey)
		p.logger.Warn("poll: registry unavailable", "error", err)
		return
	}
	p.breaker.RecordSuccess(breakerKey)

	for _, rfp := range rfps {
		if !p.markSeen(rfp.RFPID) {
			continue
		}
		// Never bid on our own RFPs.
		if rfp.RequesterAgentID == p.cfg.AgentID {
			continue
		}

		price, ok := p.policy.ShouldBid(ctx, rfp)
		if !ok {
			p.logger.Debug("poll: policy passed on rfp", "rfp_id", rfp.RFPID)
			continue
		}
		p.submitBid(ctx, rfp.RFPID, price)
	}
}

// markSeen records an RFP id, returning false if it was already considered.
func (p *Poller) markSeen(rfpID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = make(map[string]struct{})
	}
	if _, ok := p.seen[rfpID]; ok {
		return false
	}
	p.seen[rfpID] = struct{}{}
	return true
}

// submitBid offers price on an RFP, retrying once after backoff.
func (p *Poller) submitBid(ctx context.Context, rfpID, price string) {
	err := retry.Do(ctx, 2, 500*time.Millisecond, func() error {
		bidCtx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
		defer cancel()

		_, err := p.registry.SubmitBid(bidCtx, rfpID, registryclient.SubmitBidRequest{
			BidderAgentID:         p.cfg.AgentID,
			BidPriceUSDC:          price,
			EstimatedCompletionMs: 500,
			ConfidenceScore:       0.9,
			Message:               "automated bid at advertised price",
		})
		if err != nil {
			var apiErr *registryclient.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
				// The registry rejected the bid outright (over budget,
				// closed, expired); retrying cannot help.
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("poll: bid submission dropped", "rfp_id", rfpID, "error", err)
		return
	}
	p.logger.Info("poll: bid submitted", "rfp_id", rfpID, "price_usdc", price)
}
