// Package consumer runs the procurement decision loop: broadcast an RFP,
// collect bids over a fixed window, pick a winner, settle payment through the
// x402 flow, fetch the service, and feed a rating back to the registry.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mbd888/agentmesh/internal/evaluator"
	"github.com/mbd888/agentmesh/internal/marketplace"
	"github.com/mbd888/agentmesh/internal/registryclient"
	"github.com/mbd888/agentmesh/internal/syncutil"
	"github.com/mbd888/agentmesh/internal/traces"
	"github.com/mbd888/agentmesh/internal/usdc"
	"github.com/mbd888/agentmesh/pkg/x402"
)

// Defaults for the loop's timing knobs.
const (
	DefaultBidWindow       = 10 * time.Second
	DefaultBidPollInterval = time.Second
	DefaultRFPTTL          = 5 * time.Minute
	DefaultOverallTimeout  = 60 * time.Second
	DefaultDeliverAttempts = 3
)

// Config identifies the consumer agent and tunes the loop.
type Config struct {
	AgentID       string
	WalletAddress string

	BidWindow       time.Duration // T_bid: how long to collect bids
	BidPollInterval time.Duration
	RFPTTL          time.Duration
	OverallTimeout  time.Duration
	DeliverAttempts int // attempts at the winner's /deliver before giving up
}

func (c Config) withDefaults() Config {
	if c.BidWindow <= 0 {
		c.BidWindow = DefaultBidWindow
	}
	if c.BidPollInterval <= 0 {
		c.BidPollInterval = DefaultBidPollInterval
	}
	if c.RFPTTL <= 0 {
		c.RFPTTL = DefaultRFPTTL
	}
	if c.OverallTimeout <= 0 {
		c.OverallTimeout = DefaultOverallTimeout
	}
	if c.DeliverAttempts <= 0 {
		c.DeliverAttempts = DefaultDeliverAttempts
	}
	return c
}

// Request describes the service the consumer wants bought.
type Request struct {
	TaskType               string
	Requirements           map[string]interface{}
	MaxBudgetUSDC          string
	RequiredDeliveryTimeMs *int64
}

// Loop orchestrates one procurement run at a time. It holds no signing key:
// payment happens through the x402 client and the facilitator.
type Loop struct {
	cfg       Config
	registry  *registryclient.Client
	payer     *x402.Client
	evaluator evaluator.Evaluator
	logger    *slog.Logger

	// runs serializes procurement per consumer agent, so two overlapping
	// Execute calls cannot interleave two payments for one agent's budget.
	runs *syncutil.ContextShardedMutex
}

// New builds a Loop.
func New(cfg Config, registry *registryclient.Client, payer *x402.Client, eval evaluator.Evaluator, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:       cfg.withDefaults(),
		registry:  registry,
		payer:     payer,
		evaluator: eval,
		logger:    logger,
		runs:      syncutil.NewContextShardedMutex(),
	}
}

// Execute runs the full decision loop for one request. The returned Result
// is always non-nil and discriminated by ErrorKind; once a payment has
// settled, Result.Signature carries the transaction signature no matter what
// failed afterwards.
func (l *Loop) Execute(ctx context.Context, req Request) *Result {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.OverallTimeout)
	defer cancel()

	ctx, span := traces.StartSpan(ctx, "consumer.procure",
		traces.TaskType(req.TaskType), traces.Amount(req.MaxBudgetUSDC))
	defer span.End()

	unlock, err := l.runs.LockContext(ctx, l.cfg.AgentID)
	if err != nil {
		return failure(KindTimeout, "another procurement for this agent is still running")
	}
	defer unlock()

	// 1. Broadcast the RFP.
	rfp, err := l.registry.CreateRFP(ctx, registryclient.CreateRFPRequest{
		TaskType:               req.TaskType,
		Requirements:           req.Requirements,
		MaxBudgetUSDC:          req.MaxBudgetUSDC,
		RequiredDeliveryTimeMs: req.RequiredDeliveryTimeMs,
		RequesterAgentID:       l.cfg.AgentID,
		TTLSeconds:             int64(l.cfg.RFPTTL / time.Second),
		BiddingWindowSeconds:   int64(l.cfg.BidWindow / time.Second),
	})
	if err != nil {
		return failure(KindUpstreamUnavailable, fmt.Sprintf("create rfp: %v", err))
	}
	span.SetAttributes(traces.RFPID(rfp.RFPID))
	l.logger.Info("rfp broadcast", "rfp_id", rfp.RFPID, "task_type", req.TaskType, "max_budget_usdc", req.MaxBudgetUSDC)

	// 2. Collect bids until the window closes.
	bids, err := l.collectBids(ctx, rfp.RFPID)
	if err != nil {
		return l.failWithRFP(rfp.RFPID, KindTimeout, fmt.Sprintf("bid collection: %v", err))
	}

	// 3. Nothing to choose from.
	if len(bids) == 0 {
		l.logger.Info("no bids received", "rfp_id", rfp.RFPID)
		return l.failWithRFP(rfp.RFPID, KindNoBids, "no bids received within the bidding window")
	}

	// 4. Rank.
	reputations := l.fetchReputations(ctx, bids)
	ranking, err := l.evaluator.Rank(ctx, rfp, bids, reputations)
	if err != nil {
		if errors.Is(err, evaluator.ErrNoBids) {
			return l.failWithRFP(rfp.RFPID, KindNoBids, "no acceptable bids")
		}
		return l.failWithRFP(rfp.RFPID, KindUpstreamUnavailable, fmt.Sprintf("rank bids: %v", err))
	}
	winner := findBid(bids, ranking.WinnerBidID)
	if winner == nil {
		return l.failWithRFP(rfp.RFPID, KindUpstreamUnavailable, "evaluator selected an unknown bid")
	}
	l.logger.Info("winner chosen", "rfp_id", rfp.RFPID, "bid_id", winner.BidID,
		"provider", winner.BidderAgentID, "price_usdc", winner.BidPriceUSDC, "confidence", ranking.Confidence)

	// 5. Commit point: select the winner. Before this the loop may abort
	// freely; after it, delivery must be attempted.
	assignment, err := l.registry.SelectWinner(ctx, rfp.RFPID, winner.BidID, l.cfg.AgentID)
	if err != nil {
		return l.failWithRFP(rfp.RFPID, KindUpstreamUnavailable, fmt.Sprintf("select winner: %v", err))
	}

	result := &Result{
		RFPID:        rfp.RFPID,
		WinnerBidID:  winner.BidID,
		AssignmentID: assignment.AssignmentID,
		ProviderID:   winner.BidderAgentID,
		PriceUSDC:    winner.BidPriceUSDC,
	}

	// 6. Pay and fetch.
	payload, signature, latency, kind, reason := l.deliver(ctx, req, winner)
	result.Signature = signature
	result.LatencyMs = latency.Milliseconds()
	if kind != KindNone {
		result.ErrorKind = kind
		result.Reason = reason
		if signature != "" {
			// The payment settled: surface the signature prominently and
			// best-effort record it against the assignment.
			l.logger.Error("delivery failed after settled payment",
				"assignment_id", assignment.AssignmentID, "signature", signature, "reason", reason)
			if _, derr := l.registry.RecordDelivery(ctx, assignment.AssignmentID, signature); derr != nil {
				l.logger.Warn("recording settled signature failed", "error", derr)
			}
		}
		return result
	}
	result.Data = payload

	// 7. Record delivery.
	if _, err := l.registry.RecordDelivery(ctx, assignment.AssignmentID, signature); err != nil {
		l.logger.Warn("delivery record failed", "assignment_id", assignment.AssignmentID, "error", err)
	}

	// 8. Rate the provider.
	rating, err := l.evaluator.Rate(ctx, evaluator.ServiceResult{Data: payload, LatencyMs: latency.Milliseconds()}, winner)
	if err != nil {
		l.logger.Warn("rating evaluation failed", "error", err)
	} else {
		result.Stars = rating.Stars
		if err := l.registry.Rate(ctx, winner.BidderAgentID, l.cfg.AgentID, assignment.AssignmentID, rating.Stars, rating.Review); err != nil {
			l.logger.Warn("rating submission failed", "error", err)
		}
	}

	result.OK = true
	l.logger.Info("procurement complete", "rfp_id", rfp.RFPID, "signature", signature, "stars", result.Stars)
	return result
}

// collectBids polls the bid list until the bidding window elapses, returning
// the final set of active bids.
func (l *Loop) collectBids(ctx context.Context, rfpID string) ([]*marketplace.Bid, error) {
	deadline := time.Now().Add(l.cfg.BidWindow)
	ticker := time.NewTicker(l.cfg.BidPollInterval)
	defer ticker.Stop()

	var lastCount int
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case now := <-ticker.C:
			bids, err := l.registry.ListBids(ctx, rfpID)
			if err != nil {
				l.logger.Warn("bid poll failed", "rfp_id", rfpID, "error", err)
			} else if len(bids) != lastCount {
				lastCount = len(bids)
				l.logger.Info("bids collected", "rfp_id", rfpID, "count", lastCount)
			}
			if !now.Before(deadline) {
				final, err := l.registry.ListBids(ctx, rfpID)
				if err != nil {
					return nil, err
				}
				return activeBids(final), nil
			}
		}
	}
}

// fetchReputations snapshots each distinct bidder's current reputation.
// A bidder the registry cannot resolve scores zero rather than failing the
// whole ranking.
func (l *Loop) fetchReputations(ctx context.Context, bids []*marketplace.Bid) map[string]float64 {
	out := make(map[string]float64)
	for _, b := range bids {
		if _, done := out[b.BidderAgentID]; done {
			continue
		}
		agent, err := l.registry.GetAgent(ctx, b.BidderAgentID)
		if err != nil {
			l.logger.Warn("reputation lookup failed", "agent_id", b.BidderAgentID, "error", err)
			out[b.BidderAgentID] = 0
			continue
		}
		out[b.BidderAgentID] = agent.Reputation
	}
	return out
}

// deliver runs the payment-gated fetch against the winner's endpoint.
// Transport failures before any settlement are retried up to the attempt
// cap; any outcome after a settlement is terminal, so each run settles at
// most one payment.
func (l *Loop) deliver(ctx context.Context, req Request, winner *marketplace.Bid) (payload json.RawMessage, signature string, latency time.Duration, kind ErrorKind, reason string) {
	agent, err := l.registry.GetAgent(ctx, winner.BidderAgentID)
	if err != nil {
		return nil, "", 0, KindUpstreamUnavailable, fmt.Sprintf("resolve winner endpoint: %v", err)
	}

	maxAmount, ok := usdc.Parse(winner.BidPriceUSDC)
	if !ok {
		return nil, "", 0, KindBudgetExceeded, fmt.Sprintf("unparseable winning price %q", winner.BidPriceUSDC)
	}

	body, err := json.Marshal(map[string]interface{}{
		"task_type":    req.TaskType,
		"requirements": req.Requirements,
	})
	if err != nil {
		return nil, "", 0, KindUpstreamUnavailable, fmt.Sprintf("encode deliver body: %v", err)
	}

	deliverURL := strings.TrimRight(agent.EndpointURL, "/") + "/deliver"

	var lastErr error
	for attempt := 1; attempt <= l.cfg.DeliverAttempts; attempt++ {
		start := time.Now()
		res, err := l.payer.Do(ctx, http.MethodPost, deliverURL, body, maxAmount)
		latency = time.Since(start)
		if err == nil {
			payload, perr := parseDelivery(res)
			if perr != nil {
				return nil, res.Signature, latency, KindDeliveryFailedAfterPayment, fmt.Sprintf("malformed delivery response: %v", perr)
			}
			return payload, res.Signature, latency, KindNone, ""
		}

		var payErr *x402.PaymentError
		if errors.As(err, &payErr) {
			// The x402 flow reached a decision; it is not retried, because a
			// fresh attempt could settle a second payment.
			switch {
			case errors.Is(payErr.Kind, x402.ErrBudgetExceeded):
				return nil, payErr.Signature, latency, KindBudgetExceeded, payErr.Error()
			case errors.Is(payErr.Kind, x402.ErrSettlementFailed):
				return nil, payErr.Signature, latency, KindSettlementFailed, payErr.Error()
			case errors.Is(payErr.Kind, x402.ErrPaymentRejected):
				return nil, payErr.Signature, latency, KindPaymentRejected, payErr.Error()
			default:
				return nil, payErr.Signature, latency, KindDeliveryFailedAfterPayment, payErr.Error()
			}
		}

		// Plain transport failure: nothing settled, safe to retry.
		lastErr = err
		l.logger.Warn("deliver attempt failed", "attempt", attempt, "error", err)
	}
	return nil, "", latency, KindUpstreamUnavailable, fmt.Sprintf("deliver: %v", lastErr)
}

// parseDelivery extracts service_data from a successful /deliver response.
func parseDelivery(res *x402.Result) (json.RawMessage, error) {
	defer res.Response.Body.Close()
	var body struct {
		ServiceData json.RawMessage `json:"service_data"`
	}
	if err := json.NewDecoder(res.Response.Body).Decode(&body); err != nil {
		return nil, err
	}
	if len(body.ServiceData) == 0 {
		return nil, errors.New("response missing service_data")
	}
	return body.ServiceData, nil
}

// failWithRFP annotates a failure with the RFP it concerns.
func (l *Loop) failWithRFP(rfpID string, kind ErrorKind, reason string) *Result {
	r := failure(kind, reason)
	r.RFPID = rfpID
	return r
}

func activeBids(bids []*marketplace.Bid) []*marketplace.Bid {
	now := time.Now()
	var out []*marketplace.Bid
	for _, b := range bids {
		if b.Active(now) {
			out = append(out, b)
		}
	}
	return out
}

func findBid(bids []*marketplace.Bid, bidID string) *marketplace.Bid {
	for _, b := range bids {
		if b.BidID == bidID {
			return b
		}
	}
	return nil
}
