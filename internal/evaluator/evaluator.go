// Package evaluator decides which bid wins an RFP and how a delivered
// service should be rated. The interface is pluggable: a model-backed
// implementation can supply judgment, with the deterministic Weighted scorer
// as the always-available fallback.
package evaluator

import (
	"context"
	"errors"

	"github.com/mbd888/agentmesh/internal/marketplace"
)

// ErrNoBids is returned by Rank when the bid set is empty.
var ErrNoBids = errors.New("evaluator: no bids to rank")

// Verdict is one evaluator's judgment of a single bid.
type Verdict struct {
	BidID  string  `json:"bid_id"`
	Accept bool    `json:"accept"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// RankResult is the outcome of ranking a bid set.
type RankResult struct {
	WinnerBidID string    `json:"winner_bid_id"`
	Verdicts    []Verdict `json:"verdicts"`
	Confidence  float64   `json:"confidence"`
	Analysis    string    `json:"analysis"`
}

// RatingResult is the evaluator's judgment of a delivered service.
type RatingResult struct {
	Stars  int    `json:"stars"`
	Review string `json:"review"`
}

// ServiceResult captures what a provider delivered, for rating.
type ServiceResult struct {
	Data      []byte
	LatencyMs int64
}

// Evaluator ranks competing bids and rates delivered results. Both
// operations are pure: same inputs, same outputs, no side effects.
type Evaluator interface {
	// Rank chooses a winner among bids for rfp. reputations maps
	// bidder_agent_id to that agent's current reputation in [0, 5].
	Rank(ctx context.Context, rfp *marketplace.RFP, bids []*marketplace.Bid, reputations map[string]float64) (*RankResult, error)

	// Rate scores a delivered service result against the winning bid.
	Rate(ctx context.Context, result ServiceResult, bid *marketplace.Bid) (*RatingResult, error)
}

// BidPolicy decides whether a provider should bid on an RFP, and at what
// price. It is the provider-side counterpart of Evaluator.
type BidPolicy interface {
	// ShouldBid returns the price to offer, or ok=false to pass.
	ShouldBid(ctx context.Context, rfp *marketplace.RFP) (priceUSDC string, ok bool)
}

// BidPolicyFunc adapts a function to BidPolicy.
type BidPolicyFunc func(ctx context.Context, rfp *marketplace.RFP) (string, bool)

// ShouldBid implements BidPolicy.
func (f BidPolicyFunc) ShouldBid(ctx context.Context, rfp *marketplace.RFP) (string, bool) {
	return f(ctx, rfp)
}
