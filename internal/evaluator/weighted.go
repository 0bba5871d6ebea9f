package evaluator

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/mbd888/agentmesh/internal/marketplace"
)

// Default scoring weights: price competitiveness dominates, reputation close
// behind, delivery speed last.
const (
	DefaultWeightPrice      = 0.40
	DefaultWeightReputation = 0.35
	DefaultWeightSpeed      = 0.25
)

// Weighted is the deterministic evaluator. Each bid scores
//
//	w_price · (budget − price)/budget + w_rep · reputation/5 + w_speed · max(0, 1 − latency/required)
//
// with ties broken by lowest price, then earliest bid. It is the fallback
// whenever a model-backed evaluator fails or times out, and a usable
// evaluator on its own.
type Weighted struct {
	WeightPrice      float64
	WeightReputation float64
	WeightSpeed      float64
}

// NewWeighted returns a Weighted evaluator with the default weights.
func NewWeighted() *Weighted {
	return &Weighted{
		WeightPrice:      DefaultWeightPrice,
		WeightReputation: DefaultWeightReputation,
		WeightSpeed:      DefaultWeightSpeed,
	}
}

// Rank scores every bid and selects the argmax.
func (w *Weighted) Rank(_ context.Context, rfp *marketplace.RFP, bids []*marketplace.Bid, reputations map[string]float64) (*RankResult, error) {
	if len(bids) == 0 {
		return nil, ErrNoBids
	}

	budget, err := strconv.ParseFloat(rfp.MaxBudgetUSDC, 64)
	if err != nil || budget <= 0 {
		return nil, fmt.Errorf("evaluator: invalid rfp budget %q", rfp.MaxBudgetUSDC)
	}

	type scored struct {
		bid   *marketplace.Bid
		score float64
		price float64
	}

	candidates := make([]scored, 0, len(bids))
	verdicts := make([]Verdict, 0, len(bids))
	for _, b := range bids {
		price, err := strconv.ParseFloat(b.BidPriceUSDC, 64)
		if err != nil || price <= 0 || price > budget {
			verdicts = append(verdicts, Verdict{
				BidID:  b.BidID,
				Accept: false,
				Reason: fmt.Sprintf("invalid or over-budget price %q", b.BidPriceUSDC),
			})
			continue
		}

		score := w.WeightPrice * (budget - price) / budget
		score += w.WeightReputation * reputations[b.BidderAgentID] / 5.0
		if rfp.RequiredDeliveryTimeMs != nil && *rfp.RequiredDeliveryTimeMs > 0 {
			speed := 1.0 - float64(b.EstimatedCompletionMs)/float64(*rfp.RequiredDeliveryTimeMs)
			if speed < 0 {
				speed = 0
			}
			score += w.WeightSpeed * speed
		}

		verdicts = append(verdicts, Verdict{
			BidID:  b.BidID,
			Accept: true,
			Score:  score,
			Reason: fmt.Sprintf("price %s of budget %s, reputation %.2f", b.BidPriceUSDC, rfp.MaxBudgetUSDC, reputations[b.BidderAgentID]),
		})
		candidates = append(candidates, scored{bid: b, score: score, price: price})
	}

	if len(candidates) == 0 {
		return nil, ErrNoBids
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].price != candidates[j].price {
			return candidates[i].price < candidates[j].price
		}
		return candidates[i].bid.CreatedAt.Before(candidates[j].bid.CreatedAt)
	})

	winner := candidates[0]
	confidence := winner.score
	if len(candidates) > 1 {
		// Confidence reflects the winner's margin over the runner-up.
		margin := winner.score - candidates[1].score
		confidence = 0.5 + margin
	}
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}

	return &RankResult{
		WinnerBidID: winner.bid.BidID,
		Verdicts:    verdicts,
		Confidence:  confidence,
		Analysis: fmt.Sprintf("selected %s at %s (score %.4f) from %d valid of %d total bids",
			winner.bid.BidID, winner.bid.BidPriceUSDC, winner.score, len(candidates), len(bids)),
	}, nil
}

// Rate converts delivery latency against the bid's estimate into stars: a
// delivery within the estimate is 5, degrading one star per multiple of the
// estimate, floored at 1. Empty payloads rate 1 star regardless of latency.
func (w *Weighted) Rate(_ context.Context, result ServiceResult, bid *marketplace.Bid) (*RatingResult, error) {
	if len(result.Data) == 0 {
		return &RatingResult{Stars: 1, Review: "empty response payload"}, nil
	}

	stars := 5
	if bid.EstimatedCompletionMs > 0 && result.LatencyMs > bid.EstimatedCompletionMs {
		over := float64(result.LatencyMs) / float64(bid.EstimatedCompletionMs)
		stars = 5 - int(over)
		if stars < 1 {
			stars = 1
		}
	}

	review := fmt.Sprintf("delivered %d bytes in %dms against a %dms estimate",
		len(result.Data), result.LatencyMs, bid.EstimatedCompletionMs)
	return &RatingResult{Stars: stars, Review: review}, nil
}
