package evaluator

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/agentmesh/internal/marketplace"
)

// DefaultPrimaryTimeout bounds how long the primary evaluator may deliberate
// before the fallback takes over.
const DefaultPrimaryTimeout = 15 * time.Second

// Failover tries a primary evaluator (typically model-backed) and falls back
// to a deterministic one whenever the primary errors or times out. The
// fallback is required to be reliable; its errors propagate.
type Failover struct {
	primary  Evaluator
	fallback Evaluator
	timeout  time.Duration
	logger   *slog.Logger
}

// NewFailover wires primary over fallback. A nil primary degenerates to the
// fallback alone.
func NewFailover(primary, fallback Evaluator, logger *slog.Logger) *Failover {
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{
		primary:  primary,
		fallback: fallback,
		timeout:  DefaultPrimaryTimeout,
		logger:   logger,
	}
}

// WithTimeout overrides the primary deliberation timeout.
func (f *Failover) WithTimeout(d time.Duration) *Failover {
	f.timeout = d
	return f
}

// Rank delegates to the primary, falling back on error or timeout.
func (f *Failover) Rank(ctx context.Context, rfp *marketplace.RFP, bids []*marketplace.Bid, reputations map[string]float64) (*RankResult, error) {
	if f.primary != nil {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		result, err := f.primary.Rank(pctx, rfp, bids, reputations)
		cancel()
		if err == nil {
			return result, nil
		}
		f.logger.Warn("primary evaluator rank failed, using fallback", "rfp_id", rfp.RFPID, "error", err)
	}
	return f.fallback.Rank(ctx, rfp, bids, reputations)
}

// Rate delegates to the primary, falling back on error or timeout.
func (f *Failover) Rate(ctx context.Context, result ServiceResult, bid *marketplace.Bid) (*RatingResult, error) {
	if f.primary != nil {
		pctx, cancel := context.WithTimeout(ctx, f.timeout)
		rating, err := f.primary.Rate(pctx, result, bid)
		cancel()
		if err == nil {
			return rating, nil
		}
		f.logger.Warn("primary evaluator rate failed, using fallback", "bid_id", bid.BidID, "error", err)
	}
	return f.fallback.Rate(ctx, result, bid)
}
