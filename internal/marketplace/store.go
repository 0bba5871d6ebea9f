package marketplace

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/agentmesh/internal/idgen"
	"github.com/mbd888/agentmesh/internal/metrics"
	"github.com/mbd888/agentmesh/internal/syncutil"
)

// Store is the authoritative in-memory marketplace state. All exported
// methods are safe for concurrent use. Mutations of a single RFP (and its
// bids and assignment) are serialized per rfp_id through rfpLocks;
// reputation updates are serialized per rated agent through agentLocks. mu
// additionally guards the backing maps themselves, since Go maps are not
// safe for concurrent access even across distinct keys.
type Store struct {
	mu sync.RWMutex

	agents        map[string]*Agent
	subscriptions map[string]map[string]struct{} // agent_id -> set of task_type
	rfps          map[string]*RFP
	bids          map[string][]*Bid // rfp_id -> bids, insertion order
	assignments   map[string]*Assignment
	byRFP         map[string]string // rfp_id -> assignment_id
	ratings       []*Rating
	ratedKeys     map[string]struct{} // "rater|assignment" -> seen, dedupes ratings

	rfpLocks   syncutil.ShardedMutex
	agentLocks syncutil.ShardedMutex

	logger *slog.Logger
}

// NewStore returns an empty Store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		agents:        make(map[string]*Agent),
		subscriptions: make(map[string]map[string]struct{}),
		rfps:          make(map[string]*RFP),
		bids:          make(map[string][]*Bid),
		assignments:   make(map[string]*Assignment),
		byRFP:         make(map[string]string),
		ratedKeys:     make(map[string]struct{}),
		logger:        logger,
	}
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// RegisterAgent inserts or updates an agent record. Re-registering the same
// agent_id updates the existing record in place, never creating a duplicate;
// reputation and task counters survive re-registration.
func (s *Store) RegisterAgent(_ context.Context, agent *Agent) (*Agent, error) {
	if agent.AgentID == "" {
		agent.AgentID = idgen.WithPrefix("agent_")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[agent.AgentID]
	if ok {
		agent.CreatedAt = existing.CreatedAt
		agent.Reputation = existing.Reputation
		agent.TotalTasks = existing.TotalTasks
		agent.SuccessfulTasks = existing.SuccessfulTasks
	} else {
		agent.CreatedAt = time.Now()
	}
	cp := *agent
	s.agents[agent.AgentID] = &cp
	return &cp, nil
}

// UnregisterAgent removes an agent and its subscriptions.
func (s *Store) UnregisterAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return ErrAgentNotFound
	}
	delete(s.agents, agentID)
	delete(s.subscriptions, agentID)
	return nil
}

// GetAgent returns a copy of the agent record.
func (s *Store) GetAgent(_ context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

// ListAgents returns agents matching filter, sorted by created_at descending.
func (s *Store) ListAgents(_ context.Context, filter AgentFilter) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Agent
	for _, a := range s.agents {
		if filter.AgentType != "" && a.AgentType != filter.AgentType {
			continue
		}
		if filter.Capability != "" && !a.HasCapability(filter.Capability) {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Subscribe registers agentID's interest in task_type. Only registered
// agents may subscribe.
func (s *Store) Subscribe(_ context.Context, agentID, taskType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return ErrNotSubscribed
	}
	set, ok := s.subscriptions[agentID]
	if !ok {
		set = make(map[string]struct{})
		s.subscriptions[agentID] = set
	}
	set[taskType] = struct{}{}
	return nil
}

// Unsubscribe removes agentID's subscription to task_type.
func (s *Store) Unsubscribe(_ context.Context, agentID, taskType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subscriptions[agentID]; ok {
		delete(set, taskType)
	}
	return nil
}

// -----------------------------------------------------------------------------
// RFPs
// -----------------------------------------------------------------------------

// CreateRFP inserts a new RFP, setting status=open and created_at=now.
func (s *Store) CreateRFP(_ context.Context, rfp *RFP) (string, error) {
	if rfp.TaskType == "" || rfp.RequesterAgentID == "" {
		return "", ErrInvalidRFP
	}
	if rfp.RFPID == "" {
		rfp.RFPID = idgen.WithPrefix("rfp_")
	}
	rfp.Status = RFPStatusOpen
	rfp.CreatedAt = time.Now()
	if !rfp.ExpiresAt.After(rfp.CreatedAt) {
		return "", ErrInvalidRFP
	}

	unlock := s.rfpLocks.Lock(rfp.RFPID)
	defer unlock()

	s.mu.Lock()
	s.rfps[rfp.RFPID] = rfp
	s.mu.Unlock()

	metrics.RFPsPublishedTotal.Inc()
	return rfp.RFPID, nil
}

// GetRFP returns a copy of the RFP.
func (s *Store) GetRFP(_ context.Context, rfpID string) (*RFP, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rfp, ok := s.rfps[rfpID]
	if !ok {
		return nil, ErrRFPNotFound
	}
	cp := *rfp
	return &cp, nil
}

// ListOpenRFPs returns open, unexpired RFPs whose task_type is in
// forTaskTypes (or all open RFPs if forTaskTypes is empty).
func (s *Store) ListOpenRFPs(_ context.Context, forTaskTypes []string) ([]*RFP, error) {
	want := make(map[string]struct{}, len(forTaskTypes))
	for _, t := range forTaskTypes {
		want[t] = struct{}{}
	}

	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RFP
	for _, r := range s.rfps {
		if !r.Open(now) {
			continue
		}
		if len(want) > 0 {
			if _, ok := want[r.TaskType]; !ok {
				continue
			}
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// CancelRFP transitions an open or bidding_closed RFP to cancelled. Only the
// RFP's requester may cancel.
func (s *Store) CancelRFP(_ context.Context, rfpID, callerAgentID string) error {
	unlock := s.rfpLocks.Lock(rfpID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rfp, ok := s.rfps[rfpID]
	if !ok {
		return ErrRFPNotFound
	}
	if rfp.RequesterAgentID != callerAgentID {
		return ErrUnauthorized
	}
	if rfp.Status != RFPStatusOpen && rfp.Status != RFPStatusBiddingClosed {
		return ErrRFPNotOpen
	}
	rfp.Status = RFPStatusCancelled
	return nil
}

// -----------------------------------------------------------------------------
// Bids
// -----------------------------------------------------------------------------

// SubmitBid validates and records a bid. Rejects if the RFP is not open, if
// the price exceeds max_budget_usdc, or if submitted after bidding_deadline.
// A bidder's prior active bid on the same RFP is superseded, not
// concatenated.
func (s *Store) SubmitBid(_ context.Context, bid *Bid) (*Bid, error) {
	unlock := s.rfpLocks.Lock(bid.RFPID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rfp, ok := s.rfps[bid.RFPID]
	if !ok {
		metrics.BidsSubmittedTotal.WithLabelValues("rfp_not_found").Inc()
		return nil, ErrRFPNotFound
	}

	now := time.Now()
	if !rfp.Open(now) {
		metrics.BidsSubmittedTotal.WithLabelValues("rfp_not_open").Inc()
		return nil, ErrRFPNotOpen
	}
	if rfp.BiddingDeadline != nil && now.After(*rfp.BiddingDeadline) {
		metrics.BidsSubmittedTotal.WithLabelValues("bidding_closed").Inc()
		return nil, ErrBiddingClosed
	}

	maxBudget, err := parseUSDC(rfp.MaxBudgetUSDC)
	if err != nil {
		return nil, ErrInvalidRFP
	}
	price, err := parseUSDC(bid.BidPriceUSDC)
	if err != nil || price > maxBudget {
		metrics.BidsSubmittedTotal.WithLabelValues("budget_exceeded").Inc()
		return nil, ErrBudgetExceeded
	}

	if bid.BidID == "" {
		bid.BidID = idgen.WithPrefix("bid_")
	}
	bid.CreatedAt = now

	existing := s.bids[bid.RFPID]
	for _, b := range existing {
		if b.BidderAgentID == bid.BidderAgentID && b.Active(now) {
			b.Rejected = true // superseded, not concatenated
		}
	}
	s.bids[bid.RFPID] = append(existing, bid)

	metrics.BidsSubmittedTotal.WithLabelValues("accepted").Inc()
	cp := *bid
	return &cp, nil
}

// ListBids returns all bids ever submitted against an RFP, in submission order.
func (s *Store) ListBids(_ context.Context, rfpID string) ([]*Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bids := s.bids[rfpID]
	out := make([]*Bid, len(bids))
	for i, b := range bids {
		cp := *b
		out[i] = &cp
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Assignment / selection
// -----------------------------------------------------------------------------

// SelectWinner creates an Assignment for the chosen bid and transitions the
// RFP to assigned. Only the RFP's requester may select, and at most one
// selection succeeds even under concurrent callers — the rfp_id shard lock
// serializes every select attempt on the same RFP.
func (s *Store) SelectWinner(_ context.Context, rfpID, bidID, selectorAgentID string) (*Assignment, error) {
	unlock := s.rfpLocks.Lock(rfpID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rfp, ok := s.rfps[rfpID]
	if !ok {
		return nil, ErrRFPNotFound
	}
	if rfp.RequesterAgentID != selectorAgentID {
		return nil, ErrUnauthorized
	}
	if _, exists := s.byRFP[rfpID]; exists {
		return nil, ErrAlreadyAssigned
	}
	if rfp.Status != RFPStatusOpen && rfp.Status != RFPStatusBiddingClosed {
		return nil, ErrRFPNotOpen
	}

	var winner *Bid
	for _, b := range s.bids[rfpID] {
		if b.BidID == bidID {
			winner = b
			break
		}
	}
	if winner == nil {
		return nil, ErrBidNotFound
	}

	assignment := &Assignment{
		AssignmentID:    idgen.WithPrefix("asg_"),
		RFPID:           rfpID,
		WinningBidID:    winner.BidID,
		ProviderAgentID: winner.BidderAgentID,
		ConsumerAgentID: rfp.RequesterAgentID,
		AgreedPriceUSDC: winner.BidPriceUSDC,
		Status:          AssignmentStatusPendingPayment,
		CreatedAt:       time.Now(),
	}
	s.assignments[assignment.AssignmentID] = assignment
	s.byRFP[rfpID] = assignment.AssignmentID
	rfp.Status = RFPStatusAssigned

	metrics.AssignmentsTotal.WithLabelValues(string(assignment.Status)).Inc()
	cp := *assignment
	return &cp, nil
}

// GetAssignment returns a copy of the assignment.
func (s *Store) GetAssignment(_ context.Context, assignmentID string) (*Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[assignmentID]
	if !ok {
		return nil, ErrAssignmentNotFound
	}
	cp := *a
	return &cp, nil
}

// RecordDelivery attaches the settled payment signature to an assignment and
// marks it completed, completing the parent RFP. The provider's total task
// count is incremented here — delivery is the one point at which both
// payment and service exchange are known to have succeeded.
func (s *Store) RecordDelivery(_ context.Context, assignmentID, txSignature string) (*Assignment, error) {
	s.mu.Lock()
	assignment, ok := s.assignments[assignmentID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrAssignmentNotFound
	}
	rfpID := assignment.RFPID
	s.mu.Unlock()

	unlock := s.rfpLocks.Lock(rfpID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	assignment.PaymentTxSignature = txSignature
	assignment.Status = AssignmentStatusCompleted
	now := time.Now()
	assignment.DeliveredAt = &now

	if rfp, ok := s.rfps[rfpID]; ok {
		rfp.Status = RFPStatusCompleted
	}

	if provider, ok := s.agents[assignment.ProviderAgentID]; ok {
		provider.TotalTasks++
		provider.SuccessfulTasks++
	}

	metrics.AssignmentsTotal.WithLabelValues(string(assignment.Status)).Inc()
	cp := *assignment
	return &cp, nil
}

// -----------------------------------------------------------------------------
// Ratings / reputation
// -----------------------------------------------------------------------------

// Rate records a rating and recomputes the rated agent's reputation as the
// arithmetic mean of all ratings it has received. At most one rating per
// (rater, assignment) is accepted. Updates for a single rated agent are
// serialized through agentLocks so the running mean is race-free.
func (s *Store) Rate(_ context.Context, assignmentID, raterAgentID, ratedAgentID string, stars int, reviewText string) (*Rating, error) {
	if stars < 1 || stars > 5 {
		return nil, ErrInvalidStars
	}

	unlock := s.agentLocks.Lock(ratedAgentID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := raterAgentID + "|" + assignmentID
	if _, dup := s.ratedKeys[key]; dup {
		return nil, ErrDuplicateRating
	}

	rating := &Rating{
		RaterAgentID: raterAgentID,
		RatedAgentID: ratedAgentID,
		AssignmentID: assignmentID,
		Stars:        stars,
		ReviewText:   reviewText,
		CreatedAt:    time.Now(),
	}
	s.ratings = append(s.ratings, rating)
	s.ratedKeys[key] = struct{}{}

	if agent, ok := s.agents[ratedAgentID]; ok {
		sum, count := 0, 0
		for _, r := range s.ratings {
			if r.RatedAgentID == ratedAgentID {
				sum += r.Stars
				count++
			}
		}
		if count > 0 {
			agent.Reputation = float64(sum) / float64(count)
		}
	}

	metrics.RatingsRecordedTotal.Inc()
	cp := *rating
	return &cp, nil
}

// GetReputation summarizes an agent's received ratings.
func (s *Store) GetReputation(_ context.Context, agentID string) (*ReputationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.agents[agentID]; !ok {
		return nil, ErrAgentNotFound
	}

	summary := &ReputationSummary{Histogram: make(map[int]int)}
	sum := 0
	for _, r := range s.ratings {
		if r.RatedAgentID != agentID {
			continue
		}
		sum += r.Stars
		summary.Count++
		summary.Histogram[r.Stars]++
	}
	if summary.Count > 0 {
		summary.Mean = float64(sum) / float64(summary.Count)
	}
	return summary, nil
}

// -----------------------------------------------------------------------------
// Expiry sweeper
// -----------------------------------------------------------------------------

// DefaultSweepInterval is the expiry sweeper's cadence.
const DefaultSweepInterval = 5 * time.Second

// Sweep transitions open/bidding_closed RFPs whose expires_at has passed to
// expired, and returns the IDs it swept. Each RFP is handled independently
// with its own recover so one bad entry cannot stall the sweep.
func (s *Store) Sweep(now time.Time) (swept []string) {
	s.mu.RLock()
	var candidates []string
	for id, r := range s.rfps {
		if (r.Status == RFPStatusOpen || r.Status == RFPStatusBiddingClosed) && !r.ExpiresAt.After(now) {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range candidates {
		if s.sweepOne(id, now) {
			swept = append(swept, id)
		}
	}
	return swept
}

func (s *Store) sweepOne(rfpID string, now time.Time) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweeper: recovered panic expiring rfp", "rfp_id", rfpID, "panic", r)
			ok = false
		}
	}()

	unlock := s.rfpLocks.Lock(rfpID)
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	rfp, exists := s.rfps[rfpID]
	if !exists {
		return false
	}
	if (rfp.Status != RFPStatusOpen && rfp.Status != RFPStatusBiddingClosed) || rfp.ExpiresAt.After(now) {
		return false
	}
	rfp.Status = RFPStatusExpired
	metrics.RFPsExpiredTotal.Inc()
	return true
}

// StartSweeper runs Sweep every interval (DefaultSweepInterval when interval
// <= 0) until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if swept := s.Sweep(now); len(swept) > 0 {
					s.logger.Info("sweeper: expired rfps", "count", len(swept))
				}
			}
		}
	}()
}

func parseUSDC(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
