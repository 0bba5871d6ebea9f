package marketplace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/agentmesh/internal/idgen"
	"github.com/mbd888/agentmesh/internal/metrics"
)

// PostgresStore persists the marketplace in PostgreSQL with the same
// semantics as the in-memory Store. Per-RFP serialization comes from row
// locks (SELECT ... FOR UPDATE) instead of sharded mutexes.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

var _ Storage = (*PostgresStore)(nil)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// ----------------------------------------------------------------------------
// Agents
// ----------------------------------------------------------------------------

// RegisterAgent upserts an agent; reputation and task counters survive
// re-registration.
func (p *PostgresStore) RegisterAgent(ctx context.Context, agent *Agent) (*Agent, error) {
	if agent.AgentID == "" {
		agent.AgentID = idgen.WithPrefix("agent_")
	}
	pricing, err := json.Marshal(agent.Pricing)
	if err != nil {
		return nil, err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, name, agent_type, endpoint_url, wallet_address, capabilities, pricing)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			name = EXCLUDED.name,
			agent_type = EXCLUDED.agent_type,
			endpoint_url = EXCLUDED.endpoint_url,
			wallet_address = EXCLUDED.wallet_address,
			capabilities = EXCLUDED.capabilities,
			pricing = EXCLUDED.pricing`,
		agent.AgentID, agent.Name, string(agent.AgentType), agent.EndpointURL,
		agent.WalletAddress, pq.StringArray(agent.Capabilities), pricing,
	)
	if err != nil {
		return nil, err
	}
	return p.GetAgent(ctx, agent.AgentID)
}

// UnregisterAgent removes an agent; subscriptions cascade.
func (p *PostgresStore) UnregisterAgent(ctx context.Context, agentID string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = $1`, agentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

const agentColumns = `agent_id, name, agent_type, endpoint_url, wallet_address,
	capabilities, pricing, reputation, total_tasks, successful_tasks, created_at`

func scanAgent(row interface{ Scan(...interface{}) error }) (*Agent, error) {
	var a Agent
	var caps pq.StringArray
	var pricing []byte
	var agentType string
	err := row.Scan(&a.AgentID, &a.Name, &agentType, &a.EndpointURL, &a.WalletAddress,
		&caps, &pricing, &a.Reputation, &a.TotalTasks, &a.SuccessfulTasks, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.AgentType = AgentType(agentType)
	a.Capabilities = []string(caps)
	if len(pricing) > 0 {
		_ = json.Unmarshal(pricing, &a.Pricing)
	}
	return &a, nil
}

// GetAgent fetches one agent record.
func (p *PostgresStore) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	return agent, err
}

// ListAgents returns agents matching filter, newest first.
func (p *PostgresStore) ListAgents(ctx context.Context, filter AgentFilter) ([]*Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE 1=1`
	var args []interface{}
	if filter.AgentType != "" {
		args = append(args, string(filter.AgentType))
		query += ` AND agent_type = $1`
	}
	if filter.Capability != "" {
		args = append(args, filter.Capability)
		if len(args) == 1 {
			query += ` AND $1 = ANY(capabilities)`
		} else {
			query += ` AND $2 = ANY(capabilities)`
		}
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// Subscribe records interest in a task type; unknown agents are rejected by
// the foreign key.
func (p *PostgresStore) Subscribe(ctx context.Context, agentID, taskType string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (agent_id, task_type) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, agentID, taskType)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == "23503" {
		return ErrNotSubscribed
	}
	return err
}

// Unsubscribe drops a subscription.
func (p *PostgresStore) Unsubscribe(ctx context.Context, agentID, taskType string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE agent_id = $1 AND task_type = $2`, agentID, taskType)
	return err
}

// ----------------------------------------------------------------------------
// RFPs
// ----------------------------------------------------------------------------

// CreateRFP inserts a new open RFP.
func (p *PostgresStore) CreateRFP(ctx context.Context, rfp *RFP) (string, error) {
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
	requirements, err := json.Marshal(rfp.Requirements)
	if err != nil {
		return "", err
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rfps (rfp_id, task_type, requirements, max_budget_usdc,
			required_delivery_time_ms, requester_agent_id, created_at, expires_at, status, bidding_deadline)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8, $9, $10)`,
		rfp.RFPID, rfp.TaskType, requirements, rfp.MaxBudgetUSDC,
		rfp.RequiredDeliveryTimeMs, rfp.RequesterAgentID, rfp.CreatedAt, rfp.ExpiresAt,
		string(rfp.Status), rfp.BiddingDeadline,
	)
	if err != nil {
		return "", err
	}
	metrics.RFPsPublishedTotal.Inc()
	return rfp.RFPID, nil
}

const rfpColumns = `rfp_id, task_type, requirements, max_budget_usdc::TEXT,
	required_delivery_time_ms, requester_agent_id, created_at, expires_at, status, bidding_deadline`

func scanRFP(row interface{ Scan(...interface{}) error }) (*RFP, error) {
	var r RFP
	var requirements []byte
	var status string
	var deadline sql.NullTime
	err := row.Scan(&r.RFPID, &r.TaskType, &requirements, &r.MaxBudgetUSDC,
		&r.RequiredDeliveryTimeMs, &r.RequesterAgentID, &r.CreatedAt, &r.ExpiresAt, &status, &deadline)
	if err != nil {
		return nil, err
	}
	r.Status = RFPStatus(status)
	if deadline.Valid {
		r.BiddingDeadline = &deadline.Time
	}
	if len(requirements) > 0 {
		_ = json.Unmarshal(requirements, &r.Requirements)
	}
	return &r, nil
}

// GetRFP fetches one RFP.
func (p *PostgresStore) GetRFP(ctx context.Context, rfpID string) (*RFP, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rfpColumns+` FROM rfps WHERE rfp_id = $1`, rfpID)
	rfp, err := scanRFP(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRFPNotFound
	}
	return rfp, err
}

// ListOpenRFPs returns open, unexpired RFPs for the given task types (all
// when empty), newest first.
func (p *PostgresStore) ListOpenRFPs(ctx context.Context, forTaskTypes []string) ([]*RFP, error) {
	query := `SELECT ` + rfpColumns + ` FROM rfps
		WHERE status = 'open' AND expires_at > now()
		  AND (bidding_deadline IS NULL OR bidding_deadline > now())`
	var args []interface{}
	if len(forTaskTypes) > 0 {
		args = append(args, pq.StringArray(forTaskTypes))
		query += ` AND task_type = ANY($1)`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*RFP
	for rows.Next() {
		rfp, err := scanRFP(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rfp)
	}
	return out, rows.Err()
}

// CancelRFP transitions an open/bidding_closed RFP to cancelled, requester
// only.
func (p *PostgresStore) CancelRFP(ctx context.Context, rfpID, callerAgentID string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		rfp, err := lockRFP(ctx, tx, rfpID)
		if err != nil {
			return err
		}
		if rfp.RequesterAgentID != callerAgentID {
			return ErrUnauthorized
		}
		if rfp.Status != RFPStatusOpen && rfp.Status != RFPStatusBiddingClosed {
			return ErrRFPNotOpen
		}
		_, err = tx.ExecContext(ctx, `UPDATE rfps SET status = 'cancelled' WHERE rfp_id = $1`, rfpID)
		return err
	})
}

// ----------------------------------------------------------------------------
// Bids
// ----------------------------------------------------------------------------

// SubmitBid validates and records a bid under the RFP's row lock, superseding
// the bidder's prior active bid.
func (p *PostgresStore) SubmitBid(ctx context.Context, bid *Bid) (*Bid, error) {
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		rfp, err := lockRFP(ctx, tx, bid.RFPID)
		if err != nil {
			return err
		}

		now := time.Now()
		if !rfp.Open(now) {
			return ErrRFPNotOpen
		}
		if rfp.BiddingDeadline != nil && now.After(*rfp.BiddingDeadline) {
			return ErrBiddingClosed
		}

		var withinBudget bool
		if err := tx.QueryRowContext(ctx,
			`SELECT $1::NUMERIC(20,6) <= max_budget_usdc FROM rfps WHERE rfp_id = $2`,
			bid.BidPriceUSDC, bid.RFPID,
		).Scan(&withinBudget); err != nil {
			return ErrBudgetExceeded
		}
		if !withinBudget {
			return ErrBudgetExceeded
		}

		if bid.BidID == "" {
			bid.BidID = idgen.WithPrefix("bid_")
		}
		bid.CreatedAt = now

		if _, err := tx.ExecContext(ctx, `
			UPDATE bids SET rejected = TRUE
			WHERE rfp_id = $1 AND bidder_agent_id = $2 AND NOT rejected`,
			bid.RFPID, bid.BidderAgentID); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO bids (bid_id, rfp_id, bidder_agent_id, bid_price_usdc,
				estimated_completion_ms, confidence_score, reputation_score, message, expires_at, created_at)
			VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, $7, $8, $9, $10)`,
			bid.BidID, bid.RFPID, bid.BidderAgentID, bid.BidPriceUSDC,
			bid.EstimatedCompletionMs, bid.ConfidenceScore, bid.ReputationScore,
			bid.Message, nullableTime(bid.ExpiresAt), bid.CreatedAt,
		)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.BidsSubmittedTotal.WithLabelValues("accepted").Inc()
	cp := *bid
	return &cp, nil
}

const bidColumns = `bid_id, rfp_id, bidder_agent_id, bid_price_usdc::TEXT,
	estimated_completion_ms, confidence_score, reputation_score, message, expires_at, created_at, rejected`

func scanBid(row interface{ Scan(...interface{}) error }) (*Bid, error) {
	var b Bid
	var expires sql.NullTime
	err := row.Scan(&b.BidID, &b.RFPID, &b.BidderAgentID, &b.BidPriceUSDC,
		&b.EstimatedCompletionMs, &b.ConfidenceScore, &b.ReputationScore,
		&b.Message, &expires, &b.CreatedAt, &b.Rejected)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		b.ExpiresAt = expires.Time
	}
	return &b, nil
}

// ListBids returns an RFP's bids in submission order.
func (p *PostgresStore) ListBids(ctx context.Context, rfpID string) ([]*Bid, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+bidColumns+` FROM bids WHERE rfp_id = $1 ORDER BY created_at`, rfpID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*Bid{}
	for rows.Next() {
		bid, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, bid)
	}
	return out, rows.Err()
}

// ----------------------------------------------------------------------------
// Assignment / selection
// ----------------------------------------------------------------------------

// SelectWinner creates the assignment under the RFP's row lock; the UNIQUE
// constraint on assignments.rfp_id backstops concurrent selects.
func (p *PostgresStore) SelectWinner(ctx context.Context, rfpID, bidID, selectorAgentID string) (*Assignment, error) {
	var assignment *Assignment
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		rfp, err := lockRFP(ctx, tx, rfpID)
		if err != nil {
			return err
		}
		if rfp.RequesterAgentID != selectorAgentID {
			return ErrUnauthorized
		}
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM assignments WHERE rfp_id = $1)`, rfpID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrAlreadyAssigned
		}
		if rfp.Status != RFPStatusOpen && rfp.Status != RFPStatusBiddingClosed {
			return ErrRFPNotOpen
		}

		row := tx.QueryRowContext(ctx,
			`SELECT `+bidColumns+` FROM bids WHERE bid_id = $1 AND rfp_id = $2`, bidID, rfpID)
		winner, err := scanBid(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrBidNotFound
		}
		if err != nil {
			return err
		}

		assignment = &Assignment{
			AssignmentID:    idgen.WithPrefix("asg_"),
			RFPID:           rfpID,
			WinningBidID:    winner.BidID,
			ProviderAgentID: winner.BidderAgentID,
			ConsumerAgentID: rfp.RequesterAgentID,
			AgreedPriceUSDC: winner.BidPriceUSDC,
			Status:          AssignmentStatusPendingPayment,
			CreatedAt:       time.Now(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO assignments (assignment_id, rfp_id, winning_bid_id,
				provider_agent_id, consumer_agent_id, agreed_price_usdc, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::NUMERIC(20,6), $7, $8)`,
			assignment.AssignmentID, assignment.RFPID, assignment.WinningBidID,
			assignment.ProviderAgentID, assignment.ConsumerAgentID,
			assignment.AgreedPriceUSDC, string(assignment.Status), assignment.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrAlreadyAssigned
			}
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE rfps SET status = 'assigned' WHERE rfp_id = $1`, rfpID)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.AssignmentsTotal.WithLabelValues(string(assignment.Status)).Inc()
	return assignment, nil
}

const assignmentColumns = `assignment_id, rfp_id, winning_bid_id, provider_agent_id,
	consumer_agent_id, agreed_price_usdc::TEXT, status, payment_tx_signature, created_at, delivered_at`

func scanAssignment(row interface{ Scan(...interface{}) error }) (*Assignment, error) {
	var a Assignment
	var status string
	var delivered sql.NullTime
	err := row.Scan(&a.AssignmentID, &a.RFPID, &a.WinningBidID, &a.ProviderAgentID,
		&a.ConsumerAgentID, &a.AgreedPriceUSDC, &status, &a.PaymentTxSignature,
		&a.CreatedAt, &delivered)
	if err != nil {
		return nil, err
	}
	a.Status = AssignmentStatus(status)
	if delivered.Valid {
		a.DeliveredAt = &delivered.Time
	}
	return &a, nil
}

// GetAssignment fetches one assignment.
func (p *PostgresStore) GetAssignment(ctx context.Context, assignmentID string) (*Assignment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM assignments WHERE assignment_id = $1`, assignmentID)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAssignmentNotFound
	}
	return a, err
}

// RecordDelivery attaches the payment signature, completes the assignment and
// its RFP, and bumps the provider's task counters.
func (p *PostgresStore) RecordDelivery(ctx context.Context, assignmentID, txSignature string) (*Assignment, error) {
	var out *Assignment
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT `+assignmentColumns+` FROM assignments WHERE assignment_id = $1 FOR UPDATE`, assignmentID)
		a, err := scanAssignment(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAssignmentNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE assignments SET payment_tx_signature = $1, status = 'completed', delivered_at = $2
			WHERE assignment_id = $3`, txSignature, now, assignmentID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rfps SET status = 'completed' WHERE rfp_id = $1`, a.RFPID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE agents SET total_tasks = total_tasks + 1, successful_tasks = successful_tasks + 1
			WHERE agent_id = $1`, a.ProviderAgentID); err != nil {
			return err
		}

		a.PaymentTxSignature = txSignature
		a.Status = AssignmentStatusCompleted
		a.DeliveredAt = &now
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.AssignmentsTotal.WithLabelValues(string(out.Status)).Inc()
	return out, nil
}

// ----------------------------------------------------------------------------
// Ratings / reputation
// ----------------------------------------------------------------------------

// Rate inserts a rating and recomputes the rated agent's reputation; the
// primary key dedupes (rater, assignment) pairs.
func (p *PostgresStore) Rate(ctx context.Context, assignmentID, raterAgentID, ratedAgentID string, stars int, reviewText string) (*Rating, error) {
	if stars < 1 || stars > 5 {
		return nil, ErrInvalidStars
	}

	rating := &Rating{
		RaterAgentID: raterAgentID,
		RatedAgentID: ratedAgentID,
		AssignmentID: assignmentID,
		Stars:        stars,
		ReviewText:   reviewText,
		CreatedAt:    time.Now(),
	}

	err := p.inTx(ctx, func(tx *sql.Tx) error {
		// Serialize reputation updates per rated agent.
		if _, err := tx.ExecContext(ctx,
			`SELECT 1 FROM agents WHERE agent_id = $1 FOR UPDATE`, ratedAgentID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ratings (rater_agent_id, rated_agent_id, assignment_id, stars, review_text, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			raterAgentID, ratedAgentID, assignmentID, stars, reviewText, rating.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateRating
			}
			return err
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE agents SET reputation = (
				SELECT AVG(stars)::DOUBLE PRECISION FROM ratings WHERE rated_agent_id = $1
			) WHERE agent_id = $1`, ratedAgentID)
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.RatingsRecordedTotal.Inc()
	return rating, nil
}

// GetReputation summarizes an agent's received ratings.
func (p *PostgresStore) GetReputation(ctx context.Context, agentID string) (*ReputationSummary, error) {
	if _, err := p.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT stars, COUNT(*) FROM ratings WHERE rated_agent_id = $1 GROUP BY stars`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summary := &ReputationSummary{Histogram: make(map[int]int)}
	sum := 0
	for rows.Next() {
		var stars, count int
		if err := rows.Scan(&stars, &count); err != nil {
			return nil, err
		}
		summary.Histogram[stars] = count
		summary.Count += count
		sum += stars * count
	}
	if summary.Count > 0 {
		summary.Mean = float64(sum) / float64(summary.Count)
	}
	return summary, rows.Err()
}

// ----------------------------------------------------------------------------
// Expiry sweeper
// ----------------------------------------------------------------------------

// Sweep expires stale open/bidding_closed RFPs in one statement.
func (p *PostgresStore) Sweep(now time.Time) []string {
	rows, err := p.db.Query(`
		UPDATE rfps SET status = 'expired'
		WHERE status IN ('open', 'bidding_closed') AND expires_at <= $1
		RETURNING rfp_id`, now)
	if err != nil {
		p.logger.Error("sweeper: expiry update failed", "error", err)
		return nil
	}
	defer rows.Close()

	var swept []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			swept = append(swept, id)
		}
	}
	for range swept {
		metrics.RFPsExpiredTotal.Inc()
	}
	return swept
}

// StartSweeper runs Sweep on interval until ctx is cancelled.
func (p *PostgresStore) StartSweeper(ctx context.Context, interval time.Duration) {
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
				if swept := p.Sweep(now); len(swept) > 0 {
					p.logger.Info("sweeper: expired rfps", "count", len(swept))
				}
			}
		}
	}()
}

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// lockRFP loads an RFP under FOR UPDATE, serializing all mutations of it.
func lockRFP(ctx context.Context, tx *sql.Tx, rfpID string) (*RFP, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+rfpColumns+` FROM rfps WHERE rfp_id = $1 FOR UPDATE`, rfpID)
	rfp, err := scanRFP(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRFPNotFound
	}
	return rfp, err
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
