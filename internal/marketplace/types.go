// Package marketplace is the authoritative state for registered agents,
// RFPs, bids, assignments, and ratings that backs internal/registryapi.
package marketplace

import (
	"errors"
	"time"
)

// Error kinds translated to HTTP status by internal/registryapi.
var (
	ErrAgentNotFound      = errors.New("marketplace: agent not found")
	ErrAgentExists        = errors.New("marketplace: agent already registered")
	ErrRFPNotFound        = errors.New("marketplace: rfp not found")
	ErrBidNotFound        = errors.New("marketplace: bid not found")
	ErrAssignmentNotFound = errors.New("marketplace: assignment not found")
	ErrRFPNotOpen         = errors.New("marketplace: rfp is not open for bidding")
	ErrBiddingClosed      = errors.New("marketplace: rfp bidding deadline has passed")
	ErrBudgetExceeded     = errors.New("marketplace: bid price exceeds rfp max budget")
	ErrAlreadyAssigned    = errors.New("marketplace: rfp already has an assignment")
	ErrUnauthorized       = errors.New("marketplace: caller is not authorized for this operation")
	ErrDuplicateRating    = errors.New("marketplace: rater already rated this assignment")
	ErrInvalidStars       = errors.New("marketplace: stars must be between 1 and 5")
	ErrNotSubscribed      = errors.New("marketplace: agent not registered, cannot subscribe")
	ErrInvalidRFP         = errors.New("marketplace: rfp is invalid")
)

// AgentType enumerates the kinds of marketplace participant.
type AgentType string

const (
	AgentTypeDataProvider AgentType = "data_provider"
	AgentTypeConsumer     AgentType = "consumer"
	AgentTypeExecutor     AgentType = "executor"
)

// Agent is a registered marketplace participant.
type Agent struct {
	AgentID         string            `json:"agent_id"`
	Name            string            `json:"name"`
	AgentType       AgentType         `json:"agent_type"`
	EndpointURL     string            `json:"endpoint_url"`
	WalletAddress   string            `json:"wallet_address"`
	Capabilities    []string          `json:"capabilities"`
	Pricing         map[string]string `json:"pricing"` // capability -> price in human USDC units
	Reputation      float64           `json:"reputation"`
	TotalTasks      int               `json:"total_tasks"`
	SuccessfulTasks int               `json:"successful_tasks"`
	CreatedAt       time.Time         `json:"created_at"`
}

// HasCapability reports whether the agent advertises a given capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// RFPStatus is the lifecycle state of an RFP. Open RFPs move forward
// through bidding_closed, assigned, and completed; cancelled and expired are
// terminal.
type RFPStatus string

const (
	RFPStatusOpen          RFPStatus = "open"
	RFPStatusBiddingClosed RFPStatus = "bidding_closed"
	RFPStatusAssigned      RFPStatus = "assigned"
	RFPStatusCompleted     RFPStatus = "completed"
	RFPStatusCancelled     RFPStatus = "cancelled"
	RFPStatusExpired       RFPStatus = "expired"
)

// RFP is a consumer's broadcast request for a service.
type RFP struct {
	RFPID                  string                 `json:"rfp_id"`
	TaskType               string                 `json:"task_type"`
	Requirements           map[string]interface{} `json:"requirements"`
	MaxBudgetUSDC          string                 `json:"max_budget_usdc"`
	RequiredDeliveryTimeMs *int64                 `json:"required_delivery_time_ms,omitempty"`
	RequesterAgentID       string                 `json:"requester_agent_id"`
	CreatedAt              time.Time              `json:"created_at"`
	ExpiresAt              time.Time              `json:"expires_at"`
	Status                 RFPStatus              `json:"status"`
	BiddingDeadline        *time.Time             `json:"bidding_deadline,omitempty"`
}

// Open reports whether the RFP currently accepts bids.
func (r *RFP) Open(now time.Time) bool {
	if r.Status != RFPStatusOpen {
		return false
	}
	if !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt) {
		return false
	}
	if r.BiddingDeadline != nil && !now.Before(*r.BiddingDeadline) {
		return false
	}
	return true
}

// Bid is a provider's offer to fulfill an RFP.
type Bid struct {
	BidID                 string    `json:"bid_id"`
	RFPID                 string    `json:"rfp_id"`
	BidderAgentID         string    `json:"bidder_agent_id"`
	BidPriceUSDC          string    `json:"bid_price_usdc"`
	EstimatedCompletionMs int64     `json:"estimated_completion_ms"`
	ConfidenceScore       float64   `json:"confidence_score"`
	ReputationScore       float64   `json:"reputation_score"`
	Message               string    `json:"message,omitempty"`
	ExpiresAt             time.Time `json:"expires_at"`
	CreatedAt             time.Time `json:"created_at"`
	Rejected              bool      `json:"rejected"`
}

// Active reports whether the bid is still eligible to win (not expired, not
// superseded/rejected) as of now.
func (b *Bid) Active(now time.Time) bool {
	if b.Rejected {
		return false
	}
	if !b.ExpiresAt.IsZero() && now.After(b.ExpiresAt) {
		return false
	}
	return true
}

// AssignmentStatus is the lifecycle state of an Assignment.
type AssignmentStatus string

const (
	AssignmentStatusPendingPayment   AssignmentStatus = "pending_payment"
	AssignmentStatusPaymentConfirmed AssignmentStatus = "payment_confirmed"
	AssignmentStatusDelivered        AssignmentStatus = "delivered"
	AssignmentStatusDisputed         AssignmentStatus = "disputed"
	AssignmentStatusCompleted        AssignmentStatus = "completed"
	AssignmentStatusFailed           AssignmentStatus = "failed"
)

// Assignment binds a winning bid's provider to a consumer until delivery.
type Assignment struct {
	AssignmentID       string           `json:"assignment_id"`
	RFPID              string           `json:"rfp_id"`
	WinningBidID       string           `json:"winning_bid_id"`
	ProviderAgentID    string           `json:"provider_agent_id"`
	ConsumerAgentID    string           `json:"consumer_agent_id"`
	AgreedPriceUSDC    string           `json:"agreed_price_usdc"`
	Status             AssignmentStatus `json:"status"`
	PaymentTxSignature string           `json:"payment_tx_signature,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	DeliveredAt        *time.Time       `json:"delivered_at,omitempty"`
}

// Rating is an append-only star rating left by one agent about another
// after an assignment.
type Rating struct {
	RaterAgentID string    `json:"rater_agent_id"`
	RatedAgentID string    `json:"rated_agent_id"`
	AssignmentID string    `json:"assignment_id"`
	Stars        int       `json:"stars"`
	ReviewText   string    `json:"review_text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReputationSummary answers GET /agents/{id}/reputation.
type ReputationSummary struct {
	Mean      float64     `json:"mean"`
	Count     int         `json:"count"`
	Histogram map[int]int `json:"histogram"` // stars -> count
}

// AgentFilter narrows ListAgents results.
type AgentFilter struct {
	AgentType  AgentType
	Capability string
}
