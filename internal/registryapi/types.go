// Package registryapi exposes the registry and RFP coordinator as a JSON
// HTTP API over internal/marketplace.
package registryapi

import (
	"errors"
	"net/http"

	"github.com/mbd888/agentmesh/internal/marketplace"
)

// RegisterAgentRequest is the payload for POST /agents/register.
type RegisterAgentRequest struct {
	AgentID       string            `json:"agent_id"`
	Name          string            `json:"name" binding:"required"`
	AgentType     string            `json:"agent_type" binding:"required"`
	EndpointURL   string            `json:"endpoint_url" binding:"required"`
	WalletAddress string            `json:"wallet_address" binding:"required"`
	Capabilities  []string          `json:"capabilities"`
	Pricing       map[string]string `json:"pricing"`
}

// SubscribeRequest is the payload for POST /agents/:id/subscribe.
type SubscribeRequest struct {
	TaskType string `json:"task_type" binding:"required"`
}

// CreateRFPRequest is the payload for POST /rfp/create.
type CreateRFPRequest struct {
	TaskType               string                 `json:"task_type" binding:"required"`
	Requirements           map[string]interface{} `json:"requirements"`
	MaxBudgetUSDC          string                 `json:"max_budget_usdc" binding:"required"`
	RequiredDeliveryTimeMs *int64                 `json:"required_delivery_time_ms"`
	RequesterAgentID       string                 `json:"requester_agent_id" binding:"required"`
	TTLSeconds             int64                  `json:"ttl_seconds"`
	BiddingWindowSeconds   int64                  `json:"bidding_window_seconds"`
}

// SubmitBidRequest is the payload for POST /rfp/:id/bid.
type SubmitBidRequest struct {
	BidderAgentID         string  `json:"bidder_agent_id" binding:"required"`
	BidPriceUSDC          string  `json:"bid_price_usdc" binding:"required"`
	EstimatedCompletionMs int64   `json:"estimated_completion_ms"`
	ConfidenceScore       float64 `json:"confidence_score"`
	Message               string  `json:"message"`
	TTLSeconds            int64   `json:"ttl_seconds"`
}

// SelectWinnerRequest is the payload for POST /rfp/:id/select.
type SelectWinnerRequest struct {
	BidID           string `json:"bid_id" binding:"required"`
	SelectorAgentID string `json:"selector_agent_id" binding:"required"`
}

// CancelRFPRequest is the payload for POST /rfp/:id/cancel.
type CancelRFPRequest struct {
	CallerAgentID string `json:"caller_agent_id" binding:"required"`
}

// RecordDeliveryRequest is the payload for POST /assignments/:id/delivery.
type RecordDeliveryRequest struct {
	PaymentTxSignature string `json:"payment_tx_signature" binding:"required"`
}

// RateRequest is the payload for POST /agents/:id/rate.
type RateRequest struct {
	RaterAgentID string `json:"rater_agent_id" binding:"required"`
	AssignmentID string `json:"assignment_id" binding:"required"`
	Stars        int    `json:"stars" binding:"required"`
	ReviewText   string `json:"review_text"`
}

// errStatus maps marketplace sentinel errors to discriminated HTTP responses.
func errStatus(err error) (status int, code string) {
	switch {
	case errors.Is(err, marketplace.ErrAgentNotFound),
		errors.Is(err, marketplace.ErrRFPNotFound),
		errors.Is(err, marketplace.ErrBidNotFound),
		errors.Is(err, marketplace.ErrAssignmentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, marketplace.ErrAgentExists):
		return http.StatusConflict, "agent_exists"
	case errors.Is(err, marketplace.ErrAlreadyAssigned):
		return http.StatusConflict, "already_assigned"
	case errors.Is(err, marketplace.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, marketplace.ErrDuplicateRating):
		return http.StatusConflict, "duplicate_rating"
	case errors.Is(err, marketplace.ErrRFPNotOpen),
		errors.Is(err, marketplace.ErrBiddingClosed),
		errors.Is(err, marketplace.ErrBudgetExceeded),
		errors.Is(err, marketplace.ErrInvalidStars),
		errors.Is(err, marketplace.ErrNotSubscribed),
		errors.Is(err, marketplace.ErrInvalidRFP):
		return http.StatusBadRequest, "rejected"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
