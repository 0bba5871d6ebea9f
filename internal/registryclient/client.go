// Package registryclient is the HTTP client for the registry API, shared by
// provider agents, consumer agents, and the MCP gateway.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/agentmesh/internal/marketplace"
)

// DefaultTimeout bounds any single registry call. Provider polling overrides
// this with a shorter per-request timeout so a slow registry cannot stall the
// poll loop.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx response from the registry, carrying the
// discriminated error code the server returned.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("registry: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsConflict reports whether the registry rejected the call with 409.
func (e *APIError) IsConflict() bool { return e.StatusCode == http.StatusConflict }

// Client talks to the registry API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the client's request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// New returns a Client for the registry at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterAgent registers (or re-registers) an agent.
func (c *Client) RegisterAgent(ctx context.Context, agent *marketplace.Agent) (*marketplace.Agent, error) {
	var out marketplace.Agent
	if err := c.do(ctx, http.MethodPost, "/agents/register", nil, agent, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetAgent fetches one agent record.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*marketplace.Agent, error) {
	var out marketplace.Agent
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListAgents lists agents, optionally filtered by type and capability.
func (c *Client) ListAgents(ctx context.Context, agentType, capability string) ([]*marketplace.Agent, error) {
	q := url.Values{}
	if agentType != "" {
		q.Set("agent_type", agentType)
	}
	if capability != "" {
		q.Set("capability", capability)
	}
	var out struct {
		Agents []*marketplace.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Subscribe registers the agent's interest in a task type.
func (c *Client) Subscribe(ctx context.Context, agentID, taskType string) error {
	body := map[string]string{"task_type": taskType}
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/subscribe", nil, body, nil)
}

// CreateRFPRequest is the payload for CreateRFP.
type CreateRFPRequest struct {
	TaskType               string                 `json:"task_type"`
	Requirements           map[string]interface{} `json:"requirements,omitempty"`
	MaxBudgetUSDC          string                 `json:"max_budget_usdc"`
	RequiredDeliveryTimeMs *int64                 `json:"required_delivery_time_ms,omitempty"`
	RequesterAgentID       string                 `json:"requester_agent_id"`
	TTLSeconds             int64                  `json:"ttl_seconds,omitempty"`
	BiddingWindowSeconds   int64                  `json:"bidding_window_seconds,omitempty"`
}

// CreateRFP publishes a new RFP and returns the created record.
func (c *Client) CreateRFP(ctx context.Context, req CreateRFPRequest) (*marketplace.RFP, error) {
	var out marketplace.RFP
	if err := c.do(ctx, http.MethodPost, "/rfp/create", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListOpenRFPs returns open RFPs matching any of taskTypes (all if empty).
// A non-zero since narrows to RFPs created after that instant.
func (c *Client) ListOpenRFPs(ctx context.Context, taskTypes []string, since time.Time) ([]*marketplace.RFP, error) {
	q := url.Values{}
	if len(taskTypes) > 0 {
		q.Set("task_types", strings.Join(taskTypes, ","))
	}
	if !since.IsZero() {
		q.Set("since", since.Format(time.RFC3339Nano))
	}
	var out struct {
		RFPs []*marketplace.RFP `json:"rfps"`
	}
	if err := c.do(ctx, http.MethodGet, "/rfp/open", q, nil, &out); err != nil {
		return nil, err
	}
	return out.RFPs, nil
}

// SubmitBidRequest is the payload for SubmitBid.
type SubmitBidRequest struct {
	BidderAgentID         string  `json:"bidder_agent_id"`
	BidPriceUSDC          string  `json:"bid_price_usdc"`
	EstimatedCompletionMs int64   `json:"estimated_completion_ms,omitempty"`
	ConfidenceScore       float64 `json:"confidence_score,omitempty"`
	Message               string  `json:"message,omitempty"`
	TTLSeconds            int64   `json:"ttl_seconds,omitempty"`
}

// SubmitBid offers to fulfill an RFP.
func (c *Client) SubmitBid(ctx context.Context, rfpID string, req SubmitBidRequest) (*marketplace.Bid, error) {
	var out marketplace.Bid
	if err := c.do(ctx, http.MethodPost, "/rfp/"+url.PathEscape(rfpID)+"/bid", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBids returns all bids on an RFP.
func (c *Client) ListBids(ctx context.Context, rfpID string) ([]*marketplace.Bid, error) {
	var out struct {
		Bids []*marketplace.Bid `json:"bids"`
	}
	if err := c.do(ctx, http.MethodGet, "/rfp/"+url.PathEscape(rfpID)+"/bids", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Bids, nil
}

// SelectWinner accepts a bid, creating the assignment.
func (c *Client) SelectWinner(ctx context.Context, rfpID, bidID, selectorAgentID string) (*marketplace.Assignment, error) {
	body := map[string]string{"bid_id": bidID, "selector_agent_id": selectorAgentID}
	var out marketplace.Assignment
	if err := c.do(ctx, http.MethodPost, "/rfp/"+url.PathEscape(rfpID)+"/select", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRFP cancels an RFP; only its requester may do so.
func (c *Client) CancelRFP(ctx context.Context, rfpID, callerAgentID string) error {
	body := map[string]string{"caller_agent_id": callerAgentID}
	return c.do(ctx, http.MethodPost, "/rfp/"+url.PathEscape(rfpID)+"/cancel", nil, body, nil)
}

// RecordDelivery attaches the settled payment signature to an assignment.
func (c *Client) RecordDelivery(ctx context.Context, assignmentID, txSignature string) (*marketplace.Assignment, error) {
	body := map[string]string{"payment_tx_signature": txSignature}
	var out marketplace.Assignment
	if err := c.do(ctx, http.MethodPost, "/assignments/"+url.PathEscape(assignmentID)+"/delivery", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rate records a star rating for ratedAgentID.
func (c *Client) Rate(ctx context.Context, ratedAgentID, raterAgentID, assignmentID string, stars int, review string) error {
	body := map[string]interface{}{
		"rater_agent_id": raterAgentID,
		"assignment_id":  assignmentID,
		"stars":          stars,
		"review_text":    review,
	}
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(ratedAgentID)+"/rate", nil, body, nil)
}

// GetReputation fetches the rating summary for an agent.
func (c *Client) GetReputation(ctx context.Context, agentID string) (*marketplace.ReputationSummary, error) {
	var out marketplace.ReputationSummary
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/reputation", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("registry: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("registry: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: "unknown"}
		var decoded struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err == nil {
			if decoded.Error != "" {
				apiErr.Code = decoded.Error
			}
			apiErr.Message = decoded.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("registry: decode response: %w", err)
	}
	return nil
}
