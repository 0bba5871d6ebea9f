package registryapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentmesh/internal/logging"
	"github.com/mbd888/agentmesh/internal/marketplace"
	"github.com/mbd888/agentmesh/internal/security"
	"github.com/mbd888/agentmesh/internal/validation"
)

// Handler provides HTTP handlers for the Registry & RFP Coordinator.
type Handler struct {
	store  marketplace.Storage
	hub    *streamHub
	logger *slog.Logger

	allowPrivateEndpoints bool
}

// NewHandler builds a Handler over store.
func NewHandler(store marketplace.Storage, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, hub: newStreamHub(logger), logger: logger}
}

// AllowPrivateEndpoints disables SSRF screening of agent endpoint URLs, so
// loopback providers can register. For development and tests only.
func (h *Handler) AllowPrivateEndpoints() *Handler {
	h.allowPrivateEndpoints = true
	return h
}

func fail(c *gin.Context, err error) {
	status, code := errStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": message})
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// RegisterAgent handles POST /agents/register.
func (h *Handler) RegisterAgent(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("wallet_address", req.WalletAddress),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}
	if !h.allowPrivateEndpoints {
		if err := security.ValidateEndpointURL(req.EndpointURL); err != nil {
			badRequest(c, err.Error())
			return
		}
	}

	agent, err := h.store.RegisterAgent(ctx, &marketplace.Agent{
		AgentID:       req.AgentID,
		Name:          req.Name,
		AgentType:     marketplace.AgentType(req.AgentType),
		EndpointURL:   req.EndpointURL,
		WalletAddress: req.WalletAddress,
		Capabilities:  req.Capabilities,
		Pricing:       req.Pricing,
	})
	if err != nil {
		fail(c, err)
		return
	}

	logger.Info("agent registered", "agent_id", agent.AgentID, "agent_type", agent.AgentType)
	c.JSON(http.StatusCreated, agent)
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	ctx := c.Request.Context()
	filter := marketplace.AgentFilter{
		AgentType:  marketplace.AgentType(c.Query("agent_type")),
		Capability: c.Query("capability"),
	}
	agents, err := h.store.ListAgents(ctx, filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

// GetAgent handles GET /agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// Subscribe handles POST /agents/:id/subscribe.
func (h *Handler) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.store.Subscribe(c.Request.Context(), c.Param("id"), req.TaskType); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetReputation handles GET /agents/:id/reputation.
func (h *Handler) GetReputation(c *gin.Context) {
	summary, err := h.store.GetReputation(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Rate handles POST /agents/:id/rate.
func (h *Handler) Rate(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	rating, err := h.store.Rate(c.Request.Context(), req.AssignmentID, req.RaterAgentID, c.Param("id"), req.Stars, req.ReviewText)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, rating)
}

// -----------------------------------------------------------------------------
// RFPs
// -----------------------------------------------------------------------------

// CreateRFP handles POST /rfp/create.
func (h *Handler) CreateRFP(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req CreateRFPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("max_budget_usdc", req.MaxBudgetUSDC),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	rfp := &marketplace.RFP{
		TaskType:               req.TaskType,
		Requirements:           req.Requirements,
		MaxBudgetUSDC:          req.MaxBudgetUSDC,
		RequiredDeliveryTimeMs: req.RequiredDeliveryTimeMs,
		RequesterAgentID:       req.RequesterAgentID,
		ExpiresAt:              time.Now().Add(ttl),
	}
	if req.BiddingWindowSeconds > 0 {
		deadline := time.Now().Add(time.Duration(req.BiddingWindowSeconds) * time.Second)
		rfp.BiddingDeadline = &deadline
	}

	id, err := h.store.CreateRFP(ctx, rfp)
	if err != nil {
		fail(c, err)
		return
	}
	created, err := h.store.GetRFP(ctx, id)
	if err != nil {
		fail(c, err)
		return
	}

	logger.Info("rfp created", "rfp_id", id, "task_type", req.TaskType)
	h.hub.publish(created)
	c.JSON(http.StatusCreated, created)
}

// ListOpenRFPs handles GET /rfp/open.
func (h *Handler) ListOpenRFPs(c *gin.Context) {
	taskTypes := splitTaskTypes(c.Query("task_types"))
	rfps, err := h.store.ListOpenRFPs(c.Request.Context(), taskTypes)
	if err != nil {
		fail(c, err)
		return
	}

	if since := c.Query("since"); since != "" {
		rfps = filterCreatedAfter(rfps, since)
	}

	c.JSON(http.StatusOK, gin.H{"rfps": rfps, "count": len(rfps)})
}

func filterCreatedAfter(rfps []*marketplace.RFP, sinceRFC3339 string) []*marketplace.RFP {
	cutoff, err := time.Parse(time.RFC3339Nano, sinceRFC3339)
	if err != nil {
		return rfps
	}
	var out []*marketplace.RFP
	for _, r := range rfps {
		if r.CreatedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// GetRFP handles GET /rfp/:id.
func (h *Handler) GetRFP(c *gin.Context) {
	rfp, err := h.store.GetRFP(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rfp)
}

// CancelRFP handles POST /rfp/:id/cancel.
func (h *Handler) CancelRFP(c *gin.Context) {
	var req CancelRFPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if err := h.store.CancelRFP(c.Request.Context(), c.Param("id"), req.CallerAgentID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------
// Bids
// -----------------------------------------------------------------------------

// SubmitBid handles POST /rfp/:id/bid.
func (h *Handler) SubmitBid(c *gin.Context) {
	ctx := c.Request.Context()
	var req SubmitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.ValidAmount("bid_price_usdc", req.BidPriceUSDC),
	); len(errs) > 0 {
		badRequest(c, errs.Error())
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}

	bid, err := h.store.SubmitBid(ctx, &marketplace.Bid{
		RFPID:                 c.Param("id"),
		BidderAgentID:         req.BidderAgentID,
		BidPriceUSDC:          req.BidPriceUSDC,
		EstimatedCompletionMs: req.EstimatedCompletionMs,
		ConfidenceScore:       req.ConfidenceScore,
		Message:               req.Message,
		ExpiresAt:             time.Now().Add(ttl),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, bid)
}

// ListBids handles GET /rfp/:id/bids.
func (h *Handler) ListBids(c *gin.Context) {
	bids, err := h.store.ListBids(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids, "count": len(bids)})
}

// SelectWinner handles POST /rfp/:id/select.
func (h *Handler) SelectWinner(c *gin.Context) {
	var req SelectWinnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	assignment, err := h.store.SelectWinner(c.Request.Context(), c.Param("id"), req.BidID, req.SelectorAgentID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, assignment)
}

// -----------------------------------------------------------------------------
// Assignments
// -----------------------------------------------------------------------------

// GetAssignment handles GET /assignments/:id.
func (h *Handler) GetAssignment(c *gin.Context) {
	assignment, err := h.store.GetAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// RecordDelivery handles POST /assignments/:id/delivery.
func (h *Handler) RecordDelivery(c *gin.Context) {
	var req RecordDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	assignment, err := h.store.RecordDelivery(c.Request.Context(), c.Param("id"), req.PaymentTxSignature)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// -----------------------------------------------------------------------------
// Stream
// -----------------------------------------------------------------------------

// StreamRFPs handles GET /rfp/stream, a websocket feed of newly created open
// RFPs. The feed is an addition to polling /rfp/open, not a replacement.
// Query param task_types (csv) filters the feed.
func (h *Handler) StreamRFPs(c *gin.Context) {
	h.hub.serveWS(c.Writer, c.Request, splitTaskTypes(c.Query("task_types")))
}

func splitTaskTypes(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(csv, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
