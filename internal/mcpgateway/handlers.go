package mcpgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/agentmesh/internal/registryclient"
)

// Handlers implements the gateway's MCP tools over the registry client.
type Handlers struct {
	client  *registryclient.Client
	agentID string
}

// NewHandlers binds the tools to a registry client acting as agentID.
func NewHandlers(client *registryclient.Client, agentID string) *Handlers {
	return &Handlers{client: client, agentID: agentID}
}

// HandleListOpenRFPs lists open RFPs, optionally filtered by task type.
func (h *Handlers) HandleListOpenRFPs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var taskTypes []string
	if csv := req.GetString("task_types", ""); csv != "" {
		for _, t := range strings.Split(csv, ",") {
			if t = strings.TrimSpace(t); t != "" {
				taskTypes = append(taskTypes, t)
			}
		}
	}

	rfps, err := h.client.ListOpenRFPs(ctx, taskTypes, time.Time{})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list RFPs: %v", err)), nil
	}
	if len(rfps) == 0 {
		return mcp.NewToolResultText("No open RFPs match."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d open RFP(s):\n\n", len(rfps))
	for _, r := range rfps {
		fmt.Fprintf(&b, "- %s: task_type=%s budget=%s USDC requester=%s expires=%s\n",
			r.RFPID, r.TaskType, r.MaxBudgetUSDC, r.RequesterAgentID, r.ExpiresAt.Format(time.RFC3339))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandleCreateRFP broadcasts a new RFP on behalf of the gateway's agent.
func (h *Handlers) HandleCreateRFP(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskType := req.GetString("task_type", "")
	budget := req.GetString("max_budget_usdc", "")
	if taskType == "" || budget == "" {
		return mcp.NewToolResultError("task_type and max_budget_usdc are required"), nil
	}

	requirements := map[string]interface{}{}
	if raw := req.GetArguments()["requirements"]; raw != nil {
		if m, ok := raw.(map[string]interface{}); ok {
			requirements = m
		}
	}

	window := int64(req.GetFloat("bidding_window_seconds", 10))

	rfp, err := h.client.CreateRFP(ctx, registryclient.CreateRFPRequest{
		TaskType:             taskType,
		Requirements:         requirements,
		MaxBudgetUSDC:        budget,
		RequesterAgentID:     h.agentID,
		BiddingWindowSeconds: window,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create RFP: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"RFP created.\n\nID: %s\nTask type: %s\nBudget: %s USDC\nBidding closes: %s\nExpires: %s",
		rfp.RFPID, rfp.TaskType, rfp.MaxBudgetUSDC, formatDeadline(rfp.BiddingDeadline), rfp.ExpiresAt.Format(time.RFC3339))), nil
}

// HandleSubmitBid bids on an RFP on behalf of the gateway's agent.
func (h *Handlers) HandleSubmitBid(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rfpID := req.GetString("rfp_id", "")
	price := req.GetString("bid_price_usdc", "")
	if rfpID == "" || price == "" {
		return mcp.NewToolResultError("rfp_id and bid_price_usdc are required"), nil
	}

	bid, err := h.client.SubmitBid(ctx, rfpID, registryclient.SubmitBidRequest{
		BidderAgentID: h.agentID,
		BidPriceUSDC:  price,
		Message:       req.GetString("message", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit bid: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Bid submitted.\n\nBid ID: %s\nRFP: %s\nPrice: %s USDC",
		bid.BidID, bid.RFPID, bid.BidPriceUSDC)), nil
}

// HandleListBids lists the bids on an RFP.
func (h *Handlers) HandleListBids(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rfpID := req.GetString("rfp_id", "")
	if rfpID == "" {
		return mcp.NewToolResultError("rfp_id is required"), nil
	}

	bids, err := h.client.ListBids(ctx, rfpID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list bids: %v", err)), nil
	}
	if len(bids) == 0 {
		return mcp.NewToolResultText("No bids yet."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d bid(s):\n\n", len(bids))
	for _, bd := range bids {
		status := "active"
		if bd.Rejected {
			status = "superseded"
		}
		fmt.Fprintf(&b, "- %s: bidder=%s price=%s USDC eta=%dms status=%s\n",
			bd.BidID, bd.BidderAgentID, bd.BidPriceUSDC, bd.EstimatedCompletionMs, status)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandleGetReputation summarizes an agent's ratings.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	rep, err := h.client.GetReputation(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}

	histogram, _ := json.Marshal(rep.Histogram)
	return mcp.NewToolResultText(fmt.Sprintf(
		"Reputation for %s:\n\nMean: %.2f / 5\nRatings: %d\nHistogram: %s",
		agentID, rep.Mean, rep.Count, histogram)), nil
}

func formatDeadline(t *time.Time) string {
	if t == nil {
		return "unset"
	}
	return t.Format(time.RFC3339)
}
