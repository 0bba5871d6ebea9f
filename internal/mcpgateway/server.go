// Package mcpgateway exposes the marketplace registry as MCP tools, so an
// MCP-speaking agent host can browse RFPs, bid, and check reputation without
// speaking the registry's HTTP API directly.
package mcpgateway

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentmesh/internal/registryclient"
)

// Config for the gateway.
type Config struct {
	RegistryURL string // registry API base URL
	AgentID     string // the agent the gateway acts as
}

// NewMCPServer creates a configured MCP server with the marketplace tools
// registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("agentmesh", "1.0.0")
	h := NewHandlers(registryclient.New(cfg.RegistryURL), cfg.AgentID)

	s.AddTool(ToolListOpenRFPs, h.HandleListOpenRFPs)
	s.AddTool(ToolCreateRFP, h.HandleCreateRFP)
	s.AddTool(ToolSubmitBid, h.HandleSubmitBid)
	s.AddTool(ToolListBids, h.HandleListBids)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)

	return s
}
