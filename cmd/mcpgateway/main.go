// Command mcpgateway exposes the marketplace registry as MCP tools over
// stdio, so an MCP host can create RFPs, bid, and check reputation.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/agentmesh/internal/mcpgateway"
)

func main() {
	cfg := mcpgateway.Config{
		RegistryURL: envOrDefault("REGISTRY_URL", "http://localhost:8080"),
		AgentID:     os.Getenv("AGENT_ID"),
	}

	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "AGENT_ID is required")
		os.Exit(1)
	}

	s := mcpgateway.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
