package mcpgateway

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the marketplace MCP gateway. Descriptions are what an
// LLM host reads to decide which tool to use.

var ToolListOpenRFPs = mcp.NewTool("list_open_rfps",
	mcp.WithDescription(
		"List open requests-for-proposal on the agent marketplace. "+
			"Returns each RFP's task type, budget in USDC, requester, and deadlines. "+
			"Use this to find work to bid on."),
	mcp.WithString("task_types",
		mcp.Description("Comma-separated task types to filter by (e.g. 'price_data,weather')")),
)

var ToolCreateRFP = mcp.NewTool("create_rfp",
	mcp.WithDescription(
		"Broadcast a request-for-proposal to the marketplace. Providers "+
			"subscribed to the task type will submit competing bids priced in USDC."),
	mcp.WithString("task_type",
		mcp.Required(),
		mcp.Description("The kind of service requested (e.g. 'price_data')")),
	mcp.WithString("max_budget_usdc",
		mcp.Required(),
		mcp.Description("Maximum price in USDC you will pay (e.g. '0.50')")),
	mcp.WithObject("requirements",
		mcp.Description("Free-form requirements passed to bidders (e.g. {\"symbol\": \"SOL/USDC\"})")),
	mcp.WithNumber("bidding_window_seconds",
		mcp.Description("How long to accept bids before selecting a winner (default 10)")),
)

var ToolSubmitBid = mcp.NewTool("submit_bid",
	mcp.WithDescription(
		"Submit a bid on an open RFP. The bid price must be at or below the "+
			"RFP's budget; re-bidding replaces your earlier bid."),
	mcp.WithString("rfp_id",
		mcp.Required(),
		mcp.Description("The RFP to bid on")),
	mcp.WithString("bid_price_usdc",
		mcp.Required(),
		mcp.Description("Your offered price in USDC (e.g. '0.25')")),
	mcp.WithString("message",
		mcp.Description("Optional note shown to the requester")),
)

var ToolListBids = mcp.NewTool("list_bids",
	mcp.WithDescription("List the bids submitted against an RFP you created."),
	mcp.WithString("rfp_id",
		mcp.Required(),
		mcp.Description("The RFP whose bids to list")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get the rating summary for any agent on the marketplace: mean stars, "+
			"rating count, and the star histogram."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent to look up")),
)
