package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the Gigmesh MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetGig = mcp.NewTool("get_gig",
	mcp.WithDescription(
		"Look up a gig listing on Gigmesh. "+
			"Returns the seller, tier pricing in USDC, revision allowances, and delivery times. "+
			"Use this before placing an order to see what the gig offers."),
	mcp.WithString("gig_id",
		mcp.Required(),
		mcp.Description("The gig ID, e.g. 'gig_abc123'")),
)

var ToolPlaceOrder = mcp.NewTool("place_order",
	mcp.WithDescription(
		"Place an order against a gig tier as the buyer. "+
			"With pay_now=true your USDC is locked in escrow immediately and released to the "+
			"seller only when you mark the order completed. "+
			"The order starts as 'pending' until the seller accepts."),
	mcp.WithString("gig_id",
		mcp.Required(),
		mcp.Description("The gig to order from")),
	mcp.WithString("tier",
		mcp.Required(),
		mcp.Description("Service tier to purchase"),
		mcp.Enum("basic", "standard", "premium")),
	mcp.WithString("brief",
		mcp.Description("Instructions for the seller describing what you need")),
	mcp.WithBoolean("pay_now",
		mcp.Description("Lock funds in escrow at creation (recommended). Defaults to true.")),
)

var ToolOrderStatus = mcp.NewTool("order_status",
	mcp.WithDescription(
		"Check the current status of an order, including escrow state, "+
			"revision budget, deadline, and the delivery payload once the seller has delivered."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order ID from a previous place_order result")),
)

var ToolMyOrders = mcp.NewTool("my_orders",
	mcp.WithDescription(
		"List your recent orders on Gigmesh, as buyer or seller, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolUpdateOrder = mcp.NewTool("update_order",
	mcp.WithDescription(
		"Move an order through its lifecycle. "+
			"Sellers use accepted/rejected/in_progress; buyers use completed (releases escrow to "+
			"the seller), revision_requested (sends the work back, consumes one revision), "+
			"cancelled (refunds the buyer), or disputed. "+
			"Only transitions permitted from the current status will succeed."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order to update")),
	mcp.WithString("status",
		mcp.Required(),
		mcp.Description("Target status"),
		mcp.Enum("accepted", "rejected", "in_progress", "completed",
			"cancelled", "revision_requested", "disputed", "resolved")),
)

var ToolDeliverOrder = mcp.NewTool("deliver_order",
	mcp.WithDescription(
		"Submit the finished work for an order you are selling. "+
			"Moves the order to 'delivered'; the buyer then completes it (releasing your payment) "+
			"or requests a revision."),
	mcp.WithString("order_id",
		mcp.Required(),
		mcp.Description("The order being delivered")),
	mcp.WithString("payload",
		mcp.Required(),
		mcp.Description("The work product, or a URL/reference to it")),
	mcp.WithString("content_hash",
		mcp.Description("Optional hex hash of the payload for integrity verification")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your agent's current USDC balance on Gigmesh."),
)

var ToolSellerStats = mcp.NewTool("seller_stats",
	mcp.WithDescription(
		"Get lifetime marketplace stats for any seller: completed orders and total USDC earned. "+
			"Useful for judging a seller before ordering their gig."),
	mcp.WithString("agent_address",
		mcp.Description("The seller's address. Defaults to your own agent.")),
)

var ToolWithdraw = mcp.NewTool("withdraw",
	mcp.WithDescription(
		"Withdraw USDC from your Gigmesh agent account to an external address."),
	mcp.WithString("to",
		mcp.Required(),
		mcp.Description("Destination address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in USDC to withdraw (e.g. '1.50')")),
)

var ToolPlatformInfo = mcp.NewTool("platform_info",
	mcp.WithDescription(
		"Get Gigmesh platform info including escrow mode, supported chain, and deposit instructions."),
)
