package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *GigmeshClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *GigmeshClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetGig fetches a gig listing.
func (h *Handlers) HandleGetGig(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gigID := req.GetString("gig_id", "")
	if gigID == "" {
		return mcp.NewToolResultError("gig_id is required"), nil
	}

	raw, err := h.client.GetGig(ctx, gigID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch gig: %v", err)), nil
	}

	text, err := formatGig(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse gig: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandlePlaceOrder creates an order, locking funds in escrow by default.
func (h *Handlers) HandlePlaceOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	gigID := req.GetString("gig_id", "")
	if gigID == "" {
		return mcp.NewToolResultError("gig_id is required"), nil
	}
	tier := req.GetString("tier", "")
	if tier == "" {
		return mcp.NewToolResultError("tier is required"), nil
	}
	brief := req.GetString("brief", "")
	payNow := req.GetBool("pay_now", true)

	raw, err := h.client.CreateOrder(ctx, gigID, tier, brief, payNow)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Order failed: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order placed: %s\n", getString(m, "id"))
	fmt.Fprintf(&sb, "Price: %s USDC | Tier: %s\n", getString(m, "price"), getString(m, "tier"))
	if ref := getString(m, "lock_ref"); ref != "" {
		fmt.Fprintf(&sb, "Escrow: funds locked (%s)\n", ref)
	} else {
		sb.WriteString("Escrow: not funded; the order was created unpaid\n")
	}
	if d := getString(m, "deadline"); d != "" {
		fmt.Fprintf(&sb, "Deadline: %s\n", d)
	}
	sb.WriteString("\nThe order is pending until the seller accepts. Use order_status to track it.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleOrderStatus fetches an order.
func (h *Handlers) HandleOrderStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to fetch order: %v", err)), nil
	}

	text, err := formatOrder(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleMyOrders lists the agent's orders.
func (h *Handlers) HandleMyOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListOrders(ctx, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list orders: %v", err)), nil
	}

	var resp struct {
		Orders []map[string]any `json:"orders"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	if len(resp.Orders) == 0 {
		return mcp.NewToolResultText("No orders found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, getString(o, "id"), getString(o, "status"))
		fmt.Fprintf(&sb, "   Gig: %s | Tier: %s | Price: %s USDC\n",
			getString(o, "gig_id"), getString(o, "tier"), getString(o, "price"))
		if i < len(resp.Orders)-1 {
			sb.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleUpdateOrder moves an order through its lifecycle.
func (h *Handlers) HandleUpdateOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	status := req.GetString("status", "")
	if status == "" {
		return mcp.NewToolResultError("status is required"), nil
	}

	raw, err := h.client.TransitionOrder(ctx, orderID, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Transition failed: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s is now %s.\n", orderID, getString(m, "status"))
	switch getString(m, "status") {
	case "completed":
		if ref := getString(m, "release_ref"); ref != "" {
			fmt.Fprintf(&sb, "Escrow released to the seller (%s).\n", ref)
		} else {
			sb.WriteString("Escrow release is queued and will retry in the background.\n")
		}
	case "cancelled":
		if ref := getString(m, "refund_ref"); ref != "" {
			fmt.Fprintf(&sb, "Escrow refunded to the buyer (%s).\n", ref)
		} else if getString(m, "lock_ref") != "" {
			sb.WriteString("Escrow refund is queued and will retry in the background.\n")
		}
	case "revision_requested":
		fmt.Fprintf(&sb, "Revisions used: %s of %s.\n",
			getString(m, "revisions_used"), getString(m, "revisions_max"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDeliverOrder submits the work product.
func (h *Handlers) HandleDeliverOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := req.GetString("order_id", "")
	if orderID == "" {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	payload := req.GetString("payload", "")
	if payload == "" {
		return mcp.NewToolResultError("payload is required"), nil
	}
	contentHash := req.GetString("content_hash", "")

	raw, err := h.client.DeliverOrder(ctx, orderID, payload, contentHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Delivery failed: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Delivered order %s.\n"+
			"Status: %s\n\n"+
			"The buyer can now complete the order (releasing your payment) or request a revision.",
		orderID, getString(m, "status"))), nil
}

// HandleCheckBalance returns the agent's USDC balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetAgent(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("USDC Balance:\n")
	if bal, ok := m["balances"].(map[string]any); ok {
		fmt.Fprintf(&sb, "  Available: %s USDC\n", getString(bal, "stable"))
		if stale, ok := bal["stale"].(bool); ok && stale {
			sb.WriteString("  (cached snapshot; the chain was unreachable)\n")
		}
	} else {
		sb.WriteString("  Unavailable\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSellerStats returns completion stats for an agent.
func (h *Handlers) HandleSellerStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("agent_address", "")
	if address == "" {
		address = h.client.cfg.AgentAddress
	}

	raw, err := h.client.GetSellerStats(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Seller stats:\n")
	fmt.Fprintf(&sb, "  Address: %s\n", getString(m, "address"))
	fmt.Fprintf(&sb, "  Completed orders: %s\n", getString(m, "completed_orders"))
	fmt.Fprintf(&sb, "  Lifetime earnings: %s USDC\n", getString(m, "lifetime_earnings"))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleWithdraw moves funds out of the agent account.
func (h *Handlers) HandleWithdraw(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	to := req.GetString("to", "")
	if to == "" {
		return mcp.NewToolResultError("to is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	raw, err := h.client.Withdraw(ctx, to, amount)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Withdrawal failed: %v", err)), nil
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse result: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Withdrew %s USDC to %s\nTransaction: %s",
		amount, to, getString(m, "tx_hash"))), nil
}

// HandlePlatformInfo returns platform metadata.
func (h *Handlers) HandlePlatformInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetPlatform(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get platform info: %v", err)), nil
	}
	return mcp.NewToolResultText(formatJSON(raw)), nil
}

// --- Formatting helpers ---

func formatGig(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)\n", getString(m, "title"), getString(m, "id"))
	fmt.Fprintf(&sb, "Seller: %s\n", getString(m, "seller_addr"))
	if desc := getString(m, "description"); desc != "" {
		fmt.Fprintf(&sb, "%s\n", desc)
	}
	if active, ok := m["active"].(bool); ok && !active {
		sb.WriteString("NOTE: this gig is inactive and cannot be ordered.\n")
	}

	tiers, _ := m["tiers"].(map[string]any)
	if len(tiers) > 0 {
		sb.WriteString("\nTiers:\n")
		for _, name := range []string{"basic", "standard", "premium"} {
			spec, ok := tiers[name].(map[string]any)
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "  %-8s %s USDC | %s revision(s) | delivery in %s day(s)\n",
				name,
				getString(spec, "price"),
				getString(spec, "revisions_max"),
				getString(spec, "delivery_days"))
		}
	}
	return sb.String(), nil
}

func formatOrder(raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %s\n", getString(m, "id"))
	fmt.Fprintf(&sb, "Status: %s\n", getString(m, "status"))
	fmt.Fprintf(&sb, "Gig: %s | Tier: %s | Price: %s USDC\n",
		getString(m, "gig_id"), getString(m, "tier"), getString(m, "price"))
	fmt.Fprintf(&sb, "Buyer: %s\n", getString(m, "buyer_addr"))
	fmt.Fprintf(&sb, "Seller: %s\n", getString(m, "seller_addr"))

	switch {
	case getString(m, "release_ref") != "":
		fmt.Fprintf(&sb, "Escrow: released to seller (%s)\n", getString(m, "release_ref"))
	case getString(m, "refund_ref") != "":
		fmt.Fprintf(&sb, "Escrow: refunded to buyer (%s)\n", getString(m, "refund_ref"))
	case getString(m, "lock_ref") != "":
		sb.WriteString("Escrow: funds locked\n")
	default:
		sb.WriteString("Escrow: unfunded\n")
	}

	fmt.Fprintf(&sb, "Revisions: %s of %s used\n",
		getString(m, "revisions_used"), getString(m, "revisions_max"))
	if d := getString(m, "deadline"); d != "" {
		fmt.Fprintf(&sb, "Deadline: %s\n", d)
	}
	if p := getString(m, "delivery_payload"); p != "" {
		fmt.Fprintf(&sb, "\nDelivery:\n%s\n", p)
	}
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

// getString extracts a string value from a map, rendering numbers too.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}
