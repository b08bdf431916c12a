package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all Gigmesh tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("gigmesh", "1.0.0")
	client := NewGigmeshClient(cfg)
	h := NewHandlers(client)

	s.AddTool(ToolGetGig, h.HandleGetGig)
	s.AddTool(ToolPlaceOrder, h.HandlePlaceOrder)
	s.AddTool(ToolOrderStatus, h.HandleOrderStatus)
	s.AddTool(ToolMyOrders, h.HandleMyOrders)
	s.AddTool(ToolUpdateOrder, h.HandleUpdateOrder)
	s.AddTool(ToolDeliverOrder, h.HandleDeliverOrder)
	s.AddTool(ToolCheckBalance, h.HandleCheckBalance)
	s.AddTool(ToolSellerStats, h.HandleSellerStats)
	s.AddTool(ToolWithdraw, h.HandleWithdraw)
	s.AddTool(ToolPlatformInfo, h.HandlePlatformInfo)

	return s
}
