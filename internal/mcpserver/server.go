package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates a configured MCP server with all landlord admin tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("peopledesk", "1.0.0")
	h := NewHandlers(NewClient(cfg))

	s.AddTool(ToolListPackages, h.HandleListPackages)
	s.AddTool(ToolListTenants, h.HandleListTenants)
	s.AddTool(ToolGetTenant, h.HandleGetTenant)
	s.AddTool(ToolSwitchPackage, h.HandleSwitchPackage)
	s.AddTool(ToolRenewSubscription, h.HandleRenewSubscription)
	s.AddTool(ToolConfirmPayment, h.HandleConfirmPayment)
	s.AddTool(ToolDeleteTenant, h.HandleDeleteTenant)
	s.AddTool(ToolHealth, h.HandleHealth)

	return s
}
