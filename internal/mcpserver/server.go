package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer creates an MCP server exposing the fraud scoring and alert
// tools backed by the configured services.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("fraudwatch", "1.0.0")
	h := NewHandlers(NewBackend(cfg))

	s.AddTool(ToolScoreTransaction, h.HandleScoreTransaction)
	s.AddTool(ToolRecentAlerts, h.HandleRecentAlerts)
	s.AddTool(ToolAlertSummary, h.HandleAlertSummary)
	s.AddTool(ToolServiceHealth, h.HandleServiceHealth)

	return s
}
