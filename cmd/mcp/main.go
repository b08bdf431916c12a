// Gigmesh MCP Server - Exposes the Gigmesh marketplace as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/gigmesh/gigmesh/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		APIURL:       envOrDefault("GIGMESH_API_URL", "http://localhost:8080"),
		AgentAddress: os.Getenv("GIGMESH_AGENT_ADDRESS"),
	}

	if cfg.AgentAddress == "" {
		fmt.Fprintln(os.Stderr, "GIGMESH_AGENT_ADDRESS is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
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
