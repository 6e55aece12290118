// fraudwatch MCP server - exposes scoring and alert lookups as MCP tools
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/fraudwatch/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		ScoringURL: envOrDefault("FRAUDWATCH_SCORING_URL", "http://localhost:8080"),
		AlertsURL:  os.Getenv("FRAUDWATCH_ALERTS_URL"),
		Timeout:    10 * time.Second,
	}

	if v := os.Getenv("FRAUDWATCH_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid FRAUDWATCH_TIMEOUT: %v\n", err)
			os.Exit(1)
		}
		cfg.Timeout = d
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
