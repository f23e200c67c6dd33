// PeopleDesk MCP server: landlord administration tools over stdio.
package main

import (
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/peopledesk/internal/logging"
	"github.com/mbd888/peopledesk/internal/mcpserver"
)

func main() {
	_ = godotenv.Load()

	apiURL := flag.String("api", getenv("PEOPLEDESK_API_URL", "http://localhost:8080"), "landlord API base URL")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	retries := flag.Int("retries", 2, "extra attempts for failed reads")
	flag.Parse()

	// stdout carries the MCP protocol.
	logger := logging.NewWriter(os.Stderr, getenv("LOG_LEVEL", "info"), "text")

	cfg := mcpserver.Config{
		APIURL:      *apiURL,
		AdminSecret: os.Getenv("PEOPLEDESK_ADMIN_SECRET"),
		Timeout:     *timeout,
		Retries:     *retries,
	}
	if cfg.AdminSecret == "" {
		logger.Error("PEOPLEDESK_ADMIN_SECRET is required")
		os.Exit(1)
	}

	logger.Info("serving landlord tools", "api", cfg.APIURL)
	if err := server.ServeStdio(mcpserver.NewMCPServer(cfg)); err != nil {
		logger.Error("mcp server stopped", "error", err)
		os.Exit(1)
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
