// Command server runs the PeopleDesk landlord: package catalogue, tenant
// signup and provisioning, renewals and package switches.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mbd888/peopledesk/internal/config"
	"github.com/mbd888/peopledesk/internal/logging"
	"github.com/mbd888/peopledesk/internal/server"
)

// Set by -ldflags at release build time.
var (
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	checkOnly := flag.Bool("check-config", false, "validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("peopledesk %s (commit %s, built %s)\n", server.Version, Commit, BuildTime)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if *checkOnly {
		logger.Info("configuration ok", "env", cfg.Env, "tenant_db_driver", cfg.TenantDBDriver)
		return
	}

	logger.Info("starting peopledesk landlord",
		"version", server.Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"tenant_db_driver", cfg.TenantDBDriver,
		"central_domain", cfg.CentralDomain,
		"stripe", cfg.StripeEnabled(),
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}
