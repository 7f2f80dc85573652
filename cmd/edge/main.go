// Package main starts the offline caching edge process.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	edgecmd "github.com/noncefirewall/portfolio/internal/cmd/edge"
	"github.com/noncefirewall/portfolio/internal/platform/config"
)

func main() {
	cfg, err := edgecmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[EDGE] ")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.HealthCheck {
		if err := edgecmd.HealthCheck(ctx, cfg); err != nil {
			log.Fatalf("healthcheck: %v", err)
		}
		return
	}
	if err := edgecmd.Run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
}
