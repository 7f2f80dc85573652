// Package edge parses edge command flags and launches the caching edge.
package edge

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"strconv"
	"time"

	entrypoint "github.com/noncefirewall/portfolio/internal/platform/cmd"
	platformgrpc "github.com/noncefirewall/portfolio/internal/platform/grpc"
	"github.com/noncefirewall/portfolio/internal/platform/timeouts"
	edgeserver "github.com/noncefirewall/portfolio/internal/services/edge/app"
	"github.com/noncefirewall/portfolio/internal/services/edge/classify"
)

// Config holds edge command configuration. Every variable carries the
// NONCE_EDGE_ prefix.
type Config struct {
	HTTPAddr         string        `env:"HTTP_ADDR" envDefault:":8080"`
	HealthPort       int           `env:"HEALTH_PORT" envDefault:"8091"`
	OriginURL        string        `env:"ORIGIN_URL"`
	DBPath           string        `env:"DB_PATH" envDefault:"data/edge.db"`
	Version          string        `env:"VERSION" envDefault:"1.1.0"`
	VersionFile      string        `env:"VERSION_FILE"`
	UpdateInterval   time.Duration `env:"UPDATE_INTERVAL" envDefault:"60s"`
	Environment      string        `env:"ENVIRONMENT" envDefault:"production"`
	SeedAssets       []string      `env:"SEED_ASSETS"`
	StaticExtensions []string      `env:"STATIC_EXTENSIONS"`
	APIPatterns      []string      `env:"API_PATTERNS"`
	CriticalRoutes   []string      `env:"CRITICAL_ROUTES"`

	// HealthCheck probes a running edge instead of starting one.
	HealthCheck bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	if len(cfg.SeedAssets) == 0 {
		cfg.SeedAssets = classify.DefaultSeedAssets
	}
	if len(cfg.StaticExtensions) == 0 {
		cfg.StaticExtensions = classify.DefaultStaticExtensions
	}
	if len(cfg.APIPatterns) == 0 {
		cfg.APIPatterns = classify.DefaultAPIPatterns
	}
	if len(cfg.CriticalRoutes) == 0 {
		cfg.CriticalRoutes = edgeserver.DefaultCriticalRoutes
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = timeouts.UpdateCheck
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The edge HTTP listen address")
	fs.IntVar(&cfg.HealthPort, "health-port", cfg.HealthPort, "The gRPC health port (0 disables)")
	fs.StringVar(&cfg.OriginURL, "origin", cfg.OriginURL, "The upstream site origin URL")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The cache SQLite database path (empty keeps caches in memory)")
	fs.StringVar(&cfg.Version, "version", cfg.Version, "The build version tagging both cache stores")
	fs.StringVar(&cfg.VersionFile, "version-file", cfg.VersionFile, "A file polled for the deployed build version")
	fs.DurationVar(&cfg.UpdateInterval, "update-interval", cfg.UpdateInterval, "Period between version update checks")
	fs.StringVar(&cfg.Environment, "env", cfg.Environment, "Deployment environment; only production registers the cache layer")
	fs.BoolVar(&cfg.HealthCheck, "healthcheck", false, "Probe the local gRPC health endpoint and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the edge runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceEdge, func(context.Context) error {
		return edgeserver.Run(ctx, edgeserver.Config{
			HTTPAddr:       cfg.HTTPAddr,
			HealthPort:     cfg.HealthPort,
			OriginURL:      cfg.OriginURL,
			DBPath:         cfg.DBPath,
			Version:        cfg.Version,
			VersionFile:    cfg.VersionFile,
			UpdateInterval: cfg.UpdateInterval,
			Environment:    cfg.Environment,
			Rules: classify.Rules{
				SeedAssets:       cfg.SeedAssets,
				StaticExtensions: cfg.StaticExtensions,
				APIPatterns:      cfg.APIPatterns,
			},
			CriticalRoutes: cfg.CriticalRoutes,
			Logger:         log.Default(),
		})
	})
}

// HealthCheck waits until the edge on the local health port reports SERVING.
func HealthCheck(ctx context.Context, cfg Config) error {
	if cfg.HealthPort <= 0 {
		return fmt.Errorf("gRPC health is disabled")
	}
	ctx, cancel := context.WithTimeout(ctx, timeouts.HealthProbe)
	defer cancel()
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.HealthPort))
	return platformgrpc.CheckHealth(ctx, addr, edgeserver.HealthService, log.Printf)
}
