package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noncefirewall/portfolio/internal/platform/timeouts"
	"github.com/noncefirewall/portfolio/internal/services/edge/lifecycle"
)

const productionEnvironment = "production"

// RegistrationAllowed reports whether the cache layer may register for the
// given environment and public origin. Local and sandboxed hosts run
// pass-through.
func RegistrationAllowed(environment string, origin *url.URL) bool {
	if !strings.EqualFold(strings.TrimSpace(environment), productionEnvironment) {
		return false
	}
	if origin == nil {
		return false
	}
	hostname := strings.ToLower(origin.Hostname())
	if hostname == "localhost" || strings.Contains(hostname, "webcontainer") {
		return false
	}
	return true
}

// VersionSource reports the build version that should be serving.
type VersionSource interface {
	Version(ctx context.Context) (string, error)
}

// StaticVersion is a fixed build version.
type StaticVersion string

// Version returns the fixed version.
func (v StaticVersion) Version(context.Context) (string, error) {
	return strings.TrimSpace(string(v)), nil
}

// FileVersion reads the build version from a file written by deploys.
// A missing or empty file yields Fallback.
type FileVersion struct {
	Path     string
	Fallback string
}

// Version reads the current file contents.
func (v FileVersion) Version(context.Context) (string, error) {
	data, err := os.ReadFile(v.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return strings.TrimSpace(v.Fallback), nil
		}
		return "", fmt.Errorf("read version file: %w", err)
	}
	if version := strings.TrimSpace(string(data)); version != "" {
		return version, nil
	}
	return strings.TrimSpace(v.Fallback), nil
}

// ControllerFactory builds an idle controller for version.
type ControllerFactory func(version string) (*lifecycle.Controller, error)

// HostConfig wires a Host.
type HostConfig struct {
	Enabled        bool
	Factory        ControllerFactory
	Source         VersionSource
	UpdateInterval time.Duration
	// OnServing observes every change of the serving flag.
	OnServing func(serving bool)
	Logger    *log.Logger
}

// Host owns the active controller: registration, update checks and
// unregistration.
type Host struct {
	enabled   bool
	factory   ControllerFactory
	source    VersionSource
	interval  time.Duration
	onServing func(bool)
	logger    *log.Logger

	installMu sync.Mutex
	active    atomic.Pointer[lifecycle.Controller]
	// failed is the last version whose install or activation failed. The
	// update loop skips it until the source reports another version.
	failed string
}

// NewHost builds a host. A disabled host never builds a controller.
func NewHost(config HostConfig) (*Host, error) {
	if config.Enabled && config.Factory == nil {
		return nil, fmt.Errorf("controller factory is required")
	}
	if config.Source == nil {
		config.Source = StaticVersion("")
	}
	if config.UpdateInterval <= 0 {
		config.UpdateInterval = timeouts.UpdateCheck
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	return &Host{
		enabled:   config.Enabled,
		factory:   config.Factory,
		source:    config.Source,
		interval:  config.UpdateInterval,
		onServing: config.OnServing,
		logger:    config.Logger,
	}, nil
}

// Enabled reports whether registration is allowed.
func (h *Host) Enabled() bool {
	return h.enabled
}

// Active returns the serving controller, or nil when edge is pass-through.
func (h *Host) Active() *lifecycle.Controller {
	return h.active.Load()
}

// Register installs and activates the current version.
func (h *Host) Register(ctx context.Context) error {
	if !h.enabled {
		h.logger.Printf("edge: registration skipped, cache layer disabled for this environment")
		return nil
	}
	version, err := h.source.Version(ctx)
	if err != nil {
		return fmt.Errorf("resolve version: %w", err)
	}
	return h.install(ctx, version)
}

// CheckForUpdate installs the source version when it differs from the
// active one. It reports whether a new controller took over. A version that
// failed before is attempted again.
func (h *Host) CheckForUpdate(ctx context.Context) (bool, error) {
	return h.checkForUpdate(ctx, true)
}

func (h *Host) checkForUpdate(ctx context.Context, retryFailed bool) (bool, error) {
	if !h.enabled {
		return false, nil
	}
	version, err := h.source.Version(ctx)
	if err != nil {
		return false, fmt.Errorf("resolve version: %w", err)
	}
	version = strings.TrimSpace(version)
	if active := h.Active(); active != nil && active.Version() == version {
		return false, nil
	}
	if !retryFailed && version == h.failedVersion() {
		return false, nil
	}
	if err := h.install(ctx, version); err != nil {
		return false, err
	}
	return true, nil
}

func (h *Host) failedVersion() string {
	h.installMu.Lock()
	defer h.installMu.Unlock()
	return h.failed
}

// RunUpdates checks for a new version every interval until ctx ends. A
// version that failed to install is not retried until the source changes.
func (h *Host) RunUpdates(ctx context.Context) {
	if !h.enabled {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated, err := h.checkForUpdate(ctx, false)
			if err != nil {
				h.logger.Printf("edge: update check failed err=%v", err)
				continue
			}
			if updated {
				h.logger.Printf("edge: update applied version=%s", h.Active().Version())
			}
		}
	}
}

// Unregister retires the active controller. Edge serves pass-through until
// the next successful registration.
func (h *Host) Unregister() bool {
	h.installMu.Lock()
	defer h.installMu.Unlock()
	previous := h.active.Swap(nil)
	if previous == nil {
		return false
	}
	previous.Close()
	h.notify(false)
	h.logger.Printf("edge: unregistered version=%s", previous.Version())
	return true
}

// Close retires the active controller.
func (h *Host) Close() {
	h.Unregister()
}

// install runs a fresh controller through install and activate. An install
// failure leaves the previous controller serving. The previous controller is
// drained before the new one purges its stores, so edge passes requests
// straight through while activation runs.
func (h *Host) install(ctx context.Context, version string) error {
	h.installMu.Lock()
	defer h.installMu.Unlock()

	version = strings.TrimSpace(version)
	if version == "" {
		return fmt.Errorf("version is required")
	}
	next, err := h.factory(version)
	if err != nil {
		return fmt.Errorf("build controller %s: %w", version, err)
	}

	installCtx, cancel := context.WithTimeout(ctx, timeouts.Install)
	err = next.Install(installCtx)
	cancel()
	if err != nil {
		next.Close()
		h.failed = version
		if previous := h.Active(); previous != nil {
			h.logger.Printf("edge: version %s failed, keeping version=%s err=%v", version, previous.Version(), err)
		}
		return err
	}

	previous := h.active.Swap(nil)
	if previous != nil {
		previous.Close()
		h.logger.Printf("edge: retired version=%s next=%s", previous.Version(), version)
	}

	activateCtx, cancel := context.WithTimeout(ctx, timeouts.Activate)
	err = next.Activate(activateCtx)
	cancel()
	if err != nil {
		next.Close()
		h.failed = version
		if previous != nil {
			h.notify(false)
			h.logger.Printf("edge: version %s failed to activate, serving pass-through err=%v", version, err)
		}
		return err
	}

	h.active.Store(next)
	h.failed = ""
	h.notify(true)
	return nil
}

func (h *Host) notify(serving bool) {
	if h.onServing != nil {
		h.onServing(serving)
	}
}
