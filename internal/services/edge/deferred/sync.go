// Package deferred holds the fire-and-forget handlers that run outside the
// request path: the background-sync hook and the push-to-notification bridge.
//
// Neither handler returns an error to its trigger. Failures are logged and
// the event is dropped.
package deferred

import (
	"context"
	"fmt"
	"log"
)

// SyncTag is the only background-sync tag the hook reacts to.
const SyncTag = "background-sync"

// ReplayFunc reconciles offline writes once connectivity returns.
type ReplayFunc func(ctx context.Context) error

// SyncHook runs the reconciliation step for SyncTag events.
type SyncHook struct {
	replay ReplayFunc
	logger *log.Logger
}

// NewSyncHook builds a hook. A nil replay only logs the sync.
func NewSyncHook(replay ReplayFunc, logger *log.Logger) *SyncHook {
	if logger == nil {
		logger = log.Default()
	}
	return &SyncHook{replay: replay, logger: logger}
}

// HandleSync reacts to a sync event. It reports whether tag was handled;
// replay failures and panics are logged and swallowed.
func (h *SyncHook) HandleSync(ctx context.Context, tag string) (handled bool) {
	h.logger.Printf("edge: background sync tag=%s", tag)
	if tag != SyncTag {
		return false
	}
	handled = true
	defer func() {
		if recovered := recover(); recovered != nil {
			h.logger.Printf("edge: background sync panic tag=%s err=%v", tag, recovered)
		}
	}()
	h.logger.Printf("edge: performing background sync")
	if h.replay == nil {
		return handled
	}
	if err := h.replay(ctx); err != nil {
		h.logger.Printf("edge: background sync failed tag=%s err=%v", tag, fmt.Errorf("replay: %w", err))
	}
	return handled
}
