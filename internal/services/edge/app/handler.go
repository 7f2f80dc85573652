package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/a-h/templ"
	"github.com/noncefirewall/portfolio/internal/services/edge/cachestore"
	"github.com/noncefirewall/portfolio/internal/services/edge/clients"
	"github.com/noncefirewall/portfolio/internal/services/edge/deferred"
	edgeerrors "github.com/noncefirewall/portfolio/internal/services/edge/errors"
	"github.com/noncefirewall/portfolio/internal/services/edge/fetch"
	"github.com/noncefirewall/portfolio/internal/services/edge/httpx"
	"github.com/noncefirewall/portfolio/internal/services/edge/lifecycle"
	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
	"golang.org/x/sync/errgroup"
)

const (
	controlPrefix = "/_edge/"

	maxPushBodyBytes = 64 * 1024
	maxPreloads      = 4
)

// DefaultCriticalRoutes are warmed into the dynamic store by /_edge/preload.
var DefaultCriticalRoutes = []string{"/", "/projects", "/about", "/contact", "/blog", "/reviews", "/products"}

// DefaultAdminRoutes are added to the preload with scope=admin.
var DefaultAdminRoutes = []string{"/admin", "/admin/login"}

type handler struct {
	host           *Host
	hub            *clients.Hub
	fetcher        fetch.Fetcher
	origin         *url.URL
	criticalRoutes []string
	adminRoutes    []string
	logger         *log.Logger
}

func newHandler(h *handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle(controlPrefix+"status", httpx.RequireMethod(http.MethodGet)(http.HandlerFunc(h.serveStatus)))
	mux.Handle(controlPrefix+"clients", h.hub.Handler())
	mux.Handle(controlPrefix+"push", httpx.RequireMethod(http.MethodPost)(http.HandlerFunc(h.servePush)))
	mux.Handle(controlPrefix+"sync", httpx.RequireMethod(http.MethodPost)(http.HandlerFunc(h.serveSync)))
	mux.Handle(controlPrefix+"cache/clear", httpx.RequireMethod(http.MethodPost)(http.HandlerFunc(h.serveClear)))
	mux.Handle(controlPrefix+"preload", httpx.RequireMethod(http.MethodPost)(http.HandlerFunc(h.servePreload)))
	mux.Handle(controlPrefix+"update", httpx.RequireMethod(http.MethodPost)(http.HandlerFunc(h.serveUpdate)))
	mux.Handle(controlPrefix+"unregister", httpx.RequireMethod(http.MethodPost)(http.HandlerFunc(h.serveUnregister)))
	mux.HandleFunc("/", h.serveIntercept)

	return httpx.Chain(mux,
		httpx.RecoverPanic(),
		httpx.RequestID(),
		httpx.RequestLogger(h.logger),
	)
}

// serveIntercept is the fetch path: every page request goes through the
// active controller, or straight upstream when none is serving.
func (h *handler) serveIntercept(w http.ResponseWriter, r *http.Request) {
	out := h.outbound(r)
	if controller := h.host.Active(); controller != nil {
		outcome, err := controller.Fetch(out.Context(), out)
		if err == nil {
			w.Header().Set(httpx.HeaderClass, outcome.Class.String())
			w.Header().Set(httpx.HeaderSource, string(outcome.Source))
			h.write(w, outcome.Response)
			return
		}
		h.logger.Printf("edge: controller fetch failed version=%s err=%v", controller.Version(), err)
	}

	resp, err := h.fetcher.Fetch(out.Context(), out)
	if err != nil {
		h.logger.Printf("edge: pass-through failed url=%s err=%v", out.URL.Redacted(), err)
		httpx.WriteError(w, err)
		return
	}
	w.Header().Set(httpx.HeaderSource, "network")
	h.write(w, resp)
}

// outbound rewrites r to an absolute upstream request. Proxy-form requests
// keep their own absolute URL; origin-form requests resolve against origin.
func (h *handler) outbound(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	if !r.URL.IsAbs() {
		target := *h.origin
		target.Path = r.URL.Path
		target.RawPath = r.URL.RawPath
		target.RawQuery = r.URL.RawQuery
		target.Fragment = ""
		out.URL = &target
	}
	out.Host = out.URL.Host
	return out
}

func (h *handler) write(w http.ResponseWriter, resp edgestorage.Response) {
	if err := resp.Write(w); err != nil {
		h.logger.Printf("edge: write response failed err=%v", err)
	}
}

func (h *handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	view, err := h.status(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	if httpx.WantsJSON(r) {
		_ = httpx.WriteJSON(w, http.StatusOK, view)
		return
	}
	templ.Handler(StatusPage(view), templ.WithErrorHandler(func(_ *http.Request, err error) http.Handler {
		h.logger.Printf("edge: render status failed err=%v", err)
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
	})).ServeHTTP(w, r)
}

func (h *handler) status(ctx context.Context) (StatusView, error) {
	view := StatusView{Enabled: h.host.Enabled(), State: "pass-through", Clients: h.hub.Count()}
	controller := h.host.Active()
	if controller == nil {
		return view, nil
	}
	view.State = controller.State().String()
	view.Version = controller.Version()
	stats, err := controller.Registry().Stats(ctx)
	if err != nil {
		return StatusView{}, fmt.Errorf("cache stats: %w", err)
	}
	view.Stores = stats
	return view, nil
}

func (h *handler) requireController(w http.ResponseWriter) *lifecycle.Controller {
	controller := h.host.Active()
	if controller == nil {
		httpx.WriteError(w, edgeerrors.E(edgeerrors.KindUnavailable, "no controller is serving"))
	}
	return controller
}

func (h *handler) servePush(w http.ResponseWriter, r *http.Request) {
	controller := h.requireController(w)
	if controller == nil {
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxPushBodyBytes+1))
	if err != nil {
		httpx.WriteError(w, edgeerrors.Wrap(edgeerrors.KindInvalidInput, "read push body", err))
		return
	}
	if len(data) > maxPushBodyBytes {
		httpx.WriteError(w, edgeerrors.E(edgeerrors.KindInvalidInput, "push body too large"))
		return
	}
	outcome, err := controller.Dispatch(r.Context(), lifecycle.Event{Type: lifecycle.EventPush, Data: data})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusAccepted, map[string]bool{"shown": outcome.Handled})
}

func (h *handler) serveSync(w http.ResponseWriter, r *http.Request) {
	controller := h.requireController(w)
	if controller == nil {
		return
	}
	tag := strings.TrimSpace(r.URL.Query().Get("tag"))
	if tag == "" {
		httpx.WriteError(w, edgeerrors.E(edgeerrors.KindInvalidInput, "tag is required"))
		return
	}
	outcome, err := controller.Dispatch(r.Context(), lifecycle.Event{Type: lifecycle.EventSync, Tag: tag})
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusAccepted, map[string]bool{"handled": outcome.Handled})
}

func (h *handler) serveClear(w http.ResponseWriter, r *http.Request) {
	controller := h.requireController(w)
	if controller == nil {
		return
	}
	deleted, err := controller.Registry().Clear(r.Context())
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	h.logger.Printf("edge: cleared caches count=%d", len(deleted))
	_ = httpx.WriteJSON(w, http.StatusOK, map[string][]string{"deleted": nonNil(deleted)})
}

// servePreload warms the dynamic store with the critical routes. Individual
// failures are ignored.
func (h *handler) servePreload(w http.ResponseWriter, r *http.Request) {
	controller := h.requireController(w)
	if controller == nil {
		return
	}
	routes := h.criticalRoutes
	if r.URL.Query().Get("scope") == "admin" {
		routes = h.adminRoutes
	}
	dynamic, err := controller.Registry().Open(r.Context(), cachestore.NameDynamic)
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	stored := make([]bool, len(routes))
	group, groupCtx := errgroup.WithContext(r.Context())
	group.SetLimit(maxPreloads)
	for i, route := range routes {
		group.Go(func() error {
			target := h.origin.ResolveReference(&url.URL{Path: route})
			req, err := http.NewRequestWithContext(groupCtx, http.MethodGet, target.String(), nil)
			if err != nil {
				return nil
			}
			resp, err := h.fetcher.Fetch(groupCtx, req)
			if err != nil || !resp.OK() {
				h.logger.Printf("edge: preload skipped route=%s err=%v", route, err)
				return nil
			}
			if err := dynamic.Put(groupCtx, cachestore.URLKey(target), resp); err != nil {
				h.logger.Printf("edge: preload store failed route=%s err=%v", route, err)
				return nil
			}
			stored[i] = true
			return nil
		})
	}
	_ = group.Wait()
	preloaded := 0
	for _, ok := range stored {
		if ok {
			preloaded++
		}
	}
	_ = httpx.WriteJSON(w, http.StatusOK, map[string]int{"preloaded": preloaded, "requested": len(routes)})
}

func (h *handler) serveUpdate(w http.ResponseWriter, r *http.Request) {
	if !h.host.Enabled() {
		httpx.WriteError(w, edgeerrors.E(edgeerrors.KindUnavailable, "cache layer is disabled"))
		return
	}
	var (
		updated bool
		err     error
	)
	if h.host.Active() == nil {
		err = h.host.Register(r.Context())
		updated = err == nil
	} else {
		updated, err = h.host.CheckForUpdate(r.Context())
	}
	if err != nil {
		httpx.WriteError(w, err)
		return
	}
	_ = httpx.WriteJSON(w, http.StatusOK, map[string]bool{"updated": updated})
}

func (h *handler) serveUnregister(w http.ResponseWriter, _ *http.Request) {
	_ = httpx.WriteJSON(w, http.StatusOK, map[string]bool{"unregistered": h.host.Unregister()})
}

// onClick routes page notification clicks to the active controller.
func (h *handler) onClick(ctx context.Context, click deferred.Click) {
	controller := h.host.Active()
	if controller == nil {
		h.logger.Printf("edge: notification click dropped id=%s", click.NotificationID)
		return
	}
	if _, err := controller.Dispatch(ctx, lifecycle.Event{Type: lifecycle.EventNotificationClick, Click: click}); err != nil {
		h.logger.Printf("edge: notification click failed id=%s err=%v", click.NotificationID, err)
	}
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
