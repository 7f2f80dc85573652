package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/noncefirewall/portfolio/internal/services/edge/cachestore"
	"github.com/noncefirewall/portfolio/internal/services/edge/classify"
	"github.com/noncefirewall/portfolio/internal/services/edge/deferred"
	edgeerrors "github.com/noncefirewall/portfolio/internal/services/edge/errors"
	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
	"github.com/noncefirewall/portfolio/internal/services/edge/storage/memory"
	"github.com/noncefirewall/portfolio/internal/services/edge/strategy"
)

const origin = "https://site.example"

type fakeOrigin struct {
	mu      sync.Mutex
	pages   map[string]edgestorage.Response
	counts  map[string]int
	offline atomic.Bool
}

func newFakeOrigin() *fakeOrigin {
	pages := map[string]edgestorage.Response{}
	for _, asset := range classify.DefaultSeedAssets {
		pages[asset] = edgestorage.Text(200, "asset "+asset)
	}
	pages["/"] = edgestorage.Text(200, "shell")
	return &fakeOrigin{pages: pages, counts: map[string]int{}}
}

func (o *fakeOrigin) set(path string, resp edgestorage.Response) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[path] = resp
}

func (o *fakeOrigin) count(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[path]
}

func (o *fakeOrigin) Fetch(_ context.Context, r *http.Request) (edgestorage.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts[r.URL.Path]++
	if o.offline.Load() {
		return edgestorage.Response{}, edgeerrors.Wrap(edgeerrors.KindNetwork, "fetch "+r.URL.String(), errors.New("offline"))
	}
	if resp, ok := o.pages[r.URL.Path]; ok {
		return resp.Clone(), nil
	}
	return edgestorage.Text(404, "not found"), nil
}

type recordingClaimer struct {
	versions []string
}

func (c *recordingClaimer) Claim(_ context.Context, version string) error {
	c.versions = append(c.versions, version)
	return nil
}

type harness struct {
	backend    *memory.Store
	registry   *cachestore.Registry
	origin     *fakeOrigin
	controller *Controller
	claimer    *recordingClaimer
}

func newHarness(t *testing.T, version string, seeds []string) *harness {
	t.Helper()
	return newHarnessWithBackend(t, memory.New(), newFakeOrigin(), version, seeds)
}

func newHarnessWithBackend(t *testing.T, backend *memory.Store, upstream *fakeOrigin, version string, seeds []string) *harness {
	t.Helper()
	registry, err := cachestore.NewRegistry(backend, version)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	classifier, err := classify.New(classify.DefaultRules())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	base, err := url.Parse(origin)
	if err != nil {
		t.Fatalf("parse origin: %v", err)
	}
	claimer := &recordingClaimer{}
	controller, err := New(Config{
		Registry:   registry,
		Classifier: classifier,
		Fetcher:    upstream,
		Origin:     base,
		SeedAssets: seeds,
		Claimer:    claimer,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	t.Cleanup(controller.Close)
	return &harness{backend: backend, registry: registry, origin: upstream, controller: controller, claimer: claimer}
}

func navigation(path string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, origin+path, nil)
	r.Header.Set("Accept", "text/html,application/xhtml+xml")
	return r
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty config")
	}
}

func TestStartSeedsStaticStoreAndServes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", classify.DefaultSeedAssets)
	ctx := context.Background()
	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.controller.State(); got != StateServing {
		t.Fatalf("state = %s, want serving", got)
	}
	static, err := h.registry.Open(ctx, cachestore.NameStatic)
	if err != nil {
		t.Fatalf("open static: %v", err)
	}
	entries, err := static.Entries(ctx)
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != len(classify.DefaultSeedAssets) {
		t.Fatalf("seeded = %d, want %d", len(entries), len(classify.DefaultSeedAssets))
	}
	if entries[0].Key != origin+"/" {
		t.Fatalf("first key = %q", entries[0].Key)
	}
	if len(h.claimer.versions) != 1 || h.claimer.versions[0] != "1.1.0" {
		t.Fatalf("claimed = %v", h.claimer.versions)
	}
}

func TestInstallFailureIsAtomicAndRedundant(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", classify.DefaultSeedAssets)
	h.origin.set("/favicon.ico", edgestorage.Text(404, "gone"))
	ctx := context.Background()

	err := h.controller.Install(ctx)
	if !errors.Is(err, edgeerrors.ErrInstall) {
		t.Fatalf("err = %v, want install error", err)
	}
	if got := h.controller.State(); got != StateRedundant {
		t.Fatalf("state = %s, want redundant", got)
	}
	entries, err := h.backend.ListEntries(ctx, "static-v1.1.0")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("partial seed stored %d entries", len(entries))
	}
	names, err := h.backend.ListCaches(ctx)
	if err != nil {
		t.Fatalf("list caches: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("failed install left stores behind: %v", names)
	}
	if err := h.controller.Activate(ctx); err == nil {
		t.Fatal("expected activate to refuse a redundant controller")
	}
}

func TestActivatePurgesStaleStores(t *testing.T) {
	t.Parallel()

	backend := memory.New()
	ctx := context.Background()
	for _, name := range []string{"static-v1.0.0", "dynamic-v1.0.0", "workbox-precache"} {
		if err := backend.CreateCache(ctx, name); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	h := newHarnessWithBackend(t, backend, newFakeOrigin(), "1.1.0", classify.DefaultSeedAssets)
	if err := h.controller.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	outcome, err := h.controller.Dispatch(ctx, Event{Type: EventActivate})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(outcome.Purged) != 3 {
		t.Fatalf("purged = %v", outcome.Purged)
	}
	names, err := backend.ListCaches(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, name := range names {
		if name != "static-v1.1.0" && name != "dynamic-v1.1.0" {
			t.Fatalf("stale cache survived: %s", name)
		}
	}
}

func TestFetchBeforeServingIsUnavailable(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", classify.DefaultSeedAssets)
	_, err := h.controller.Fetch(context.Background(), navigation("/about"))
	if edgeerrors.KindOf(err) != edgeerrors.KindUnavailable {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestOfflineNavigationFallsBackToShell(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", classify.DefaultSeedAssets)
	ctx := context.Background()
	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.origin.offline.Store(true)

	outcome, err := h.controller.Fetch(ctx, navigation("/blog/never-visited"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if outcome.Class != classify.NavigableDocument || outcome.Strategy != strategy.StaleWhileRevalidate {
		t.Fatalf("outcome = %+v", outcome)
	}
	if outcome.Source != strategy.SourceFallback || string(outcome.Response.Body) != "shell" {
		t.Fatalf("response = %d %q from %s", outcome.Response.Status, outcome.Response.Body, outcome.Source)
	}
}

func TestOfflineNavigationWithoutShellIsOffline503(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", []string{"/logo.png"})
	ctx := context.Background()
	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.origin.offline.Store(true)

	outcome, err := h.controller.Fetch(ctx, navigation("/contact"))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if outcome.Response.Status != http.StatusServiceUnavailable || string(outcome.Response.Body) != "Offline" {
		t.Fatalf("response = %d %q", outcome.Response.Status, outcome.Response.Body)
	}
}

func TestOfflineNonDocumentIsNetworkError503(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", classify.DefaultSeedAssets)
	ctx := context.Background()
	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.origin.offline.Store(true)

	requests := []*http.Request{
		httptest.NewRequest(http.MethodGet, origin+"/api/never-cached", nil),
		httptest.NewRequest(http.MethodPost, origin+"/api/contact", nil),
		httptest.NewRequest(http.MethodGet, origin+"/fonts/missing.woff2", nil),
	}
	for _, r := range requests {
		outcome, err := h.controller.Fetch(ctx, r)
		if err != nil {
			t.Fatalf("%s %s: %v", r.Method, r.URL, err)
		}
		if outcome.Response.Status != http.StatusServiceUnavailable || string(outcome.Response.Body) != "Network error" {
			t.Fatalf("%s %s = %d %q", r.Method, r.URL, outcome.Response.Status, outcome.Response.Body)
		}
	}
}

func TestSeededAssetIsServedWithoutNetwork(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", classify.DefaultSeedAssets)
	ctx := context.Background()
	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.origin.count("/logo.png"); got != 1 {
		t.Fatalf("install fetches = %d, want 1", got)
	}
	for i := 0; i < 3; i++ {
		outcome, err := h.controller.Fetch(ctx, httptest.NewRequest(http.MethodGet, origin+"/logo.png", nil))
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if outcome.Source != strategy.SourceCache || outcome.Strategy != strategy.CacheFirst {
			t.Fatalf("outcome = %+v", outcome)
		}
	}
	if got := h.origin.count("/logo.png"); got != 1 {
		t.Fatalf("logo fetches = %d, want 1", got)
	}
}

func TestAPIDataServedFromDynamicWhenOffline(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", classify.DefaultSeedAssets)
	ctx := context.Background()
	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.origin.set("/api/projects", edgestorage.Text(200, `[{"id":"p1"}]`))

	online, err := h.controller.Fetch(ctx, httptest.NewRequest(http.MethodGet, origin+"/api/projects", nil))
	if err != nil {
		t.Fatalf("online: %v", err)
	}
	if online.Class != classify.APIData || online.Source != strategy.SourceNetwork {
		t.Fatalf("online = %+v", online)
	}
	h.origin.offline.Store(true)
	offline, err := h.controller.Fetch(ctx, httptest.NewRequest(http.MethodGet, origin+"/api/projects", nil))
	if err != nil {
		t.Fatalf("offline: %v", err)
	}
	if offline.Source != strategy.SourceCache || string(offline.Response.Body) != `[{"id":"p1"}]` {
		t.Fatalf("offline = %+v", offline)
	}
}

func TestNavigationRevalidatesInBackground(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", classify.DefaultSeedAssets)
	ctx := context.Background()
	if err := h.controller.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.origin.set("/about", edgestorage.Text(200, "about v1"))
	if _, err := h.controller.Fetch(ctx, navigation("/about")); err != nil {
		t.Fatalf("first: %v", err)
	}
	h.origin.set("/about", edgestorage.Text(200, "about v2"))

	stale, err := h.controller.Fetch(ctx, navigation("/about"))
	if err != nil {
		t.Fatalf("stale: %v", err)
	}
	if string(stale.Response.Body) != "about v1" || stale.Source != strategy.SourceCache {
		t.Fatalf("stale = %q from %s", stale.Response.Body, stale.Source)
	}
	h.controller.Wait()
	fresh, err := h.controller.Fetch(ctx, navigation("/about"))
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if string(fresh.Response.Body) != "about v2" {
		t.Fatalf("fresh = %q", fresh.Response.Body)
	}
	h.controller.Wait()
}

func TestSyncAndPushEvents(t *testing.T) {
	t.Parallel()

	replays := atomic.Int32{}
	notifier := &countingNotifier{}
	backend := memory.New()
	registry, err := cachestore.NewRegistry(backend, "1.1.0")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	classifier, err := classify.New(classify.DefaultRules())
	if err != nil {
		t.Fatalf("classifier: %v", err)
	}
	bridge, err := deferred.NewPushBridge(notifier, nil)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	base, _ := url.Parse(origin)
	controller, err := New(Config{
		Registry:   registry,
		Classifier: classifier,
		Fetcher:    newFakeOrigin(),
		Origin:     base,
		Sync: deferred.NewSyncHook(func(context.Context) error {
			replays.Add(1)
			return nil
		}, nil),
		Push: bridge,
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	t.Cleanup(controller.Close)
	ctx := context.Background()

	synced, err := controller.Dispatch(ctx, Event{Type: EventSync, Tag: deferred.SyncTag})
	if err != nil || !synced.Handled {
		t.Fatalf("sync = %+v, %v", synced, err)
	}
	pushed, err := controller.Dispatch(ctx, Event{Type: EventPush, Data: []byte(`{"title":"Hello","body":"World"}`)})
	if err != nil || !pushed.Handled {
		t.Fatalf("push = %+v, %v", pushed, err)
	}
	dropped, err := controller.Dispatch(ctx, Event{Type: EventPush, Data: []byte(`{broken`)})
	if err != nil || dropped.Handled {
		t.Fatalf("malformed push = %+v, %v", dropped, err)
	}
	if _, err := controller.Dispatch(ctx, Event{Type: EventNotificationClick, Click: deferred.Click{NotificationID: "n1", Action: deferred.ActionExplore}}); err != nil {
		t.Fatalf("click: %v", err)
	}
	if replays.Load() != 1 || notifier.shown.Load() != 1 || notifier.opened.Load() != 1 {
		t.Fatalf("replays=%d shown=%d opened=%d", replays.Load(), notifier.shown.Load(), notifier.opened.Load())
	}
}

func TestDispatchRejectsUnknownEventAndClosedController(t *testing.T) {
	t.Parallel()

	h := newHarness(t, "1.1.0", nil)
	ctx := context.Background()
	if _, err := h.controller.Dispatch(ctx, Event{Type: "message"}); edgeerrors.KindOf(err) != edgeerrors.KindInvalidInput {
		t.Fatalf("err = %v, want invalid input", err)
	}
	h.controller.Close()
	if _, err := h.controller.Dispatch(ctx, Event{Type: EventInstall}); err == nil {
		t.Fatal("expected closed controller error")
	}
	if got := h.controller.State(); got != StateRedundant {
		t.Fatalf("state = %s, want redundant", got)
	}
}

type countingNotifier struct {
	shown  atomic.Int32
	closed atomic.Int32
	opened atomic.Int32
}

func (n *countingNotifier) ShowNotification(context.Context, deferred.Notification) error {
	n.shown.Add(1)
	return nil
}

func (n *countingNotifier) CloseNotification(context.Context, string) error {
	n.closed.Add(1)
	return nil
}

func (n *countingNotifier) OpenWindow(context.Context, string) error {
	n.opened.Add(1)
	return nil
}
