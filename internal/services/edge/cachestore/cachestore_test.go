package cachestore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
	"github.com/noncefirewall/portfolio/internal/services/edge/storage/memory"
)

func TestParseIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Identity
		ok   bool
	}{
		{"static-v1.1.0", Identity{Name: "static", Version: "1.1.0"}, true},
		{"dynamic-v2", Identity{Name: "dynamic", Version: "2"}, true},
		{"nonce-firewall-v1.1.0", Identity{Name: "nonce-firewall", Version: "1.1.0"}, true},
		{"workbox-precache", Identity{}, false},
		{"static-v", Identity{}, false},
		{"-v1", Identity{}, false},
	}
	for _, tc := range tests {
		got, ok := ParseIdentity(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("ParseIdentity(%q) = (%+v, %v), want (%+v, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
		if ok && got.String() != tc.in {
			t.Fatalf("round trip %q = %q", tc.in, got.String())
		}
	}
}

func TestRequestKeyDropsFragment(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "https://site.example/blog?page=2#comments", nil)
	if got := RequestKey(r); got != "https://site.example/blog?page=2" {
		t.Fatalf("key = %q", got)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	registry := newRegistry(t, "1.1.0")
	first, err := registry.Open(ctx, NameStatic)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Put(ctx, "https://site/", edgestorage.Text(200, "shell")); err != nil {
		t.Fatalf("put: %v", err)
	}
	second, err := registry.Open(ctx, NameStatic)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok, err := second.Get(ctx, "https://site/")
	if err != nil || !ok {
		t.Fatalf("get = (%v, %v), want hit", ok, err)
	}
	if string(got.Body) != "shell" {
		t.Fatalf("body = %q, want shell", got.Body)
	}
	if second.Identity().String() != "static-v1.1.0" {
		t.Fatalf("identity = %s", second.Identity())
	}
}

func TestPutRejectsNonSuccessStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := newRegistry(t, "1").Open(ctx, NameDynamic)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, status := range []int{http.StatusMovedPermanently, http.StatusNotFound, http.StatusInternalServerError, 0} {
		err := store.Put(ctx, "https://site/api/x", edgestorage.Text(status, "err"))
		if !errors.Is(err, ErrNotCacheable) {
			t.Fatalf("put status %d: err = %v, want ErrNotCacheable", status, err)
		}
	}
	if err := store.Put(ctx, "https://site/api/x", edgestorage.Text(http.StatusNoContent, "")); err != nil {
		t.Fatalf("put 204: %v", err)
	}
	entries, _ := store.Entries(ctx)
	if len(entries) != 1 || entries[0].Response.Status != http.StatusNoContent {
		t.Fatalf("entries = %+v, want the single 204", entries)
	}
}

func TestPutAllRejectsWholeBatchOnBadStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := newRegistry(t, "1").Open(ctx, NameStatic)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	err = store.PutAll(ctx, []edgestorage.Entry{
		{Key: "https://site/", Response: edgestorage.Text(200, "shell")},
		{Key: "https://site/manifest.json", Response: edgestorage.Text(404, "missing")},
	})
	if !errors.Is(err, ErrNotCacheable) {
		t.Fatalf("err = %v, want ErrNotCacheable", err)
	}
	if _, ok, _ := store.Get(ctx, "https://site/"); ok {
		t.Fatal("expected no partial write")
	}
}

func TestPurgeStaleKeepsOnlyCurrentVersion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	backend := memory.New()
	for _, name := range []string{"static-v1.0.0", "dynamic-v1.0.0", "nonce-firewall-v1.1.0", "static-v1.1.0"} {
		if err := backend.PutEntries(ctx, name, []edgestorage.Entry{{Key: "k", Response: edgestorage.Text(200, name)}}); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}
	registry, err := NewRegistry(backend, "1.1.0")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	deleted, err := registry.PurgeStale(ctx, registry.Current())
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if len(deleted) != 3 {
		t.Fatalf("deleted = %v, want 3 stale stores", deleted)
	}
	names, _ := backend.ListCaches(ctx)
	if len(names) != 1 || names[0] != "static-v1.1.0" {
		t.Fatalf("remaining = %v, want [static-v1.1.0]", names)
	}
	for _, name := range names {
		id, ok := ParseIdentity(name)
		if !ok || id.Version != registry.Version() {
			t.Fatalf("store %s survived with foreign version", name)
		}
	}
}

func TestClearDeletesEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	registry := newRegistry(t, "1")
	for _, name := range []string{NameStatic, NameDynamic} {
		if _, err := registry.Open(ctx, name); err != nil {
			t.Fatalf("open %s: %v", name, err)
		}
	}
	deleted, err := registry.Clear(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if len(deleted) != 2 {
		t.Fatalf("deleted = %v, want both stores", deleted)
	}
}

func TestStatsReportsCurrentAndSizes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	registry := newRegistry(t, "2")
	store, _ := registry.Open(ctx, NameDynamic)
	_ = store.Put(ctx, "a", edgestorage.Text(200, "abc"))
	_ = store.Put(ctx, "b", edgestorage.Text(200, "de"))

	stats, err := registry.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("stats = %+v, want one store", stats)
	}
	if !stats[0].Current || stats[0].Entries != 2 || stats[0].Bytes != 5 {
		t.Fatalf("stats = %+v", stats[0])
	}
}

func TestNewRegistryValidatesInputs(t *testing.T) {
	t.Parallel()

	if _, err := NewRegistry(nil, "1"); err == nil {
		t.Fatal("expected missing backend error")
	}
	if _, err := NewRegistry(memory.New(), " "); err == nil {
		t.Fatal("expected missing version error")
	}
}

func newRegistry(t *testing.T, version string) *Registry {
	t.Helper()
	registry, err := NewRegistry(memory.New(), version)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return registry
}
