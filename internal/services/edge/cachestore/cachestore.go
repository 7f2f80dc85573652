// Package cachestore is the registry of named, versioned cache stores.
//
// A store identity is a logical name plus the build version, persisted as
// "<name>-v<version>" (for example "static-v1.1.0"). Only identities built
// from the running version are current; every other store is garbage that
// PurgeStale removes during activation.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
)

// Logical store names.
const (
	NameStatic  = "static"
	NameDynamic = "dynamic"
)

const versionSeparator = "-v"

// ErrNotCacheable rejects writes of non-2xx responses.
var ErrNotCacheable = errors.New("response status is not cacheable")

// Identity names one versioned store.
type Identity struct {
	Name    string
	Version string
}

// String returns the persisted store name.
func (i Identity) String() string {
	return i.Name + versionSeparator + i.Version
}

// ParseIdentity splits a persisted store name on its last "-v".
func ParseIdentity(value string) (Identity, bool) {
	idx := strings.LastIndex(value, versionSeparator)
	if idx <= 0 || idx+len(versionSeparator) >= len(value) {
		return Identity{}, false
	}
	return Identity{Name: value[:idx], Version: value[idx+len(versionSeparator):]}, true
}

// RequestKey derives the store key for r: its absolute URL without fragment.
func RequestKey(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	return URLKey(r.URL)
}

// URLKey derives the store key for u.
func URLKey(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}

// Registry opens and evicts stores for one build version.
type Registry struct {
	backend edgestorage.Backend
	version string
}

// NewRegistry binds backend to the running build version.
func NewRegistry(backend edgestorage.Backend, version string) (*Registry, error) {
	if backend == nil {
		return nil, fmt.Errorf("cache backend is required")
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, fmt.Errorf("cache version is required")
	}
	return &Registry{backend: backend, version: version}, nil
}

// Version returns the build version the registry serves.
func (r *Registry) Version() string {
	return r.version
}

// Identity returns the current identity for a logical name.
func (r *Registry) Identity(name string) Identity {
	return Identity{Name: name, Version: r.version}
}

// Current returns the identities this version keeps through PurgeStale.
func (r *Registry) Current() []Identity {
	return []Identity{r.Identity(NameStatic), r.Identity(NameDynamic)}
}

// Open returns the current store for name, creating it when absent.
func (r *Registry) Open(ctx context.Context, name string) (*Store, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("store name is required")
	}
	id := r.Identity(name)
	if err := r.backend.CreateCache(ctx, id.String()); err != nil {
		return nil, fmt.Errorf("open store %s: %w", id, err)
	}
	return &Store{id: id, backend: r.backend}, nil
}

// PurgeStale deletes every store whose identity is not in current and
// returns the deleted names. Names that do not parse as identities are
// never current and are deleted too.
func (r *Registry) PurgeStale(ctx context.Context, current []Identity) ([]string, error) {
	keep := make(map[string]struct{}, len(current))
	for _, id := range current {
		keep[id.String()] = struct{}{}
	}
	names, err := r.backend.ListCaches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	var deleted []string
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		existed, err := r.backend.DeleteCache(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete store %s: %w", name, err)
		}
		if existed {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}

// Clear deletes every store regardless of version.
func (r *Registry) Clear(ctx context.Context) ([]string, error) {
	return r.PurgeStale(ctx, nil)
}

// StoreStats summarizes one persisted store.
type StoreStats struct {
	Name    string
	Current bool
	Entries int
	Bytes   int
}

// Stats lists every persisted store with its entry count and body size.
func (r *Registry) Stats(ctx context.Context) ([]StoreStats, error) {
	names, err := r.backend.ListCaches(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	current := make(map[string]bool)
	for _, id := range r.Current() {
		current[id.String()] = true
	}
	stats := make([]StoreStats, 0, len(names))
	for _, name := range names {
		entries, err := r.backend.ListEntries(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("list entries of %s: %w", name, err)
		}
		stat := StoreStats{Name: name, Current: current[name], Entries: len(entries)}
		for _, entry := range entries {
			stat.Bytes += len(entry.Response.Body)
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// Store is a handle to one current cache store.
type Store struct {
	id      Identity
	backend edgestorage.Backend
}

// Identity returns the store identity.
func (s *Store) Identity() Identity {
	return s.id
}

// Get returns the stored response for key.
func (s *Store) Get(ctx context.Context, key string) (edgestorage.Response, bool, error) {
	resp, ok, err := s.backend.GetEntry(ctx, s.id.String(), key)
	if err != nil {
		return edgestorage.Response{}, false, fmt.Errorf("get %s from %s: %w", key, s.id, err)
	}
	return resp, ok, nil
}

// Put stores resp under key. Only 2xx responses are accepted.
func (s *Store) Put(ctx context.Context, key string, resp edgestorage.Response) error {
	return s.PutAll(ctx, []edgestorage.Entry{{Key: key, Response: resp}})
}

// PutAll stores every entry atomically; one non-2xx response rejects the
// whole batch.
func (s *Store) PutAll(ctx context.Context, entries []edgestorage.Entry) error {
	for _, entry := range entries {
		if !entry.Response.OK() {
			return fmt.Errorf("put %s (status %d): %w", entry.Key, entry.Response.Status, ErrNotCacheable)
		}
	}
	if err := s.backend.PutEntries(ctx, s.id.String(), entries); err != nil {
		return fmt.Errorf("put into %s: %w", s.id, err)
	}
	return nil
}

// Entries lists the store contents in insertion order.
func (s *Store) Entries(ctx context.Context) ([]edgestorage.Entry, error) {
	entries, err := s.backend.ListEntries(ctx, s.id.String())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.id, err)
	}
	return entries, nil
}
