// Package memory provides an in-process cache backend.
//
// It backs the edge when no database path is configured and gives tests a
// backend with no disk footprint.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
)

type cache struct {
	order   []string
	entries map[string]edgestorage.Entry
}

func (c *cache) put(entry edgestorage.Entry) {
	if _, ok := c.entries[entry.Key]; ok {
		c.order = slices.DeleteFunc(c.order, func(key string) bool { return key == entry.Key })
	}
	c.order = append(c.order, entry.Key)
	c.entries[entry.Key] = entry
}

// Store keeps caches in memory behind a single mutex.
type Store struct {
	mu     sync.RWMutex
	caches map[string]*cache
	now    func() time.Time
}

// New returns an empty in-memory backend.
func New() *Store {
	return &Store{caches: make(map[string]*cache), now: time.Now}
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// CreateCache registers name when absent.
func (s *Store) CreateCache(_ context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("cache name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(name)
	return nil
}

// ListCaches returns every cache name in lexical order.
func (s *Store) ListCaches(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// DeleteCache drops name and its entries.
func (s *Store) DeleteCache(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.caches[name]; !ok {
		return false, nil
	}
	delete(s.caches, name)
	return true, nil
}

// GetEntry returns a copy of the stored response for key.
func (s *Store) GetEntry(_ context.Context, name, key string) (edgestorage.Response, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caches[name]
	if !ok {
		return edgestorage.Response{}, false, nil
	}
	entry, ok := c.entries[key]
	if !ok {
		return edgestorage.Response{}, false, nil
	}
	return entry.Response.Clone(), true, nil
}

// PutEntries writes the batch under one lock, so readers never see half of it.
func (s *Store) PutEntries(_ context.Context, name string, entries []edgestorage.Entry) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("cache name is required")
	}
	for _, entry := range entries {
		if strings.TrimSpace(entry.Key) == "" {
			return fmt.Errorf("cache key is required")
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.ensure(name)
	now := s.now().UTC()
	for _, entry := range entries {
		entry.Response = entry.Response.Clone()
		if entry.StoredAt.IsZero() {
			entry.StoredAt = now
		}
		c.put(entry)
	}
	return nil
}

// ListEntries returns copies of every entry in insertion order.
func (s *Store) ListEntries(_ context.Context, name string) ([]edgestorage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caches[name]
	if !ok {
		return nil, nil
	}
	out := make([]edgestorage.Entry, 0, len(c.order))
	for _, key := range c.order {
		entry := c.entries[key]
		entry.Response = entry.Response.Clone()
		out = append(out, entry)
	}
	return out, nil
}

func (s *Store) ensure(name string) *cache {
	c, ok := s.caches[name]
	if !ok {
		c = &cache{entries: make(map[string]edgestorage.Entry)}
		s.caches[name] = c
	}
	return c
}

var _ edgestorage.Backend = (*Store)(nil)
