// Package strategy implements the three retrieval policies.
//
// Every strategy takes a request and the store it is bound to and returns a
// response or a network error. All of them share one write-through rule: a
// network response is written to the store only when its status is exactly
// 200, and a failed write never fails the request.
package strategy

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/noncefirewall/portfolio/internal/services/edge/cachestore"
	"github.com/noncefirewall/portfolio/internal/services/edge/fetch"
	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
	"golang.org/x/sync/singleflight"
)

// Name identifies a strategy.
type Name string

const (
	CacheFirst           Name = "cache_first"
	NetworkFirst         Name = "network_first"
	StaleWhileRevalidate Name = "stale_while_revalidate"
	Bypass               Name = "bypass"
)

// Source reports where a response came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceNetwork  Source = "network"
	SourceFallback Source = "fallback"
)

// Result is a strategy outcome.
type Result struct {
	Response edgestorage.Response
	Source   Source
}

// Func is the shape shared by every strategy.
type Func func(ctx context.Context, r *http.Request, store *cachestore.Store) (Result, error)

// Engine runs strategies against one network Fetcher.
type Engine struct {
	fetcher    fetch.Fetcher
	logger     *log.Logger
	flights    singleflight.Group
	background sync.WaitGroup
}

// NewEngine builds an Engine. A nil logger logs through the log package.
func NewEngine(fetcher fetch.Fetcher, logger *log.Logger) (*Engine, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{fetcher: fetcher, logger: logger}, nil
}

// Lookup returns the strategy function for name.
func (e *Engine) Lookup(name Name) (Func, bool) {
	switch name {
	case CacheFirst:
		return e.CacheFirst, true
	case NetworkFirst:
		return e.NetworkFirst, true
	case StaleWhileRevalidate:
		return e.StaleWhileRevalidate, true
	default:
		return nil, false
	}
}

// CacheFirst answers from store when the key is present and never touches
// the network in that case. A miss fetches, writes through and returns; a
// failed fetch propagates.
func (e *Engine) CacheFirst(ctx context.Context, r *http.Request, store *cachestore.Store) (Result, error) {
	if !cacheable(r) {
		return e.Bypass(ctx, r)
	}
	key := cachestore.RequestKey(r)
	if cached, ok := e.lookup(ctx, store, key); ok {
		return Result{Response: cached, Source: SourceCache}, nil
	}
	resp, err := e.fetcher.Fetch(ctx, r)
	if err != nil {
		return Result{}, err
	}
	e.writeThrough(ctx, store, key, resp)
	return Result{Response: resp, Source: SourceNetwork}, nil
}

// NetworkFirst fetches first and writes through; when the network fails it
// falls back to the stored copy, and propagates the error only on a miss.
func (e *Engine) NetworkFirst(ctx context.Context, r *http.Request, store *cachestore.Store) (Result, error) {
	if !cacheable(r) {
		return e.Bypass(ctx, r)
	}
	key := cachestore.RequestKey(r)
	resp, err := e.fetcher.Fetch(ctx, r)
	if err == nil {
		e.writeThrough(ctx, store, key, resp)
		return Result{Response: resp, Source: SourceNetwork}, nil
	}
	if cached, ok := e.lookup(ctx, store, key); ok {
		return Result{Response: cached, Source: SourceCache}, nil
	}
	return Result{}, err
}

// StaleWhileRevalidate returns the stored copy immediately when present and
// refreshes the store in the background for the next request. On a miss it
// waits for the same revalidation and returns its result.
func (e *Engine) StaleWhileRevalidate(ctx context.Context, r *http.Request, store *cachestore.Store) (Result, error) {
	if !cacheable(r) {
		return e.Bypass(ctx, r)
	}
	key := cachestore.RequestKey(r)
	cached, hit := e.lookup(ctx, store, key)
	flight := e.revalidate(r, store, key)
	if hit {
		e.background.Add(1)
		go func() {
			defer e.background.Done()
			if res := <-flight; res.Err != nil {
				e.logger.Printf("edge: revalidate failed store=%s key=%s err=%v", store.Identity(), key, res.Err)
			}
		}()
		return Result{Response: cached, Source: SourceCache}, nil
	}

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return Result{}, res.Err
		}
		resp := res.Val.(edgestorage.Response)
		return Result{Response: resp.Clone(), Source: SourceNetwork}, nil
	}
}

// Bypass sends r straight to the network with no store access.
func (e *Engine) Bypass(ctx context.Context, r *http.Request) (Result, error) {
	resp, err := e.fetcher.Fetch(ctx, r)
	if err != nil {
		return Result{}, err
	}
	return Result{Response: resp, Source: SourceNetwork}, nil
}

// Wait blocks until every background revalidation has settled.
func (e *Engine) Wait() {
	e.background.Wait()
}

// revalidate starts, or joins, the single in-flight refresh of key. The
// fetch is detached from the caller so it outlives an early cache answer.
func (e *Engine) revalidate(r *http.Request, store *cachestore.Store, key string) <-chan singleflight.Result {
	ctx := context.WithoutCancel(r.Context())
	return e.flights.DoChan(store.Identity().String()+" "+key, func() (any, error) {
		resp, err := e.fetcher.Fetch(ctx, r)
		if err != nil {
			return nil, err
		}
		e.writeThrough(ctx, store, key, resp)
		return resp, nil
	})
}

func (e *Engine) lookup(ctx context.Context, store *cachestore.Store, key string) (edgestorage.Response, bool) {
	cached, ok, err := store.Get(ctx, key)
	if err != nil {
		e.logger.Printf("edge: cache read failed store=%s key=%s err=%v", store.Identity(), key, err)
		return edgestorage.Response{}, false
	}
	return cached, ok
}

func (e *Engine) writeThrough(ctx context.Context, store *cachestore.Store, key string, resp edgestorage.Response) {
	if resp.Status != http.StatusOK {
		return
	}
	if err := store.Put(ctx, key, resp); err != nil {
		e.logger.Printf("edge: write-through failed store=%s key=%s err=%v", store.Identity(), key, err)
	}
}

func cacheable(r *http.Request) bool {
	return r != nil && r.Method == http.MethodGet
}
