package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/noncefirewall/portfolio/internal/services/edge/cachestore"
	"github.com/noncefirewall/portfolio/internal/services/edge/classify"
	"github.com/noncefirewall/portfolio/internal/services/edge/deferred"
	edgeerrors "github.com/noncefirewall/portfolio/internal/services/edge/errors"
	"github.com/noncefirewall/portfolio/internal/services/edge/fetch"
	edgestorage "github.com/noncefirewall/portfolio/internal/services/edge/storage"
	"github.com/noncefirewall/portfolio/internal/services/edge/strategy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const (
	offlineBody      = "Offline"
	networkErrorBody = "Network error"

	maxSeedFetches = 8
)

var errControllerClosed = errors.New("controller is closed")

// Claimer takes control of the pages already open when a version activates.
type Claimer interface {
	Claim(ctx context.Context, version string) error
}

// Event is one lifecycle trigger. Fields beyond Type apply to the matching
// event only.
type Event struct {
	Type    EventType
	Request *http.Request
	Tag     string
	Data    []byte
	Click   deferred.Click
}

// Outcome is the result of one dispatched event.
type Outcome struct {
	State    State
	Class    classify.Class
	Strategy strategy.Name
	Source   strategy.Source
	Response edgestorage.Response
	Purged   []string
	Handled  bool
}

// Config wires a controller to its collaborators.
type Config struct {
	Registry   *cachestore.Registry
	Classifier *classify.Classifier
	Fetcher    fetch.Fetcher
	// Origin resolves seed asset paths into absolute request URLs.
	Origin     *url.URL
	SeedAssets []string
	Sync       *deferred.SyncHook
	Push       *deferred.PushBridge
	Claimer    Claimer
	Logger     *log.Logger
	Tracer     trace.Tracer
}

type handlerFunc func(ctx context.Context, event Event) (Outcome, error)

type envelope struct {
	ctx   context.Context
	event Event
	reply chan reply
}

type reply struct {
	outcome Outcome
	err     error
}

// Controller serves one cache version.
type Controller struct {
	registry   *cachestore.Registry
	classifier *classify.Classifier
	fetcher    fetch.Fetcher
	engine     *strategy.Engine
	origin     *url.URL
	seeds      []string
	sync       *deferred.SyncHook
	push       *deferred.PushBridge
	claimer    Claimer
	logger     *log.Logger
	tracer     trace.Tracer

	handlers map[EventType]handlerFunc
	inline   map[EventType]bool

	mu    sync.RWMutex
	state State

	mailbox  chan envelope
	done     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
	inflight sync.WaitGroup
}

// New builds a controller and starts its actor loop. Close stops it.
func New(config Config) (*Controller, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("cache registry is required")
	}
	if config.Classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if config.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if config.Origin == nil || !config.Origin.IsAbs() {
		return nil, fmt.Errorf("absolute origin url is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("edge")
	}
	engine, err := strategy.NewEngine(config.Fetcher, logger)
	if err != nil {
		return nil, fmt.Errorf("strategy engine: %w", err)
	}
	syncHook := config.Sync
	if syncHook == nil {
		syncHook = deferred.NewSyncHook(nil, logger)
	}

	c := &Controller{
		registry:   config.Registry,
		classifier: config.Classifier,
		fetcher:    config.Fetcher,
		engine:     engine,
		origin:     config.Origin,
		seeds:      append([]string(nil), config.SeedAssets...),
		sync:       syncHook,
		push:       config.Push,
		claimer:    config.Claimer,
		logger:     logger,
		tracer:     tracer,
		mailbox:    make(chan envelope),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	c.handlers = map[EventType]handlerFunc{
		EventInstall:           c.handleInstall,
		EventActivate:          c.handleActivate,
		EventFetch:             c.handleFetch,
		EventSync:              c.handleSync,
		EventPush:              c.handlePush,
		EventNotificationClick: c.handleNotificationClick,
	}
	c.inline = map[EventType]bool{EventInstall: true, EventActivate: true}
	go c.loop()
	return c, nil
}

// Version returns the cache version this controller serves.
func (c *Controller) Version() string {
	return c.registry.Version()
}

// Registry returns the cache store registry bound to this controller.
func (c *Controller) Registry() *cachestore.Registry {
	return c.registry
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Dispatch posts event to the mailbox and waits for its outcome.
func (c *Controller) Dispatch(ctx context.Context, event Event) (Outcome, error) {
	if ctx == nil {
		return Outcome{}, fmt.Errorf("context is required")
	}
	if _, ok := c.handlers[event.Type]; !ok {
		return Outcome{}, edgeerrors.E(edgeerrors.KindInvalidInput, fmt.Sprintf("unknown event %q", event.Type))
	}
	env := envelope{ctx: ctx, event: event, reply: make(chan reply, 1)}
	select {
	case c.mailbox <- env:
	case <-c.done:
		return Outcome{}, errControllerClosed
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	select {
	case r := <-env.reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Install seeds the static store.
func (c *Controller) Install(ctx context.Context) error {
	_, err := c.Dispatch(ctx, Event{Type: EventInstall})
	return err
}

// Activate purges stale stores and claims open pages.
func (c *Controller) Activate(ctx context.Context) error {
	_, err := c.Dispatch(ctx, Event{Type: EventActivate})
	return err
}

// Start installs and immediately activates, skipping the waiting period.
func (c *Controller) Start(ctx context.Context) error {
	if err := c.Install(ctx); err != nil {
		return err
	}
	return c.Activate(ctx)
}

// Fetch intercepts r and always yields a response once serving.
func (c *Controller) Fetch(ctx context.Context, r *http.Request) (Outcome, error) {
	return c.Dispatch(ctx, Event{Type: EventFetch, Request: r})
}

// Wait blocks until in-flight handlers and background revalidations finish.
func (c *Controller) Wait() {
	c.inflight.Wait()
	c.engine.Wait()
}

// Close stops the actor loop and marks the controller redundant.
func (c *Controller) Close() {
	c.stopOnce.Do(func() {
		close(c.done)
		<-c.stopped
		c.Wait()
		c.setState(StateRedundant)
	})
}

func (c *Controller) loop() {
	defer close(c.stopped)
	for {
		select {
		case <-c.done:
			return
		case env := <-c.mailbox:
			handler := c.handlers[env.event.Type]
			if c.inline[env.event.Type] {
				outcome, err := handler(env.ctx, env.event)
				env.reply <- reply{outcome: outcome, err: err}
				continue
			}
			c.inflight.Add(1)
			go func() {
				defer c.inflight.Done()
				outcome, err := handler(env.ctx, env.event)
				env.reply <- reply{outcome: outcome, err: err}
			}()
		}
	}
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) transition(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return edgeerrors.E(edgeerrors.KindInvalidInput, fmt.Sprintf("cannot enter %s from %s", to, c.state))
	}
	c.state = to
	return nil
}

func (c *Controller) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, name, trace.WithAttributes(attribute.String("edge.version", c.Version())))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (c *Controller) handleInstall(ctx context.Context, _ Event) (outcome Outcome, err error) {
	ctx, span := c.startSpan(ctx, "edge.install")
	defer func() { endSpan(span, err) }()

	if err := c.transition(StateIdle, StateInstalling); err != nil {
		return Outcome{State: c.State()}, err
	}
	c.logger.Printf("edge: installing version=%s seeds=%d", c.Version(), len(c.seeds))
	if err := c.seed(ctx); err != nil {
		c.setState(StateRedundant)
		c.logger.Printf("edge: install failed version=%s err=%v", c.Version(), err)
		return Outcome{State: StateRedundant}, edgeerrors.Wrap(edgeerrors.KindInstall, "install "+c.Version(), err)
	}
	c.setState(StateInstalled)
	c.logger.Printf("edge: installed version=%s", c.Version())
	return Outcome{State: StateInstalled, Handled: true}, nil
}

// seed fetches every seed asset concurrently and commits them as one batch.
// The static store is only created once every fetch succeeded.
func (c *Controller) seed(ctx context.Context) error {
	entries := make([]edgestorage.Entry, len(c.seeds))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxSeedFetches)
	for i, asset := range c.seeds {
		group.Go(func() error {
			target, err := c.resolve(asset)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(groupCtx, http.MethodGet, target.String(), nil)
			if err != nil {
				return fmt.Errorf("build seed request %s: %w", asset, err)
			}
			resp, err := c.fetcher.Fetch(groupCtx, req)
			if err != nil {
				return fmt.Errorf("seed %s: %w", asset, err)
			}
			if !resp.OK() {
				return fmt.Errorf("seed %s: status %d", asset, resp.Status)
			}
			entries[i] = edgestorage.Entry{Key: cachestore.URLKey(target), Response: resp}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	static, err := c.registry.Open(ctx, cachestore.NameStatic)
	if err != nil {
		return err
	}
	return static.PutAll(ctx, entries)
}

func (c *Controller) resolve(asset string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(asset))
	if err != nil {
		return nil, fmt.Errorf("parse seed asset %q: %w", asset, err)
	}
	return c.origin.ResolveReference(ref), nil
}

func (c *Controller) handleActivate(ctx context.Context, _ Event) (outcome Outcome, err error) {
	ctx, span := c.startSpan(ctx, "edge.activate")
	defer func() { endSpan(span, err) }()

	if err := c.transition(StateInstalled, StateActivating); err != nil {
		return Outcome{State: c.State()}, err
	}
	purged, err := c.registry.PurgeStale(ctx, c.registry.Current())
	if err != nil {
		c.setState(StateInstalled)
		return Outcome{State: StateInstalled}, fmt.Errorf("activate %s: %w", c.Version(), err)
	}
	for _, name := range purged {
		c.logger.Printf("edge: deleted stale cache name=%s", name)
	}
	if c.claimer != nil {
		if err := c.claimer.Claim(ctx, c.Version()); err != nil {
			c.logger.Printf("edge: claim failed version=%s err=%v", c.Version(), err)
		}
	}
	c.setState(StateServing)
	span.SetAttributes(attribute.Int("edge.purged", len(purged)))
	c.logger.Printf("edge: activated version=%s purged=%d", c.Version(), len(purged))
	return Outcome{State: StateServing, Purged: purged, Handled: true}, nil
}

func (c *Controller) handleFetch(ctx context.Context, event Event) (outcome Outcome, err error) {
	ctx, span := c.startSpan(ctx, "edge.fetch")
	defer func() {
		span.SetAttributes(
			attribute.String("edge.class", outcome.Class.String()),
			attribute.String("edge.strategy", string(outcome.Strategy)),
			attribute.String("edge.source", string(outcome.Source)),
		)
		endSpan(span, err)
	}()

	if state := c.State(); state != StateServing {
		return Outcome{State: state}, edgeerrors.E(edgeerrors.KindUnavailable, fmt.Sprintf("controller is %s", state))
	}
	r := event.Request
	if r == nil || r.URL == nil {
		return Outcome{State: StateServing}, edgeerrors.E(edgeerrors.KindInvalidInput, "fetch requires a request")
	}

	class := c.classifier.Classify(r)
	outcome = Outcome{State: StateServing, Class: class, Handled: true}
	result, name, dispatchErr := c.dispatch(ctx, class, r)
	outcome.Strategy = name
	if dispatchErr == nil {
		outcome.Response = result.Response
		outcome.Source = result.Source
		return outcome, nil
	}

	c.logger.Printf("edge: fetch failed url=%s class=%s err=%v", r.URL.Redacted(), class, dispatchErr)
	outcome.Response = c.fallback(ctx, class, r)
	outcome.Source = strategy.SourceFallback
	return outcome, nil
}

func (c *Controller) dispatch(ctx context.Context, class classify.Class, r *http.Request) (strategy.Result, strategy.Name, error) {
	var (
		name  strategy.Name
		store string
	)
	switch class {
	case classify.StaticAsset:
		name, store = strategy.CacheFirst, cachestore.NameStatic
	case classify.APIData:
		name, store = strategy.NetworkFirst, cachestore.NameDynamic
	case classify.NavigableDocument:
		name, store = strategy.StaleWhileRevalidate, cachestore.NameDynamic
	default:
		result, err := c.engine.Bypass(ctx, r)
		return result, strategy.Bypass, err
	}
	run, _ := c.engine.Lookup(name)
	bound, err := c.registry.Open(ctx, store)
	if err != nil {
		return strategy.Result{}, name, err
	}
	result, err := run(ctx, r, bound)
	return result, name, err
}

// fallback is the offline safety net: documents degrade to the seeded shell,
// everything else to an explicit network error.
func (c *Controller) fallback(ctx context.Context, class classify.Class, r *http.Request) edgestorage.Response {
	if class != classify.NavigableDocument {
		return edgestorage.Text(http.StatusServiceUnavailable, networkErrorBody)
	}
	static, err := c.registry.Open(ctx, cachestore.NameStatic)
	if err == nil {
		shell := url.URL{Scheme: r.URL.Scheme, Host: r.URL.Host, Path: "/"}
		if resp, ok, err := static.Get(ctx, cachestore.URLKey(&shell)); err == nil && ok {
			return resp
		}
	}
	return edgestorage.Text(http.StatusServiceUnavailable, offlineBody)
}

func (c *Controller) handleSync(ctx context.Context, event Event) (Outcome, error) {
	ctx, span := c.startSpan(ctx, "edge.sync")
	defer span.End()
	span.SetAttributes(attribute.String("edge.sync.tag", event.Tag))
	handled := c.sync.HandleSync(ctx, event.Tag)
	return Outcome{State: c.State(), Handled: handled}, nil
}

func (c *Controller) handlePush(ctx context.Context, event Event) (Outcome, error) {
	ctx, span := c.startSpan(ctx, "edge.push")
	defer span.End()
	if c.push == nil {
		c.logger.Printf("edge: push dropped, no bridge configured")
		return Outcome{State: c.State()}, nil
	}
	_, shown := c.push.HandlePush(ctx, event.Data)
	return Outcome{State: c.State(), Handled: shown}, nil
}

func (c *Controller) handleNotificationClick(ctx context.Context, event Event) (Outcome, error) {
	if c.push == nil {
		return Outcome{State: c.State()}, nil
	}
	c.push.HandleClick(ctx, event.Click)
	return Outcome{State: c.State(), Handled: true}, nil
}
