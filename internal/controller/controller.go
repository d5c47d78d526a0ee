// Package controller is the offline cache controller: it owns the versioned
// cache partitions through install and activation, routes intercepted
// requests to a retrieval strategy by resource class, and drains the deferred
// form queue when background sync fires.
package controller

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline_cache_proxy/internal/bgsync"
	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/classify"
	"offline_cache_proxy/internal/clients"
	"offline_cache_proxy/internal/config"
	"offline_cache_proxy/internal/fallback"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/formqueue"
	"offline_cache_proxy/internal/obs"
	"offline_cache_proxy/internal/strategy"
)

var (
	// ErrInstallFailed wraps the cause of a fatal install.
	ErrInstallFailed = errors.New("controller: install failed")
	// ErrNotWaiting is returned by SkipWaiting when no installed version is waiting.
	ErrNotWaiting = errors.New("controller: no version is waiting")
	// ErrUnsupportedMessage is returned for page messages the controller does not handle.
	ErrUnsupportedMessage = errors.New("controller: unsupported message")
)

type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Notifier reaches the connected page contexts.
type Notifier interface {
	Claim(version string) int
	PostMessage(msg clients.Message) int
	Count() int
}

type Options struct {
	Config   *config.Config
	Storage  cache.Storage
	Fetcher  fetch.Fetcher
	Resolver *fetch.Resolver
	Queue    formqueue.Store
	Sync     *bgsync.Manager
	Notifier Notifier
	Metrics  *obs.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

type Controller struct {
	cfg        *config.Config
	storage    cache.Storage
	fetcher    fetch.Fetcher
	resolver   *fetch.Resolver
	classifier *classify.Classifier
	queue      formqueue.Store
	sync       *bgsync.Manager
	notifier   Notifier
	sender     formqueue.Sender
	metrics    *obs.Metrics
	logger     *zap.Logger
	now        func() time.Time

	shellName    string
	externalName string
	rootKeys     []string

	tasks      *strategy.Tasks
	navigation *strategy.NetworkFirst
	image      *strategy.CacheFirst
	critical   *strategy.CacheFirst
	static     *strategy.CacheFirst
	external   *strategy.StaleWhileRevalidate

	mu        sync.RWMutex
	state     State
	shell     cache.Partition
	ext       cache.Partition
	listeners []func(State)
}

func New(opts Options) (*Controller, error) {
	if opts.Config == nil {
		return nil, errors.New("controller: config is required")
	}
	if opts.Storage == nil || opts.Fetcher == nil || opts.Resolver == nil {
		return nil, errors.New("controller: storage, fetcher and resolver are required")
	}
	if opts.Queue == nil {
		opts.Queue = formqueue.NewMemoryStore()
	}
	if opts.Sync == nil {
		opts.Sync = bgsync.New(bgsync.Options{Metrics: opts.Metrics})
	}
	if opts.Notifier == nil {
		opts.Notifier = noopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = obs.WithModule("controller")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cfg := opts.Config

	endpoint, err := opts.Resolver.SiteURL(cfg.Forms.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("controller: form endpoint: %w", err)
	}
	rootKeys := make([]string, 0, len(cfg.Routing.RootDocuments))
	for _, path := range cfg.Routing.RootDocuments {
		target, err := opts.Resolver.SiteURL(path)
		if err != nil {
			return nil, fmt.Errorf("controller: root document %q: %w", path, err)
		}
		rootKeys = append(rootKeys, cache.BuildKey("GET", target))
	}

	c := &Controller{
		cfg:      cfg,
		storage:  opts.Storage,
		fetcher:  opts.Fetcher,
		resolver: opts.Resolver,
		classifier: classify.New(classify.Rules{
			SiteHost:            cfg.Origin.Host,
			ExternalHosts:       cfg.Origin.ExternalHosts,
			CriticalURLs:        cfg.Assets.CriticalExternal,
			NetworkOnlyPrefixes: cfg.Routing.NetworkOnlyPrefixes,
		}),
		queue:        opts.Queue,
		sync:         opts.Sync,
		notifier:     opts.Notifier,
		sender:       &formqueue.HTTPSender{Fetcher: opts.Fetcher, Endpoint: endpoint},
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
		shellName:    cfg.ShellPartition(),
		externalName: cfg.ExternalPartition(),
		rootKeys:     rootKeys,
		tasks:        strategy.NewTasks(),
		state:        StateParsed,
	}
	c.buildStrategies()
	c.sync.Register(cfg.Sync.FormTag, c.syncForms)
	c.metrics.SetLifecycleState(StateParsed.String())
	return c, nil
}

func (c *Controller) buildStrategies() {
	strategyLogger := c.logger.With(zap.String("component", "strategy"))
	coalescer := cache.NewCoalescer(cache.DefaultMaxFlights)
	refresher := &strategy.Refresher{
		Fetcher:   c.fetcher,
		Delay:     c.cfg.Routing.RefreshDelay,
		Coalescer: coalescer,
		Tasks:     c.tasks,
		Metrics:   c.metrics,
		Logger:    strategyLogger,
	}

	c.navigation = &strategy.NetworkFirst{
		Fetcher:  c.fetcher,
		Timeout:  c.cfg.Routing.NavigationTimeout,
		RootKeys: c.rootKeys,
		Offline:  fallback.OfflinePage,
		Tasks:    c.tasks,
		Metrics:  c.metrics,
		Logger:   strategyLogger,
	}
	c.image = &strategy.CacheFirst{
		Label:     "cache_first_image",
		Fetcher:   c.fetcher,
		Refresher: refresher,
		Coalescer: coalescer,
		Fallback:  func(*url.URL) cache.Entry { return fallback.PlaceholderImage() },
		Metrics:   c.metrics,
		Logger:    strategyLogger,
	}
	c.critical = &strategy.CacheFirst{
		Label:     "cache_first_critical",
		Fetcher:   c.fetcher,
		Coalescer: coalescer,
		Fallback:  typedFallback(503),
		Metrics:   c.metrics,
		Logger:    strategyLogger,
	}
	c.static = &strategy.CacheFirst{
		Label:     "cache_first_static",
		Fetcher:   c.fetcher,
		Refresher: refresher,
		Coalescer: coalescer,
		Fallback:  typedFallback(200),
		Metrics:   c.metrics,
		Logger:    strategyLogger,
	}
	c.external = &strategy.StaleWhileRevalidate{
		Fetcher: c.fetcher,
		Tasks:   c.tasks,
		Metrics: c.metrics,
		Logger:  strategyLogger,
	}
}

// typedFallback serves an inert body of the right type, or a generic 503 for
// types it does not know.
func typedFallback(status int) func(*url.URL) cache.Entry {
	return func(target *url.URL) cache.Entry {
		if entry, ok := fallback.TypedEmpty(target, status); ok {
			return entry
		}
		return fallback.Unavailable()
	}
}

// Version names the partitions this controller owns.
func (c *Controller) Version() string {
	return c.shellName + "+" + c.externalName
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// OnStateChange registers fn to be called after every lifecycle transition.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()
	c.announce(state, listeners)
}

// transition moves to next only from one of the states in from, and reports
// whether it did.
func (c *Controller) transition(next State, from ...State) bool {
	c.mu.Lock()
	allowed := false
	for _, state := range from {
		if c.state == state {
			allowed = true
			break
		}
	}
	if !allowed {
		c.mu.Unlock()
		return false
	}
	c.state = next
	listeners := append([]func(State){}, c.listeners...)
	c.mu.Unlock()
	c.announce(next, listeners)
	return true
}

func (c *Controller) announce(state State, listeners []func(State)) {
	c.metrics.SetLifecycleState(state.String())
	c.logger.Info("lifecycle", zap.String("state", state.String()), zap.String("version", c.Version()))
	for _, fn := range listeners {
		fn(state)
	}
}

func (c *Controller) partitions() (cache.Partition, cache.Partition) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shell, c.ext
}

// Close abandons background fetches and waits for their goroutines.
func (c *Controller) Close() {
	c.tasks.Close()
}

// WaitBackground blocks until every detached fetch and refresh has finished.
func (c *Controller) WaitBackground() {
	c.tasks.Wait()
}

type noopNotifier struct{}

func (noopNotifier) Claim(string) int                { return 0 }
func (noopNotifier) PostMessage(clients.Message) int { return 0 }
func (noopNotifier) Count() int                      { return 0 }
