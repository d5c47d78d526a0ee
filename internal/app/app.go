// Package app assembles the offline cache from a validated config: storage,
// form queue, network client, sync manager, page hub, controller and the
// three listeners.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"offline_cache_proxy/internal/admin"
	"offline_cache_proxy/internal/bgsync"
	"offline_cache_proxy/internal/breaker"
	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/clients"
	"offline_cache_proxy/internal/config"
	"offline_cache_proxy/internal/controller"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/formqueue"
	"offline_cache_proxy/internal/health"
	"offline_cache_proxy/internal/limits"
	"offline_cache_proxy/internal/obs"
	"offline_cache_proxy/internal/proxy"
	"offline_cache_proxy/internal/runtime"
	"offline_cache_proxy/internal/server"
)

type App struct {
	Config     *config.Config
	Metrics    *obs.Metrics
	Storage    cache.Storage
	Queue      formqueue.Store
	Sync       *bgsync.Manager
	Hub        *clients.Hub
	Controller *controller.Controller

	client   *fetch.Client
	limits   limits.Limits
	shutdown runtime.ShutdownConfig
	logger   *zap.Logger

	health  *health.Server
	proxy   *server.Server
	control *server.Server
}

// New builds every component without opening a listener.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is nil")
	}
	lim, err := limits.FromConfig(cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("app: limits: %w", err)
	}
	shutdown, err := runtime.ShutdownFromConfig(cfg.Shutdown)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	a := &App{
		Config:   cfg,
		Metrics:  obs.NewMetrics(),
		limits:   lim,
		shutdown: shutdown,
		logger:   obs.WithModule("app"),
	}

	if a.Storage, err = openStorage(cfg.Cache); err != nil {
		return nil, err
	}
	if a.Queue, err = openQueue(cfg.Forms); err != nil {
		_ = a.Storage.Close()
		return nil, err
	}

	resolver, err := fetch.NewResolver(cfg.Origin.Host, cfg.Origin.Scheme, cfg.UpstreamMap())
	if err != nil {
		a.closeStores()
		return nil, fmt.Errorf("app: resolver: %w", err)
	}
	resolver.SetExternalHosts(cfg.Origin.ExternalHosts)
	transportOpts := fetch.DefaultTransportOptions()
	transportOpts.DialTimeout = cfg.Fetch.DialTimeout
	transportOpts.ResponseHeaderTimeout = cfg.Fetch.ResponseHeaderTimeout
	transportOpts.MaxIdleConnsPerHost = cfg.Fetch.MaxIdleConnsPerHost
	a.client = fetch.NewClient(fetch.Options{
		Transport:    fetch.NewTransport(transportOpts),
		Resolver:     resolver,
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Cache.MaxObjectBytes,
		Metrics:      a.Metrics,
		Breakers:     a.breakers(cfg.Fetch.Breaker),
	})

	a.Sync = bgsync.New(bgsync.Options{
		MaxRetries:     cfg.Sync.MaxRetries,
		InitialBackoff: cfg.Sync.InitialBackoff,
		MaxBackoff:     cfg.Sync.MaxBackoff,
		Metrics:        a.Metrics,
	})
	a.Hub = clients.NewHub(clients.HubOptions{Metrics: a.Metrics})

	a.Controller, err = controller.New(controller.Options{
		Config:   cfg,
		Storage:  a.Storage,
		Fetcher:  a.client,
		Resolver: resolver,
		Queue:    a.Queue,
		Sync:     a.Sync,
		Notifier: a.Hub,
		Metrics:  a.Metrics,
	})
	if err != nil {
		a.closeStores()
		return nil, err
	}
	a.Hub.OnMessage(a.Controller.HandleMessage)
	a.Hub.OnIdle(a.Controller.PagesGone)
	return a, nil
}

func openStorage(cfg config.CacheConfig) (cache.Storage, error) {
	switch cfg.Backend {
	case "badger":
		storage, err := cache.OpenBadgerStorage(cfg.Path, cfg.MaxObjectBytes)
		if err != nil {
			return nil, fmt.Errorf("app: open partitions: %w", err)
		}
		return storage, nil
	default:
		return cache.NewMemoryStorage(cfg.MaxObjectBytes), nil
	}
}

func openQueue(cfg config.FormsConfig) (formqueue.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := formqueue.OpenSQLStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("app: open form queue: %w", err)
		}
		return store, nil
	default:
		return formqueue.NewMemoryStore(), nil
	}
}

// Start opens the health listener, installs the current version, then opens
// the proxy and control listeners. A failed install leaves nothing serving.
func (a *App) Start(ctx context.Context) (controller.InstallReport, error) {
	cfg := a.Config

	if cfg.Health.ListenAddr != "" {
		hs, err := health.Start(cfg.Health.ListenAddr, nil)
		if err != nil {
			return controller.InstallReport{}, fmt.Errorf("app: health listener: %w", err)
		}
		a.health = hs
	}
	a.Controller.OnStateChange(func(state controller.State) {
		if a.health != nil {
			a.health.SetActive(state == controller.StateActivated)
		}
	})

	report, err := a.Controller.Install(ctx)
	if err != nil {
		return report, multierr.Append(err, a.Shutdown())
	}
	if report.ExternalErrors != nil {
		a.logger.Warn("external assets not precached", zap.Error(report.ExternalErrors))
	}

	if err := a.Sync.Start(cfg.Sync.RetrySchedule); err != nil {
		return report, multierr.Append(err, a.Shutdown())
	}

	handler := &proxy.Handler{
		Controller: a.Controller,
		Resolver:   a.client.Resolver(),
		Engine:     proxy.NewEngine(a.client.Transport(), a.client.Resolver(), a.Metrics),
		Limits:     a.limits,
		Metrics:    a.Metrics,
	}
	proxySrv, err := server.Start("proxy", cfg.ListenAddr, handler, server.Options{
		Limits:   a.limits,
		Shutdown: a.shutdown,
		Inflight: runtime.NewInflightTracker(),
		Stoppers: []server.Stopper{server.StopFunc(a.stopBackground)},
	})
	if err != nil {
		return report, multierr.Append(fmt.Errorf("app: proxy listener: %w", err), a.Shutdown())
	}
	a.proxy = proxySrv

	if cfg.Control.ListenAddr != "" {
		auth, err := admin.NewAuthenticator(admin.AuthConfig{Token: cfg.Control.Token})
		if err != nil {
			return report, multierr.Append(err, a.Shutdown())
		}
		controlSrv, err := server.Start("control", cfg.Control.ListenAddr, admin.NewHandler(admin.HandlerConfig{
			Controller: a.Controller,
			Auth:       auth,
			RateLimiter: admin.NewRateLimiter(admin.RateLimitConfig{
				RPS:   cfg.Control.RateLimitRPS,
				Burst: cfg.Control.RateLimitBurst,
			}),
			Pages:   http.HandlerFunc(a.Hub.Serve),
			Metrics: a.Metrics.Handler(),
		}), server.Options{
			Shutdown: a.shutdown,
			Stoppers: []server.Stopper{server.StopFunc(a.closeHub)},
		})
		if err != nil {
			return report, multierr.Append(fmt.Errorf("app: control listener: %w", err), a.Shutdown())
		}
		a.control = controlSrv
	}
	return report, nil
}

func (a *App) ProxyAddr() string {
	if a.proxy == nil {
		return ""
	}
	return a.proxy.Addr
}

func (a *App) ControlAddr() string {
	if a.control == nil {
		return ""
	}
	return a.control.Addr
}

func (a *App) HealthAddr() string {
	if a.health == nil {
		return ""
	}
	return a.health.Addr
}

// Done is closed when the proxy listener stops serving.
func (a *App) Done() <-chan struct{} {
	if a.proxy == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.proxy.Done()
}

func (a *App) stopBackground(context.Context) error {
	a.Sync.Stop()
	a.Controller.Close()
	return nil
}

func (a *App) closeHub(context.Context) error {
	a.Hub.Close()
	return nil
}

// Shutdown stops the listeners in reverse start order, then closes the
// stores. It is safe to call more than once.
func (a *App) Shutdown() error {
	var errs error
	errs = multierr.Append(errs, a.control.Shutdown())
	if a.proxy != nil {
		errs = multierr.Append(errs, a.proxy.Shutdown())
	} else {
		_ = a.stopBackground(context.Background())
	}
	if a.health != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdown.GracefulTimeout)
		errs = multierr.Append(errs, a.health.Stop(ctx))
		cancel()
		a.health = nil
	}
	errs = multierr.Append(errs, a.closeStores())
	return errs
}

func (a *App) closeStores() error {
	var errs error
	if a.Queue != nil {
		errs = multierr.Append(errs, a.Queue.Close())
		a.Queue = nil
	}
	if a.Storage != nil {
		errs = multierr.Append(errs, a.Storage.Close())
		a.Storage = nil
	}
	return errs
}

func (a *App) breakers(cfg config.BreakerConfig) *breaker.Registry {
	return breaker.NewRegistry(breaker.Config{
		Enabled:            cfg.Enabled,
		FailureRatePercent: cfg.FailureRatePercent,
		MinimumRequests:    cfg.MinimumRequests,
		Window:             cfg.Window,
		OpenDuration:       cfg.OpenDuration,
		HalfOpenProbes:     cfg.HalfOpenProbes,
	}, func(host string, state breaker.State) {
		a.Metrics.SetBreakerState(host, int(state))
		a.logger.Info("upstream breaker changed", zap.String("host", host), zap.String("state", state.String()))
	})
}
