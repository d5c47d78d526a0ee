package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/obs"
)

const DefaultNavigationTimeout = 3 * time.Second

// NetworkFirst races the network against Timeout. Any answer that arrives in
// time is returned, and 2xx answers are stored first. Otherwise the cached
// copy of the URL is served, then the first cached root document, then
// Offline.
//
// The network fetch is never cancelled by losing the race; if it succeeds
// later it still writes the cache.
type NetworkFirst struct {
	Fetcher  fetch.Fetcher
	Timeout  time.Duration
	RootKeys []string
	Offline  func() cache.Entry
	Tasks    *Tasks
	Metrics  *obs.Metrics
	Logger   *zap.Logger
}

type fetchOutcome struct {
	entry cache.Entry
	err   error
}

func (n *NetworkFirst) Name() string {
	return "network_first"
}

func (n *NetworkFirst) Serve(ctx context.Context, req Request) Result {
	logger := loggerOrDefault(n.Logger)
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = DefaultNavigationTimeout
	}

	done := make(chan fetchOutcome, 1)
	started := n.Tasks.Go(func(taskCtx context.Context) {
		entry, err := n.Fetcher.Fetch(taskCtx, req.Fetch)
		if err == nil {
			store(taskCtx, req.Partition, req.Key, entry, n.Metrics, logger)
		}
		done <- fetchOutcome{entry: entry, err: err}
	})

	netErr := ErrStopped
	if started {
		var entry cache.Entry
		entry, netErr = n.race(ctx, done, timeout)
		if netErr == nil {
			return Result{Entry: entry, Source: SourceNetwork}
		}
	}

	if entry, _, ok := req.Lookup.Match(ctx, req.Key); ok {
		return Result{Entry: entry, Source: SourceCache, Err: netErr}
	}
	for _, root := range n.RootKeys {
		if entry, _, ok := req.Lookup.Match(ctx, root); ok {
			return Result{Entry: entry, Source: SourceCache, Err: netErr}
		}
	}
	return Result{Entry: n.offline(), Source: SourceFallback, Err: netErr}
}

// race returns the fetch outcome if it arrives before the timeout and ctx.
func (n *NetworkFirst) race(ctx context.Context, done <-chan fetchOutcome, timeout time.Duration) (cache.Entry, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.entry, out.err
	case <-timer.C:
		return cache.Entry{}, ErrNetworkTimeout
	case <-ctx.Done():
		return cache.Entry{}, ctx.Err()
	}
}

func (n *NetworkFirst) offline() cache.Entry {
	if n.Offline == nil {
		return cache.Entry{}
	}
	return n.Offline()
}
