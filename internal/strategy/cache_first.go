package strategy

import (
	"context"
	"net/url"
	"time"

	"go.uber.org/zap"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/obs"
)

const defaultFlightWait = 10 * time.Second

// CacheFirst serves a cached entry when one exists, scheduling a refresh if
// Refresher is set. On a miss it fetches, stores 2xx answers and returns
// whatever the network said. When the network cannot answer at all, Fallback
// builds the response.
type CacheFirst struct {
	Label     string
	Fetcher   fetch.Fetcher
	Refresher *Refresher
	Coalescer *cache.Coalescer
	// FlightWait bounds how long a miss waits on a concurrent fetch of the
	// same key before fetching on its own.
	FlightWait time.Duration
	Fallback   func(target *url.URL) cache.Entry
	Metrics    *obs.Metrics
	Logger     *zap.Logger
}

func (c *CacheFirst) Name() string {
	if c.Label != "" {
		return c.Label
	}
	return "cache_first"
}

func (c *CacheFirst) Serve(ctx context.Context, req Request) Result {
	if entry, partition, ok := req.Lookup.Match(ctx, req.Key); ok {
		c.Refresher.Schedule(partition, req)
		return Result{Entry: entry, Source: SourceCache}
	}

	entry, err := c.fetch(ctx, req)
	if err == nil {
		return Result{Entry: entry, Source: SourceNetwork}
	}
	var target *url.URL
	if req.Fetch != nil {
		target = req.Fetch.URL
	}
	if c.Fallback == nil {
		return Result{Source: SourceFallback, Err: err}
	}
	return Result{Entry: c.Fallback(target), Source: SourceFallback, Err: err}
}

// fetch joins a concurrent fetch of the same key when there is one.
func (c *CacheFirst) fetch(ctx context.Context, req Request) (cache.Entry, error) {
	logger := loggerOrDefault(c.Logger)

	flight, leader, coalesced := c.Coalescer.Start(req.Key)
	if coalesced && !leader {
		wait := c.FlightWait
		if wait <= 0 {
			wait = defaultFlightWait
		}
		entry, ok, err, finished := c.Coalescer.Wait(flight, wait)
		if finished {
			if ok {
				return entry, nil
			}
			return cache.Entry{}, err
		}
		coalesced = false
	}

	entry, err := c.Fetcher.Fetch(ctx, req.Fetch)
	if err == nil {
		store(ctx, req.Partition, req.Key, entry, c.Metrics, logger)
	}
	if coalesced {
		c.Coalescer.Finish(req.Key, flight, entry, err == nil, err)
	}
	return entry, err
}
