package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/obs"
)

const DefaultRefreshDelay = 500 * time.Millisecond

// Refresher re-fetches a cache hit after Delay and overwrites the exact key
// on a 2xx answer. Nothing it does reaches the request that triggered it:
// failures are logged and counted only.
type Refresher struct {
	Fetcher   fetch.Fetcher
	Delay     time.Duration
	Coalescer *cache.Coalescer
	Tasks     *Tasks
	Metrics   *obs.Metrics
	Logger    *zap.Logger
}

// Schedule queues a refresh of req.Key into partition, normally the one the
// hit came from.
func (r *Refresher) Schedule(partition cache.Partition, req Request) {
	if r == nil || partition == nil {
		return
	}
	delay := r.Delay
	if delay <= 0 {
		delay = DefaultRefreshDelay
	}
	r.Tasks.Go(func(ctx context.Context) {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		r.refresh(ctx, partition, req)
	})
}

func (r *Refresher) refresh(ctx context.Context, partition cache.Partition, req Request) {
	logger := loggerOrDefault(r.Logger)

	flight, leader, coalesced := r.Coalescer.Start(req.Key)
	if coalesced && !leader {
		r.Metrics.RecordRefresh("coalesced")
		return
	}

	entry, err := r.Fetcher.Fetch(ctx, req.Fetch)
	if coalesced {
		r.Coalescer.Finish(req.Key, flight, entry, err == nil, err)
	}
	switch {
	case err != nil:
		r.Metrics.RecordRefresh("error")
		logger.Debug("background refresh failed",
			zap.String("key", req.Key),
			zap.String("category", fetch.Category(err)),
			zap.Error(err),
		)
	case !entry.Cacheable():
		r.Metrics.RecordRefresh("skipped")
		logger.Debug("background refresh not cacheable",
			zap.String("key", req.Key),
			zap.Int("status", entry.Status),
		)
	case store(ctx, partition, req.Key, entry, r.Metrics, logger):
		r.Metrics.RecordRefresh("updated")
	default:
		r.Metrics.RecordRefresh("error")
	}
}
