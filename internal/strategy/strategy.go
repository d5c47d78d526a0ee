// Package strategy holds the retrieval strategies the controller dispatches
// to: network-first with a timeout, cache-first with optional background
// refresh, and stale-while-revalidate. Strategies hold only tuning; the
// partitions of the active version travel with each Request.
package strategy

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/obs"
)

type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

var (
	// ErrNetworkTimeout is recorded when the network lost a timeout race.
	ErrNetworkTimeout = errors.New("strategy: network timeout")
	// ErrStopped is returned once the background task set has been closed.
	ErrStopped = errors.New("strategy: stopped")
)

type Request struct {
	Key   string
	Fetch *fetch.Request
	// Partition receives writes for this request's class.
	Partition cache.Partition
	// Lookup is searched in order on reads.
	Lookup cache.Group
}

// Result is what the caller writes back to the page. Err carries the network
// failure seen on the way, if any; it is informational unless Failed reports
// true.
type Result struct {
	Entry  cache.Entry
	Source Source
	Err    error
}

// Failed reports a result with no response to write.
func (r Result) Failed() bool {
	return r.Entry.Status == 0 && r.Err != nil
}

type Strategy interface {
	Name() string
	Serve(ctx context.Context, req Request) Result
}

// store writes a 2xx entry and records the outcome. Non-2xx entries are
// skipped silently.
func store(ctx context.Context, partition cache.Partition, key string, entry cache.Entry, metrics *obs.Metrics, logger *zap.Logger) bool {
	if partition == nil || !entry.Cacheable() {
		return false
	}
	// A fetched entry is stored even if the page that asked for it has gone.
	err := partition.Put(context.WithoutCancel(ctx), key, entry)
	metrics.RecordCacheWrite(partition.Name(), err)
	if err != nil {
		logger.Warn("cache write failed",
			zap.String("partition", partition.Name()),
			zap.String("key", key),
			zap.Error(err),
		)
		return false
	}
	return true
}

func loggerOrDefault(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return obs.WithModule("strategy")
	}
	return logger
}
