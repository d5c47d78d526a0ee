package strategy

import (
	"context"

	"go.uber.org/zap"

	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/obs"
)

// StaleWhileRevalidate always starts a network fetch. A cached entry is
// returned at once and the fetch updates the cache behind it; without one the
// caller waits for the network and a transport failure is returned as a
// failed Result.
type StaleWhileRevalidate struct {
	Fetcher fetch.Fetcher
	Tasks   *Tasks
	Metrics *obs.Metrics
	Logger  *zap.Logger
}

func (s *StaleWhileRevalidate) Name() string {
	return "stale_while_revalidate"
}

func (s *StaleWhileRevalidate) Serve(ctx context.Context, req Request) Result {
	logger := loggerOrDefault(s.Logger)

	done := make(chan fetchOutcome, 1)
	started := s.Tasks.Go(func(taskCtx context.Context) {
		entry, err := s.Fetcher.Fetch(taskCtx, req.Fetch)
		if err != nil {
			logger.Warn("revalidate failed",
				zap.String("key", req.Key),
				zap.String("category", fetch.Category(err)),
				zap.Error(err),
			)
		} else {
			store(taskCtx, req.Partition, req.Key, entry, s.Metrics, logger)
		}
		done <- fetchOutcome{entry: entry, err: err}
	})

	if entry, _, ok := req.Lookup.Match(ctx, req.Key); ok {
		return Result{Entry: entry, Source: SourceCache}
	}
	if !started {
		return Result{Source: SourceNetwork, Err: ErrStopped}
	}

	select {
	case out := <-done:
		if out.err != nil {
			return Result{Source: SourceNetwork, Err: out.err}
		}
		return Result{Entry: out.entry, Source: SourceNetwork}
	case <-ctx.Done():
		return Result{Source: SourceNetwork, Err: ctx.Err()}
	}
}
