package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/fetch"
)

// InstallReport summarizes one install. ExternalErrors aggregates the
// third-party assets that could not be stored; they never fail the install.
type InstallReport struct {
	Shell          int   `json:"shell"`
	External       int   `json:"external"`
	ExternalErrors error `json:"-"`
	Activated      bool  `json:"activated"`
}

// ActivateReport summarizes one activation.
type ActivateReport struct {
	Claimed int      `json:"claimed"`
	Evicted []string `json:"evicted"`
}

type precached struct {
	key   string
	entry cache.Entry
}

// Install populates this version's partitions. Every shell asset must answer
// 2xx or nothing is written and the version becomes redundant. External
// assets are stored best effort, critical ones first. With skip-waiting
// configured, or with no page connected, activation follows immediately.
func (c *Controller) Install(ctx context.Context) (InstallReport, error) {
	var report InstallReport
	if !c.transition(StateInstalling, StateParsed) {
		return report, fmt.Errorf("%w: controller is %s", ErrInstallFailed, c.State())
	}

	shell, err := c.installShell(ctx)
	if err != nil {
		c.metrics.RecordInstall("failure")
		c.setState(StateRedundant)
		c.logger.Error("install failed", zap.String("partition", c.shellName), zap.Error(err))
		return report, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	report.Shell = len(c.cfg.Assets.Shell)

	ext, stored, externalErr := c.installExternal(ctx)
	if ext == nil {
		c.metrics.RecordInstall("failure")
		c.setState(StateRedundant)
		return report, fmt.Errorf("%w: %w", ErrInstallFailed, externalErr)
	}
	report.External = stored
	report.ExternalErrors = externalErr
	for _, err := range multierr.Errors(externalErr) {
		c.logger.Warn("external asset not cached", zap.String("partition", c.externalName), zap.Error(err))
	}

	c.mu.Lock()
	c.shell = shell
	c.ext = ext
	c.mu.Unlock()

	c.metrics.RecordInstall("success")
	c.setState(StateInstalled)

	if c.cfg.Lifecycle.SkipWaiting || c.notifier.Count() == 0 {
		if _, err := c.Activate(ctx); err != nil && !errors.Is(err, ErrNotWaiting) {
			c.logger.Warn("activation finished with errors", zap.Error(err))
		}
		report.Activated = c.State() == StateActivated
	}
	return report, nil
}

// installShell fetches every shell asset before writing any of them.
func (c *Controller) installShell(ctx context.Context) (cache.Partition, error) {
	targets := make([]*url.URL, 0, len(c.cfg.Assets.Shell))
	for _, path := range c.cfg.Assets.Shell {
		target, err := c.resolver.SiteURL(path)
		if err != nil {
			return nil, fmt.Errorf("shell asset %q: %w", path, err)
		}
		targets = append(targets, target)
	}

	fetched := make([]precached, len(targets))
	errs := make([]error, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target *url.URL) {
			defer wg.Done()
			entry, err := c.precache(ctx, target)
			fetched[i] = precached{key: cache.BuildKey("GET", target), entry: entry}
			errs[i] = err
		}(i, target)
	}
	wg.Wait()
	if err := multierr.Combine(errs...); err != nil {
		return nil, err
	}

	existed, err := c.storage.Has(ctx, c.shellName)
	if err != nil {
		return nil, err
	}
	partition, err := c.storage.Open(ctx, c.shellName)
	if err != nil {
		return nil, err
	}
	for _, item := range fetched {
		err := partition.Put(ctx, item.key, item.entry)
		c.metrics.RecordCacheWrite(c.shellName, err)
		if err != nil {
			if !existed {
				if _, dropErr := c.storage.Drop(context.WithoutCancel(ctx), c.shellName); dropErr != nil {
					err = multierr.Append(err, dropErr)
				}
			}
			return nil, fmt.Errorf("store %s: %w", item.key, err)
		}
	}
	return partition, nil
}

// installExternal returns a nil partition only when the partition itself
// could not be opened.
func (c *Controller) installExternal(ctx context.Context) (cache.Partition, int, error) {
	partition, err := c.storage.Open(ctx, c.externalName)
	if err != nil {
		return nil, 0, err
	}

	var (
		mu     sync.Mutex
		stored int
		errs   error
	)
	record := func(raw string) {
		err := c.precacheExternal(ctx, partition, raw)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", raw, err))
			return
		}
		stored++
	}

	for _, raw := range c.cfg.Assets.CriticalExternal {
		record(raw)
	}

	var wg sync.WaitGroup
	for _, raw := range c.cfg.Assets.External {
		wg.Add(1)
		go func(raw string) {
			defer wg.Done()
			record(raw)
		}(raw)
	}
	wg.Wait()
	return partition, stored, errs
}

func (c *Controller) precacheExternal(ctx context.Context, partition cache.Partition, raw string) error {
	target, err := url.Parse(raw)
	if err != nil {
		return err
	}
	entry, err := c.precache(ctx, target)
	if err != nil {
		return err
	}
	err = partition.Put(ctx, cache.BuildKey("GET", target), entry)
	c.metrics.RecordCacheWrite(partition.Name(), err)
	return err
}

func (c *Controller) precache(ctx context.Context, target *url.URL) (cache.Entry, error) {
	entry, err := c.fetcher.Fetch(ctx, fetch.Get(target))
	if err != nil {
		return cache.Entry{}, err
	}
	if !entry.Cacheable() {
		return cache.Entry{}, &fetch.StatusError{URL: target.String(), Status: entry.Status}
	}
	entry.StoredAt = c.now().UTC()
	return entry, nil
}

// Activate claims every connected page and deletes all partitions that do
// not belong to this version. Eviction errors are returned aggregated; the
// controller is active regardless.
func (c *Controller) Activate(ctx context.Context) (ActivateReport, error) {
	var report ActivateReport
	if !c.transition(StateActivating, StateInstalled) {
		return report, ErrNotWaiting
	}

	report.Claimed = c.notifier.Claim(c.Version())

	var errs error
	names, err := c.storage.Names(ctx)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	for _, name := range names {
		if name == c.shellName || name == c.externalName {
			continue
		}
		dropped, err := c.storage.Drop(ctx, name)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("evict %s: %w", name, err))
			continue
		}
		if dropped {
			c.metrics.RecordPartitionEvicted()
			report.Evicted = append(report.Evicted, name)
			c.logger.Info("partition evicted", zap.String("partition", name))
		}
	}

	c.setState(StateActivated)
	return report, errs
}

// SkipWaiting activates a version that installed while pages were connected.
func (c *Controller) SkipWaiting(ctx context.Context) (ActivateReport, error) {
	if c.State() != StateInstalled {
		return ActivateReport{}, ErrNotWaiting
	}
	return c.Activate(ctx)
}

// PagesGone activates a waiting version once the last page has disconnected.
func (c *Controller) PagesGone() {
	if c.State() != StateInstalled {
		return
	}
	if _, err := c.Activate(context.Background()); err != nil && !errors.Is(err, ErrNotWaiting) {
		c.logger.Warn("activation finished with errors", zap.Error(err))
	}
}
