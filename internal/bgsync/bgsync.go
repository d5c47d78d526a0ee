// Package bgsync runs deferred work registered under a tag, the way a
// browser's background sync does: a failed run is retried with exponential
// backoff, and tags still failing after that are re-fired on a schedule.
package bgsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"offline_cache_proxy/internal/obs"
)

var ErrUnknownTag = errors.New("bgsync: unknown tag")

const (
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = time.Minute
)

// Handler performs one sync attempt. A non-nil error makes the tag pending.
type Handler func(ctx context.Context) error

type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Cron           *cron.Cron
	Metrics        *obs.Metrics
	Logger         *zap.Logger
}

type Manager struct {
	maxRetries     int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	cron           *cron.Cron
	metrics        *obs.Metrics
	logger         *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	handlers map[string]Handler
	locks    map[string]*sync.Mutex
	pending  map[string]time.Time
	retrying map[string]bool
}

func New(opts Options) *Manager {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = defaultMaxBackoff
	}
	if opts.Cron == nil {
		opts.Cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}
	if opts.Logger == nil {
		opts.Logger = obs.WithModule("bgsync")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		maxRetries:     opts.MaxRetries,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		cron:           opts.Cron,
		metrics:        opts.Metrics,
		logger:         opts.Logger,
		ctx:            ctx,
		cancel:         cancel,
		handlers:       make(map[string]Handler),
		locks:          make(map[string]*sync.Mutex),
		pending:        make(map[string]time.Time),
		retrying:       make(map[string]bool),
	}
}

func (m *Manager) Register(tag string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[tag] = handler
	if _, ok := m.locks[tag]; !ok {
		m.locks[tag] = &sync.Mutex{}
	}
}

func (m *Manager) Tags() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags := make([]string, 0, len(m.handlers))
	for tag := range m.handlers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Fire runs the handler for tag now and returns its error. Runs of the same
// tag never overlap. On failure the tag becomes pending and a backoff retry
// loop is started in the background.
func (m *Manager) Fire(ctx context.Context, tag string) error {
	err := m.run(ctx, tag)
	if err != nil && !errors.Is(err, ErrUnknownTag) {
		m.scheduleRetry(tag)
	}
	return err
}

// FireAsync is Fire without waiting, for callers that only need the sync to
// happen eventually.
func (m *Manager) FireAsync(tag string) {
	m.goTask(func(ctx context.Context) {
		_ = m.Fire(ctx, tag)
	})
}

// Pending lists tags whose last run failed, oldest failure first.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags := make([]string, 0, len(m.pending))
	for tag := range m.pending {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool {
		return m.pending[tags[i]].Before(m.pending[tags[j]])
	})
	return tags
}

// Start re-fires every pending tag on schedule. An empty schedule disables it.
func (m *Manager) Start(schedule string) error {
	if schedule == "" {
		return nil
	}
	if _, err := m.cron.AddFunc(schedule, m.firePending); err != nil {
		return fmt.Errorf("bgsync: schedule %q: %w", schedule, err)
	}
	m.cron.Start()
	return nil
}

// Stop halts the schedule, abandons retry loops, and waits for running
// handlers to return.
func (m *Manager) Stop() {
	<-m.cron.Stop().Done()
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) firePending() {
	for _, tag := range m.Pending() {
		if m.ctx.Err() != nil {
			return
		}
		_ = m.Fire(m.ctx, tag)
	}
}

func (m *Manager) run(ctx context.Context, tag string) error {
	m.mu.Lock()
	handler, ok := m.handlers[tag]
	lock := m.locks[tag]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTag, tag)
	}

	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	err := handler(ctx)
	if err != nil {
		m.metrics.RecordSync(tag, "failure")
		m.mu.Lock()
		if _, already := m.pending[tag]; !already {
			m.pending[tag] = time.Now()
		}
		m.mu.Unlock()
		m.logger.Warn("sync failed",
			zap.String("tag", tag),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return err
	}

	m.metrics.RecordSync(tag, "success")
	m.mu.Lock()
	delete(m.pending, tag)
	m.mu.Unlock()
	m.logger.Debug("sync complete", zap.String("tag", tag), zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *Manager) scheduleRetry(tag string) {
	if m.maxRetries == 0 {
		return
	}
	m.mu.Lock()
	if m.retrying[tag] {
		m.mu.Unlock()
		return
	}
	m.retrying[tag] = true
	m.mu.Unlock()

	started := m.goTask(func(ctx context.Context) {
		defer func() {
			m.mu.Lock()
			delete(m.retrying, tag)
			m.mu.Unlock()
		}()
		m.retry(ctx, tag)
	})
	if !started {
		m.mu.Lock()
		delete(m.retrying, tag)
		m.mu.Unlock()
	}
}

func (m *Manager) retry(ctx context.Context, tag string) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.initialBackoff
	policy.MaxInterval = m.maxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	for attempt := 1; attempt <= m.maxRetries; attempt++ {
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
		if !m.isPending(tag) {
			return
		}
		m.metrics.RecordSync(tag, "retry")
		if err := m.run(ctx, tag); err == nil {
			return
		}
	}
	m.logger.Warn("sync retries exhausted; waiting for schedule", zap.String("tag", tag), zap.Int("retries", m.maxRetries))
}

func (m *Manager) isPending(tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[tag]
	return ok
}

// goTask runs fn on the manager context. After Stop it does nothing and
// returns false.
func (m *Manager) goTask(fn func(ctx context.Context)) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		fn(m.ctx)
	}()
	return true
}
