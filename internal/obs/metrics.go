package obs

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	bypassed          *prometheus.CounterVec
	fetchErrors       *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	cacheWrites       *prometheus.CounterVec
	cacheWriteFail    *prometheus.CounterVec
	refreshes         *prometheus.CounterVec
	partitionsEvicted prometheus.Counter
	installs          *prometheus.CounterVec
	syncRuns          *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	connectedPages    prometheus.Gauge
	lifecycleState    *prometheus.GaugeVec
	breakerState      *prometheus.GaugeVec
	mu                sync.Mutex
	lastState         string
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinecache_requests_total",
		Help: "Total intercepted requests",
	}, []string{"class", "source", "status_class"})

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offlinecache_request_duration_seconds",
		Help:    "Intercepted request duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"class"})

	bypassed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinecache_bypass_total",
		Help: "Total requests passed through without caching",
	}, []string{"reason"})

	fetchErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinecache_fetch_errors_total",
		Help: "Total network fetch failures",
	}, []string{"category"})

	fetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offlinecache_fetch_duration_seconds",
		Help:    "Network fetch duration",
		Buckets: prometheus.DefBuckets,
	}, []string{"host_kind"})

	cacheWrites := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinecache_cache_writes_total",
		Help: "Total cache partition writes",
	}, []string{"partition"})

	cacheWriteFail := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinecache_cache_write_failures_total",
		Help: "Total failed cache partition writes",
	}, []string{"partition"})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinecache_background_refresh_total",
		Help: "Total background cache refreshes",
	}, []string{"result"})

	partitionsEvicted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offlinecache_partitions_evicted_total",
		Help: "Total stale cache partitions deleted at activation",
	})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinecache_installs_total",
		Help: "Total install attempts",
	}, []string{"result"})

	syncRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offlinecache_sync_runs_total",
		Help: "Total background sync runs",
	}, []string{"tag", "result"})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offlinecache_pending_submissions",
		Help: "Form submissions waiting for background sync",
	})

	connectedPages := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "offlinecache_connected_pages",
		Help: "Page contexts connected to the controller",
	})

	lifecycleState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offlinecache_lifecycle_state",
		Help: "Current controller lifecycle state",
	}, []string{"state"})

	breakerState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "offlinecache_upstream_breaker_state",
		Help: "Upstream host breaker state (0 closed, 1 open, 2 half open)",
	}, []string{"host"})

	registry.MustRegister(requests, requestDuration, bypassed, fetchErrors, fetchDuration, cacheWrites, cacheWriteFail, refreshes, partitionsEvicted, installs, syncRuns, queueDepth, connectedPages, lifecycleState, breakerState)

	return &Metrics{
		registry:          registry,
		requests:          requests,
		requestDuration:   requestDuration,
		bypassed:          bypassed,
		fetchErrors:       fetchErrors,
		fetchDuration:     fetchDuration,
		cacheWrites:       cacheWrites,
		cacheWriteFail:    cacheWriteFail,
		refreshes:         refreshes,
		partitionsEvicted: partitionsEvicted,
		installs:          installs,
		syncRuns:          syncRuns,
		queueDepth:        queueDepth,
		connectedPages:    connectedPages,
		lifecycleState:    lifecycleState,
		breakerState:      breakerState,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(class string, source string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	class = defaultString(class, "none")
	m.requests.WithLabelValues(class, defaultString(source, "unknown"), statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(class).Observe(duration.Seconds())
}

func (m *Metrics) RecordBypass(reason string) {
	if m == nil {
		return
	}
	m.bypassed.WithLabelValues(defaultString(reason, "unknown")).Inc()
}

func (m *Metrics) RecordFetchError(category string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(defaultString(category, "other")).Inc()
}

func (m *Metrics) ObserveFetch(hostKind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(defaultString(hostKind, "other")).Observe(duration.Seconds())
}

func (m *Metrics) SetBreakerState(host string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(defaultString(host, "unknown")).Set(float64(state))
}

func (m *Metrics) RecordCacheWrite(partition string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.cacheWriteFail.WithLabelValues(partition).Inc()
		return
	}
	m.cacheWrites.WithLabelValues(partition).Inc()
}

func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(defaultString(result, "unknown")).Inc()
}

func (m *Metrics) RecordPartitionEvicted() {
	if m == nil {
		return
	}
	m.partitionsEvicted.Inc()
}

func (m *Metrics) RecordInstall(result string) {
	if m == nil {
		return
	}
	m.installs.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordSync(tag string, result string) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(tag, result).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) SetConnectedPages(count int) {
	if m == nil {
		return
	}
	m.connectedPages.Set(float64(count))
}

// SetLifecycleState flips the one-hot state gauge.
func (m *Metrics) SetLifecycleState(state string) {
	if m == nil || state == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastState != "" {
		m.lifecycleState.WithLabelValues(m.lastState).Set(0)
	}
	m.lifecycleState.WithLabelValues(state).Set(1)
	m.lastState = state
}

func statusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}
