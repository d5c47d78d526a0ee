package strategy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/fallback"
	"offline_cache_proxy/internal/fetch"
)

type fetcherFunc func(ctx context.Context, req *fetch.Request) (cache.Entry, error)

func (f fetcherFunc) Fetch(ctx context.Context, req *fetch.Request) (cache.Entry, error) {
	return f(ctx, req)
}

var errOffline = errors.New("dial tcp: connection refused")

func offlineFetcher(calls *int32) fetch.Fetcher {
	return fetcherFunc(func(context.Context, *fetch.Request) (cache.Entry, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return cache.Entry{}, errOffline
	})
}

func bodyFetcher(body string, calls *int32) fetch.Fetcher {
	return fetcherFunc(func(context.Context, *fetch.Request) (cache.Entry, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return textEntry(http.StatusOK, body), nil
	})
}

func textEntry(status int, body string) cache.Entry {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	return cache.Entry{Status: status, Header: header, Body: []byte(body)}
}

func newPartition(t *testing.T, name string) cache.Partition {
	t.Helper()
	partition, err := cache.NewMemoryStorage(0).Open(context.Background(), name)
	require.NoError(t, err)
	return partition
}

func newRequest(t *testing.T, raw string, partition cache.Partition) Request {
	t.Helper()
	target, err := url.Parse(raw)
	require.NoError(t, err)
	return Request{
		Key:       cache.BuildKey(http.MethodGet, target),
		Fetch:     fetch.Get(target),
		Partition: partition,
		Lookup:    cache.Group{partition},
	}
}

func seed(t *testing.T, partition cache.Partition, raw string, body string) string {
	t.Helper()
	key, err := cache.KeyForURL(raw)
	require.NoError(t, err)
	require.NoError(t, partition.Put(context.Background(), key, textEntry(http.StatusOK, body)))
	return key
}

func cachedBody(t *testing.T, partition cache.Partition, key string) (string, bool) {
	t.Helper()
	entry, ok, err := partition.Get(context.Background(), key)
	require.NoError(t, err)
	return string(entry.Body), ok
}

func TestNetworkFirstReturnsNetworkAndStores(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	shell := newPartition(t, "shell-v2")
	seed(t, shell, "https://kapybara.se/about", "old")

	nf := &NetworkFirst{Fetcher: bodyFetcher("fresh", nil), Timeout: time.Second, Offline: fallback.OfflinePage, Tasks: tasks}
	req := newRequest(t, "https://kapybara.se/about", shell)

	result := nf.Serve(context.Background(), req)
	require.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, "fresh", string(result.Entry.Body))

	body, ok := cachedBody(t, shell, req.Key)
	require.True(t, ok)
	assert.Equal(t, "fresh", body)
}

func TestNetworkFirstDoesNotStoreErrorStatus(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	shell := newPartition(t, "shell-v2")

	fetcher := fetcherFunc(func(context.Context, *fetch.Request) (cache.Entry, error) {
		return textEntry(http.StatusNotFound, "missing"), nil
	})
	nf := &NetworkFirst{Fetcher: fetcher, Timeout: time.Second, Offline: fallback.OfflinePage, Tasks: tasks}
	req := newRequest(t, "https://kapybara.se/nope", shell)

	result := nf.Serve(context.Background(), req)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, http.StatusNotFound, result.Entry.Status)

	_, ok := cachedBody(t, shell, req.Key)
	assert.False(t, ok)
}

func TestNetworkFirstFallsBackToCachedURL(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	shell := newPartition(t, "shell-v2")
	seed(t, shell, "https://kapybara.se/about", "cached about")
	root := seed(t, shell, "https://kapybara.se/", "cached root")

	nf := &NetworkFirst{Fetcher: offlineFetcher(nil), Timeout: time.Second, RootKeys: []string{root}, Offline: fallback.OfflinePage, Tasks: tasks}
	result := nf.Serve(context.Background(), newRequest(t, "https://kapybara.se/about", shell))

	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "cached about", string(result.Entry.Body))
	assert.ErrorIs(t, result.Err, errOffline)
}

func TestNetworkFirstFallsBackToRootDocument(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	shell := newPartition(t, "shell-v2")
	slash, err := cache.KeyForURL("https://kapybara.se/")
	require.NoError(t, err)
	index := seed(t, shell, "https://kapybara.se/index.html", "cached index")

	nf := &NetworkFirst{
		Fetcher:  offlineFetcher(nil),
		Timeout:  time.Second,
		RootKeys: []string{slash, index},
		Offline:  fallback.OfflinePage,
		Tasks:    tasks,
	}
	result := nf.Serve(context.Background(), newRequest(t, "https://kapybara.se/services", shell))

	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "cached index", string(result.Entry.Body))
}

func TestNetworkFirstOfflinePage(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	shell := newPartition(t, "shell-v2")

	nf := &NetworkFirst{Fetcher: offlineFetcher(nil), Timeout: time.Second, Offline: fallback.OfflinePage, Tasks: tasks}
	result := nf.Serve(context.Background(), newRequest(t, "https://kapybara.se/services", shell))

	assert.Equal(t, SourceFallback, result.Source)
	assert.Contains(t, string(result.Entry.Body), fallback.OfflineMarker)
	assert.True(t, strings.HasPrefix(result.Entry.Header.Get("Content-Type"), "text/html"))
}

func TestNetworkFirstTimeoutServesCacheAndLateFetchStillWrites(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	shell := newPartition(t, "shell-v2")
	key := seed(t, shell, "https://kapybara.se/slow", "stale")

	release := make(chan struct{})
	fetcher := fetcherFunc(func(context.Context, *fetch.Request) (cache.Entry, error) {
		<-release
		return textEntry(http.StatusOK, "late"), nil
	})
	nf := &NetworkFirst{Fetcher: fetcher, Timeout: 20 * time.Millisecond, Offline: fallback.OfflinePage, Tasks: tasks}

	result := nf.Serve(context.Background(), newRequest(t, "https://kapybara.se/slow", shell))
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "stale", string(result.Entry.Body))
	assert.ErrorIs(t, result.Err, ErrNetworkTimeout)

	close(release)
	tasks.Wait()
	body, ok := cachedBody(t, shell, key)
	require.True(t, ok)
	assert.Equal(t, "late", body)
}

func TestCacheFirstImagePlaceholderOnTotalFailure(t *testing.T) {
	shell := newPartition(t, "shell-v2")
	cf := &CacheFirst{
		Fetcher:  offlineFetcher(nil),
		Fallback: func(*url.URL) cache.Entry { return fallback.PlaceholderImage() },
	}

	result := cf.Serve(context.Background(), newRequest(t, "https://kapybara.se/img/team.png", shell))
	assert.Equal(t, SourceFallback, result.Source)
	assert.Equal(t, "image/svg+xml", result.Entry.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", result.Entry.Header.Get("Cache-Control"))
	assert.ErrorIs(t, result.Err, errOffline)
}

func TestCacheFirstMissFetchesAndStores(t *testing.T) {
	shell := newPartition(t, "shell-v2")
	var calls int32
	cf := &CacheFirst{Fetcher: bodyFetcher("body{}", &calls)}
	req := newRequest(t, "https://kapybara.se/style.css", shell)

	result := cf.Serve(context.Background(), req)
	assert.Equal(t, SourceNetwork, result.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	result = cf.Serve(context.Background(), req)
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

// ctxPartition refuses writes on a done context, as the badger backend does.
type ctxPartition struct {
	cache.Partition
}

func (p ctxPartition) Put(ctx context.Context, key string, entry cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.Partition.Put(ctx, key, entry)
}

func TestCacheFirstStoresAfterClientDisconnects(t *testing.T) {
	shell := ctxPartition{newPartition(t, "shell-v2")}
	ctx, cancel := context.WithCancel(context.Background())
	fetcher := fetcherFunc(func(context.Context, *fetch.Request) (cache.Entry, error) {
		cancel()
		return textEntry(http.StatusOK, "body{}"), nil
	})
	cf := &CacheFirst{Fetcher: fetcher}
	req := newRequest(t, "https://kapybara.se/style.css", shell)

	result := cf.Serve(ctx, req)
	assert.Equal(t, SourceNetwork, result.Source)

	body, ok := cachedBody(t, shell, req.Key)
	require.True(t, ok, "entry must be stored although the request context is done")
	assert.Equal(t, "body{}", body)
}

func TestCacheFirstHitReturnsBeforeNetworkAndRefreshes(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	shell := newPartition(t, "shell-v2")
	key := seed(t, shell, "https://kapybara.se/script.js", "v1")

	var calls int32
	fetcher := bodyFetcher("v2", &calls)
	refresher := &Refresher{Fetcher: fetcher, Delay: 50 * time.Millisecond, Coalescer: cache.NewCoalescer(0), Tasks: tasks}
	cf := &CacheFirst{Fetcher: fetcher, Refresher: refresher}

	result := cf.Serve(context.Background(), newRequest(t, "https://kapybara.se/script.js", shell))
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "v1", string(result.Entry.Body))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	require.Eventually(t, func() bool {
		body, _ := cachedBody(t, shell, key)
		return body == "v2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRefreshFailureLeavesEntry(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	shell := newPartition(t, "shell-v2")
	key := seed(t, shell, "https://kapybara.se/script.js", "v1")

	var calls int32
	refresher := &Refresher{Fetcher: offlineFetcher(&calls), Delay: time.Millisecond, Tasks: tasks}
	refresher.Schedule(shell, newRequest(t, "https://kapybara.se/script.js", shell))
	tasks.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	body, ok := cachedBody(t, shell, key)
	require.True(t, ok)
	assert.Equal(t, "v1", body)
}

func TestCriticalCacheFirstNeverRefreshes(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	external := newPartition(t, "external-v2")
	seed(t, external, "https://fonts.gstatic.com/s/raleway.woff2", "font")

	var calls int32
	cf := &CacheFirst{Label: "cache_first_critical", Fetcher: bodyFetcher("new", &calls)}
	result := cf.Serve(context.Background(), newRequest(t, "https://fonts.gstatic.com/s/raleway.woff2", external))

	assert.Equal(t, SourceCache, result.Source)
	tasks.Wait()
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestCacheFirstTypedFallbacks(t *testing.T) {
	shell := newPartition(t, "shell-v2")
	cf := &CacheFirst{
		Fetcher: offlineFetcher(nil),
		Fallback: func(target *url.URL) cache.Entry {
			if entry, ok := fallback.TypedEmpty(target, http.StatusOK); ok {
				return entry
			}
			return fallback.Unavailable()
		},
	}

	css := cf.Serve(context.Background(), newRequest(t, "https://kapybara.se/style.css", shell))
	assert.Equal(t, http.StatusOK, css.Entry.Status)
	assert.Equal(t, "text/css", css.Entry.Header.Get("Content-Type"))

	js := cf.Serve(context.Background(), newRequest(t, "https://kapybara.se/script.js", shell))
	assert.Equal(t, "application/javascript", js.Entry.Header.Get("Content-Type"))

	manifest := cf.Serve(context.Background(), newRequest(t, "https://kapybara.se/site.webmanifest", shell))
	assert.Equal(t, http.StatusServiceUnavailable, manifest.Entry.Status)
	assert.Equal(t, "Resource unavailable offline", string(manifest.Entry.Body))
}

func TestCacheFirstCoalescesConcurrentMisses(t *testing.T) {
	shell := newPartition(t, "shell-v2")
	coalescer := cache.NewCoalescer(0)

	var calls int32
	release := make(chan struct{})
	fetcher := fetcherFunc(func(context.Context, *fetch.Request) (cache.Entry, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return textEntry(http.StatusOK, "shared"), nil
	})
	cf := &CacheFirst{Fetcher: fetcher, Coalescer: coalescer, FlightWait: 2 * time.Second}
	req := newRequest(t, "https://kapybara.se/app.js", shell)

	results := make([]Result, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = cf.Serve(context.Background(), req)
	}()
	require.Eventually(t, func() bool { return coalescer.InFlight() == 1 }, time.Second, time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = cf.Serve(context.Background(), req)
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, result := range results {
		assert.Equal(t, "shared", string(result.Entry.Body))
	}
}

func TestStaleWhileRevalidateServesCacheWhenNetworkFails(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	external := newPartition(t, "external-v2")
	key := seed(t, external, "https://cdnjs.cloudflare.com/fa.css", "cached")

	var calls int32
	swr := &StaleWhileRevalidate{Fetcher: offlineFetcher(&calls), Tasks: tasks}
	result := swr.Serve(context.Background(), newRequest(t, "https://cdnjs.cloudflare.com/fa.css", external))
	assert.Equal(t, SourceCache, result.Source)
	assert.Equal(t, "cached", string(result.Entry.Body))

	tasks.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	body, _ := cachedBody(t, external, key)
	assert.Equal(t, "cached", body)
}

func TestStaleWhileRevalidateUpdatesCacheOnSuccess(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	external := newPartition(t, "external-v2")
	key := seed(t, external, "https://cdnjs.cloudflare.com/fa.css", "cached")

	swr := &StaleWhileRevalidate{Fetcher: bodyFetcher("fresh", nil), Tasks: tasks}
	result := swr.Serve(context.Background(), newRequest(t, "https://cdnjs.cloudflare.com/fa.css", external))
	assert.Equal(t, "cached", string(result.Entry.Body))

	tasks.Wait()
	body, _ := cachedBody(t, external, key)
	assert.Equal(t, "fresh", body)
}

func TestStaleWhileRevalidateMissPropagatesFailure(t *testing.T) {
	tasks := NewTasks()
	defer tasks.Close()
	external := newPartition(t, "external-v2")

	swr := &StaleWhileRevalidate{Fetcher: offlineFetcher(nil), Tasks: tasks}
	result := swr.Serve(context.Background(), newRequest(t, "https://cdnjs.cloudflare.com/fa.css", external))
	assert.True(t, result.Failed())
	assert.ErrorIs(t, result.Err, errOffline)
}

func TestStoppedTasksFallBack(t *testing.T) {
	tasks := NewTasks()
	tasks.Close()
	shell := newPartition(t, "shell-v2")

	nf := &NetworkFirst{Fetcher: bodyFetcher("never", nil), Offline: fallback.OfflinePage, Tasks: tasks}
	result := nf.Serve(context.Background(), newRequest(t, "https://kapybara.se/", shell))
	assert.Equal(t, SourceFallback, result.Source)
	assert.ErrorIs(t, result.Err, ErrStopped)
}
