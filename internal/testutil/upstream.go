package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// Asset is one file served by an Origin.
type Asset struct {
	ContentType string
	Body        string
	Status      int
}

// Origin is a fake site origin. While offline it drops every connection
// without answering, the way an unreachable network looks to a client.
type Origin struct {
	Server *httptest.Server

	mu      sync.Mutex
	assets  map[string]Asset
	offline bool
	hits    map[string]int
	posts   map[string][][]byte
}

// StartOrigin serves assets by path. Unknown paths answer 404.
func StartOrigin(t testing.TB, assets map[string]Asset) *Origin {
	t.Helper()
	origin := &Origin{
		assets: make(map[string]Asset, len(assets)),
		hits:   make(map[string]int),
		posts:  make(map[string][][]byte),
	}
	for path, asset := range assets {
		origin.assets[path] = asset
	}
	origin.Server = httptest.NewServer(http.HandlerFunc(origin.serve))
	t.Cleanup(origin.Server.Close)
	return origin
}

func (o *Origin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	offline := o.offline
	o.hits[r.URL.Path]++
	asset, ok := o.assets[r.URL.Path]
	o.mu.Unlock()

	if offline {
		if hijacker, canHijack := w.(http.Hijacker); canHijack {
			if conn, _, err := hijacker.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	if r.Method == http.MethodPost {
		body, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.posts[r.URL.Path] = append(o.posts[r.URL.Path], body)
		o.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}

	if !ok {
		http.NotFound(w, r)
		return
	}
	if asset.ContentType != "" {
		w.Header().Set("Content-Type", asset.ContentType)
	}
	status := asset.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, asset.Body)
}

func (o *Origin) URL() string {
	return o.Server.URL
}

func (o *Origin) SetOffline(offline bool) {
	o.mu.Lock()
	o.offline = offline
	o.mu.Unlock()
	if offline {
		o.Server.CloseClientConnections()
	}
}

func (o *Origin) SetAsset(path string, asset Asset) {
	o.mu.Lock()
	o.assets[path] = asset
	o.mu.Unlock()
}

func (o *Origin) Hits(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

func (o *Origin) Posts(path string) [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([][]byte(nil), o.posts[path]...)
}

// StartUpstream serves handler, answering 200 when it is nil.
func StartUpstream(t testing.TB, handler http.Handler) *httptest.Server {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}
