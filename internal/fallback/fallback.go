// Package fallback synthesizes the responses served when neither the cache
// nor the network can answer. Nothing here performs a fetch.
package fallback

import (
	_ "embed"
	"net/http"
	"net/url"
	"time"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/classify"
)

// OfflineMarker is the heading text of the offline page.
const OfflineMarker = "Du är offline"

const (
	fontBody       = "/* Font not available - system font fallback will be used */"
	stylesheetBody = "/* Offline */"
	scriptBody     = "// Offline"
	unavailable    = "Resource unavailable offline"
)

var (
	//go:embed assets/offline.html
	offlineHTML []byte
	//go:embed assets/placeholder.svg
	placeholderSVG []byte
)

func OfflinePage() cache.Entry {
	return synthesized(http.StatusOK, "text/html; charset=utf-8", offlineHTML)
}

// PlaceholderImage is served for images that are neither cached nor reachable.
// It must never be stored by the page or any intermediary.
func PlaceholderImage() cache.Entry {
	entry := synthesized(http.StatusOK, "image/svg+xml", placeholderSVG)
	entry.Header.Set("Cache-Control", "no-store")
	return entry
}

// TypedEmpty returns an inert body of the right type for fonts, stylesheets
// and scripts so the page keeps rendering. ok is false for any other type.
func TypedEmpty(target *url.URL, status int) (cache.Entry, bool) {
	if classify.IsFont(target) {
		return synthesized(status, "text/css", []byte(fontBody)), true
	}
	switch classify.Extension(target) {
	case ".css":
		return synthesized(status, "text/css", []byte(stylesheetBody)), true
	case ".js", ".mjs":
		return synthesized(status, "application/javascript", []byte(scriptBody)), true
	}
	return cache.Entry{}, false
}

func Unavailable() cache.Entry {
	return synthesized(http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte(unavailable))
}

func synthesized(status int, contentType string, body []byte) cache.Entry {
	header := http.Header{}
	header.Set("Content-Type", contentType)
	return cache.Entry{
		Status:   status,
		Header:   header,
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now(),
	}
}
