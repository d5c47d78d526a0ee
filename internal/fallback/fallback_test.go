package fallback

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflinePageIsSelfContained(t *testing.T) {
	entry := OfflinePage()
	assert.Equal(t, http.StatusOK, entry.Status)
	assert.Equal(t, "text/html; charset=utf-8", entry.Header.Get("Content-Type"))
	assert.Contains(t, string(entry.Body), OfflineMarker)
	assert.NotContains(t, string(entry.Body), "<link")
	assert.NotContains(t, string(entry.Body), "<script")
}

func TestPlaceholderImage(t *testing.T) {
	entry := PlaceholderImage()
	assert.Equal(t, "image/svg+xml", entry.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", entry.Header.Get("Cache-Control"))
	assert.Contains(t, string(entry.Body), "<svg")

	entry.Body[0] = 'X'
	assert.Contains(t, string(PlaceholderImage().Body), "<svg")
}

func TestTypedEmpty(t *testing.T) {
	cases := []struct {
		raw         string
		contentType string
		body        string
	}{
		{"https://kapybara.se/style.css", "text/css", "/* Offline */"},
		{"https://kapybara.se/script.js", "application/javascript", "// Offline"},
		{"https://fonts.gstatic.com/raleway.woff2", "text/css", "/* Font not available - system font fallback will be used */"},
	}
	for _, tc := range cases {
		target, err := url.Parse(tc.raw)
		require.NoError(t, err)
		entry, ok := TypedEmpty(target, http.StatusServiceUnavailable)
		require.True(t, ok, tc.raw)
		assert.Equal(t, http.StatusServiceUnavailable, entry.Status)
		assert.Equal(t, tc.contentType, entry.Header.Get("Content-Type"))
		assert.Equal(t, tc.body, string(entry.Body))
	}

	target, _ := url.Parse("https://kapybara.se/site.webmanifest")
	_, ok := TypedEmpty(target, http.StatusOK)
	assert.False(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, Unavailable().Status)
}
