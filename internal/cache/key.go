package cache

import (
	"net/url"
	"strings"
)

// BuildKey normalizes a request to "METHOD absolute-url". Scheme and host are
// lowercased, an empty path becomes "/", the query is kept verbatim and the
// fragment is dropped.
func BuildKey(method string, target *url.URL) string {
	if target == nil {
		return ""
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = "GET"
	}
	scheme := strings.ToLower(target.Scheme)
	host := strings.ToLower(target.Host)
	path := target.EscapedPath()
	if path == "" {
		path = "/"
	}

	var builder strings.Builder
	builder.Grow(len(method) + len(scheme) + len(host) + len(path) + len(target.RawQuery) + 6)
	builder.WriteString(method)
	builder.WriteByte(' ')
	builder.WriteString(scheme)
	builder.WriteString("://")
	builder.WriteString(host)
	builder.WriteString(path)
	if target.RawQuery != "" {
		builder.WriteByte('?')
		builder.WriteString(target.RawQuery)
	}
	return builder.String()
}

// KeyForURL parses raw and builds a GET key for it.
func KeyForURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return BuildKey("GET", parsed), nil
}
