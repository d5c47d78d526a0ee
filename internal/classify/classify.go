// Package classify maps an intercepted request to the resource class that
// picks its caching strategy, or to a bypass reason when the controller must
// not touch it. Classification is pure: it reads only the request and the
// configured rules.
package classify

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

type Class int

const (
	Unknown Class = iota
	Navigation
	Image
	CriticalAsset
	External
	StaticAsset
)

func (c Class) String() string {
	switch c {
	case Navigation:
		return "navigation"
	case Image:
		return "image"
	case CriticalAsset:
		return "critical"
	case External:
		return "external"
	case StaticAsset:
		return "static"
	default:
		return "unknown"
	}
}

// Bypass reasons.
const (
	BypassMethod      = "method"
	BypassOrigin      = "origin"
	BypassNetworkOnly = "network_only"
)

type Rules struct {
	SiteHost            string
	ExternalHosts       []string
	CriticalURLs        []string
	NetworkOnlyPrefixes []string
}

type Decision struct {
	Class        Class
	Bypass       bool
	BypassReason string
	ExternalHost bool
}

type Classifier struct {
	siteHost    string
	external    map[string]struct{}
	critical    map[string]struct{}
	networkOnly []string
}

var (
	imageExtensions = map[string]struct{}{
		".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".svg": {}, ".webp": {}, ".avif": {},
	}
	fontExtensions = map[string]struct{}{
		".woff": {}, ".woff2": {}, ".ttf": {}, ".otf": {},
	}
)

func New(rules Rules) *Classifier {
	c := &Classifier{
		siteHost: strings.ToLower(rules.SiteHost),
		external: make(map[string]struct{}, len(rules.ExternalHosts)),
		critical: make(map[string]struct{}, len(rules.CriticalURLs)),
	}
	for _, host := range rules.ExternalHosts {
		c.external[strings.ToLower(host)] = struct{}{}
	}
	for _, raw := range rules.CriticalURLs {
		if parsed, err := url.Parse(raw); err == nil {
			c.critical[normalizeURL(parsed)] = struct{}{}
		}
	}
	for _, prefix := range rules.NetworkOnlyPrefixes {
		if prefix != "" {
			c.networkOnly = append(c.networkOnly, prefix)
		}
	}
	return c
}

// Decide returns the bypass verdict for req, and its class when it is handled.
func (c *Classifier) Decide(req *http.Request, target *url.URL) Decision {
	if req.Method != http.MethodGet {
		return Decision{Bypass: true, BypassReason: BypassMethod}
	}
	host := strings.ToLower(target.Hostname())
	_, external := c.external[host]
	if host != c.siteHost && !external {
		return Decision{Bypass: true, BypassReason: BypassOrigin}
	}
	if !external {
		for _, prefix := range c.networkOnly {
			if strings.HasPrefix(target.Path, prefix) {
				return Decision{Bypass: true, BypassReason: BypassNetworkOnly}
			}
		}
	}
	return Decision{Class: c.Classify(req, target), ExternalHost: external}
}

// Classify tags an allowed GET request. Order matters: navigations first, then
// images, critical fonts, external hosts, and everything else as static.
func (c *Classifier) Classify(req *http.Request, target *url.URL) Class {
	if IsNavigation(req, target) {
		return Navigation
	}
	ext := Extension(target)
	if _, ok := imageExtensions[ext]; ok {
		return Image
	}
	if _, ok := fontExtensions[ext]; ok {
		return CriticalAsset
	}
	if _, ok := c.critical[normalizeURL(target)]; ok {
		return CriticalAsset
	}
	if _, ok := c.external[strings.ToLower(target.Hostname())]; ok {
		return External
	}
	return StaticAsset
}

// IsNavigation reports a full page load: the browser's fetch mode says so, or
// the request prefers HTML and the path does not name an asset.
func IsNavigation(req *http.Request, target *url.URL) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if req.Header.Get("Sec-Fetch-Mode") != "" {
		return false
	}
	ext := Extension(target)
	if ext != "" && ext != ".html" && ext != ".htm" {
		return false
	}
	for _, part := range strings.Split(req.Header.Get("Accept"), ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
			return true
		}
	}
	return false
}

func IsFont(target *url.URL) bool {
	_, ok := fontExtensions[Extension(target)]
	return ok
}

// Extension is the lowercased extension of the URL path, or "".
func Extension(target *url.URL) string {
	if target == nil {
		return ""
	}
	return strings.ToLower(path.Ext(target.Path))
}

func normalizeURL(target *url.URL) string {
	p := target.EscapedPath()
	if p == "" {
		p = "/"
	}
	normalized := strings.ToLower(target.Host) + p
	if target.RawQuery != "" {
		normalized += "?" + target.RawQuery
	}
	return normalized
}
