package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"offline_cache_proxy/internal/breaker"
	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/obs"
)

// Request is a network fetch against a logical URL (the URL the page asked
// for). The Resolver decides which address is actually dialed.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

func Get(target *url.URL) *Request {
	return &Request{Method: http.MethodGet, URL: target, Header: http.Header{}}
}

// forwardedHeaders are copied from the page request onto cache fetches.
// Validators (If-None-Match, If-Modified-Since) are left out so the network
// always answers with a full body that can be stored.
var forwardedHeaders = []string{
	"Accept",
	"Accept-Language",
	"User-Agent",
	"Referer",
}

// FromIncoming derives a cacheable GET fetch from a page request.
func FromIncoming(r *http.Request, target *url.URL) *Request {
	req := Get(target)
	for _, name := range forwardedHeaders {
		if value := r.Header.Get(name); value != "" {
			req.Header.Set(name, value)
		}
	}
	return req
}

// Fetcher performs network fetches. Any answered request is returned as an
// entry regardless of status; only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (cache.Entry, error)
}

type Options struct {
	Transport    http.RoundTripper
	Resolver     *Resolver
	Timeout      time.Duration
	MaxBodyBytes int64
	UserAgent    string
	Metrics      *obs.Metrics
	// Breakers, when set, short-circuits fetches to hosts that keep failing.
	Breakers *breaker.Registry
}

type Client struct {
	transport    http.RoundTripper
	resolver     *Resolver
	timeout      time.Duration
	maxBodyBytes int64
	userAgent    string
	metrics      *obs.Metrics
	breakers     *breaker.Registry
}

func NewClient(opts Options) *Client {
	transport := opts.Transport
	if transport == nil {
		transport = NewTransport(DefaultTransportOptions())
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = &Resolver{siteScheme: "https"}
	}
	return &Client{
		transport:    transport,
		resolver:     resolver,
		timeout:      opts.Timeout,
		maxBodyBytes: opts.MaxBodyBytes,
		userAgent:    opts.UserAgent,
		metrics:      opts.Metrics,
		breakers:     opts.Breakers,
	}
}

func (c *Client) Transport() http.RoundTripper {
	return c.transport
}

func (c *Client) Resolver() *Resolver {
	return c.resolver
}

func (c *Client) Fetch(ctx context.Context, req *Request) (cache.Entry, error) {
	if req == nil || req.URL == nil {
		return cache.Entry{}, errors.New("fetch: request has no url")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	target := c.resolver.Resolve(req.URL)
	outbound, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	if req.Header != nil {
		outbound.Header = req.Header.Clone()
	}
	if c.userAgent != "" && outbound.Header.Get("User-Agent") == "" {
		outbound.Header.Set("User-Agent", c.userAgent)
	}

	host := req.URL.Hostname()
	if !c.breakers.Allow(host) {
		c.metrics.RecordFetchError(Category(breaker.ErrOpen))
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", req.URL, breaker.ErrOpen)
	}

	start := time.Now()
	resp, err := c.transport.RoundTrip(outbound)
	c.metrics.ObserveFetch(c.resolver.HostKind(host), time.Since(start))
	if err != nil {
		c.breakers.Report(host, breakerResult(err))
		c.metrics.RecordFetchError(Category(err))
		return cache.Entry{}, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	entry, err := cache.FromResponse(resp, c.maxBodyBytes)
	if err != nil {
		c.breakers.Report(host, breakerResult(err))
		c.metrics.RecordFetchError(Category(err))
		return cache.Entry{}, fmt.Errorf("fetch %s: read body: %w", req.URL, err)
	}
	if entry.Status >= http.StatusInternalServerError {
		c.breakers.Report(host, breaker.Failure)
	} else {
		c.breakers.Report(host, breaker.Success)
	}
	return entry, nil
}

// breakerResult keeps caller cancellations and oversized bodies out of the
// host failure rate.
func breakerResult(err error) breaker.Result {
	switch Category(err) {
	case "canceled", "too_large":
		return breaker.Ignored
	}
	return breaker.Failure
}

// Resolver maps logical URLs to the addresses actually dialed and owns the
// scheme used for the site origin.
type Resolver struct {
	siteHost      string
	siteScheme    string
	upstreams     map[string]*url.URL
	externalHosts map[string]struct{}
}

func NewResolver(siteHost string, siteScheme string, upstreams map[string]string) (*Resolver, error) {
	if siteScheme == "" {
		siteScheme = "https"
	}
	resolver := &Resolver{
		siteHost:   strings.ToLower(siteHost),
		siteScheme: siteScheme,
		upstreams:  make(map[string]*url.URL, len(upstreams)),
	}
	for host, base := range upstreams {
		parsed, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("fetch: upstream for %s: %w", host, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("fetch: upstream for %s must be absolute", host)
		}
		resolver.upstreams[strings.ToLower(host)] = parsed
	}
	return resolver, nil
}

// Resolve rewrites target onto its configured upstream base, keeping path and query.
func (r *Resolver) Resolve(target *url.URL) *url.URL {
	base, ok := r.upstreams[strings.ToLower(target.Hostname())]
	if !ok {
		return target
	}
	resolved := *target
	resolved.Scheme = base.Scheme
	resolved.Host = base.Host
	if prefix := strings.TrimSuffix(base.Path, "/"); prefix != "" {
		resolved.Path = prefix + target.Path
		if target.RawPath != "" {
			resolved.RawPath = prefix + target.RawPath
		}
	}
	resolved.Fragment = ""
	return &resolved
}

// Target reconstructs the logical absolute URL of a page request. Absolute-form
// proxy requests keep their path and query; origin-form requests take their
// host from the Host header. Targets on the site or an external host are
// normalized to the scheme and port-less host used at install, so the page's
// spelling of the URL does not change the cache key.
func (r *Resolver) Target(req *http.Request) *url.URL {
	var target url.URL
	if req.URL.IsAbs() {
		target = *req.URL
	} else {
		host := req.Host
		if host == "" {
			host = r.siteHost
		}
		target = url.URL{
			Scheme:   r.SchemeFor(host),
			Host:     host,
			Path:     req.URL.Path,
			RawPath:  req.URL.RawPath,
			RawQuery: req.URL.RawQuery,
		}
	}
	target.Fragment = ""
	target.User = nil

	host := strings.ToLower(hostOnly(target.Host))
	switch {
	case host == r.siteHost:
		target.Scheme = r.siteScheme
		target.Host = r.siteHost
	case r.isExternal(host):
		target.Scheme = "https"
		target.Host = host
	}
	return &target
}

// SetExternalHosts names the third-party hosts whose targets are normalized
// like the site origin.
func (r *Resolver) SetExternalHosts(hosts []string) {
	r.externalHosts = make(map[string]struct{}, len(hosts))
	for _, host := range hosts {
		r.externalHosts[strings.ToLower(host)] = struct{}{}
	}
}

func (r *Resolver) isExternal(host string) bool {
	_, ok := r.externalHosts[host]
	return ok
}

// SiteURL returns the logical URL of a path on the site origin.
func (r *Resolver) SiteURL(path string) (*url.URL, error) {
	parsed, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	return &url.URL{
		Scheme:   r.siteScheme,
		Host:     r.siteHost,
		Path:     parsed.Path,
		RawPath:  parsed.RawPath,
		RawQuery: parsed.RawQuery,
	}, nil
}

func (r *Resolver) SchemeFor(host string) string {
	if strings.EqualFold(hostOnly(host), r.siteHost) {
		return r.siteScheme
	}
	return "https"
}

func (r *Resolver) HostKind(host string) string {
	if strings.EqualFold(hostOnly(host), r.siteHost) {
		return "site"
	}
	return "external"
}

func hostOnly(host string) string {
	if i := strings.LastIndex(host, ":"); i != -1 && !strings.Contains(host[i:], "]") {
		return host[:i]
	}
	return host
}
