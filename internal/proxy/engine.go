package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/obs"
)

// Engine forwards requests the controller does not handle, unmodified apart
// from hop-by-hop headers.
type Engine struct {
	transport http.RoundTripper
	resolver  *fetch.Resolver
	metrics   *obs.Metrics
	logger    *zap.Logger
}

func NewEngine(transport http.RoundTripper, resolver *fetch.Resolver, metrics *obs.Metrics) *Engine {
	if transport == nil {
		transport = fetch.NewTransport(fetch.DefaultTransportOptions())
	}
	return &Engine{transport: transport, resolver: resolver, metrics: metrics, logger: obs.WithModule("engine")}
}

// Forward relays r to target and copies the answer to w. It returns the
// error category written, or "" when the upstream answered.
func (e *Engine) Forward(w http.ResponseWriter, r *http.Request, target *url.URL, requestID string) string {
	resolved := target
	if e.resolver != nil {
		resolved = e.resolver.Resolve(target)
	}

	body := r.Body
	if r.Body == nil || r.ContentLength == 0 {
		body = http.NoBody
	}
	outbound, err := http.NewRequestWithContext(r.Context(), r.Method, resolved.String(), body)
	if err != nil {
		WriteProxyError(w, requestID, http.StatusBadGateway, "bad_gateway", "invalid upstream request")
		return "bad_gateway"
	}
	outbound.ContentLength = r.ContentLength
	outbound.Header = r.Header.Clone()
	removeHopHeaders(outbound.Header)
	outbound.Host = target.Host
	setForwardedHeaders(outbound, r)

	start := time.Now()
	resp, err := e.transport.RoundTrip(outbound)
	if e.resolver != nil {
		e.metrics.ObserveFetch(e.resolver.HostKind(target.Hostname()), time.Since(start))
	}
	if err != nil {
		category := fetch.Category(err)
		e.metrics.RecordFetchError(category)
		e.logger.Debug("forward failed",
			zap.String("request_id", requestID),
			zap.String("target", target.String()),
			zap.String("category", category),
			zap.Any("headers", obs.RedactHeaders(outbound.Header)),
			zap.Error(err),
		)
		return writeForwardError(w, r, requestID, err)
	}
	defer resp.Body.Close()

	removeHopHeaders(resp.Header)
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set(RequestIDHeader, requestID)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return ""
}

func writeForwardError(w http.ResponseWriter, r *http.Request, requestID string, err error) string {
	switch {
	case isClientCanceled(r.Context()):
		return "client_canceled"
	case isTimeoutError(err) || errors.Is(err, context.DeadlineExceeded):
		WriteProxyError(w, requestID, http.StatusGatewayTimeout, "upstream_timeout", "upstream timeout")
		return "upstream_timeout"
	case isDialError(err):
		WriteProxyError(w, requestID, http.StatusBadGateway, "upstream_connect_failed", "upstream connect failed")
		return "upstream_connect_failed"
	default:
		WriteProxyError(w, requestID, http.StatusBadGateway, "bad_gateway", "upstream request failed")
		return "bad_gateway"
	}
}

func setForwardedHeaders(outbound *http.Request, inbound *http.Request) {
	clientIP := inbound.RemoteAddr
	if host, _, err := net.SplitHostPort(inbound.RemoteAddr); err == nil {
		clientIP = host
	}

	if clientIP != "" {
		prior := outbound.Header.Get("X-Forwarded-For")
		if prior != "" {
			clientIP = prior + ", " + clientIP
		}
		outbound.Header.Set("X-Forwarded-For", clientIP)
	}

	proto := "http"
	if inbound.TLS != nil {
		proto = "https"
	}
	outbound.Header.Set("X-Forwarded-Proto", proto)
	if outbound.Header.Get("X-Forwarded-Host") == "" {
		outbound.Header.Set("X-Forwarded-Host", inbound.Host)
	}
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, field := range header.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		header.Del(name)
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func isClientCanceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
