package proxy

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"offline_cache_proxy/internal/classify"
	"offline_cache_proxy/internal/controller"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/limits"
	"offline_cache_proxy/internal/obs"
)

// CacheSourceHeader tells the page where a handled response came from.
const CacheSourceHeader = "X-Cache-Source"

// Router decides and serves intercepted requests. *controller.Controller
// implements it.
type Router interface {
	Decide(r *http.Request, target *url.URL) classify.Decision
	Serve(ctx context.Context, r *http.Request, target *url.URL, decision classify.Decision) controller.Outcome
	Version() string
}

type Handler struct {
	Controller Router
	Resolver   *fetch.Resolver
	Engine     *Engine
	Limits     limits.Limits
	Metrics    *obs.Metrics
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Controller == nil || h.Resolver == nil || h.Engine == nil {
		http.Error(w, "proxy not ready", http.StatusServiceUnavailable)
		return
	}

	start := time.Now()
	id := RequestID(r)
	r = r.WithContext(WithRequestID(r.Context(), id))
	recorder := NewResponseRecorder(w)
	target := h.Resolver.Target(r)

	access := obs.RequestContext{
		RequestID:  id,
		Method:     r.Method,
		Host:       target.Host,
		Path:       target.Path,
		Controller: h.Controller.Version(),
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
	}
	defer func() {
		access.Status = recorder.Status()
		access.Duration = time.Since(start)
		access.BytesOut = recorder.BytesWritten()
		if category := recorder.ErrorCategory(); category != "" {
			access.ErrorCategory = category
		}
		h.Metrics.ObserveRequest(access.Class, access.CacheSource, access.Status, access.Duration)
		obs.LogAccess(access)
	}()

	if status, category := h.Limits.Check(r); status != 0 {
		WriteProxyError(recorder, id, status, category, http.StatusText(status))
		return
	}

	decision := h.Controller.Decide(r, target)
	if decision.Bypass {
		access.BypassReason = decision.BypassReason
		h.Metrics.RecordBypass(decision.BypassReason)
		if h.Limits.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(recorder, r.Body, h.Limits.MaxBodyBytes)
		}
		h.Engine.Forward(recorder, r, target, id)
		return
	}

	access.Class = decision.Class.String()
	outcome := h.Controller.Serve(r.Context(), r, target, decision)
	access.Strategy = outcome.Strategy
	access.Partition = outcome.Partition
	access.CacheSource = string(outcome.Result.Source)
	if outcome.Result.Err != nil {
		access.ErrorCategory = fetch.Category(outcome.Result.Err)
	}

	if outcome.Result.Failed() {
		WriteProxyError(recorder, id, http.StatusBadGateway, "upstream_unavailable", "resource is neither cached nor reachable")
		return
	}
	recorder.Header().Set(RequestIDHeader, id)
	recorder.Header().Set(CacheSourceHeader, access.CacheSource)
	_, _ = outcome.Result.Entry.Write(recorder)
}
