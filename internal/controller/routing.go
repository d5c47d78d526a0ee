package controller

import (
	"context"
	"net/http"
	"net/url"

	"offline_cache_proxy/internal/cache"
	"offline_cache_proxy/internal/classify"
	"offline_cache_proxy/internal/fetch"
	"offline_cache_proxy/internal/strategy"
)

// BypassInactive marks requests seen before this version is active.
const BypassInactive = "inactive"

// Outcome is the answer for one intercepted request.
type Outcome struct {
	Strategy  string
	Partition string
	Result    strategy.Result
}

// Decide classifies an intercepted request. Until activation every request
// is passed through untouched.
func (c *Controller) Decide(r *http.Request, target *url.URL) classify.Decision {
	decision := c.classifier.Decide(r, target)
	if decision.Bypass {
		return decision
	}
	if c.State() != StateActivated {
		return classify.Decision{Class: decision.Class, Bypass: true, BypassReason: BypassInactive}
	}
	return decision
}

// Serve answers a handled request with the strategy for its class. The
// caller must have got a non-bypass decision from Decide.
func (c *Controller) Serve(ctx context.Context, r *http.Request, target *url.URL, decision classify.Decision) Outcome {
	shell, ext := c.partitions()
	req := strategy.Request{
		Key:    cache.BuildKey(http.MethodGet, target),
		Fetch:  fetch.FromIncoming(r, target),
		Lookup: cache.Group{shell, ext},
	}

	var chosen strategy.Strategy
	switch decision.Class {
	case classify.Navigation:
		chosen = c.navigation
		req.Partition = shell
	case classify.Image:
		chosen = c.image
		req.Partition = pick(decision, shell, ext)
	case classify.CriticalAsset:
		chosen = c.critical
		req.Partition = pick(decision, shell, ext)
	case classify.External:
		chosen = c.external
		req.Partition = ext
	default:
		chosen = c.static
		req.Partition = pick(decision, shell, ext)
	}

	outcome := Outcome{Strategy: chosen.Name(), Result: chosen.Serve(ctx, req)}
	if req.Partition != nil {
		outcome.Partition = req.Partition.Name()
	}
	return outcome
}

func pick(decision classify.Decision, shell, ext cache.Partition) cache.Partition {
	if decision.ExternalHost {
		return ext
	}
	return shell
}
