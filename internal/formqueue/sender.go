package formqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"offline_cache_proxy/internal/fetch"
)

// HTTPSender POSTs each submission as JSON to Endpoint. Anything but a 2xx
// answer is a failure.
type HTTPSender struct {
	Fetcher  fetch.Fetcher
	Endpoint *url.URL
}

func (h *HTTPSender) Send(ctx context.Context, s Submission) error {
	body, err := json.Marshal(s.Payload())
	if err != nil {
		return fmt.Errorf("formqueue: encode %s: %w", s.ID, err)
	}
	req := &fetch.Request{
		Method: http.MethodPost,
		URL:    h.Endpoint,
		Header: http.Header{},
		Body:   body,
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", s.ID)

	entry, err := h.Fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if !entry.Cacheable() {
		return &fetch.StatusError{URL: h.Endpoint.String(), Status: entry.Status}
	}
	return nil
}
