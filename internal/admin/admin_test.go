package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline_cache_proxy/internal/bgsync"
	"offline_cache_proxy/internal/controller"
	"offline_cache_proxy/internal/formqueue"
	"offline_cache_proxy/internal/proxy"
	"offline_cache_proxy/internal/validate"
)

const testToken = "control-secret"

type stubController struct {
	skipErr  error
	syncErr  error
	synced   []string
	queued   []formqueue.Submission
	enqueErr error
}

func (s *stubController) Status(context.Context) (controller.Status, error) {
	return controller.Status{
		State:   "activated",
		Version: "shell-v2+external-v2",
		Partitions: []controller.PartitionInfo{
			{Name: "external-v2", Entries: 2, Current: true},
			{Name: "shell-v2", Entries: 4, Current: true},
		},
		QueueDepth: len(s.queued),
	}, nil
}

func (s *stubController) Partitions(ctx context.Context) ([]controller.PartitionInfo, error) {
	status, _ := s.Status(ctx)
	return status.Partitions, nil
}

func (s *stubController) SkipWaiting(context.Context) (controller.ActivateReport, error) {
	if s.skipErr != nil {
		return controller.ActivateReport{}, s.skipErr
	}
	return controller.ActivateReport{Claimed: 1, Evicted: []string{"shell-v1"}}, nil
}

func (s *stubController) Sync(_ context.Context, tag string) error {
	if tag != "contact-form-sync" {
		return fmt.Errorf("%w: %s", bgsync.ErrUnknownTag, tag)
	}
	s.synced = append(s.synced, tag)
	return s.syncErr
}

func (s *stubController) EnqueueForm(_ context.Context, sub formqueue.Submission) (formqueue.Submission, error) {
	if s.enqueErr != nil {
		return formqueue.Submission{}, s.enqueErr
	}
	sub.ID = fmt.Sprintf("sub-%d", len(s.queued)+1)
	s.queued = append(s.queued, sub)
	return sub, nil
}

func (s *stubController) PendingForms(context.Context) ([]formqueue.Submission, error) {
	return s.queued, nil
}

func newTestHandler(t *testing.T, ctrl Controller, limiter *RateLimiter) http.Handler {
	t.Helper()
	auth, err := NewAuthenticator(AuthConfig{Token: testToken})
	require.NoError(t, err)
	return NewHandler(HandlerConfig{
		Controller:  ctrl,
		Auth:        auth,
		RateLimiter: limiter,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("# metrics\n"))
		}),
		Pages: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusSwitchingProtocols)
		}),
	})
}

func do(handler http.Handler, method, path, body string, authorized bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestV1RoutesRequireToken(t *testing.T) {
	handler := newTestHandler(t, &stubController{}, nil)

	rec := do(handler, http.MethodGet, "/v1/status", "", false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "token required", body.Error)
	assert.Equal(t, rec.Header().Get(proxy.RequestIDHeader), body.RequestID)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(handler, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(handler, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
	rec = do(handler, http.MethodGet, "/v1/clients/ws", "", false)
	assert.Equal(t, http.StatusSwitchingProtocols, rec.Code)
}

func TestStatusAndPartitions(t *testing.T) {
	handler := newTestHandler(t, &stubController{}, nil)

	rec := do(handler, http.MethodGet, "/v1/status", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var status controller.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "activated", status.State)
	assert.Equal(t, "shell-v2+external-v2", status.Version)
	assert.Len(t, status.Partitions, 2)

	rec = do(handler, http.MethodGet, "/v1/partitions", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Partitions []controller.PartitionInfo `json:"partitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Partitions, 2)
	assert.Equal(t, "shell-v2", listing.Partitions[1].Name)
	assert.Equal(t, 4, listing.Partitions[1].Entries)
}

func TestSkipWaiting(t *testing.T) {
	ctrl := &stubController{}
	handler := newTestHandler(t, ctrl, nil)

	rec := do(handler, http.MethodPost, "/v1/skip-waiting", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "shell-v1")

	ctrl.skipErr = controller.ErrNotWaiting
	rec = do(handler, http.MethodPost, "/v1/skip-waiting", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(handler, http.MethodGet, "/v1/skip-waiting", "", true)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSyncByTag(t *testing.T) {
	ctrl := &stubController{}
	handler := newTestHandler(t, ctrl, nil)

	rec := do(handler, http.MethodPost, "/v1/sync/contact-form-sync", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"contact-form-sync"}, ctrl.synced)

	rec = do(handler, http.MethodPost, "/v1/sync/newsletter", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ctrl.syncErr = &formqueue.DrainError{ID: "sub-1", Err: errors.New("connection refused")}
	rec = do(handler, http.MethodPost, "/v1/sync/contact-form-sync", "", true)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "sub-1")
}

func TestEnqueueAndListForms(t *testing.T) {
	ctrl := &stubController{}
	handler := newTestHandler(t, ctrl, nil)

	rec := do(handler, http.MethodGet, "/v1/forms", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pending":[]}`, rec.Body.String())

	payload := `{"name":"Anna","email":"anna@example.com","subject":"Hello","message":"Offline hello there"}`
	rec = do(handler, http.MethodPost, "/v1/forms", payload, true)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var queued formqueue.Submission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
	assert.Equal(t, "sub-1", queued.ID)
	assert.Equal(t, "Anna", queued.Name)

	rec = do(handler, http.MethodGet, "/v1/forms", "", true)
	var listing struct {
		Pending []formqueue.Submission `json:"pending"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Pending, 1)

	rec = do(handler, http.MethodPost, "/v1/forms", `{"name":`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(handler, http.MethodPost, "/v1/forms", `{"nickname":"x"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueFormReportsFieldErrors(t *testing.T) {
	ctrl := &stubController{
		enqueErr: fmt.Errorf("formqueue: invalid submission: %w", validate.Errors{{Field: "email", Tag: "email"}}),
	}
	handler := newTestHandler(t, ctrl, nil)

	rec := do(handler, http.MethodPost, "/v1/forms", `{"name":"Anna","email":"nope"}`, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "invalid submission", body.Error)
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "email", body.Fields[0].Field)
}

func TestRateLimitAndFailureBlocking(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RPS: 1, Burst: 2, MaxFailures: 100})
	handler := newTestHandler(t, &stubController{}, limiter)

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(handler, http.MethodGet, "/healthz", "", false).Code, "health checks are not limited")
	}
	assert.Equal(t, http.StatusNotFound, do(handler, http.MethodGet, "/v1/unknown", "", true).Code)
	assert.Equal(t, http.StatusNotFound, do(handler, http.MethodGet, "/v1/unknown", "", true).Code)
	rec := do(handler, http.MethodGet, "/v1/unknown", "", true)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	blocking := NewRateLimiter(RateLimitConfig{RPS: 100, Burst: 100, MaxFailures: 2})
	handler = newTestHandler(t, &stubController{}, blocking)
	assert.Equal(t, http.StatusUnauthorized, do(handler, http.MethodGet, "/v1/status", "", false).Code)
	assert.Equal(t, http.StatusUnauthorized, do(handler, http.MethodGet, "/v1/status", "", false).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(handler, http.MethodGet, "/v1/status", "", true).Code)
}

func TestRateLimiterRefillsAndForgetsIdleClients(t *testing.T) {
	now := time.Now()
	limiter := NewRateLimiter(RateLimitConfig{RPS: 2, Burst: 1, MaxFailures: 1, BlockDuration: time.Minute})
	limiter.now = func() time.Time { return now }

	ok, _ := limiter.Allow("192.0.2.1:1000")
	require.True(t, ok)
	ok, wait := limiter.Allow("192.0.2.1:1001")
	require.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	now = now.Add(500 * time.Millisecond)
	ok, _ = limiter.Allow("192.0.2.1:1002")
	assert.True(t, ok)

	limiter.RecordFailure("192.0.2.2:1")
	ok, wait = limiter.Allow("192.0.2.2:2")
	assert.False(t, ok)
	assert.Equal(t, time.Minute, wait)

	now = now.Add(idleClientTTL + time.Second)
	limiter.Allow("192.0.2.3:1")
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.clients, 1)
	assert.Contains(t, limiter.clients, "192.0.2.3")
}

func TestNewAuthenticatorRequiresToken(t *testing.T) {
	_, err := NewAuthenticator(AuthConfig{Token: "  "})
	assert.Error(t, err)

	token, ok := bearerToken("bearer abc")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)
	_, ok = bearerToken("Basic abc")
	assert.False(t, ok)
}
