package admin

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"offline_cache_proxy/internal/bgsync"
	"offline_cache_proxy/internal/controller"
	"offline_cache_proxy/internal/formqueue"
	"offline_cache_proxy/internal/proxy"
	"offline_cache_proxy/internal/validate"
)

const maxFormBodyBytes = 64 << 10

type handler struct {
	ctrl        Controller
	auth        *Authenticator
	rateLimiter *RateLimiter
	logger      *zap.Logger
}

type errorBody struct {
	Error     string          `json:"error"`
	RequestID string          `json:"request_id,omitempty"`
	Fields    validate.Errors `json:"fields,omitempty"`
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := proxy.RequestID(r)
		w.Header().Set(proxy.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(proxy.WithRequestID(r.Context(), id)))
	})
}

func (h *handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := h.auth.Authenticate(r); err != nil {
			h.rateLimiter.RecordFailure(r.RemoteAddr)
			status := http.StatusUnauthorized
			message := "unauthorized"
			var authErr *AuthError
			if errors.As(err, &authErr) {
				status = authErr.Status
				message = authErr.Message
			}
			writeError(w, r, status, message)
			return
		}
		h.rateLimiter.ResetFailures(r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, r, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	status, err := h.ctrl.Status(r.Context())
	if err != nil {
		h.logger.Warn("status incomplete", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) handlePartitions(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, r, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	partitions, err := h.ctrl.Partitions(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": partitions})
}

func (h *handler) handleSkipWaiting(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, r, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	report, err := h.ctrl.SkipWaiting(r.Context())
	switch {
	case errors.Is(err, controller.ErrNotWaiting):
		writeError(w, r, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.logger.Error("skip waiting failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activated": true,
		"claimed":   report.Claimed,
		"evicted":   report.Evicted,
	})
}

func (h *handler) handleSync(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, r, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	tag := chi.URLParam(r, "tag")
	err := h.ctrl.Sync(r.Context(), tag)
	switch {
	case errors.Is(err, bgsync.ErrUnknownTag):
		writeError(w, r, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.logger.Warn("sync failed", zap.String("tag", tag), zap.Error(err))
		writeError(w, r, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "synced": true})
}

func (h *handler) handleListForms(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, r, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	pending, err := h.ctrl.PendingForms(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	if pending == nil {
		pending = []formqueue.Submission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (h *handler) handleEnqueueForm(w http.ResponseWriter, r *http.Request) {
	if h.ctrl == nil {
		writeError(w, r, http.StatusServiceUnavailable, "controller unavailable")
		return
	}
	var sub formqueue.Submission
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&sub); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid body")
		return
	}

	queued, err := h.ctrl.EnqueueForm(r.Context(), sub)
	if err != nil {
		var invalid validate.Errors
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Error:     "invalid submission",
				RequestID: requestIDOf(r),
				Fields:    invalid,
			})
			return
		}
		if errors.Is(err, formqueue.ErrDuplicateID) {
			writeError(w, r, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("enqueue failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, queued)
}

func requestIDOf(r *http.Request) string {
	id, _ := proxy.RequestIDFromContext(r.Context())
	return id
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorBody{Error: message, RequestID: requestIDOf(r)})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
