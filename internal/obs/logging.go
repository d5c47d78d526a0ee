package obs

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const accessLogMessage = "access"

// LogAccess writes one structured line per intercepted request.
func LogAccess(ctx RequestContext) {
	Logger().Info(accessLogMessage,
		zap.String("module", "access"),
		zap.String("request_id", defaultString(ctx.RequestID, "none")),
		zap.String("method", ctx.Method),
		zap.String("host", ctx.Host),
		zap.String("path", ctx.Path),
		zap.String("class", defaultString(ctx.Class, "none")),
		zap.String("strategy", defaultString(ctx.Strategy, "none")),
		zap.String("cache_source", defaultString(ctx.CacheSource, "bypass")),
		zap.String("partition", defaultString(ctx.Partition, "none")),
		zap.String("bypass_reason", ctx.BypassReason),
		zap.Int("status", ctx.Status),
		zap.Int64("duration_ms", ctx.Duration.Milliseconds()),
		zap.Int64("bytes_out", ctx.BytesOut),
		zap.String("error_category", defaultString(ctx.ErrorCategory, "none")),
		zap.String("controller", defaultString(ctx.Controller, "none")),
		zap.String("user_agent", ctx.UserAgent),
		zap.String("remote_addr", ctx.RemoteAddr),
	)
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// RedactHeaderValue hides credentials before a header is logged.
func RedactHeaderValue(name, value string) string {
	if name == "" {
		return value
	}
	if isSensitiveHeader(name) {
		return "[redacted]"
	}
	return value
}

// RedactHeaders flattens h for logging with credentials hidden.
func RedactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = RedactHeaderValue(name, strings.Join(values, ", "))
	}
	return out
}

func isSensitiveHeader(name string) bool {
	switch strings.ToLower(name) {
	case "authorization", "cookie", "set-cookie", "x-api-key", "proxy-authorization":
		return true
	default:
		return false
	}
}
