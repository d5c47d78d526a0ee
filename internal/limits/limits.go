package limits

import (
	"fmt"
	"net/http"
	"time"

	"offline_cache_proxy/internal/config"
)

const (
	defaultMaxHeaderBytes    = 64 * 1024
	defaultMaxHeaderCount    = 200
	defaultMaxURLBytes       = 8 * 1024
	defaultMaxBodyBytes      = 1024 * 1024
	defaultReadHeaderTimeout = 2 * time.Second
	defaultIdleTimeout       = 30 * time.Second
)

type Limits struct {
	MaxHeaderBytes    int
	MaxHeaderCount    int
	MaxURLBytes       int
	MaxBodyBytes      int64
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

func Default() Limits {
	return Limits{
		MaxHeaderBytes:    defaultMaxHeaderBytes,
		MaxHeaderCount:    defaultMaxHeaderCount,
		MaxURLBytes:       defaultMaxURLBytes,
		MaxBodyBytes:      defaultMaxBodyBytes,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
}

func FromConfig(cfg config.LimitsConfig) (Limits, error) {
	limits := Default()
	if cfg.MaxHeaderBytes > 0 {
		limits.MaxHeaderBytes = cfg.MaxHeaderBytes
	}
	if cfg.MaxHeaderCount > 0 {
		limits.MaxHeaderCount = cfg.MaxHeaderCount
	}
	if cfg.MaxURLBytes > 0 {
		limits.MaxURLBytes = cfg.MaxURLBytes
	}
	if cfg.MaxBodyBytes > 0 {
		limits.MaxBodyBytes = cfg.MaxBodyBytes
	} else if cfg.MaxBodyBytes < 0 {
		return Limits{}, fmt.Errorf("max_body_bytes must be non-negative")
	}
	if cfg.ReadHeaderTimeout > 0 {
		limits.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	} else if cfg.ReadHeaderTimeout < 0 {
		return Limits{}, fmt.Errorf("read_header_timeout must be positive")
	}
	limits.ReadTimeout = nonNegative(cfg.ReadTimeout)
	limits.WriteTimeout = nonNegative(cfg.WriteTimeout)
	if cfg.IdleTimeout > 0 {
		limits.IdleTimeout = cfg.IdleTimeout
	}

	if cfg.MaxHeaderBytes < 0 {
		return Limits{}, fmt.Errorf("max_header_bytes must be positive")
	}
	if cfg.MaxHeaderCount < 0 {
		return Limits{}, fmt.Errorf("max_header_count must be positive")
	}
	if cfg.MaxURLBytes < 0 {
		return Limits{}, fmt.Errorf("max_url_bytes must be positive")
	}
	return limits, nil
}

// Check rejects a request whose URL or header count is over the limits. It
// returns the status to answer with, or 0 when the request is acceptable.
func (l Limits) Check(r *http.Request) (int, string) {
	if l.MaxURLBytes > 0 && len(r.URL.String()) > l.MaxURLBytes {
		return http.StatusRequestURITooLong, "url_too_long"
	}
	if l.MaxHeaderCount > 0 {
		count := 0
		for _, values := range r.Header {
			count += len(values)
		}
		if count > l.MaxHeaderCount {
			return http.StatusRequestHeaderFieldsTooLarge, "too_many_headers"
		}
	}
	if l.MaxBodyBytes > 0 && r.ContentLength > l.MaxBodyBytes {
		return http.StatusRequestEntityTooLarge, "body_too_large"
	}
	return 0, ""
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
