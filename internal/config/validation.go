package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"offline_cache_proxy/internal/validate"
)

// Validate checks cfg and returns non-fatal warnings alongside the first fatal error.
func Validate(cfg *Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	warnings := []string{}
	if err := validate.Struct(cfg); err != nil {
		return warnings, fmt.Errorf("config: %w", err)
	}
	if err := validateOrigin(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateAssets(cfg); err != nil {
		return warnings, err
	}
	if err := validateStorage(cfg); err != nil {
		return warnings, err
	}
	if err := validateRouting(cfg, &warnings); err != nil {
		return warnings, err
	}
	if err := validateControl(cfg, &warnings); err != nil {
		return warnings, err
	}
	if b := cfg.Fetch.Breaker; b.Enabled && (b.FailureRatePercent == 0 || b.OpenDuration <= 0) {
		return warnings, errors.New("fetch.breaker needs failure_rate_percent and open_duration when enabled")
	}
	return warnings, nil
}

func validateOrigin(cfg *Config, warnings *[]string) error {
	if strings.Contains(cfg.Origin.Host, "/") {
		return fmt.Errorf("origin.host must be a bare host, got %q", cfg.Origin.Host)
	}
	for _, host := range cfg.Origin.ExternalHosts {
		if strings.EqualFold(host, cfg.Origin.Host) {
			return fmt.Errorf("origin.external_hosts must not contain the site host %q", host)
		}
	}
	seen := make(map[string]struct{}, len(cfg.Origin.Upstreams))
	for _, upstream := range cfg.Origin.Upstreams {
		host := strings.ToLower(upstream.Host)
		if _, dup := seen[host]; dup {
			return fmt.Errorf("origin.upstreams lists %s twice", upstream.Host)
		}
		seen[host] = struct{}{}
		parsed, err := url.Parse(upstream.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("origin.upstreams[%s] must be an absolute URL", upstream.Host)
		}
		if parsed.Scheme == "http" && !strings.HasPrefix(parsed.Host, "127.0.0.1") && !strings.HasPrefix(parsed.Host, "localhost") {
			*warnings = append(*warnings, fmt.Sprintf("origin.upstreams[%s] uses plain http", upstream.Host))
		}
	}
	return nil
}

func validateAssets(cfg *Config) error {
	for _, path := range cfg.Assets.Shell {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("assets.shell entries must be absolute paths, got %q", path)
		}
	}
	external := append(append([]string{}, cfg.Assets.CriticalExternal...), cfg.Assets.External...)
	for _, raw := range external {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("external asset %q must be an absolute URL", raw)
		}
		if !containsFold(cfg.Origin.ExternalHosts, parsed.Hostname()) {
			return fmt.Errorf("external asset %q is not on a configured external host", raw)
		}
	}
	return nil
}

func validateStorage(cfg *Config) error {
	if cfg.Cache.Backend == "badger" && strings.TrimSpace(cfg.Cache.Path) == "" {
		return errors.New("cache.path is required for the badger backend")
	}
	if cfg.Forms.Backend == "sqlite" && strings.TrimSpace(cfg.Forms.Path) == "" {
		return errors.New("forms.path is required for the sqlite backend")
	}
	if cfg.ShellPartition() == cfg.ExternalPartition() {
		return errors.New("shell and external partitions must have distinct names")
	}
	return nil
}

func validateRouting(cfg *Config, warnings *[]string) error {
	if cfg.Routing.NavigationTimeout <= 0 {
		return errors.New("routing.navigation_timeout must be > 0")
	}
	if cfg.Routing.RefreshDelay < 0 {
		return errors.New("routing.refresh_delay must be non-negative")
	}
	if len(cfg.Routing.RootDocuments) == 0 {
		*warnings = append(*warnings, "routing.root_documents is empty; offline navigations go straight to the offline page")
	}
	if !strings.HasPrefix(cfg.Forms.Endpoint, "/") {
		return fmt.Errorf("forms.endpoint must be a path on the site origin, got %q", cfg.Forms.Endpoint)
	}
	return nil
}

func validateControl(cfg *Config, warnings *[]string) error {
	if cfg.Control.ListenAddr == "" {
		*warnings = append(*warnings, "control listener disabled; pages cannot connect and forms sync only on schedule")
		return nil
	}
	if strings.TrimSpace(cfg.Control.Token) == "" {
		return errors.New("control.token is required when control.listen_addr is set")
	}
	return nil
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
