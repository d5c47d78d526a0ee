package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const EnvPrefix = "OFFLINECACHE"

type Config struct {
	ListenAddr string          `mapstructure:"listen_addr" validate:"required"`
	Origin     OriginConfig    `mapstructure:"origin"`
	Cache      CacheConfig     `mapstructure:"cache"`
	Assets     AssetsConfig    `mapstructure:"assets"`
	Routing    RoutingConfig   `mapstructure:"routing"`
	Lifecycle  LifecycleConfig `mapstructure:"lifecycle"`
	Forms      FormsConfig     `mapstructure:"forms"`
	Sync       SyncConfig      `mapstructure:"sync"`
	Control    ControlConfig   `mapstructure:"control"`
	Health     HealthConfig    `mapstructure:"health"`
	Logging    LoggingConfig   `mapstructure:"logging"`
	Fetch      FetchConfig     `mapstructure:"fetch"`
	Limits     LimitsConfig    `mapstructure:"limits"`
	Shutdown   ShutdownConfig  `mapstructure:"shutdown"`
}

// OriginConfig names the site the cache serves and where its bytes come from.
// Upstreams redirect a logical host to the base URL actually dialed; hosts
// without an entry are fetched over Scheme from the host itself.
type OriginConfig struct {
	Host          string           `mapstructure:"host" validate:"required"`
	Scheme        string           `mapstructure:"scheme" validate:"oneof=http https"`
	ExternalHosts []string         `mapstructure:"external_hosts"`
	Upstreams     []UpstreamConfig `mapstructure:"upstreams" validate:"dive"`
}

type UpstreamConfig struct {
	Host string `mapstructure:"host" validate:"required"`
	URL  string `mapstructure:"url" validate:"required"`
}

type CacheConfig struct {
	Backend         string `mapstructure:"backend" validate:"oneof=memory badger"`
	Path            string `mapstructure:"path"`
	Prefix          string `mapstructure:"prefix"`
	ShellVersion    int    `mapstructure:"shell_version" validate:"gte=1"`
	ExternalVersion int    `mapstructure:"external_version" validate:"gte=1"`
	MaxObjectBytes  int64  `mapstructure:"max_object_bytes" validate:"gte=0"`
}

type AssetsConfig struct {
	Shell            []string `mapstructure:"shell" validate:"min=1"`
	CriticalExternal []string `mapstructure:"critical_external"`
	External         []string `mapstructure:"external"`
}

type RoutingConfig struct {
	NavigationTimeout   time.Duration `mapstructure:"navigation_timeout"`
	RefreshDelay        time.Duration `mapstructure:"refresh_delay"`
	NetworkOnlyPrefixes []string      `mapstructure:"network_only_prefixes"`
	RootDocuments       []string      `mapstructure:"root_documents"`
}

type LifecycleConfig struct {
	SkipWaiting bool `mapstructure:"skip_waiting"`
}

type FormsConfig struct {
	Backend  string `mapstructure:"backend" validate:"oneof=memory sqlite"`
	Path     string `mapstructure:"path"`
	Endpoint string `mapstructure:"endpoint" validate:"required"`
}

type SyncConfig struct {
	FormTag        string        `mapstructure:"form_tag" validate:"required"`
	RetrySchedule  string        `mapstructure:"retry_schedule"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type ControlConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	Token          string `mapstructure:"token"`
	RateLimitRPS   int    `mapstructure:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int    `mapstructure:"rate_limit_burst" validate:"gte=0"`
}

type HealthConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type FetchConfig struct {
	Timeout               time.Duration `mapstructure:"timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host"`
	Breaker               BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig controls per-host offline detection for cache fetches.
type BreakerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	FailureRatePercent int           `mapstructure:"failure_rate_percent" validate:"gte=0,lte=100"`
	MinimumRequests    int           `mapstructure:"minimum_requests" validate:"gte=0"`
	Window             time.Duration `mapstructure:"window"`
	OpenDuration       time.Duration `mapstructure:"open_duration"`
	HalfOpenProbes     int           `mapstructure:"half_open_probes" validate:"gte=0"`
}

type LimitsConfig struct {
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
	MaxHeaderCount    int           `mapstructure:"max_header_count"`
	MaxURLBytes       int           `mapstructure:"max_url_bytes"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
}

type ShutdownConfig struct {
	Drain           time.Duration `mapstructure:"drain"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	ForceClose      time.Duration `mapstructure:"force_close"`
}

// Load reads the config file at path (optional) and applies defaults and
// OFFLINECACHE_* environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("offlinecache")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration produced by an empty file.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		panic(fmt.Sprintf("config: default unmarshal: %v", err))
	}
	return &cfg
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", "127.0.0.1:8080")

	v.SetDefault("origin.host", "kapybara.se")
	v.SetDefault("origin.scheme", "https")
	v.SetDefault("origin.external_hosts", []string{
		"fonts.googleapis.com",
		"fonts.gstatic.com",
		"cdnjs.cloudflare.com",
	})

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.path", "./data/partitions")
	v.SetDefault("cache.prefix", "")
	v.SetDefault("cache.shell_version", 2)
	v.SetDefault("cache.external_version", 2)
	v.SetDefault("cache.max_object_bytes", 10*1024*1024)

	v.SetDefault("assets.shell", []string{
		"/",
		"/index.html",
		"/style.css",
		"/script.js",
		"/favicon.ico",
		"/apple-touch-icon.png",
		"/favicon-32x32.png",
		"/favicon-16x16.png",
		"/site.webmanifest",
	})
	v.SetDefault("assets.critical_external", []string{
		"https://fonts.googleapis.com/css2?family=Playfair+Display:wght@400;500;600;700&family=Raleway:wght@300;400;500;600;700&display=swap",
	})
	v.SetDefault("assets.external", []string{
		"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.5.0/css/fontawesome.min.css",
		"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.5.0/css/solid.min.css",
		"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.5.0/css/brands.min.css",
		"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.5.0/webfonts/fa-solid-900.woff2",
		"https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.5.0/webfonts/fa-brands-400.woff2",
	})

	v.SetDefault("routing.navigation_timeout", "3s")
	v.SetDefault("routing.refresh_delay", "500ms")
	v.SetDefault("routing.network_only_prefixes", []string{"/api/"})
	v.SetDefault("routing.root_documents", []string{"/", "/index.html"})

	v.SetDefault("lifecycle.skip_waiting", true)

	v.SetDefault("forms.backend", "memory")
	v.SetDefault("forms.path", "./data/forms.sqlite")
	v.SetDefault("forms.endpoint", "/api/contact")

	v.SetDefault("sync.form_tag", "form-sync")
	v.SetDefault("sync.retry_schedule", "@every 5m")
	v.SetDefault("sync.max_retries", 5)
	v.SetDefault("sync.initial_backoff", "2s")
	v.SetDefault("sync.max_backoff", "1m")

	v.SetDefault("control.listen_addr", "127.0.0.1:9090")
	v.SetDefault("control.token", "")
	v.SetDefault("control.rate_limit_rps", 5)
	v.SetDefault("control.rate_limit_burst", 10)

	v.SetDefault("health.listen_addr", "")

	v.SetDefault("logging.level", "info")

	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.dial_timeout", "2s")
	v.SetDefault("fetch.response_header_timeout", "10s")
	v.SetDefault("fetch.max_idle_conns_per_host", 32)
	v.SetDefault("fetch.breaker.enabled", true)
	v.SetDefault("fetch.breaker.failure_rate_percent", 50)
	v.SetDefault("fetch.breaker.minimum_requests", 5)
	v.SetDefault("fetch.breaker.window", "10s")
	v.SetDefault("fetch.breaker.open_duration", "5s")
	v.SetDefault("fetch.breaker.half_open_probes", 1)

	v.SetDefault("limits.max_header_bytes", 64*1024)
	v.SetDefault("limits.max_header_count", 200)
	v.SetDefault("limits.max_url_bytes", 8*1024)
	v.SetDefault("limits.max_body_bytes", 1024*1024)
	v.SetDefault("limits.read_header_timeout", "2s")
	v.SetDefault("limits.idle_timeout", "30s")

	v.SetDefault("shutdown.drain", "0s")
	v.SetDefault("shutdown.graceful_timeout", "5s")
	v.SetDefault("shutdown.force_close", "1s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// ShellPartition returns the versioned name of the application shell partition.
func (c *Config) ShellPartition() string {
	return fmt.Sprintf("%sshell-v%d", c.Cache.Prefix, c.Cache.ShellVersion)
}

// UpstreamMap returns the upstream overrides keyed by logical host.
func (c *Config) UpstreamMap() map[string]string {
	upstreams := make(map[string]string, len(c.Origin.Upstreams))
	for _, upstream := range c.Origin.Upstreams {
		upstreams[upstream.Host] = upstream.URL
	}
	return upstreams
}

// ExternalPartition returns the versioned name of the third-party asset partition.
func (c *Config) ExternalPartition() string {
	return fmt.Sprintf("%sexternal-v%d", c.Cache.Prefix, c.Cache.ExternalVersion)
}
