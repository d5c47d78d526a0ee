package integration

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"offline_cache_proxy/internal/app"
	"offline_cache_proxy/internal/config"
	"offline_cache_proxy/internal/testutil"
)

const (
	siteHost     = "kapybara.test"
	controlToken = "integration-token"

	fontCSSURL = "https://fonts.googleapis.com/css2?family=Raleway"
	faCSSURL   = "https://cdnjs.cloudflare.com/ajax/libs/font-awesome/6.5.0/css/solid.min.css"
)

func siteAssets() map[string]testutil.Asset {
	index := testutil.Asset{ContentType: "text/html; charset=utf-8", Body: "<h1>Kapybara</h1>"}
	return map[string]testutil.Asset{
		"/":           index,
		"/index.html": index,
		"/about.html": {ContentType: "text/html; charset=utf-8", Body: "<h1>Om oss</h1>"},
		"/style.css":  {ContentType: "text/css", Body: "body{margin:0}"},
		"/script.js":  {ContentType: "application/javascript", Body: "console.log('v1')"},
		"/logo.png":   {ContentType: "image/png", Body: "PNG"},
	}
}

func cdnAssets() map[string]testutil.Asset {
	return map[string]testutil.Asset{
		"/css2": {ContentType: "text/css", Body: "@font-face{font-family:Raleway}"},
		"/ajax/libs/font-awesome/6.5.0/css/solid.min.css": {ContentType: "text/css", Body: ".fa-solid{}"},
	}
}

type harness struct {
	app     *app.App
	site    *testutil.Origin
	cdn     *testutil.Origin
	control *testutil.ControlClient
	client  *http.Client
}

func baseConfig(site *testutil.Origin, cdn *testutil.Origin) *config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Origin.Host = siteHost
	cfg.Origin.Upstreams = []config.UpstreamConfig{
		{Host: siteHost, URL: site.URL()},
		{Host: "fonts.googleapis.com", URL: cdn.URL()},
		{Host: "fonts.gstatic.com", URL: cdn.URL()},
		{Host: "cdnjs.cloudflare.com", URL: cdn.URL()},
	}
	cfg.Assets.Shell = []string{"/", "/index.html", "/style.css", "/script.js", "/logo.png"}
	cfg.Assets.CriticalExternal = []string{fontCSSURL}
	cfg.Assets.External = []string{faCSSURL}
	cfg.Routing.NavigationTimeout = 500 * time.Millisecond
	cfg.Routing.RefreshDelay = 10 * time.Millisecond
	cfg.Sync.MaxRetries = 0
	cfg.Sync.RetrySchedule = ""
	cfg.Control.ListenAddr = "127.0.0.1:0"
	cfg.Control.Token = controlToken
	cfg.Control.RateLimitRPS = 1000
	cfg.Control.RateLimitBurst = 1000
	cfg.Health.ListenAddr = "127.0.0.1:0"
	cfg.Fetch.Timeout = 2 * time.Second
	cfg.Shutdown.GracefulTimeout = 2 * time.Second
	return cfg
}

// startHarness serves the default site and CDN, applies mutate to the config
// and starts the whole app.
func startHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	site := testutil.StartOrigin(t, siteAssets())
	cdn := testutil.StartOrigin(t, cdnAssets())
	cfg := baseConfig(site, cdn)
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{site: site, cdn: cdn}
	h.start(t, cfg)
	return h
}

func (h *harness) start(t *testing.T, cfg *config.Config) {
	t.Helper()
	if _, err := config.Validate(cfg); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	a, err := app.New(cfg)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	if _, err := a.Start(context.Background()); err != nil {
		t.Fatalf("start app: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown() })
	h.app = a
	h.control = testutil.NewControlClient("http://"+a.ControlAddr(), controlToken)
	h.client = &http.Client{Timeout: 5 * time.Second}
}

// get sends an origin-form request for host and path through the proxy.
func (h *harness) get(t *testing.T, host string, path string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://"+h.app.ProxyAddr()+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Host = host
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	return h.do(t, req)
}

// getAbsolute sends rawURL through the proxy as a forward proxy would, with
// the absolute URL on the request line.
func (h *harness) getAbsolute(t *testing.T, rawURL string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	proxyURL, err := url.Parse("http://" + h.app.ProxyAddr())
	if err != nil {
		t.Fatalf("parse proxy address: %v", err)
	}
	client := &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	t.Cleanup(client.CloseIdleConnections)

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for name, values := range header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func (h *harness) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := h.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func navigate() http.Header {
	header := http.Header{}
	header.Set("Accept", "text/html,application/xhtml+xml")
	header.Set("Sec-Fetch-Mode", "navigate")
	return header
}
