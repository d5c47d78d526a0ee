package bench

import (
	"context"
	"net/http"
	"testing"
	"time"

	"offline_cache_proxy/internal/app"
	"offline_cache_proxy/internal/config"
	"offline_cache_proxy/internal/testutil"
)

const siteHost = "kapybara.bench"

func startBenchmarkApp(b *testing.B) (*app.App, *testutil.Origin, *http.Client) {
	b.Helper()
	page := testutil.Asset{ContentType: "text/html; charset=utf-8", Body: "<h1>bench</h1>"}
	site := testutil.StartOrigin(b, map[string]testutil.Asset{
		"/":           page,
		"/index.html": page,
		"/style.css":  {ContentType: "text/css", Body: "body{margin:0}"},
	})

	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Origin.Host = siteHost
	cfg.Origin.Upstreams = []config.UpstreamConfig{{Host: siteHost, URL: site.URL()}}
	cfg.Assets.Shell = []string{"/", "/index.html", "/style.css"}
	cfg.Assets.CriticalExternal = nil
	cfg.Assets.External = nil
	cfg.Routing.NavigationTimeout = 200 * time.Millisecond
	cfg.Routing.RefreshDelay = time.Hour
	cfg.Sync.RetrySchedule = ""
	cfg.Control.ListenAddr = ""
	cfg.Health.ListenAddr = ""

	a, err := app.New(cfg)
	if err != nil {
		b.Fatalf("new app: %v", err)
	}
	if _, err := a.Start(context.Background()); err != nil {
		b.Fatalf("start app: %v", err)
	}
	b.Cleanup(func() { _ = a.Shutdown() })

	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 256,
			IdleConnTimeout:     30 * time.Second,
		},
	}
	b.Cleanup(client.CloseIdleConnections)
	return a, site, client
}

func buildRequest(addr string, path string, header http.Header) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return nil, err
	}
	req.Host = siteHost
	for name, values := range header {
		req.Header[name] = values
	}
	return req, nil
}
