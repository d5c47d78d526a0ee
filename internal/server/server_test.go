package server

import (
	"context"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline_cache_proxy/internal/runtime"
)

func TestShutdownWaitsForInflightAndRunsStoppers(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		_, _ = io.WriteString(w, "done")
	})

	var stopped atomic.Bool
	srv, err := Start("proxy", "127.0.0.1:0", handler, Options{
		Inflight: runtime.NewInflightTracker(),
		Shutdown: runtime.ShutdownConfig{GracefulTimeout: 2 * time.Second},
		Stoppers: []Stopper{StopFunc(func(context.Context) error {
			stopped.Store(true)
			return nil
		})},
	})
	require.NoError(t, err)

	result := make(chan string, 1)
	go func() {
		resp, err := http.Get("http://" + srv.Addr + "/")
		if err != nil {
			result <- err.Error()
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		result <- string(body)
	}()
	<-entered

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- srv.Shutdown() }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case body := <-result:
		assert.Equal(t, "done", body)
	case <-time.After(2 * time.Second):
		t.Fatal("inflight request did not finish")
	}
	require.NoError(t, <-shutdownDone)
	assert.True(t, stopped.Load())

	<-srv.Done()
	assert.NoError(t, srv.Err())
	assert.NoError(t, srv.Shutdown(), "shutdown is idempotent")
}

func TestStartRejectsMissingAddress(t *testing.T) {
	_, err := Start("proxy", "", http.NotFoundHandler(), Options{})
	assert.Error(t, err)
}
