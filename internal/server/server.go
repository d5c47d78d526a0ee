package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline_cache_proxy/internal/limits"
	"offline_cache_proxy/internal/obs"
	"offline_cache_proxy/internal/runtime"
)

type Server struct {
	Name string
	Addr string

	httpServer   *http.Server
	ln           net.Listener
	shutdown     runtime.ShutdownConfig
	inflight     *runtime.InflightTracker
	stoppers     []Stopper
	logger       *zap.Logger
	done         chan struct{}
	serveErr     error
	shutdownOnce sync.Once
	shutdownErr  error
}

// Stopper is stopped, in order, after the listener closes and before the
// server waits for in-flight requests.
type Stopper interface {
	Stop(ctx context.Context) error
}

type StopFunc func(ctx context.Context) error

func (s StopFunc) Stop(ctx context.Context) error {
	return s(ctx)
}

type Options struct {
	Limits   limits.Limits
	Shutdown runtime.ShutdownConfig
	Inflight *runtime.InflightTracker
	Stoppers []Stopper
	Logger   *zap.Logger
}

// Start listens on addr and serves handler in the background.
func Start(name string, addr string, handler http.Handler, options Options) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is nil")
	}
	if addr == "" {
		return nil, errors.New("no listen address configured")
	}

	limitConfig := options.Limits
	if limitConfig.MaxHeaderBytes == 0 {
		limitConfig = limits.Default()
	}
	logger := options.Logger
	if logger == nil {
		logger = obs.WithModule("server")
	}
	logger = logger.With(zap.String("listener", name))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	httpSrv := &http.Server{
		Handler:           options.Inflight.Track(handler),
		MaxHeaderBytes:    limitConfig.MaxHeaderBytes,
		ReadHeaderTimeout: limitConfig.ReadHeaderTimeout,
		ReadTimeout:       limitConfig.ReadTimeout,
		WriteTimeout:      limitConfig.WriteTimeout,
		IdleTimeout:       limitConfig.IdleTimeout,
		ErrorLog:          zap.NewStdLog(logger),
	}

	s := &Server{
		Name:       name,
		Addr:       ln.Addr().String(),
		httpServer: httpSrv,
		ln:         ln,
		shutdown:   runtime.ApplyShutdownDefaults(options.Shutdown),
		inflight:   options.Inflight,
		stoppers:   options.Stoppers,
		logger:     logger,
		done:       make(chan struct{}),
	}
	go s.serve()
	logger.Info("listening", zap.String("addr", s.Addr))
	return s, nil
}

func (s *Server) serve() {
	defer close(s.done)
	if err := s.httpServer.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.serveErr = err
		s.logger.Error("server error", zap.Error(err))
	}
}

// Done is closed once the server has stopped serving.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Err reports why serving stopped, if it was not a shutdown.
func (s *Server) Err() error {
	select {
	case <-s.done:
		return s.serveErr
	default:
		return nil
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	if s == nil {
		return nil
	}
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdownSequence()
	})
	return s.shutdownErr
}

func (s *Server) shutdownSequence() error {
	_ = s.ln.Close()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	for _, stopper := range s.stoppers {
		if stopper == nil {
			continue
		}
		if err := stopper.Stop(stopCtx); err != nil {
			s.logger.Warn("stopper failed", zap.Error(err))
		}
	}
	stopCancel()

	if s.shutdown.Drain > 0 {
		time.Sleep(s.shutdown.Drain)
	}

	gracefulCtx, gracefulCancel := context.WithTimeout(context.Background(), s.shutdown.GracefulTimeout)
	defer gracefulCancel()
	if s.inflight != nil {
		_ = s.inflight.Wait(gracefulCtx)
	}
	err := s.httpServer.Shutdown(gracefulCtx)
	if err != nil && errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if gracefulCtx.Err() == nil {
		return err
	}

	if s.shutdown.ForceClose > 0 {
		time.Sleep(s.shutdown.ForceClose)
	}
	_ = s.httpServer.Close()
	s.logger.Warn("forced close after graceful timeout")
	if err != nil {
		return err
	}
	return gracefulCtx.Err()
}
