package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/thejerf/suture/v4"

	"filemon/internal/filemon"
)

// serviceTimeout bounds how long the supervisor waits for a service to
// return after its context is cancelled.
const serviceTimeout = 10 * time.Second

// namedService adapts a blocking function to suture.Service and remembers the
// error of its last run.
type namedService struct {
	name  string
	serve func(ctx context.Context) error

	mu  sync.Mutex
	err error
}

func asService(name string, fn func(ctx context.Context) error) *namedService {
	return &namedService{name: name, serve: fn}
}

func (s *namedService) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.err = nil
	s.mu.Unlock()

	err := s.serve(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Normal shutdown.
		err = nil
	}

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	return err
}

func (s *namedService) Error() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *namedService) String() string { return s.name }

// noRestartErr makes errors.Is(err, suture.ErrDoNotRestart) true while
// keeping the original error for logging.
type noRestartErr struct {
	err error
}

func noRestart(err error) error {
	if err == nil {
		return suture.ErrDoNotRestart
	}
	return &noRestartErr{err: err}
}

func (e *noRestartErr) Error() string        { return e.err.Error() }
func (e *noRestartErr) Unwrap() error        { return e.err }
func (e *noRestartErr) Is(target error) bool { return target == suture.ErrDoNotRestart }

// supervisorSpec logs supervisor events (service failures, restarts,
// backoff) through logger.
func supervisorSpec(logger filemon.Logger) suture.Spec {
	return suture.Spec{
		EventHook: func(e suture.Event) {
			logger.Warn("supervisor event", "event", e.String())
		},
		Timeout: serviceTimeout,
	}
}

// metricsServer serves the prometheus registry on addr until ctx is done.
func metricsServer(addr string, logger filemon.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return noRestart(fmt.Errorf("metrics listener: %w", err))
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/ping", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("OK"))
		})
		srv := &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), serviceTimeout/2)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		logger.Info("metrics endpoint listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return ctx.Err()
	}
}
