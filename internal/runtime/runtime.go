// Package runtime hosts the HTTP surface of serve mode: liveness, readiness
// and Prometheus metrics.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Check reports whether one dependency is usable.
type Check func() bool

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry *Telemetry
	ready     atomic.Bool

	mu     sync.RWMutex
	checks map[string]Check
}

func New(cfg config.Config, telemetry *Telemetry, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "runtime")),
		telemetry: telemetry,
		checks:    make(map[string]Check),
	}
}

// AddCheck registers a readiness check.
func (r *Runtime) AddCheck(name string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// Handler builds the HTTP routes.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.telemetry != nil && r.telemetry.MetricsHandler != nil {
		mux.Handle("/metrics", r.telemetry.MetricsHandler)
	}
	return mux
}

// Start serves HTTP until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return r.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (r *Runtime) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			r.ready.Store(false)
			return fmt.Errorf("http server: %w", err)
		}
	}

	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if failing := r.failingChecks(); len(failing) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready: " + strings.Join(failing, ",")))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (r *Runtime) failingChecks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var failing []string
	for name, check := range r.checks {
		if !check() {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}
