package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/control"
)

// Runtime is the long-running dictation daemon: the pipeline controller,
// the bus control surface and the health and metrics endpoints.
type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	app           *App
	control       *control.Service
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// NewLogger builds the JSON logger used by the binaries at the configured
// level.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	app, err := Assemble(ctx, r.cfg, r.logger)
	if err != nil {
		r.closeTelemetry()
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	r.app = app
	defer app.Close()

	controllerDone := make(chan error, 1)
	go func() {
		controllerDone <- app.Controller.Run(ctx)
	}()

	if app.Bus != nil {
		r.control = control.NewService(ctx, r.cfg.Bus, app.Bus, app.Controller, r.logger)
		if err := r.control.Start(); err != nil {
			cancel()
			<-controllerDone
			r.closeTelemetry()
			return fmt.Errorf("failed to start control service: %w", err)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		if bind := strings.TrimSpace(r.cfg.Telemetry.PrometheusBind); bind != "" {
			r.metricsServer = r.serve(bind, metricsOnly(metricsHandler))
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = r.serve(addr, mux)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	select {
	case <-ctx.Done():
	case err := <-controllerDone:
		controllerDone <- err
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	cancel()

	if r.control != nil {
		r.control.Close()
	}
	<-controllerDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.closeTelemetry()
	return nil
}

func (r *Runtime) serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
	r.tracerClose = nil
}

func metricsOnly(h http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.dependenciesHealthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) dependenciesHealthy() bool {
	if r.app == nil {
		return false
	}
	if err := r.app.Store.Ensure(); err != nil {
		return false
	}
	if r.control != nil && !r.control.Healthy() {
		return false
	}
	return true
}
