// Package app wires the relay server runtime: config, logging, message store,
// HTTP routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"relay/cmd/internal/realtime"
	"relay/cmd/internal/upload"
)

// App is the relay server runtime: it owns the message log, the connection
// registry and everything that serves HTTP on top of them.
type App struct {
	cfg Config
	log Logger

	msgs     *MessageLog
	registry *realtime.Registry
	metrics  *realtime.Metrics
	router   *realtime.Router
	ws       *realtime.WSGateway
	uploads  *upload.Handler

	handler http.Handler
}

// New constructs a fully wired App. The caller owns the returned App and must
// call Close (Run does so on shutdown).
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	msgs, err := OpenMessageLog(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	uploads, err := upload.New(log, cfg.UploadDir, upload.WithMaxBytes(int64(cfg.UploadMaxBytes)))
	if err != nil {
		_ = msgs.Close()
		return nil, err
	}

	reg := realtime.NewRegistry()
	metrics := realtime.NewMetrics()
	router := realtime.NewRouter(log, reg, msgs,
		realtime.WithMetrics(metrics),
		realtime.WithPersistTimeout(cfg.PersistTimeout),
	)
	lifecycle := realtime.NewLifecycle(log, reg, router, metrics)
	ws := realtime.NewWSGateway(log, lifecycle, router, metrics, cfg.Gateway())

	a := &App{
		cfg:      cfg,
		log:      log,
		msgs:     msgs,
		registry: reg,
		metrics:  metrics,
		router:   router,
		ws:       ws,
		uploads:  uploads,
	}

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, msgs, reg, metrics, ws, uploads)
	a.handler = WithRequestLogging(mux, log)

	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Close releases the message log.
func (a *App) Close() error { return a.msgs.Close() }

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       a.cfg.ReadTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "store", a.msgs.Kind)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		_ = a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked websocket conns are not tracked by Shutdown; the router keeps
	// persisting until the store is closed below.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		_ = a.Close()
		return err
	}

	if err := a.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
