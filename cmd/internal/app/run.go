package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Serve is the CLI entrypoint used by `relay serve`.
// It returns an error instead of calling os.Exit to keep defers effective.
func Serve(ctx context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}

	return a.Run(ctx)
}
