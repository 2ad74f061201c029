package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint used by `counsel serve`. It stops on SIGINT or SIGTERM.
// It returns an error instead of calling os.Exit so defers still run.
func Run(parent context.Context, cfg Config) error {
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogColor)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
