package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"ledger/cmd/internal/telemetry"
)

// Run is the CLI entrypoint used by cmd/ledgerd.
// It returns an error instead of calling os.Exit so defers run.
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat, nil)

	if err := ValidateSecurityConfig(cfg); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, "ledgerd", cfg.OTelEndpoint)
	if err != nil {
		return err
	}

	a, err := New(ctx, cfg, log)
	if err != nil {
		return errors.Join(err, shutdownTracing(context.Background()))
	}
	runErr := a.Run(ctx)

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := shutdownTracing(flushCtx); err != nil {
		log.Warn("tracing.shutdown.fail", "err", err)
	}
	return runErr
}
