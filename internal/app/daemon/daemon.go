package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/app/mailer"
	"github.com/hickar/mailrelay/internal/app/relay"
	"github.com/hickar/mailrelay/internal/pkg/logger"
)

type Daemon struct {
	cfg       config.Config
	logger    *slog.Logger
	scheduler scheduler
	runner    Runner
}

type scheduler interface {
	ScheduleWithCtx(context.Context, schedulerSettings) error
	Stop()
}

// Runner performs a single relay run.
type Runner interface {
	RunOnce(ctx context.Context, cfg config.RelayConfig) (relay.BatchResult, error)
}

func NewDaemon(
	cfg config.Config,
	scheduler scheduler,
	runner Runner,
	logger *slog.Logger,
) *Daemon {
	return &Daemon{
		cfg:       cfg,
		scheduler: scheduler,
		runner:    runner,
		logger:    logger,
	}
}

// Start launches scheduler, which utilizes built-in Ticker (https://pkg.go.dev/time#Ticker),
// and performs relay runs until ctx is cancelled.
//
// A failed run is logged and retried on the next tick. Rejected credentials
// are not going to fix themselves, so they stop the daemon instead.
func (d *Daemon) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	err := d.scheduler.ScheduleWithCtx(ctx, schedulerSettings{
		LaunchInitially: true,
		Interval:        d.cfg.PollInterval,
		Callback: func(ctx context.Context) {
			if err := d.run(ctx); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		},
	})
	if err != nil {
		return fmt.Errorf("error occurred while launching the scheduler: %w", err)
	}
	defer d.scheduler.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// run executes a single bounded relay run. Only errors which must
// terminate the daemon are returned.
func (d *Daemon) run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.RunTimeout)
	defer cancel()

	ctx = logger.WithAttrs(ctx, slog.String("run_id", uuid.NewString()))

	_, err := d.runner.RunOnce(ctx, d.cfg.Relay)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mailer.ErrAuthFailed):
		d.logger.ErrorContext(ctx, "relay run failed, credentials rejected", slog.Any("error", err))
		return fmt.Errorf("relay run failed: %w", err)
	case errors.Is(err, context.DeadlineExceeded):
		d.logger.WarnContext(ctx, "relay run timed out", slog.Duration("run_timeout", d.cfg.RunTimeout), slog.Any("error", err))
	case errors.Is(err, context.Canceled):
		d.logger.InfoContext(ctx, "relay run interrupted")
	default:
		d.logger.ErrorContext(ctx, "relay run failed, retrying on next tick", slog.Any("error", err))
	}

	return nil
}
