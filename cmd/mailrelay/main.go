package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hickar/mailrelay/internal/app/config"
	"github.com/hickar/mailrelay/internal/app/daemon"
	"github.com/hickar/mailrelay/internal/app/forwarder"
	"github.com/hickar/mailrelay/internal/app/relay"
	"github.com/hickar/mailrelay/internal/app/retriever"
	"github.com/hickar/mailrelay/internal/app/storage"
	"github.com/hickar/mailrelay/internal/pkg/logger"
)

var (
	configFilepath string
	envFilepath    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mailrelay",
		Short:         "Relay unread messages from an IMAP mailbox to an SMTP destination",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFilepath, "config", "./config.yaml", "Filepath to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFilepath, "env-file", "./.env", "Filepath to environment variables file")

	rootCmd.AddCommand(newRunCmd(), newDaemonCmd(), newSecretCmd())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		//nolint:gocritic
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform a single relay run and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := logger.WithAttrs(cmd.Context(), slog.String("run_id", uuid.NewString()))
			if _, err = a.engine.RunOnce(ctx, a.cfg.Relay); err != nil {
				a.log.ErrorContext(ctx, "relay run failed", slog.String("module", "main"), slog.Any("error", err))
				return err
			}

			return nil
		},
	}
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Perform relay runs periodically until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.close()

			d := daemon.NewDaemon(
				a.cfg,
				&daemon.Scheduler{},
				a.engine,
				a.log.With(slog.String("module", "daemon")),
			)

			a.log.Info("starting daemon",
				slog.String("module", "main"),
				slog.Duration("poll_interval", a.cfg.PollInterval),
				slog.Duration("run_timeout", a.cfg.RunTimeout),
			)

			err = d.Start(cmd.Context())
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error(fmt.Sprintf("Application exited with error: %s", err), slog.String("module", "main"))
				return err
			}

			a.log.Info("daemon stopped", slog.String("module", "main"))
			return nil
		},
	}
}

// app holds components shared by run and daemon commands.
type app struct {
	cfg        config.Config
	log        *slog.Logger
	accounting *storage.Accounting
	engine     *relay.Engine
}

func setup() (*app, error) {
	cfg, err := config.LoadConfig(configFilepath, envFilepath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log := slog.New(logger.NewContextHandler(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:       slog.Level(cfg.LogLevel),
		ReplaceAttr: logger.ReplaceAttr,
	})))

	backend, err := storage.Open(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("failed to open run state storage: %w", err)
	}
	accounting := storage.NewAccounting(
		backend,
		cfg.Relay.Location,
		log.With(slog.String("module", "accounting")),
	)

	opts, err := forwarder.OptionsFromConfig(cfg.Destination, cfg.Relay)
	if err != nil {
		_ = accounting.Close()
		return nil, fmt.Errorf("invalid destination configuration: %w", err)
	}
	transformer, err := forwarder.NewTransformer(opts)
	if err != nil {
		_ = accounting.Close()
		return nil, fmt.Errorf("invalid relay configuration: %w", err)
	}

	engine := relay.NewEngine(
		retriever.NewOpener(cfg.Source, log.With(slog.String("module", "retriever"))),
		forwarder.NewSMTPDialer(cfg.Destination, log.With(slog.String("module", "forwarder"))),
		transformer,
		accounting,
		log.With(slog.String("module", "relay")),
	)

	return &app{
		cfg:        cfg,
		log:        log,
		accounting: accounting,
		engine:     engine,
	}, nil
}

func (a *app) close() {
	if err := a.accounting.Close(); err != nil {
		a.log.Warn("failed to close run state storage", slog.String("module", "main"), slog.Any("error", err))
	}
}
