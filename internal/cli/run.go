package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dugrema/millegrilles-landing/internal/config"
	"github.com/dugrema/millegrilles-landing/internal/landing"
	"github.com/dugrema/millegrilles-landing/internal/maintenance"
	"github.com/dugrema/millegrilles-landing/internal/routes"
	"github.com/dugrema/millegrilles-landing/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the Landing domain service",
		Long: `Start the Landing domain service.

Opens the SQLite database (creating it if it doesn't exist), checks the
routing declaration against the registered handlers, connects to Redis and
consumes the Landing queues until interrupted. The maintenance loop runs
alongside: trust material refresh, identity announcement and resubmission
of pending transactions.

Example:
  landing run --config ./landing.yaml
  LANDING_REDIS_ADDR=redis:6379 landing run --db /var/lib/landing.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides configuration)")

	return cmd
}

func runService(opts *RunOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg, opts.Verbose)
	slog.SetDefault(logger)

	decl, err := routes.Load()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load routing declaration", err)
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore(st, logger)

	client := redisClient(cfg.Redis)
	defer client.Close()

	resubmitter := transport.NewResubmitter(st, cfg.Maintenance.ResubmitGrace,
		transport.WithMaxAttempts(cfg.Maintenance.ResubmitMaxAttempts),
		transport.WithResubmitLogger(logger),
	)
	bus := transport.NewRedis(client, transport.RedisConfig{
		Domain:           decl.Domain,
		Queues:           decl.QueueNames(),
		TransactionQueue: landing.QueueTransactions,
		RebuildKey:       cfg.Redis.RebuildKey,
		TrustRootsKey:    cfg.Redis.TrustRootsKey,
		Concurrency:      cfg.Concurrency,
		PollTimeout:      cfg.Redis.PollTimeout,
	}, transport.WithLogger(logger), transport.WithResubmitter(resubmitter))

	if err := bus.Ping(ctx); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("failed to connect to redis at %s", cfg.Redis.Addr), err)
	}

	dispatcher, err := newDispatcher(st, bus, logger)
	if err != nil {
		return err
	}
	if err := decl.Check(dispatcher.Registry()); err != nil {
		return WrapExitError(ExitFailure, "routing declaration does not match handlers", err)
	}

	scheduler := maintenance.New(bus, maintenance.Config{
		Tick:             cfg.Maintenance.Tick,
		WarmUp:           cfg.Maintenance.WarmUp,
		RefreshInterval:  cfg.Maintenance.RefreshInterval,
		ResubmitInterval: cfg.Maintenance.ResubmitInterval,
		Collections:      landing.TransactionCollections(),
	}, maintenance.WithLogger(logger))

	logger.Info("service starting",
		"db", cfg.Database,
		"redis", cfg.Redis.Addr,
		"queues", decl.QueueNames(),
	)
	fmt.Fprintln(cmd.OutOrStdout(), "Landing started. Consuming queues...")
	fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- scheduler.Run(ctx)
	}()

	consumeErr := bus.Consume(ctx, dispatcher)
	cancel()
	schedErr := <-schedDone

	if err := errors.Join(ignoreCancel(consumeErr), ignoreCancel(schedErr)); err != nil {
		return WrapExitError(ExitFailure, "service error", err)
	}

	logger.Info("service stopped gracefully")
	return nil
}

func redisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Addr},
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// ignoreCancel drops the errors a normal shutdown produces.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
