package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dugrema/millegrilles-landing/internal/landing"
	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/transport"
)

// ResubmitOptions holds flags for the resubmit command.
type ResubmitOptions struct {
	*RootOptions
	Database string
	Grace    time.Duration
	Redis    bool
}

// ResubmitResult reports a resubmission pass.
type ResubmitResult struct {
	Target      string `json:"target"`
	Resubmitted int    `json:"resubmitted"`
	Dispatched  int    `json:"dispatched"`
}

// Text renders the counts.
func (r ResubmitResult) Text() string {
	if r.Target == targetRedis {
		return fmt.Sprintf("Resubmitted %d pending transactions to %s\n", r.Resubmitted, landing.QueueTransactions)
	}
	return fmt.Sprintf("Resubmitted %d pending transactions, dispatched %d locally\n", r.Resubmitted, r.Dispatched)
}

const (
	targetLocal = "local"
	targetRedis = "redis"
)

// NewResubmitCommand creates the resubmit command.
func NewResubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resubmit",
		Short: "Resubmit transactions that were never applied",
		Long: `Resubmit every logged transaction still pending after the grace period.

By default the transactions are dispatched locally against the database,
exactly as the transaction queue consumer would. With --redis they are
pushed on the Landing/transactions queue for a running service.

Examples:
  landing resubmit --db ./landing.db
  landing resubmit --grace 0s --format json
  landing resubmit --redis --config ./landing.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResubmit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides configuration)")
	cmd.Flags().DurationVar(&opts.Grace, "grace", -1, "minimum pending age (defaults to the configured resubmit grace)")
	cmd.Flags().BoolVar(&opts.Redis, "redis", false, "push to the Redis transaction queue instead of dispatching locally")

	return cmd
}

func runResubmit(opts *ResubmitOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg, opts.Verbose)
	ctx := commandContext(cmd)

	grace := cfg.Maintenance.ResubmitGrace
	if opts.Grace >= 0 {
		grace = opts.Grace
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = out.Error(CodeStore, err.Error(), nil)
		return err
	}
	defer closeStore(st, logger)

	resubmitter := transport.NewResubmitter(st, grace,
		transport.WithMaxAttempts(cfg.Maintenance.ResubmitMaxAttempts),
		transport.WithResubmitLogger(logger),
	)
	collections := landing.TransactionCollections()

	if opts.Redis {
		client := redisClient(cfg.Redis)
		defer client.Close()
		bus := transport.NewRedis(client, transport.RedisConfig{
			Domain:           landing.DomainName,
			TransactionQueue: landing.QueueTransactions,
		}, transport.WithLogger(logger))

		n, err := resubmitter.Resubmit(ctx, collections, func(ctx context.Context, env *message.Envelope) error {
			return bus.Submit(ctx, landing.QueueTransactions, env)
		})
		if err != nil {
			return WrapExitError(ExitFailure, "resubmission failed", err)
		}
		return out.Success(ResubmitResult{Target: targetRedis, Resubmitted: n})
	}

	bus := transport.NewMemory(transport.WithLogger(logger))
	defer bus.Close()

	dispatcher, err := newDispatcher(st, bus, logger)
	if err != nil {
		return err
	}

	n, err := resubmitter.Resubmit(ctx, collections, bus.Submit)
	if err != nil {
		return WrapExitError(ExitFailure, "resubmission failed", err)
	}
	dispatched, err := bus.Drain(ctx, dispatcher)
	if err != nil {
		return WrapExitError(ExitFailure, "dispatch interrupted", err)
	}
	out.VerboseLog("%d events published", len(bus.Events()))

	return out.Success(ResubmitResult{Target: targetLocal, Resubmitted: n, Dispatched: dispatched})
}
