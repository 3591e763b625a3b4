package cli

import (
	"context"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dugrema/millegrilles-landing/internal/config"
	"github.com/dugrema/millegrilles-landing/internal/domain"
	"github.com/dugrema/millegrilles-landing/internal/landing"
	"github.com/dugrema/millegrilles-landing/internal/store"
)

// loadConfig reads the configuration named by --config, overlaid by the
// environment. A database flag, when set, wins over both.
func loadConfig(opts *RootOptions, database string) (config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if database != "" {
		cfg.Database = database
	}
	return cfg, nil
}

// newLogger builds the text logger at the configured level.
// --verbose forces debug.
func newLogger(w io.Writer, cfg config.Config, verbose bool) *slog.Logger {
	level := cfg.SlogLevel()
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// formatter returns the output formatter for cmd.
func (opts *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openStore opens the database and prepares the Landing collections.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*store.Store, error) {
	logger.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if err := landing.New(st, st, nil).PrepareDatabase(ctx); err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to prepare database", err)
	}
	return st, nil
}

// newDispatcher wires the Landing domain over st, publishing on events.
func newDispatcher(st *store.Store, events landing.EventPublisher, logger *slog.Logger) (*domain.Dispatcher, error) {
	d := landing.New(st, st, events, landing.WithLogger(logger))
	dispatcher, err := d.Dispatcher(domain.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitFailure, "failed to build dispatcher", err)
	}
	return dispatcher, nil
}

// closeStore closes st, logging any error.
func closeStore(st *store.Store, logger *slog.Logger) {
	if err := st.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}
