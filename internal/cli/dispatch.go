package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dugrema/millegrilles-landing/internal/harness"
	"github.com/dugrema/millegrilles-landing/internal/message"
	"github.com/dugrema/millegrilles-landing/internal/transport"
)

// DispatchOptions holds flags for the dispatch command.
type DispatchOptions struct {
	*RootOptions
	Database string
}

// DispatchResult is the outcome of one local dispatch.
type DispatchResult struct {
	RoutingKey string                `json:"routing_key"`
	Outcome    string                `json:"outcome"`
	Response   *message.Response     `json:"response,omitempty"`
	Error      string                `json:"error,omitempty"`
	Events     []transport.Published `json:"events"`
}

// Text renders the result for terminals.
func (r DispatchResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", r.RoutingKey, r.Outcome)
	if r.Response != nil {
		fmt.Fprintf(&b, "  response: %s\n", r.Response.Body)
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "  error: %s\n", r.Error)
	}
	for _, ev := range r.Events {
		fmt.Fprintf(&b, "  event %s: %s\n", ev.Topic, ev.Payload)
	}
	return b.String()
}

// NewDispatchCommand creates the dispatch command.
func NewDispatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DispatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "dispatch [envelope.json]",
		Short: "Dispatch one envelope against the local database",
		Long: `Dispatch one envelope to the Landing domain without a message bus.

The envelope is read from the given file, or from stdin when the argument
is omitted or "-". It goes through the same authorization, routing and
handlers as on the bus, against the configured database. Events the
handlers publish are printed instead of being sent.

Envelope format:
  {"category": "commande", "domain": "Landing", "action": "creerNouvelleApplication",
   "correlation_id": "c-1", "payload": {"application_id": "app-1"},
   "trust": {"subject_id": "u1", "roles": ["compte_prive"], "exchange_levels": ["2.prive"]}}

Examples:
  landing dispatch --db ./landing.db ./create.json
  cat query.json | landing dispatch --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			source := "-"
			if len(args) == 1 {
				source = args[0]
			}
			return runDispatch(opts, source, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides configuration)")

	return cmd
}

func runDispatch(opts *DispatchOptions, source string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	env, err := readEnvelope(source, cmd.InOrStdin())
	if err != nil {
		_ = out.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "invalid envelope", err)
	}

	cfg, err := loadConfig(opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg, opts.Verbose)
	ctx := commandContext(cmd)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = out.Error(CodeStore, err.Error(), nil)
		return err
	}
	defer closeStore(st, logger)

	bus := transport.NewMemory(transport.WithLogger(logger))
	defer bus.Close()

	dispatcher, err := newDispatcher(st, bus, logger)
	if err != nil {
		return err
	}

	out.VerboseLog("dispatching %s", env.RoutingKey())
	resp, dispatchErr := dispatcher.Dispatch(ctx, env)

	result := DispatchResult{
		RoutingKey: env.RoutingKey(),
		Outcome:    harness.Outcome(resp, dispatchErr),
		Response:   resp,
		Events:     bus.Events(),
	}
	if dispatchErr != nil {
		result.Error = dispatchErr.Error()
	}
	if result.Events == nil {
		result.Events = []transport.Published{}
	}

	if err := out.Success(result); err != nil {
		return err
	}
	if dispatchErr != nil {
		return WrapExitError(ExitFailure, "dispatch failed", dispatchErr)
	}
	return nil
}

// readEnvelope decodes an envelope from path, or from stdin for "-".
func readEnvelope(path string, stdin io.Reader) (*message.Envelope, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("read envelope: %w", err)
		}
		defer f.Close()
		r = f
	}

	var env message.Envelope
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if _, err := message.ParseCategory(string(env.Category)); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Action == "" {
		return nil, fmt.Errorf("decode envelope: action is required")
	}
	return &env, nil
}
