package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dugrema/millegrilles-landing/internal/landing"
	"github.com/dugrema/millegrilles-landing/internal/routes"
)

// RoutesResult is the routing declaration as printed by the routes command.
type RoutesResult struct {
	Declaration *routes.Declaration `json:"declaration"`
	RoutingKeys []string            `json:"routing_keys"`
}

// Text renders one block per queue.
func (r RoutesResult) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Domain %s\n", r.Declaration.Domain)
	for _, q := range r.Declaration.Queues {
		var flags []string
		if q.Durable {
			flags = append(flags, "durable")
		}
		if q.Triggers {
			flags = append(flags, "triggers")
		}
		if q.TTLSeconds > 0 {
			flags = append(flags, fmt.Sprintf("ttl=%ds", q.TTLSeconds))
		}
		if q.Level != "" {
			flags = append(flags, "level="+string(q.Level))
		}
		fmt.Fprintf(&b, "\n%s [%s]\n", q.Name, strings.Join(flags, " "))
		for _, bnd := range q.Bindings {
			fmt.Fprintf(&b, "  %-10s %s.%s.%s\n", bnd.Level, bnd.Category, r.Declaration.Domain, bnd.Action)
		}
	}
	return b.String()
}

// NewRoutesCommand creates the routes command.
func NewRoutesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Show the queue and routing key declaration",
		Long: `Show the queues the Landing domain consumes and the routing keys bound
to each, with the exchange level of every binding.

The declaration is checked against the registered handlers first: a binding
without a handler, or a handler without a binding, is an error.

Examples:
  landing routes
  landing routes --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoutes(rootOpts, cmd)
		},
	}
	return cmd
}

func runRoutes(opts *RootOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	decl, err := routes.Load()
	if err != nil {
		_ = out.Error(CodeRoutes, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to load routing declaration", err)
	}

	reg, err := landing.New(nil, nil, nil).Registry()
	if err != nil {
		return WrapExitError(ExitFailure, "failed to build registry", err)
	}
	if err := decl.Check(reg); err != nil {
		_ = out.Error(CodeRoutes, err.Error(), nil)
		return WrapExitError(ExitFailure, "routing declaration does not match handlers", err)
	}

	return out.Success(RoutesResult{
		Declaration: decl,
		RoutingKeys: decl.RoutingKeys(),
	})
}
