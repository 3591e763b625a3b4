package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dugrema/millegrilles-landing/internal/config"
	"github.com/dugrema/millegrilles-landing/internal/harness"
)

// ScenarioOptions holds flags for the scenario command.
type ScenarioOptions struct {
	*RootOptions
	Golden string // golden snapshot directory
	Update bool   // regenerate golden files
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// ScenarioSummary holds the overall run result.
type ScenarioSummary struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// Text renders one line per scenario and the totals.
func (s ScenarioSummary) Text() string {
	var b strings.Builder
	for _, r := range s.Scenarios {
		if r.Pass {
			fmt.Fprintf(&b, "PASS %s\n", r.Name)
			continue
		}
		fmt.Fprintf(&b, "FAIL %s\n", r.Name)
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  %s\n", strings.ReplaceAll(strings.TrimRight(e, "\n"), "\n", "\n  "))
		}
	}
	fmt.Fprintf(&b, "\n%d passed, %d failed, %d total\n", s.Passed, s.Failed, s.Total)
	return b.String()
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ScenarioOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "scenario <file-or-dir>",
		Short: "Run conformance scenarios",
		Long: `Run YAML conformance scenarios against the Landing domain.

Each scenario runs against a fresh in-memory database with a manual clock,
so results are reproducible. With --golden, each run's snapshot is compared
against <dir>/<name>.golden; --update rewrites those files instead.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  landing scenario ./scenarios
  landing scenario ./scenarios/create.yaml --golden ./golden
  landing scenario ./scenarios --golden ./golden --update`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden snapshots")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")

	return cmd
}

func runScenarios(opts *ScenarioOptions, path string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	if opts.Update && opts.Golden == "" {
		return NewExitError(ExitCommandError, "--update requires --golden")
	}

	files, err := harness.FindScenarios(path)
	if err != nil {
		_ = out.Error(CodeInput, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	cfg := config.Default()
	cfg.LogLevel = "warn"
	logger := newLogger(cmd.ErrOrStderr(), cfg, opts.Verbose)

	summary := ScenarioSummary{
		Scenarios: make([]ScenarioResult, 0, len(files)),
		Total:     len(files),
	}
	for _, file := range files {
		r := runScenarioFile(opts, file, cmd, logger)
		summary.Scenarios = append(summary.Scenarios, r)
		if r.Pass {
			summary.Passed++
		} else {
			summary.Failed++
		}
	}

	if err := out.Success(summary); err != nil {
		return err
	}
	if summary.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", summary.Failed, summary.Total))
	}
	return nil
}

// runScenarioFile loads, runs and snapshots one scenario.
func runScenarioFile(opts *ScenarioOptions, file string, cmd *cobra.Command, logger *slog.Logger) ScenarioResult {
	result := ScenarioResult{Name: filepath.Base(file), File: file}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		result.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return result
	}
	result.Name = scenario.Name

	run, err := harness.Run(commandContext(cmd), scenario, harness.WithLogger(logger))
	if err != nil {
		result.Errors = []string{fmt.Sprintf("execution failed: %v", err)}
		return result
	}
	result.Errors = run.Errors

	if opts.Golden != "" {
		if err := compareGolden(opts, scenario.Name, run); err != nil {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	result.Pass = len(result.Errors) == 0
	return result
}

// compareGolden checks the run snapshot against <golden>/<name>.golden,
// or rewrites that file when updating.
func compareGolden(opts *ScenarioOptions, name string, run *harness.Result) error {
	data, err := harness.MarshalSnapshot(name, run)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	path := filepath.Join(opts.Golden, name+".golden")

	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0o755); err != nil {
			return fmt.Errorf("update golden file: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("update golden file: %w", err)
		}
		return nil
	}

	want, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("golden file %s missing (run with --update)", path)
	}
	if err != nil {
		return fmt.Errorf("read golden file: %w", err)
	}
	if !bytes.Equal(want, data) {
		return fmt.Errorf("snapshot differs from golden file %s", path)
	}
	return nil
}
