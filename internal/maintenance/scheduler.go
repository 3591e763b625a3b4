// Package maintenance runs the domain's periodic housekeeping.
//
// One loop wakes on a fixed tick and runs the sub-tasks that are due:
//
//   - refresh trust material, every RefreshInterval, retried each tick on failure
//   - resubmit pending transactions, every ResubmitInterval, retried each tick on failure
//   - emit the local identity, once per process lifetime
//
// While the bus reports a bulk rebuild, ticks do nothing and no due time
// moves. The only state is the cursor below, so a restarted scheduler simply
// finds every sub-task due.
package maintenance

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Operations are the housekeeping capabilities of the transport.
type Operations interface {
	IsBulkRebuildActive(ctx context.Context) bool
	RefreshTrustMaterial(ctx context.Context) error
	ResubmitPendingTransactions(ctx context.Context, collections []string) error
	EmitLocalIdentity(ctx context.Context) error
}

// Task names a sub-task in reports and logs.
type Task string

const (
	TaskRefresh  Task = "refresh_trust_material"
	TaskResubmit Task = "resubmit_transactions"
	TaskEmit     Task = "emit_identity"
)

// Config holds the loop cadences.
type Config struct {
	Tick             time.Duration
	WarmUp           time.Duration
	RefreshInterval  time.Duration
	ResubmitInterval time.Duration

	// Collections are the transaction log collections to resubmit.
	Collections []string
}

// DefaultConfig returns the production cadences.
func DefaultConfig() Config {
	return Config{
		Tick:             20 * time.Second,
		WarmUp:           5 * time.Second,
		RefreshInterval:  5 * time.Minute,
		ResubmitInterval: 5 * time.Minute,
	}
}

// Cursor is the scheduler's in-memory state.
// A zero due time means due immediately.
type Cursor struct {
	NextRefresh  time.Time
	NextResubmit time.Time
	Emitted      bool
}

// TickReport describes what one tick did.
type TickReport struct {
	At      time.Time
	Skipped bool
	Ran     []Task
	Failed  []Task
}

// Scheduler is the maintenance loop.
//
// Thread-safety: Tick serializes through an internal mutex; Run is meant to
// be the only caller in production.
type Scheduler struct {
	ops    Operations
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	mu     sync.Mutex
	cursor Cursor
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used for due times (default: time.Now).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithLogger sets the logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// New creates a scheduler with every sub-task due.
func New(ops Operations, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		ops:    ops,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Cursor returns a snapshot of the due times.
func (s *Scheduler) Cursor() Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Tick runs every due sub-task once.
func (s *Scheduler) Tick(ctx context.Context) TickReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	report := TickReport{At: now}

	if s.ops.IsBulkRebuildActive(ctx) {
		s.logger.DebugContext(ctx, "bulk rebuild active, maintenance skipped")
		report.Skipped = true
		return report
	}

	if !now.Before(s.cursor.NextRefresh) {
		report.Ran = append(report.Ran, TaskRefresh)
		if err := s.ops.RefreshTrustMaterial(ctx); err != nil {
			s.logger.ErrorContext(ctx, "trust material refresh failed", "error", err)
			report.Failed = append(report.Failed, TaskRefresh)
		} else {
			s.cursor.NextRefresh = now.Add(s.cfg.RefreshInterval)
		}
	}

	if !now.Before(s.cursor.NextResubmit) {
		report.Ran = append(report.Ran, TaskResubmit)
		if err := s.ops.ResubmitPendingTransactions(ctx, s.cfg.Collections); err != nil {
			s.logger.WarnContext(ctx, "transaction resubmission failed",
				"collections", s.cfg.Collections,
				"error", err,
			)
			report.Failed = append(report.Failed, TaskResubmit)
		} else {
			s.cursor.NextResubmit = now.Add(s.cfg.ResubmitInterval)
		}
	}

	if !s.cursor.Emitted {
		report.Ran = append(report.Ran, TaskEmit)
		if err := s.ops.EmitLocalIdentity(ctx); err != nil {
			s.logger.ErrorContext(ctx, "local identity emission failed", "error", err)
			report.Failed = append(report.Failed, TaskEmit)
		} else {
			s.cursor.Emitted = true
		}
	}

	s.logger.DebugContext(ctx, "maintenance tick", "ran", report.Ran, "failed", report.Failed)
	return report
}

// Run waits for the warm-up delay, then ticks until ctx is cancelled.
// Returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "maintenance loop starting",
		"warm_up", s.cfg.WarmUp,
		"tick", s.cfg.Tick,
	)

	if s.cfg.WarmUp > 0 {
		warmUp := time.NewTimer(s.cfg.WarmUp)
		select {
		case <-ctx.Done():
			warmUp.Stop()
			return ctx.Err()
		case <-warmUp.C:
		}
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		s.Tick(ctx)

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "maintenance loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
