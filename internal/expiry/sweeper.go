// Package expiry runs the periodic maintenance sweep: it expires
// overdue requests past their TTL and applies the configured retention
// windows to terminal requests and audit rows.
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/skillbus/internal/audit"
	"github.com/basket/skillbus/internal/delegation"
	"github.com/basket/skillbus/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and knobs for the sweeper.
type Config struct {
	Bus    *delegation.Bus
	Store  *persistence.Store
	Trail  *audit.Trail
	Logger *slog.Logger

	// Schedule is a 5-field cron expression controlling sweep cadence.
	Schedule string

	// RequestTTL is how long a non-terminal request may live before it
	// is expired. Zero or negative disables TTL expiry.
	RequestTTL time.Duration

	// RetentionRequests and RetentionAudit bound how long terminal
	// requests and audit rows are kept before archiving. Zero keeps
	// records forever.
	RetentionRequests time.Duration
	RetentionAudit    time.Duration
}

// Sweeper periodically expires overdue requests and archives records
// past their retention windows.
type Sweeper struct {
	bus    *delegation.Bus
	store  *persistence.Store
	trail  *audit.Trail
	logger *slog.Logger

	schedule cronlib.Schedule

	ttl          time.Duration
	keepRequests time.Duration
	keepAudit    time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a Sweeper from the given config. It returns an
// error if the cron expression does not parse.
func NewSweeper(cfg Config) (*Sweeper, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("expiry: parse sweep schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		bus:          cfg.Bus,
		store:        cfg.Store,
		trail:        cfg.Trail,
		logger:       logger,
		schedule:     sched,
		ttl:          cfg.RequestTTL,
		keepRequests: cfg.RetentionRequests,
		keepAudit:    cfg.RetentionAudit,
	}, nil
}

// Start begins the sweep loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("expiry sweeper started",
		"ttl", s.ttl,
		"retention_requests", s.keepRequests,
		"retention_audit", s.keepAudit,
	)
}

// Stop cancels the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("expiry sweeper stopped")
}

// loop sleeps until the next scheduled run, sweeps, and repeats.
func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one full maintenance pass: TTL expiry, then retention
// archiving. Each stage logs and continues on error so one failing
// stage does not starve the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepExpired(ctx)
	s.sweepRequestRetention(ctx)
	s.sweepAuditRetention(ctx)
}

// sweepExpired marks non-terminal requests past the TTL as EXPIRED.
func (s *Sweeper) sweepExpired(ctx context.Context) {
	if s.ttl <= 0 {
		return
	}
	expired, err := s.bus.ExpireOverdue(ctx, s.ttl)
	if err != nil {
		s.logger.Error("expiry: failed to expire overdue requests", "error", err)
		return
	}
	if len(expired) > 0 {
		s.logger.Info("expiry: expired overdue requests", "count", len(expired))
	}
}

// sweepRequestRetention archives terminal requests older than the
// retention window. A zero window keeps requests forever.
func (s *Sweeper) sweepRequestRetention(ctx context.Context) {
	if s.keepRequests <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.keepRequests)
	archived, err := s.store.ArchiveTerminalRequests(ctx, cutoff)
	if err != nil {
		s.logger.Error("expiry: failed to archive terminal requests", "error", err)
		return
	}
	if archived > 0 {
		s.logger.Info("expiry: archived terminal requests", "count", archived)
		s.auditSweep(ctx, "retention.requests", fmt.Sprintf("archived %d terminal requests older than %s", archived, s.keepRequests))
	}
}

// sweepAuditRetention stamps audit rows older than the retention
// window as archived. Rows are never deleted.
func (s *Sweeper) sweepAuditRetention(ctx context.Context) {
	if s.keepAudit <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.keepAudit)
	archived, err := s.trail.Archive(ctx, cutoff)
	if err != nil {
		s.logger.Error("expiry: failed to archive audit rows", "error", err)
		return
	}
	if archived > 0 {
		s.logger.Info("expiry: archived audit rows", "count", archived)
		s.auditSweep(ctx, "retention.audit", fmt.Sprintf("stamped %d audit rows older than %s", archived, s.keepAudit))
	}
}

func (s *Sweeper) auditSweep(ctx context.Context, action, outcome string) {
	if s.trail == nil {
		return
	}
	if _, err := s.trail.Append(ctx, audit.Entry{
		Actor:    "sweeper",
		Action:   action,
		Severity: audit.SeverityInfo,
		Outcome:  outcome,
	}); err != nil {
		s.logger.Error("expiry: failed to audit sweep", "action", action, "error", err)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
