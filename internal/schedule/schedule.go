// Package schedule triggers the daily audit from a cron expression.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
)

// Job audits the transcripts of one window.
type Job func(ctx context.Context, start, end time.Time) error

// Scheduler runs a Job for the previous calendar day at each cron trigger.
// Jobs run one at a time; triggers that fire while a job is running are
// skipped.
type Scheduler struct {
	spec string
	expr *cronexpr.Expression
	job  Job
	now  func() time.Time
}

// New parses spec (standard 5-field cron, optional seconds and year fields,
// or shortcuts such as @daily).
func New(spec string, job Job) (*Scheduler, error) {
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return &Scheduler{spec: spec, expr: expr, job: job, now: time.Now}, nil
}

// Next returns the first trigger strictly after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.expr.Next(t)
}

// Window returns the audit range for a trigger at now: the whole previous
// UTC calendar day.
func Window(now time.Time) (start, end time.Time) {
	return database.PreviousDay(now)
}

// Start blocks, running the job at every trigger until ctx is cancelled.
// Job errors are logged and do not stop the schedule.
func (s *Scheduler) Start(ctx context.Context) error {
	slog.Info("audit schedule active", "schedule", s.spec)
	for {
		now := s.now()
		next := s.expr.Next(now)
		if next.IsZero() {
			slog.Warn("schedule has no future triggers", "schedule", s.spec)
			<-ctx.Done()
			return nil
		}
		slog.Debug("next scheduled audit", "at", next)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		start, end := Window(next)
		slog.Info("scheduled audit starting", "range", database.FormatRange(start, end))
		if err := s.job(ctx, start, end); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("scheduled audit failed", "error", err)
		}
	}
}
