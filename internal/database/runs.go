package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRun records the start of an audit run and returns its ID.
func (db *DB) CreateRun(ctx context.Context, start, end time.Time, dryRun bool) (string, error) {
	id := uuid.NewString()
	_, err := db.conn.ExecContext(ctx, db.q(
		`INSERT INTO audit_runs (id, start_date, end_date, status, dry_run, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, db.timeArg(start), db.timeArg(end), string(RunRunning), boolInt(dryRun), db.timeArg(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}
	return id, nil
}

// FinishRun stores the final status and counters of a run.
func (db *DB) FinishRun(ctx context.Context, id string, status RunStatus, analyzed, gaps, errs int, runErr error) error {
	var msg *string
	if runErr != nil {
		s := runErr.Error()
		msg = &s
	}
	res, err := db.conn.ExecContext(ctx, db.q(
		`UPDATE audit_runs
		SET status = ?, transcripts_analyzed = ?, gaps_found = ?, errors = ?, error_message = ?, finished_at = ?
		WHERE id = ?`),
		string(status), analyzed, gaps, errs, msg, db.timeArg(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id, start_date, end_date, status, dry_run, transcripts_analyzed, gaps_found,
	errors, error_message, started_at, finished_at`

// GetRun returns one audit run, or ErrNotFound.
func (db *DB) GetRun(ctx context.Context, id string) (*AuditRun, error) {
	r, err := scanRun(db.conn.QueryRowContext(ctx, db.q(
		`SELECT `+runColumns+` FROM audit_runs WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

// ListRuns returns the most recent audit runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]AuditRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx, db.q(
		`SELECT `+runColumns+` FROM audit_runs ORDER BY started_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []AuditRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func scanRun(row rowScanner) (*AuditRun, error) {
	var (
		r                                 AuditRun
		status                            string
		dryRun                            int
		startDate, endDate, started, done scanTime
	)
	err := row.Scan(&r.ID, &startDate, &endDate, &status, &dryRun, &r.TranscriptsAnalyzed,
		&r.GapsFound, &r.Errors, &r.ErrorMessage, &started, &done)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	r.DryRun = dryRun != 0
	r.StartDate = startDate.Time
	r.EndDate = endDate.Time
	r.StartedAt = started.Time
	r.FinishedAt = done.ptr()
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
