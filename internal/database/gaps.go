package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const gapColumns = `id, transcript_id, run_id, question, assistant_response, severity,
	suggested_answer, source_url, status, human_correction, resolution_notes, dedup_key,
	created_at, resolved_at, resolved_by`

// CreateGap persists a new gap with status "new" and returns its ID.
func (db *DB) CreateGap(ctx context.Context, g NewKnowledgeGap) (string, error) {
	if !g.Severity.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSeverity, g.Severity)
	}
	id := uuid.NewString()
	var runID any
	if g.RunID != "" {
		runID = g.RunID
	}
	_, err := db.conn.ExecContext(ctx, db.q(
		`INSERT INTO knowledge_gaps (id, transcript_id, run_id, question, assistant_response,
			severity, suggested_answer, source_url, status, dedup_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		id, g.TranscriptID, runID, g.Question, g.AssistantResponse,
		string(g.Severity), g.SuggestedAnswer, g.SourceURL, string(StatusNew), g.DedupKey,
		db.timeArg(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("inserting gap: %w", err)
	}
	return id, nil
}

// GapExists reports whether any gap carries the given dedup key.
func (db *DB) GapExists(ctx context.Context, dedupKey string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, db.q(
		`SELECT COUNT(*) FROM knowledge_gaps WHERE dedup_key = ?`), dedupKey,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetGap returns a single gap, or ErrNotFound.
func (db *DB) GetGap(ctx context.Context, id string) (*KnowledgeGap, error) {
	row := db.conn.QueryRowContext(ctx, db.q(
		`SELECT `+gapColumns+` FROM knowledge_gaps WHERE id = ?`), id)
	g, err := scanGap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return g, err
}

// ListGaps returns the gaps matching f, newest first, and the total number of
// matches ignoring Limit and Offset.
func (db *DB) ListGaps(ctx context.Context, f GapFilter) ([]KnowledgeGap, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		if !f.Status.Valid() {
			return nil, 0, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
		}
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		if !f.Severity.Valid() {
			return nil, 0, fmt.Errorf("%w: %q", ErrInvalidSeverity, f.Severity)
		}
		where = append(where, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.TranscriptID != "" {
		where = append(where, "transcript_id = ?")
		args = append(args, f.TranscriptID)
	}
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.conn.QueryRowContext(ctx, db.q(
		`SELECT COUNT(*) FROM knowledge_gaps`+clause), args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting gaps: %w", err)
	}

	query := `SELECT ` + gapColumns + ` FROM knowledge_gaps` + clause + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, max(f.Offset, 0))
	}
	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing gaps: %w", err)
	}
	defer rows.Close()

	var gaps []KnowledgeGap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, 0, err
		}
		gaps = append(gaps, *g)
	}
	return gaps, total, rows.Err()
}

// ReviewGap applies a reviewer update. Only the review fields change; the
// question, assistant response and severity recorded by the audit are never
// touched. Moving into resolved or false_positive stamps resolved_at, and
// reopening to reviewed clears it.
func (db *DB) ReviewGap(ctx context.Context, id string, r GapReview) (*KnowledgeGap, error) {
	if r.Status != "" && !r.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, r.Status)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	cur, err := scanGap(tx.QueryRowContext(ctx, db.q(
		`SELECT `+gapColumns+` FROM knowledge_gaps WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	next := cur.Status
	if r.Status != "" {
		if !CanTransition(cur.Status, r.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, r.Status)
		}
		next = r.Status
	}

	resolvedAt := cur.ResolvedAt
	resolvedBy := cur.ResolvedBy
	switch {
	case next.Closed() && !cur.Status.Closed():
		now := time.Now().UTC()
		resolvedAt = &now
	case !next.Closed():
		resolvedAt = nil
		resolvedBy = nil
	}
	if r.ResolvedBy != nil {
		resolvedBy = r.ResolvedBy
	}
	correction := cur.HumanCorrection
	if r.HumanCorrection != nil {
		correction = r.HumanCorrection
	}
	notes := cur.ResolutionNotes
	if r.ResolutionNotes != nil {
		notes = r.ResolutionNotes
	}

	if _, err := tx.ExecContext(ctx, db.q(
		`UPDATE knowledge_gaps
		SET status = ?, human_correction = ?, resolution_notes = ?, resolved_at = ?, resolved_by = ?
		WHERE id = ?`),
		string(next), correction, notes, db.nullTimeArg(resolvedAt), resolvedBy, id,
	); err != nil {
		return nil, fmt.Errorf("updating gap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	cur.Status = next
	cur.HumanCorrection = correction
	cur.ResolutionNotes = notes
	cur.ResolvedAt = resolvedAt
	cur.ResolvedBy = resolvedBy
	return cur, nil
}

// CountGaps tallies all gaps by status and severity.
func (db *DB) CountGaps(ctx context.Context) (GapCounts, error) {
	counts := GapCounts{
		ByStatus:   make(map[GapStatus]int),
		BySeverity: make(map[Severity]int),
	}
	rows, err := db.conn.QueryContext(ctx,
		`SELECT status, severity, COUNT(*) FROM knowledge_gaps GROUP BY status, severity`)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var status, severity string
		var n int
		if err := rows.Scan(&status, &severity, &n); err != nil {
			return counts, err
		}
		counts.Total += n
		counts.ByStatus[GapStatus(status)] += n
		counts.BySeverity[Severity(severity)] += n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGap(row rowScanner) (*KnowledgeGap, error) {
	var (
		g                     KnowledgeGap
		severity, status      string
		createdAt, resolvedAt scanTime
	)
	err := row.Scan(&g.ID, &g.TranscriptID, &g.RunID, &g.Question, &g.AssistantResponse,
		&severity, &g.SuggestedAnswer, &g.SourceURL, &status, &g.HumanCorrection,
		&g.ResolutionNotes, &g.DedupKey, &createdAt, &resolvedAt, &g.ResolvedBy)
	if err != nil {
		return nil, err
	}
	g.Severity = Severity(severity)
	g.Status = GapStatus(status)
	g.CreatedAt = createdAt.Time
	g.ResolvedAt = resolvedAt.ptr()
	return &g, nil
}
