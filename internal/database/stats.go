package database

import (
	"context"
	"database/sql"
	"errors"
)

// GetStats returns aggregate statistics.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	s := &Stats{}
	queries := []struct {
		dest  *int
		query string
	}{
		{&s.Transcripts, "SELECT COUNT(*) FROM transcripts"},
		{&s.Messages, "SELECT COUNT(*) FROM transcript_messages"},
		{&s.Gaps, "SELECT COUNT(*) FROM knowledge_gaps"},
		{&s.OpenGaps, "SELECT COUNT(*) FROM knowledge_gaps WHERE status IN ('new', 'reviewed')"},
		{&s.Runs, "SELECT COUNT(*) FROM audit_runs"},
	}
	for _, q := range queries {
		if err := db.conn.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, err
		}
	}

	var last scanTime
	var status string
	err := db.conn.QueryRowContext(ctx,
		"SELECT started_at, status FROM audit_runs ORDER BY started_at DESC LIMIT 1",
	).Scan(&last, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		s.LastRunAt = last.ptr()
		rs := RunStatus(status)
		s.LastRunStatus = &rs
	}

	version, dirty, err := schemaVersion(db.conn)
	if err != nil {
		return nil, err
	}
	s.SchemaVersion = version
	s.SchemaDirty = dirty
	return s, nil
}
