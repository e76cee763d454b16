package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertTranscript stores a transcript and its messages. An empty ID is
// replaced by a fresh UUID; the stored ID is returned. The chat backend owns
// this table in production, so the audit only writes through here for
// fixtures and imports.
func (db *DB) InsertTranscript(ctx context.Context, t Transcript) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Source == "" {
		t.Source = "chat"
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, db.q(
		`INSERT INTO transcripts (id, source, started_at, ended_at) VALUES (?, ?, ?, ?)`),
		t.ID, t.Source, db.timeArg(t.StartedAt), db.nullTimeArg(t.EndedAt),
	); err != nil {
		return "", fmt.Errorf("inserting transcript: %w", err)
	}

	for i, m := range t.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return "", fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		ts := m.Timestamp
		if ts.IsZero() {
			ts = t.StartedAt
		}
		if _, err := tx.ExecContext(ctx, db.q(
			`INSERT INTO transcript_messages (transcript_id, position, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`),
			t.ID, i, string(m.Role), m.Content, db.timeArg(ts),
		); err != nil {
			return "", fmt.Errorf("inserting message %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return t.ID, nil
}

// GetTranscriptsForAudit returns transcripts started within [start, end] that
// have at least one message, newest first, each with its messages in order.
func (db *DB) GetTranscriptsForAudit(ctx context.Context, start, end time.Time) ([]Transcript, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(
		`SELECT t.id, t.source, t.started_at, t.ended_at, m.role, m.content, m.created_at
		FROM transcripts t
		JOIN transcript_messages m ON m.transcript_id = t.id
		WHERE t.started_at >= ? AND t.started_at <= ?
		ORDER BY t.started_at DESC, t.id, m.position`),
		db.timeArg(start), db.timeArg(end),
	)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var (
			id, source, role, content string
			startedAt, endedAt, msgAt scanTime
		)
		if err := rows.Scan(&id, &source, &startedAt, &endedAt, &role, &content, &msgAt); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].ID != id {
			out = append(out, Transcript{
				ID:        id,
				Source:    source,
				StartedAt: startedAt.Time,
				EndedAt:   endedAt.ptr(),
			})
		}
		cur := &out[len(out)-1]
		cur.Messages = append(cur.Messages, Message{
			Role:      Role(role),
			Content:   content,
			Timestamp: msgAt.Time,
		})
	}
	return out, rows.Err()
}

// CountTranscripts returns how many transcripts in [start, end] have messages.
func (db *DB) CountTranscripts(ctx context.Context, start, end time.Time) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, db.q(
		`SELECT COUNT(*) FROM transcripts t
		WHERE t.started_at >= ? AND t.started_at <= ?
		AND EXISTS (SELECT 1 FROM transcript_messages m WHERE m.transcript_id = t.id)`),
		db.timeArg(start), db.timeArg(end),
	).Scan(&n)
	return n, err
}
