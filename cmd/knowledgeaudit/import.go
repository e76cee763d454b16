package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
)

// transcriptFile is the import format: a JSON array of these.
type transcriptFile struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	StartedAt time.Time     `json:"startedAt"`
	EndedAt   *time.Time    `json:"endedAt"`
	Messages  []messageFile `json:"messages"`
}

type messageFile struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func decodeTranscripts(r io.Reader) ([]database.Transcript, error) {
	var in []transcriptFile
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decoding transcripts: %w", err)
	}
	out := make([]database.Transcript, 0, len(in))
	for i, t := range in {
		if t.StartedAt.IsZero() {
			return nil, fmt.Errorf("transcript %d: startedAt is required", i)
		}
		tr := database.Transcript{
			ID:        t.ID,
			Source:    t.Source,
			StartedAt: t.StartedAt.UTC(),
			EndedAt:   t.EndedAt,
		}
		for _, m := range t.Messages {
			tr.Messages = append(tr.Messages, database.Message{
				Role:      database.Role(m.Role),
				Content:   m.Content,
				Timestamp: m.Timestamp,
			})
		}
		out = append(out, tr)
	}
	return out, nil
}

var importCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Load transcripts from a JSON export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()

		transcripts, err := decodeTranscripts(f)
		if err != nil {
			return err
		}

		db, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer db.Close()

		for i, t := range transcripts {
			id, err := db.InsertTranscript(ctx, t)
			if err != nil {
				return fmt.Errorf("transcript %d (%s): %w", i, t.ID, err)
			}
			slog.Debug("imported transcript", "id", id, "messages", len(t.Messages))
		}
		fmt.Printf("Imported %d transcripts\n", len(transcripts))
		return nil
	},
}
