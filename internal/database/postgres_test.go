package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(t *testing.T, ctx context.Context) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "audit",
			"POSTGRES_PASSWORD": "audit",
			"POSTGRES_DB":       "audit",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	host, err := pg.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	return fmt.Sprintf("postgres://audit:audit@%s:%s/audit?sslmode=disable", host, port.Port())
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t, ctx)

	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	defer db.Close()

	started := time.Date(2026, 2, 6, 12, 0, 0, 0, time.UTC)
	tid, err := db.InsertTranscript(ctx, Transcript{StartedAt: started, Messages: exchange("Is breakfast included?", "Yes.")})
	if err != nil {
		t.Fatalf("InsertTranscript: %v", err)
	}

	transcripts, err := db.GetTranscriptsForAudit(ctx, StartOfDay(started), EndOfDay(started))
	if err != nil {
		t.Fatalf("GetTranscriptsForAudit: %v", err)
	}
	if len(transcripts) != 1 || len(transcripts[0].Messages) != 2 {
		t.Fatalf("expected one transcript with 2 messages, got %+v", transcripts)
	}
	if !transcripts[0].StartedAt.Equal(started) {
		t.Errorf("started_at not preserved: %v", transcripts[0].StartedAt)
	}

	runID, err := db.CreateRun(ctx, StartOfDay(started), EndOfDay(started), false)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	g := newGap(tid, SeverityIncorrect)
	g.RunID = runID
	id, err := db.CreateGap(ctx, g)
	if err != nil {
		t.Fatalf("CreateGap: %v", err)
	}

	reviewed, err := db.ReviewGap(ctx, id, GapReview{Status: StatusResolved, ResolvedBy: ptr("ops")})
	if err != nil {
		t.Fatalf("ReviewGap: %v", err)
	}
	if reviewed.ResolvedAt == nil {
		t.Error("expected resolved_at to be stamped")
	}

	gaps, total, err := db.ListGaps(ctx, GapFilter{Status: StatusResolved, Limit: 10})
	if err != nil {
		t.Fatalf("ListGaps: %v", err)
	}
	if total != 1 || len(gaps) != 1 || gaps[0].RunID == nil || *gaps[0].RunID != runID {
		t.Errorf("unexpected gaps %+v (total %d)", gaps, total)
	}

	if err := db.FinishRun(ctx, runID, RunCompleted, 1, 1, 0, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Gaps != 1 || stats.OpenGaps != 0 || stats.SchemaVersion != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}
