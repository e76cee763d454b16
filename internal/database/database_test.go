package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ptr(s string) *string { return &s }

func day(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func seedTranscript(t *testing.T, db *DB, startedAt time.Time, msgs ...Message) string {
	t.Helper()
	id, err := db.InsertTranscript(context.Background(), Transcript{StartedAt: startedAt, Messages: msgs})
	if err != nil {
		t.Fatalf("InsertTranscript: %v", err)
	}
	return id
}

func exchange(q, a string) []Message {
	return []Message{
		{Role: RoleUser, Content: q},
		{Role: RoleAssistant, Content: a},
	}
}

func newGap(transcriptID string, sev Severity) NewKnowledgeGap {
	return NewKnowledgeGap{
		TranscriptID:      transcriptID,
		Question:          "What's the price for a 5-day retreat?",
		AssistantResponse: "I'm not sure, please check our website.",
		Severity:          sev,
		SuggestedAnswer:   "The 5-day retreat costs $1,250 including meals.",
		SourceURL:         ptr("https://www.example.org/rates"),
		DedupKey:          "key-" + transcriptID,
	}
}

func TestMigrateNewDB(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := schemaVersion(db.conn)
	if err != nil {
		t.Fatalf("schemaVersion: %v", err)
	}
	if version != 1 || dirty {
		t.Errorf("expected clean version 1, got %d (dirty=%v)", version, dirty)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idem.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	seedTranscript(t, db1, time.Now(), exchange("hi", "hello")...)
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	stats, err := db2.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Transcripts != 1 {
		t.Errorf("expected data to survive reopen, got %d transcripts", stats.Transcripts)
	}
}

func TestRebindPostgres(t *testing.T) {
	db := &DB{dialect: Postgres}
	got := db.q("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	lite := &DB{dialect: SQLite}
	if q := lite.q("a = ?"); q != "a = ?" {
		t.Errorf("sqlite query should be untouched, got %q", q)
	}
}

func TestScanTimeFormats(t *testing.T) {
	want := time.Date(2026, 2, 6, 14, 30, 0, 0, time.UTC)
	inputs := []any{
		want,
		want.Format(timeLayout),
		[]byte(want.Format(time.RFC3339Nano)),
		"2026-02-06 14:30:00",
	}
	for _, in := range inputs {
		var s scanTime
		if err := s.Scan(in); err != nil {
			t.Fatalf("Scan(%v): %v", in, err)
		}
		if !s.Valid || !s.Time.Equal(want) {
			t.Errorf("Scan(%v) = %v, want %v", in, s.Time, want)
		}
	}

	var s scanTime
	if err := s.Scan(nil); err != nil || s.Valid || s.ptr() != nil {
		t.Errorf("nil should scan as invalid, got %+v err=%v", s, err)
	}
	if err := s.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestGetTranscriptsForAudit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	older := seedTranscript(t, db, day("2026-02-05T09:00:00Z"), exchange("Do you have vegan meals?", "Yes.")...)
	newer := seedTranscript(t, db, day("2026-02-06T18:00:00Z"),
		Message{Role: RoleUser, Content: "Hi"},
		Message{Role: RoleAssistant, Content: "Hello! How can I help?"},
		Message{Role: RoleUser, Content: "Is there parking?"},
	)
	seedTranscript(t, db, day("2026-02-06T10:00:00Z")) // no messages
	seedTranscript(t, db, day("2026-02-08T10:00:00Z"), exchange("out", "of range")...)

	got, err := db.GetTranscriptsForAudit(ctx, day("2026-02-05T00:00:00Z"), EndOfDay(day("2026-02-06T00:00:00Z")))
	if err != nil {
		t.Fatalf("GetTranscriptsForAudit: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 transcripts with messages in range, got %d", len(got))
	}
	if got[0].ID != newer || got[1].ID != older {
		t.Errorf("expected newest first, got %s then %s", got[0].ID, got[1].ID)
	}
	if len(got[0].Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got[0].Messages))
	}
	if got[0].Messages[2].Content != "Is there parking?" || got[0].Messages[2].Role != RoleUser {
		t.Errorf("messages out of order: %+v", got[0].Messages)
	}

	n, err := db.CountTranscripts(ctx, day("2026-02-05T00:00:00Z"), EndOfDay(day("2026-02-06T00:00:00Z")))
	if err != nil {
		t.Fatalf("CountTranscripts: %v", err)
	}
	if n != 2 {
		t.Errorf("expected count 2, got %d", n)
	}
}

func TestInsertTranscriptRejectsUnknownRole(t *testing.T) {
	db := openTestDB(t)
	_, err := db.InsertTranscript(context.Background(), Transcript{
		Messages: []Message{{Role: "system", Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected unknown role to be rejected")
	}
	stats, _ := db.GetStats(context.Background())
	if stats.Transcripts != 0 {
		t.Error("expected rejected transcript to be rolled back")
	}
}

func TestCreateAndGetGap(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tid := seedTranscript(t, db, time.Now(), exchange("q", "a")...)

	id, err := db.CreateGap(ctx, newGap(tid, SeverityUnanswered))
	if err != nil {
		t.Fatalf("CreateGap: %v", err)
	}

	g, err := db.GetGap(ctx, id)
	if err != nil {
		t.Fatalf("GetGap: %v", err)
	}
	if g.Status != StatusNew {
		t.Errorf("expected status new, got %q", g.Status)
	}
	if g.Severity != SeverityUnanswered {
		t.Errorf("expected severity unanswered, got %q", g.Severity)
	}
	if g.SourceURL == nil || *g.SourceURL != "https://www.example.org/rates" {
		t.Errorf("unexpected source url %v", g.SourceURL)
	}
	if g.RunID != nil {
		t.Errorf("expected nil run id, got %v", *g.RunID)
	}
	if g.CreatedAt.IsZero() || g.ResolvedAt != nil {
		t.Errorf("unexpected timestamps created=%v resolved=%v", g.CreatedAt, g.ResolvedAt)
	}

	if _, err := db.GetGap(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateGapRejectsUnknownSeverity(t *testing.T) {
	db := openTestDB(t)
	tid := seedTranscript(t, db, time.Now(), exchange("q", "a")...)
	_, err := db.CreateGap(context.Background(), newGap(tid, "catastrophic"))
	if !errors.Is(err, ErrInvalidSeverity) {
		t.Errorf("expected ErrInvalidSeverity, got %v", err)
	}
}

func TestGapExists(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tid := seedTranscript(t, db, time.Now(), exchange("q", "a")...)

	exists, err := db.GapExists(ctx, "key-"+tid)
	if err != nil || exists {
		t.Fatalf("expected no gap yet, got exists=%v err=%v", exists, err)
	}
	if _, err := db.CreateGap(ctx, newGap(tid, SeverityIncomplete)); err != nil {
		t.Fatalf("CreateGap: %v", err)
	}
	exists, err = db.GapExists(ctx, "key-"+tid)
	if err != nil || !exists {
		t.Errorf("expected gap to exist, got exists=%v err=%v", exists, err)
	}
}

func TestListGapsFiltersAndPages(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	t1 := seedTranscript(t, db, time.Now(), exchange("q1", "a1")...)
	t2 := seedTranscript(t, db, time.Now(), exchange("q2", "a2")...)

	for _, g := range []NewKnowledgeGap{
		newGap(t1, SeverityIncorrect),
		newGap(t1, SeverityUnanswered),
		newGap(t2, SeverityIncorrect),
		newGap(t2, SeverityIncomplete),
	} {
		if _, err := db.CreateGap(ctx, g); err != nil {
			t.Fatalf("CreateGap: %v", err)
		}
	}

	all, total, err := db.ListGaps(ctx, GapFilter{})
	if err != nil {
		t.Fatalf("ListGaps: %v", err)
	}
	if len(all) != 4 || total != 4 {
		t.Errorf("expected 4 gaps, got %d (total %d)", len(all), total)
	}

	incorrect, total, _ := db.ListGaps(ctx, GapFilter{Severity: SeverityIncorrect})
	if len(incorrect) != 2 || total != 2 {
		t.Errorf("expected 2 incorrect gaps, got %d (total %d)", len(incorrect), total)
	}

	byTranscript, _, _ := db.ListGaps(ctx, GapFilter{TranscriptID: t2, Severity: SeverityIncomplete})
	if len(byTranscript) != 1 {
		t.Errorf("expected 1 gap for combined filter, got %d", len(byTranscript))
	}

	page, total, _ := db.ListGaps(ctx, GapFilter{Limit: 3, Offset: 3})
	if len(page) != 1 || total != 4 {
		t.Errorf("expected 1 gap on second page with total 4, got %d (total %d)", len(page), total)
	}

	if _, _, err := db.ListGaps(ctx, GapFilter{Status: "archived"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to GapStatus
		want     bool
	}{
		{StatusNew, StatusReviewed, true},
		{StatusNew, StatusResolved, true},
		{StatusNew, StatusFalsePositive, true},
		{StatusNew, StatusNew, false},
		{StatusReviewed, StatusResolved, true},
		{StatusReviewed, StatusFalsePositive, true},
		{StatusReviewed, StatusReviewed, true},
		{StatusReviewed, StatusNew, false},
		{StatusResolved, StatusReviewed, true},
		{StatusResolved, StatusFalsePositive, false},
		{StatusFalsePositive, StatusReviewed, true},
		{StatusFalsePositive, StatusResolved, false},
		{StatusResolved, StatusNew, false},
		{"bogus", StatusReviewed, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestReviewGapLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tid := seedTranscript(t, db, time.Now(), exchange("q", "a")...)
	id, _ := db.CreateGap(ctx, newGap(tid, SeverityIncomplete))

	g, err := db.ReviewGap(ctx, id, GapReview{Status: StatusReviewed, HumanCorrection: ptr("Price is $1,250.")})
	if err != nil {
		t.Fatalf("review: %v", err)
	}
	if g.Status != StatusReviewed || g.ResolvedAt != nil {
		t.Errorf("expected reviewed without resolved_at, got %s %v", g.Status, g.ResolvedAt)
	}

	g, err = db.ReviewGap(ctx, id, GapReview{
		Status:          StatusResolved,
		ResolutionNotes: ptr("Added pricing to the knowledge base"),
		ResolvedBy:      ptr("maria"),
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if g.ResolvedAt == nil || g.ResolvedBy == nil || *g.ResolvedBy != "maria" {
		t.Errorf("expected resolved_at and resolved_by to be set, got %v %v", g.ResolvedAt, g.ResolvedBy)
	}

	stored, _ := db.GetGap(ctx, id)
	if stored.HumanCorrection == nil || *stored.HumanCorrection != "Price is $1,250." {
		t.Errorf("expected human correction to persist, got %v", stored.HumanCorrection)
	}
	if stored.Question != "What's the price for a 5-day retreat?" || stored.Severity != SeverityIncomplete {
		t.Error("question and severity must not change during review")
	}
	if stored.ResolvedAt == nil {
		t.Error("expected resolved_at to persist")
	}

	if _, err := db.ReviewGap(ctx, id, GapReview{Status: StatusFalsePositive}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition from resolved to false_positive, got %v", err)
	}

	g, err = db.ReviewGap(ctx, id, GapReview{Status: StatusReviewed})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if g.ResolvedAt != nil || g.ResolvedBy != nil {
		t.Error("expected reopening to clear resolved_at and resolved_by")
	}
}

func TestReviewGapErrors(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ReviewGap(ctx, "missing", GapReview{Status: StatusReviewed}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := db.ReviewGap(ctx, "missing", GapReview{Status: "done"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}

	tid := seedTranscript(t, db, time.Now(), exchange("q", "a")...)
	id, _ := db.CreateGap(ctx, newGap(tid, SeverityIncorrect))
	if _, err := db.ReviewGap(ctx, id, GapReview{Status: StatusNew}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition back to new, got %v", err)
	}

	g, err := db.ReviewGap(ctx, id, GapReview{ResolutionNotes: ptr("looking into it")})
	if err != nil {
		t.Fatalf("notes-only review: %v", err)
	}
	if g.Status != StatusNew {
		t.Errorf("empty status should keep current status, got %q", g.Status)
	}
}

func TestCountGaps(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	tid := seedTranscript(t, db, time.Now(), exchange("q", "a")...)

	ids := make([]string, 0, 3)
	for _, sev := range []Severity{SeverityIncorrect, SeverityIncorrect, SeverityUnanswered} {
		id, err := db.CreateGap(ctx, newGap(tid, sev))
		if err != nil {
			t.Fatalf("CreateGap: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := db.ReviewGap(ctx, ids[0], GapReview{Status: StatusFalsePositive}); err != nil {
		t.Fatalf("ReviewGap: %v", err)
	}

	counts, err := db.CountGaps(ctx)
	if err != nil {
		t.Fatalf("CountGaps: %v", err)
	}
	if counts.Total != 3 {
		t.Errorf("expected total 3, got %d", counts.Total)
	}
	if counts.BySeverity[SeverityIncorrect] != 2 || counts.BySeverity[SeverityUnanswered] != 1 {
		t.Errorf("unexpected severity counts %v", counts.BySeverity)
	}
	if counts.ByStatus[StatusNew] != 2 || counts.ByStatus[StatusFalsePositive] != 1 {
		t.Errorf("unexpected status counts %v", counts.ByStatus)
	}
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	start := day("2026-02-01T00:00:00Z")
	end := EndOfDay(day("2026-02-06T00:00:00Z"))
	id, err := db.CreateRun(ctx, start, end, false)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	run, err := db.GetRun(ctx, id)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != RunRunning || run.FinishedAt != nil {
		t.Errorf("expected running run, got %s finished=%v", run.Status, run.FinishedAt)
	}
	if !run.StartDate.Equal(start) || !run.EndDate.Equal(end) {
		t.Errorf("dates not preserved: %v %v", run.StartDate, run.EndDate)
	}

	if err := db.FinishRun(ctx, id, RunFailed, 3, 2, 1, errors.New("disk full")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	runs, err := db.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	r := runs[0]
	if r.Status != RunFailed || r.TranscriptsAnalyzed != 3 || r.GapsFound != 2 || r.Errors != 1 {
		t.Errorf("unexpected run %+v", r)
	}
	if r.ErrorMessage == nil || *r.ErrorMessage != "disk full" || r.FinishedAt == nil {
		t.Errorf("expected error message and finished_at, got %v %v", r.ErrorMessage, r.FinishedAt)
	}

	if err := db.FinishRun(ctx, "missing", RunCompleted, 0, 0, 0, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	tid := seedTranscript(t, db, time.Now(), exchange("q", "a")...)
	runID, _ := db.CreateRun(ctx, time.Now(), time.Now(), false)
	g := newGap(tid, SeverityIncorrect)
	g.RunID = runID
	if _, err := db.CreateGap(ctx, g); err != nil {
		t.Fatalf("CreateGap: %v", err)
	}
	if err := db.FinishRun(ctx, runID, RunCompleted, 1, 1, 0, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	stats, err := db.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Transcripts != 1 || stats.Messages != 2 || stats.Gaps != 1 || stats.OpenGaps != 1 || stats.Runs != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.LastRunStatus == nil || *stats.LastRunStatus != RunCompleted {
		t.Errorf("expected last run completed, got %v", stats.LastRunStatus)
	}
	if stats.SchemaVersion != 1 {
		t.Errorf("expected schema version 1, got %d", stats.SchemaVersion)
	}
}
