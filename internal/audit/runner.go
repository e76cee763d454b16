// Package audit runs the knowledge audit over a date range of transcripts.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/TobiSchelling/KnowledgeAudit/internal/analyze"
	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/metrics"
)

// ErrInvalidRange is returned when the start date is after the end date.
var ErrInvalidRange = errors.New("start date is after end date")

// ErrRunInProgress is returned when an audit is started while another one is running.
var ErrRunInProgress = errors.New("an audit run is already in progress")

// Stats are the counters of one audit run.
type Stats struct {
	RunID               string `json:"runId,omitempty"`
	TranscriptsAnalyzed int    `json:"transcriptsAnalyzed"`
	GapsFound           int    `json:"gapsFound"`
	Errors              int    `json:"errors"`
	Duplicates          int    `json:"duplicatesSkipped,omitempty"`
	DryRun              bool   `json:"dryRun,omitempty"`
}

// Store is the persistence the runner reads transcripts from and writes gaps to.
type Store interface {
	GetTranscriptsForAudit(ctx context.Context, start, end time.Time) ([]database.Transcript, error)
	CountTranscripts(ctx context.Context, start, end time.Time) (int, error)
	CreateGap(ctx context.Context, g database.NewKnowledgeGap) (string, error)
	GapExists(ctx context.Context, dedupKey string) (bool, error)
	CreateRun(ctx context.Context, start, end time.Time, dryRun bool) (string, error)
	FinishRun(ctx context.Context, id string, status database.RunStatus, analyzed, gaps, errs int, runErr error) error
}

// Analyzer audits a single transcript.
type Analyzer interface {
	Analyze(ctx context.Context, t database.Transcript) (analyze.Analysis, error)
}

// Options tunes a Runner.
type Options struct {
	Pacing  time.Duration // delay between transcripts
	Dedup   bool
	Metrics *metrics.Metrics
}

// Runner processes transcripts one at a time, newest first.
type Runner struct {
	store    Store
	analyzer Analyzer
	pacing   time.Duration
	dedup    bool
	metrics  *metrics.Metrics
	closers  []func() error

	mu      sync.Mutex
	running bool
}

// NewRunner creates a runner over an explicit store and analyzer.
func NewRunner(store Store, analyzer Analyzer, opts Options) *Runner {
	return &Runner{
		store:    store,
		analyzer: analyzer,
		pacing:   opts.Pacing,
		dedup:    opts.Dedup,
		metrics:  opts.Metrics,
	}
}

// Run audits every transcript that started within [start, end of the end
// day]. Analysis failures are counted in Stats.Errors and the run goes on.
// A storage failure aborts the run. If ctx is cancelled between transcripts
// the run is recorded as cancelled and the partial stats are returned with
// ctx.Err().
func (r *Runner) Run(ctx context.Context, start, end time.Time) (Stats, error) {
	if err := r.acquire(); err != nil {
		return Stats{}, err
	}
	defer r.release()

	end = database.EndOfDay(end)
	if start.After(end) {
		return Stats{}, ErrInvalidRange
	}

	runID, err := r.store.CreateRun(ctx, start, end, false)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{RunID: runID}
	log := slog.With("run", runID)
	log.Info("audit started", "range", database.FormatRange(start, end))

	transcripts, err := r.store.GetTranscriptsForAudit(ctx, start, end)
	if err != nil {
		return r.finish(ctx, stats, database.RunFailed, err)
	}
	log.Info("transcripts selected", "count", len(transcripts))

	for i, t := range transcripts {
		if i > 0 {
			if err := r.pace(ctx); err != nil {
				return r.finish(ctx, stats, database.RunCancelled, err)
			}
		} else if err := ctx.Err(); err != nil {
			return r.finish(ctx, stats, database.RunCancelled, err)
		}

		stats.TranscriptsAnalyzed++
		r.metrics.TranscriptAnalyzed()

		an, err := r.analyzer.Analyze(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(ctx, stats, database.RunCancelled, ctx.Err())
			}
			log.Warn("transcript analysis failed", "transcript", t.ID, "error", err)
			stats.Errors++
			r.metrics.TranscriptError()
			continue
		}

		if err := r.persist(ctx, runID, t, an.Candidates, &stats); err != nil {
			return r.finish(ctx, stats, database.RunFailed, err)
		}
		log.Debug("transcript audited", "transcript", t.ID, "gaps", len(an.Candidates),
			"rounds", an.Rounds, "tool_calls", an.ToolCalls)
	}

	return r.finish(ctx, stats, database.RunCompleted, nil)
}

// persist stores the candidates of one transcript.
func (r *Runner) persist(ctx context.Context, runID string, t database.Transcript, cands []analyze.Candidate, stats *Stats) error {
	for _, c := range cands {
		key := DedupKey(t.ID, c.Question)
		if r.dedup {
			exists, err := r.store.GapExists(ctx, key)
			if err != nil {
				return err
			}
			if exists {
				stats.Duplicates++
				continue
			}
		}
		_, err := r.store.CreateGap(ctx, database.NewKnowledgeGap{
			TranscriptID:      t.ID,
			RunID:             runID,
			Question:          c.Question,
			AssistantResponse: c.AssistantResponse,
			Severity:          c.Severity,
			SuggestedAnswer:   c.SuggestedAnswer,
			SourceURL:         c.SourceURL,
			DedupKey:          key,
		})
		if err != nil {
			return fmt.Errorf("storing gap for transcript %s: %w", t.ID, err)
		}
		stats.GapsFound++
		r.metrics.GapFound(string(c.Severity))
	}
	return nil
}

// DryRun reports how many transcripts Run would analyze without calling the
// model. Like Run, it fails with ErrRunInProgress while another run is active.
func (r *Runner) DryRun(ctx context.Context, start, end time.Time) (Stats, error) {
	if err := r.acquire(); err != nil {
		return Stats{}, err
	}
	defer r.release()

	end = database.EndOfDay(end)
	if start.After(end) {
		return Stats{}, ErrInvalidRange
	}
	n, err := r.store.CountTranscripts(ctx, start, end)
	if err != nil {
		return Stats{}, err
	}
	runID, err := r.store.CreateRun(ctx, start, end, true)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{RunID: runID, TranscriptsAnalyzed: n, DryRun: true}
	if err := r.store.FinishRun(ctx, runID, database.RunCompleted, n, 0, 0, nil); err != nil {
		return stats, err
	}
	slog.Info("dry run", "range", database.FormatRange(start, end), "transcripts", n)
	return stats, nil
}

func (r *Runner) pace(ctx context.Context) error {
	if r.pacing <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(r.pacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Runner) finish(ctx context.Context, stats Stats, status database.RunStatus, runErr error) (Stats, error) {
	// The run record must be closed even when ctx is already cancelled.
	err := r.store.FinishRun(context.WithoutCancel(ctx), stats.RunID, status,
		stats.TranscriptsAnalyzed, stats.GapsFound, stats.Errors, runErr)
	if err != nil {
		slog.Error("recording run result", "run", stats.RunID, "error", err)
	}
	r.metrics.RunFinished(string(status))

	attrs := []any{"run", stats.RunID, "status", status,
		"analyzed", stats.TranscriptsAnalyzed, "gaps", stats.GapsFound, "errors", stats.Errors}
	if runErr != nil {
		slog.Error("audit ended", append(attrs, "error", runErr)...)
		return stats, runErr
	}
	slog.Info("audit complete", attrs...)
	return stats, err
}

func (r *Runner) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunInProgress
	}
	r.running = true
	return nil
}

func (r *Runner) release() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// Close releases resources owned by the runner, such as a Redis page cache.
func (r *Runner) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

// DedupKey identifies a gap by its transcript and its normalized question.
func DedupKey(transcriptID, question string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	sum := sha256.Sum256([]byte(transcriptID + "\x00" + norm))
	return hex.EncodeToString(sum[:])
}
