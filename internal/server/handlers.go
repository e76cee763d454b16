package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/TobiSchelling/KnowledgeAudit/internal/audit"
	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/report"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type gapJSON struct {
	ID                string     `json:"id"`
	TranscriptID      string     `json:"transcriptId"`
	RunID             *string    `json:"runId,omitempty"`
	Question          string     `json:"question"`
	AssistantResponse string     `json:"assistantResponse"`
	Severity          string     `json:"severity"`
	SuggestedAnswer   string     `json:"suggestedAnswer"`
	SourceURL         *string    `json:"sourceUrl,omitempty"`
	Status            string     `json:"status"`
	HumanCorrection   *string    `json:"humanCorrection,omitempty"`
	ResolutionNotes   *string    `json:"resolutionNotes,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
	ResolvedBy        *string    `json:"resolvedBy,omitempty"`
}

func toGapJSON(g database.KnowledgeGap) gapJSON {
	return gapJSON{
		ID:                g.ID,
		TranscriptID:      g.TranscriptID,
		RunID:             g.RunID,
		Question:          g.Question,
		AssistantResponse: g.AssistantResponse,
		Severity:          string(g.Severity),
		SuggestedAnswer:   g.SuggestedAnswer,
		SourceURL:         g.SourceURL,
		Status:            string(g.Status),
		HumanCorrection:   g.HumanCorrection,
		ResolutionNotes:   g.ResolutionNotes,
		CreatedAt:         g.CreatedAt,
		ResolvedAt:        g.ResolvedAt,
		ResolvedBy:        g.ResolvedBy,
	}
}

type runJSON struct {
	ID                  string     `json:"id"`
	StartDate           string     `json:"startDate"`
	EndDate             string     `json:"endDate"`
	Status              string     `json:"status"`
	DryRun              bool       `json:"dryRun"`
	TranscriptsAnalyzed int        `json:"transcriptsAnalyzed"`
	GapsFound           int        `json:"gapsFound"`
	Errors              int        `json:"errors"`
	ErrorMessage        *string    `json:"errorMessage,omitempty"`
	StartedAt           time.Time  `json:"startedAt"`
	FinishedAt          *time.Time `json:"finishedAt,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type auditRequest struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	DryRun    bool   `json:"dryRun"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.StartDate == "" || req.EndDate == "" {
		writeError(w, http.StatusBadRequest, "startDate and endDate are required")
		return
	}
	start, err := database.ParseDate(req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid startDate: "+err.Error())
		return
	}
	end, err := database.ParseDate(req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid endDate: "+err.Error())
		return
	}

	run := s.auditor.Run
	if req.DryRun {
		run = s.auditor.DryRun
	}
	stats, err := run(r.Context(), start, end)
	switch {
	case errors.Is(err, audit.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, audit.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		slog.Error("audit request failed", "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "audit failed: "+err.Error())
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) handleListGaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := positiveInt(q.Get("page"), 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	limit, err := positiveInt(q.Get("limit"), defaultPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	limit = min(limit, maxPageSize)

	gaps, total, err := s.db.ListGaps(r.Context(), database.GapFilter{
		Status:       database.GapStatus(q.Get("status")),
		Severity:     database.Severity(q.Get("severity")),
		TranscriptID: q.Get("transcriptId"),
		RunID:        q.Get("runId"),
		Limit:        limit,
		Offset:       (page - 1) * limit,
	})
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	out := make([]gapJSON, 0, len(gaps))
	for _, g := range gaps {
		out = append(out, toGapJSON(g))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"gaps":  out,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) handleGetGap(w http.ResponseWriter, r *http.Request) {
	g, err := s.db.GetGap(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGapJSON(*g))
}

type reviewRequest struct {
	Status          string  `json:"status"`
	HumanCorrection *string `json:"humanCorrection"`
	ResolutionNotes *string `json:"resolutionNotes"`
	ResolvedBy      *string `json:"resolvedBy"`
}

func (s *Server) handleReviewGap(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	review := database.GapReview{
		Status:          database.GapStatus(req.Status),
		HumanCorrection: req.HumanCorrection,
		ResolutionNotes: req.ResolutionNotes,
		ResolvedBy:      req.ResolvedBy,
	}
	if review.ResolvedBy == nil && review.Status.Closed() {
		if sub := subject(r.Context()); sub != "" {
			review.ResolvedBy = &sub
		}
	}

	g, err := s.db.ReviewGap(r.Context(), chi.URLParam(r, "id"), review)
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGapJSON(*g))
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := positiveInt(r.URL.Query().Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	runs, err := s.db.ListRuns(r.Context(), min(limit, maxPageSize))
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON{
			ID:                  run.ID,
			StartDate:           run.StartDate.UTC().Format(database.DateLayout),
			EndDate:             run.EndDate.UTC().Format(database.DateLayout),
			Status:              string(run.Status),
			DryRun:              run.DryRun,
			TranscriptsAnalyzed: run.TranscriptsAnalyzed,
			GapsFound:           run.GapsFound,
			Errors:              run.Errors,
			ErrorMessage:        run.ErrorMessage,
			StartedAt:           run.StartedAt,
			FinishedAt:          run.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	status := database.GapStatus(r.URL.Query().Get("status"))
	gaps, _, err := s.db.ListGaps(r.Context(), database.GapFilter{Status: status})
	if err != nil {
		s.storeError(w, r, err)
		return
	}

	title := "Knowledge gap report"
	if s.opts.Organization != "" {
		title += ": " + s.opts.Organization
	}
	rep := report.Report{Title: title, Generated: time.Now(), Gaps: gaps}

	if strings.Contains(r.Header.Get("Accept"), "text/markdown") {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Write([]byte(rep.Markdown()))
		return
	}
	html, err := rep.HTML()
	if err != nil {
		s.storeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(html)
}

// storeError maps gap store errors to HTTP statuses.
func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, database.ErrInvalidStatus), errors.Is(err, database.ErrInvalidSeverity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("request failed", "path", r.URL.Path, "error", err, "request_id", requestID(r))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

func positiveInt(s string, fallback int) (int, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, errors.New("must be a positive integer")
	}
	return n, nil
}
