// Package metrics holds the Prometheus collectors for audits, analysis and
// source fetches. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "knowledgeaudit"

// Metrics records audit activity for the /metrics endpoint.
type Metrics struct {
	registry *prometheus.Registry

	runs                *prometheus.CounterVec
	transcriptsAnalyzed prometheus.Counter
	gapsFound           *prometheus.CounterVec
	transcriptErrors    prometheus.Counter
	toolCalls           *prometheus.CounterVec
	sourceFetches       *prometheus.CounterVec
	verdictsMalformed   prometheus.Counter
	roundLimit          prometheus.Counter
	analysisRounds      prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "audit_runs_total",
			Help: "Audit runs by final status.",
		}, []string{"status"}),
		transcriptsAnalyzed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcripts_analyzed_total",
			Help: "Transcripts handed to the analyzer.",
		}),
		gapsFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "gaps_found_total",
			Help: "Knowledge gaps persisted, by severity.",
		}, []string{"severity"}),
		transcriptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "transcript_errors_total",
			Help: "Transcripts skipped because analysis failed.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "tool_calls_total",
			Help: "Website search tool calls requested by the model, by page.",
		}, []string{"page"}),
		sourceFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "source_fetches_total",
			Help: "Source page fetches by page and result (ok, cached, error).",
		}, []string{"page", "result"}),
		verdictsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "verdicts_malformed_total",
			Help: "Final verdicts that failed parsing or schema validation.",
		}),
		roundLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "round_limit_total",
			Help: "Transcripts whose analysis hit the round cap.",
		}),
		analysisRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "analysis_rounds",
			Help:    "Model calls per analyzed transcript.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
	}
	reg.MustRegister(
		m.runs, m.transcriptsAnalyzed, m.gapsFound, m.transcriptErrors,
		m.toolCalls, m.sourceFetches, m.verdictsMalformed, m.roundLimit, m.analysisRounds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunFinished counts a finished audit run by its final status.
func (m *Metrics) RunFinished(status string) {
	if m != nil {
		m.runs.WithLabelValues(status).Inc()
	}
}

// TranscriptAnalyzed counts one transcript handed to the analyzer.
func (m *Metrics) TranscriptAnalyzed() {
	if m != nil {
		m.transcriptsAnalyzed.Inc()
	}
}

// GapFound counts a persisted gap.
func (m *Metrics) GapFound(severity string) {
	if m != nil {
		m.gapsFound.WithLabelValues(severity).Inc()
	}
}

// TranscriptError counts a transcript skipped after a failed analysis.
func (m *Metrics) TranscriptError() {
	if m != nil {
		m.transcriptErrors.Inc()
	}
}

// ToolCall counts a search_website call for a registered page.
func (m *Metrics) ToolCall(page string) {
	if m != nil {
		m.toolCalls.WithLabelValues(page).Inc()
	}
}

// SourceFetch counts a page fetch with result ok, cached or error.
func (m *Metrics) SourceFetch(page, result string) {
	if m != nil {
		m.sourceFetches.WithLabelValues(page, result).Inc()
	}
}

// VerdictMalformed counts a final verdict that could not be parsed.
func (m *Metrics) VerdictMalformed() {
	if m != nil {
		m.verdictsMalformed.Inc()
	}
}

// RoundLimitHit counts an analysis stopped by the round cap.
func (m *Metrics) RoundLimitHit() {
	if m != nil {
		m.roundLimit.Inc()
	}
}

// ObserveRounds records the number of model calls for one transcript.
func (m *Metrics) ObserveRounds(n int) {
	if m != nil {
		m.analysisRounds.Observe(float64(n))
	}
}
