package audit

import (
	"fmt"
	"io"

	"github.com/TobiSchelling/KnowledgeAudit/internal/analyze"
	"github.com/TobiSchelling/KnowledgeAudit/internal/config"
	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/llm"
	"github.com/TobiSchelling/KnowledgeAudit/internal/metrics"
	"github.com/TobiSchelling/KnowledgeAudit/internal/source"
	"github.com/TobiSchelling/KnowledgeAudit/internal/tools"
)

// New wires a runner from configuration: page registry, page cache,
// fetcher, tool registry and analyzer. A nil provider is allowed for dry
// runs; Run then counts every transcript with two or more messages as an
// error. Call Close when done.
func New(cfg *config.Config, db *database.DB, provider llm.Provider, m *metrics.Metrics) (*Runner, error) {
	pages, err := source.NewRegistry(cfg.Organization.BaseURL, cfg.Organization.Pages)
	if err != nil {
		return nil, fmt.Errorf("building page registry: %w", err)
	}

	cache, err := source.NewCache(cfg.Source.Cache, cfg.RedisPassword())
	if err != nil {
		return nil, err
	}

	fetcher := source.NewFetcher(pages, source.Options{
		Timeout:       cfg.Source.Timeout,
		UserAgent:     cfg.Organization.UserAgent,
		MaxChars:      cfg.Source.MaxChars,
		Extractor:     cfg.Source.Extractor,
		FocusPassages: cfg.Source.FocusPassages,
		Cache:         cache,
		Metrics:       m,
	})

	analyzer := analyze.New(provider, tools.NewRegistry(pages.Pages(), fetcher, m), analyze.Options{
		Organization:   cfg.Organization.Name,
		MaxRounds:      cfg.Audit.MaxRounds,
		VerdictRetries: cfg.Audit.VerdictRetries,
		Metrics:        m,
	})

	r := NewRunner(db, analyzer, Options{
		Pacing:  cfg.Audit.Pacing,
		Dedup:   cfg.Audit.Dedup,
		Metrics: m,
	})
	if c, ok := cache.(io.Closer); ok {
		r.closers = append(r.closers, c.Close)
	}
	return r, nil
}
