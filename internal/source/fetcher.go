package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/TobiSchelling/KnowledgeAudit/internal/metrics"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultMaxChars  = 8000
	maxRedirects     = 5
	maxBodyBytes     = 5 << 20
	defaultUserAgent = "KnowledgeAudit/1.0"
)

// Result is the outcome of one page fetch. A failed fetch still carries
// Text: an "Error fetching ..." placeholder the model reads as "no evidence".
type Result struct {
	Page   Page
	URL    string
	Text   string
	Failed bool
	Cached bool
}

// Options tunes a Fetcher. Zero values take defaults.
type Options struct {
	Timeout       time.Duration
	UserAgent     string
	MaxChars      int
	Extractor     string // "strip" or "readability"
	FocusPassages bool
	Cache         Cache
	Metrics       *metrics.Metrics
	Client        *http.Client
}

// Fetcher retrieves and cleans pages from the registry.
type Fetcher struct {
	registry  *Registry
	client    *http.Client
	userAgent string
	maxChars  int
	extractor string
	focus     bool
	cache     Cache
	metrics   *metrics.Metrics
}

// NewFetcher creates a fetcher over the given registry.
func NewFetcher(registry *Registry, opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = defaultMaxChars
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		}
	}
	return &Fetcher{
		registry:  registry,
		client:    client,
		userAgent: opts.UserAgent,
		maxChars:  opts.MaxChars,
		extractor: opts.Extractor,
		focus:     opts.FocusPassages,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
	}
}

// Registry returns the page registry backing the fetcher.
func (f *Fetcher) Registry() *Registry {
	return f.registry
}

// Fetch returns the cleaned text of the page named by handle, shortened to
// the configured budget with query used to pick passages. The error is
// non-nil only for handles outside the registry, which are rejected before
// any HTTP request. Network and parse failures come back in-band.
func (f *Fetcher) Fetch(ctx context.Context, handle, query string) (Result, error) {
	page, err := f.registry.Lookup(handle)
	if err != nil {
		return Result{}, err
	}
	res := Result{Page: page, URL: page.URL}

	text, cached := "", false
	if f.cache != nil {
		text, cached = f.cache.Get(ctx, page.Handle)
	}
	if !cached {
		text, err = f.load(ctx, page)
		if err != nil {
			slog.Warn("source fetch failed", "page", page.Handle, "url", page.URL, "error", err)
			f.metrics.SourceFetch(page.Handle, "error")
			res.Text = fmt.Sprintf("Error fetching %s: %v", page.URL, err)
			res.Failed = true
			return res, nil
		}
		if f.cache != nil {
			f.cache.Set(ctx, page.Handle, text)
		}
		f.metrics.SourceFetch(page.Handle, "ok")
	} else {
		f.metrics.SourceFetch(page.Handle, "cached")
	}

	res.Cached = cached
	if f.focus {
		res.Text = Focus(text, query, f.maxChars)
	} else {
		res.Text = Truncate(text, f.maxChars)
	}
	slog.Debug("source fetched", "page", page.Handle, "chars", len(res.Text), "cached", cached)
	return res, nil
}

func (f *Fetcher) load(ctx context.Context, page Page) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, page.URL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", f.userAgent)
	if page.Format == "feed" {
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, */*;q=0.8")
	} else {
		req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("reading body: %w", err)
	}

	var text string
	switch {
	case page.Format == "feed":
		text, err = FeedText(body)
	case f.extractor == "readability":
		text, err = ReadabilityText(body, page.URL)
	default:
		text, err = StripHTML(body)
	}
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", errors.New("no readable text on page")
	}
	return text, nil
}
