package source

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/TobiSchelling/KnowledgeAudit/internal/config"
)

// ErrUnknownPage is returned for a page handle outside the configured set.
var ErrUnknownPage = errors.New("unknown page")

// Page is one fetchable page of the organization's public site.
type Page struct {
	Handle      string
	URL         string
	Description string
	Format      string
}

// Registry is the closed set of pages the auditor may consult. URLs are
// always built from the configured base URL; callers never supply one.
type Registry struct {
	pages    []Page
	byHandle map[string]Page
}

// NewRegistry builds the registry from the configured pages.
func NewRegistry(baseURL string, pages []config.Page) (*Registry, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no pages configured")
	}

	r := &Registry{byHandle: make(map[string]Page, len(pages))}
	for _, p := range pages {
		if p.Handle == "" {
			return nil, fmt.Errorf("page %q has no handle", p.Path)
		}
		if _, dup := r.byHandle[p.Handle]; dup {
			return nil, fmt.Errorf("duplicate page handle %q", p.Handle)
		}
		format := p.Format
		if format == "" {
			format = "html"
		}
		page := Page{
			Handle:      p.Handle,
			URL:         base.String() + "/" + strings.TrimLeft(p.Path, "/"),
			Description: p.Description,
			Format:      format,
		}
		r.pages = append(r.pages, page)
		r.byHandle[p.Handle] = page
	}
	return r, nil
}

// Lookup returns the page for handle, or ErrUnknownPage.
func (r *Registry) Lookup(handle string) (Page, error) {
	p, ok := r.byHandle[handle]
	if !ok {
		return Page{}, fmt.Errorf("%w: %q (valid: %s)", ErrUnknownPage, handle, strings.Join(r.Handles(), ", "))
	}
	return p, nil
}

// Pages returns the pages in configuration order.
func (r *Registry) Pages() []Page {
	out := make([]Page, len(r.pages))
	copy(out, r.pages)
	return out
}

// Handles returns the valid handles, sorted.
func (r *Registry) Handles() []string {
	out := make([]string, 0, len(r.pages))
	for _, p := range r.pages {
		out = append(out, p.Handle)
	}
	sort.Strings(out)
	return out
}
