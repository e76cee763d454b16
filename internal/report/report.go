// Package report renders knowledge gaps as a Markdown or HTML review document.
package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/yuin/goldmark"

	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
)

//go:embed templates/report.html
var templateFS embed.FS

var (
	md   = goldmark.New()
	page = template.Must(template.ParseFS(templateFS, "templates/report.html"))
)

// Report is a set of gaps to render.
type Report struct {
	Title     string
	Generated time.Time
	Gaps      []database.KnowledgeGap
}

var severityTitles = map[database.Severity]string{
	database.SeverityIncorrect:  "Incorrect answers",
	database.SeverityUnanswered: "Unanswered questions",
	database.SeverityIncomplete: "Incomplete answers",
}

// Markdown renders the gaps grouped by severity, most severe first.
// Severity groups without gaps are left out.
func (r Report) Markdown() string {
	title := r.Title
	if title == "" {
		title = "Knowledge gap report"
	}

	groups := make(map[database.Severity][]database.KnowledgeGap)
	for _, g := range r.Gaps {
		groups[g.Severity] = append(groups[g.Severity], g)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if !r.Generated.IsZero() {
		fmt.Fprintf(&b, "Generated %s. ", r.Generated.UTC().Format("2006-01-02 15:04 MST"))
	}
	fmt.Fprintf(&b, "%s.\n", plural(len(r.Gaps), "gap"))

	for _, sev := range database.Severities {
		gaps := groups[sev]
		if len(gaps) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s (%d)\n", severityTitles[sev], len(gaps))
		for _, g := range gaps {
			writeGap(&b, g)
		}
	}
	return b.String()
}

func writeGap(b *strings.Builder, g database.KnowledgeGap) {
	fmt.Fprintf(b, "\n### %s\n\n", oneLine(g.Question))
	fmt.Fprintf(b, "Transcript `%s`, status **%s**, found %s\n\n", g.TranscriptID, g.Status, g.CreatedAt.UTC().Format(database.DateLayout))
	fmt.Fprintf(b, "**Assistant said:**\n\n%s\n\n", quote(g.AssistantResponse))
	fmt.Fprintf(b, "**Suggested answer:**\n\n%s\n\n", quote(g.SuggestedAnswer))
	if g.SourceURL != nil {
		fmt.Fprintf(b, "Source: <%s>\n\n", *g.SourceURL)
	}
	if g.HumanCorrection != nil && *g.HumanCorrection != "" {
		fmt.Fprintf(b, "**Human correction:**\n\n%s\n\n", quote(*g.HumanCorrection))
	}
	if g.ResolutionNotes != nil && *g.ResolutionNotes != "" {
		fmt.Fprintf(b, "Notes: %s\n\n", oneLine(*g.ResolutionNotes))
	}
}

// HTML renders the Markdown report as a standalone HTML page.
func (r Report) HTML() ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(r.Markdown()), &body); err != nil {
		return nil, fmt.Errorf("rendering markdown: %w", err)
	}

	title := r.Title
	if title == "" {
		title = "Knowledge gap report"
	}
	var out bytes.Buffer
	err := page.Execute(&out, map[string]any{
		"Title": title,
		"Body":  template.HTML(body.String()), //nolint: gosec
	})
	if err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return out.Bytes(), nil
}

func quote(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "> _(empty)_"
	}
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return fmt.Sprintf("%d %ss", n, word)
}
