package source

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/blevesearch/bleve"
)

const passageTarget = 400

type passage struct {
	Text string `json:"text"`
}

// splitPassages groups lines into passages of roughly passageTarget runes.
func splitPassages(text string) []string {
	var out []string
	var cur strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if cur.Len() > 0 && utf8.RuneCountInString(cur.String())+utf8.RuneCountInString(line) > passageTarget {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// Focus shortens text to maxChars runes, keeping the passages that best
// match query in document order. Without a query, or when nothing matches,
// it truncates.
func Focus(text, query string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	if strings.TrimSpace(query) == "" {
		return Truncate(text, maxChars)
	}

	passages := splitPassages(text)
	ranked, err := rankPassages(passages, query)
	if err != nil {
		slog.Debug("passage ranking failed", "error", err)
		return Truncate(text, maxChars)
	}
	if len(ranked) == 0 {
		return Truncate(text, maxChars)
	}

	const sep = "\n...\n"
	budget := maxChars
	var keep []int
	for _, idx := range ranked {
		cost := utf8.RuneCountInString(passages[idx])
		if len(keep) > 0 {
			cost += utf8.RuneCountInString(sep)
		}
		if cost > budget {
			continue
		}
		keep = append(keep, idx)
		budget -= cost
	}
	if len(keep) == 0 {
		return Truncate(passages[ranked[0]], maxChars)
	}

	sort.Ints(keep)
	parts := make([]string, len(keep))
	for i, idx := range keep {
		parts[i] = passages[idx]
	}
	return strings.Join(parts, sep)
}

// rankPassages returns passage indexes ordered by relevance to query,
// using an in-memory bleve index. Non-matching passages are omitted.
func rankPassages(passages []string, query string) ([]int, error) {
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, err
	}
	defer index.Close()

	batch := index.NewBatch()
	for i, p := range passages {
		if err := batch.Index(strconv.Itoa(i), passage{Text: p}); err != nil {
			return nil, err
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, err
	}

	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	req := bleve.NewSearchRequestOptions(q, len(passages), 0, false)
	res, err := index.Search(req)
	if err != nil {
		return nil, err
	}

	out := make([]int, 0, len(res.Hits))
	for _, hit := range res.Hits {
		i, err := strconv.Atoi(hit.ID)
		if err != nil || i < 0 || i >= len(passages) {
			continue
		}
		out = append(out, i)
	}
	return out, nil
}
