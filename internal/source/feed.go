package source

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
)

const feedSummaryChars = 300

// FeedText renders an RSS/Atom/JSON feed as one line per entry:
// "title (date): summary".
func FeedText(body []byte) (string, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("parsing feed: %w", err)
	}

	var lines []string
	if feed.Title != "" {
		lines = append(lines, feed.Title)
	}
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		line := strings.TrimSpace(item.Title)
		if item.PublishedParsed != nil {
			line += " (" + item.PublishedParsed.Format("2006-01-02") + ")"
		} else if item.Published != "" {
			line += " (" + item.Published + ")"
		}

		summary := item.Description
		if summary == "" {
			summary = item.Content
		}
		if summary != "" {
			if text, err := StripHTML([]byte(summary)); err == nil && text != "" {
				line += ": " + Truncate(strings.ReplaceAll(text, "\n", " "), feedSummaryChars)
			}
		}
		lines = append(lines, line)
	}
	return CollapseWhitespace(strings.Join(lines, "\n")), nil
}
