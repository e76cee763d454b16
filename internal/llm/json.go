package llm

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when a model reply contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in model output")

// ExtractJSON returns the first balanced, valid JSON object in a model
// reply, unwrapping a markdown code fence if the reply is fenced. Braces in
// surrounding prose, such as "the {rates} page", are skipped.
func ExtractJSON(text string) (string, error) {
	text = strings.TrimPrefix(strings.TrimSpace(text), "\uFEFF")
	if text == "" {
		return "", ErrNoJSON
	}

	// Strip markdown code fences
	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines)
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		if len(lines) > 1 {
			text = strings.Join(lines[1:endIdx], "\n")
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if obj, ok := balancedObject(text, i); ok && json.Valid([]byte(obj)) {
			return obj, nil
		}
	}
	return "", ErrNoJSON
}

// balancedObject scans from the '{' at start to its matching '}', ignoring
// braces inside string literals.
func balancedObject(s string, start int) (string, bool) {
	depth := 0
	inString, escape := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth < 0 {
				return "", false
			}
			if depth == 0 {
				if c != '}' {
					return "", false
				}
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
