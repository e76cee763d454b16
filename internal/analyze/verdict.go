package analyze

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
	"github.com/TobiSchelling/KnowledgeAudit/internal/llm"
)

// ErrMalformedVerdict is returned when the model's final answer is not a
// usable gap list.
var ErrMalformedVerdict = errors.New("malformed verdict")

// Candidate is one knowledge gap proposed by the model for a transcript.
type Candidate struct {
	Question          string            `json:"question"`
	AssistantResponse string            `json:"assistantResponse"`
	Severity          database.Severity `json:"severity"`
	SuggestedAnswer   string            `json:"suggestedAnswer"`
	SourceURL         *string           `json:"sourceUrl,omitempty"`
}

const verdictSchemaJSON = `{
  "type": "object",
  "required": ["gaps"],
  "properties": {
    "gaps": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["question", "assistantResponse", "severity", "suggestedAnswer"],
        "properties": {
          "question": {"type": "string", "minLength": 1},
          "assistantResponse": {"type": "string"},
          "severity": {"enum": ["unanswered", "incorrect", "incomplete"]},
          "suggestedAnswer": {"type": "string"},
          "sourceUrl": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

var verdictSchema = mustCompileSchema(verdictSchemaJSON, "verdict.schema.json")

func mustCompileSchema(raw, name string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		panic(fmt.Sprintf("parsing %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("adding %s: %v", name, err))
	}
	sch, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compiling %s: %v", name, err))
	}
	return sch
}

// ParseVerdict extracts and validates the gap list from a model reply.
// Any deviation from the expected shape yields ErrMalformedVerdict; a
// partially valid answer is never used.
func ParseVerdict(text string) ([]Candidate, error) {
	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}
	if err := verdictSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}

	var v struct {
		Gaps []Candidate `json:"gaps"`
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedVerdict, err)
	}

	out := make([]Candidate, 0, len(v.Gaps))
	for _, c := range v.Gaps {
		c.Question = strings.TrimSpace(c.Question)
		c.AssistantResponse = strings.TrimSpace(c.AssistantResponse)
		c.SuggestedAnswer = strings.TrimSpace(c.SuggestedAnswer)
		if c.SourceURL != nil {
			u := strings.TrimSpace(*c.SourceURL)
			if u == "" {
				c.SourceURL = nil
			} else {
				c.SourceURL = &u
			}
		}
		if c.Question == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
