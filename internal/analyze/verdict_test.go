package analyze

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
)

const oneGap = `{"gaps":[{"question":"Do you allow dogs?","assistantResponse":"Yes.","severity":"incorrect","suggestedAnswer":"Pets are not allowed.","sourceUrl":"https://www.example.org/faq"}]}`

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{"plain", oneGap, 1, false},
		{"fenced", "```json\n" + oneGap + "\n```", 1, false},
		{"prose around", "After checking the FAQ page:\n" + oneGap + "\nLet me know if you need more.", 1, false},
		{"braces in prose", "I checked the {faq} page.\n" + oneGap, 1, false},
		{"empty list", `{"gaps": []}`, 0, false},
		{"null source", `{"gaps":[{"question":"q","assistantResponse":"a","severity":"unanswered","suggestedAnswer":"s","sourceUrl":null}]}`, 1, false},
		{"no json", "All good.", 0, true},
		{"missing gaps", `{"result": []}`, 0, true},
		{"gaps not array", `{"gaps": "none"}`, 0, true},
		{"unknown severity", `{"gaps":[{"question":"q","assistantResponse":"a","severity":"minor","suggestedAnswer":"s"}]}`, 0, true},
		{"missing field", `{"gaps":[{"question":"q","severity":"incorrect","suggestedAnswer":"s"}]}`, 0, true},
		{"empty question", `{"gaps":[{"question":"","assistantResponse":"a","severity":"incorrect","suggestedAnswer":"s"}]}`, 0, true},
		{"truncated", `{"gaps":[{"question":"q"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseVerdict(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedVerdict)
				assert.Nil(t, got)
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestParseVerdictNormalizes(t *testing.T) {
	got, err := ParseVerdict(`{"gaps":[
		{"question":"  Price?  ","assistantResponse":" dunno ","severity":"unanswered","suggestedAnswer":" $1,250 ","sourceUrl":"  "},
		{"question":"   ","assistantResponse":"","severity":"incomplete","suggestedAnswer":""}]}`)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Price?", got[0].Question)
	assert.Equal(t, "dunno", got[0].AssistantResponse)
	assert.Equal(t, "$1,250", got[0].SuggestedAnswer)
	assert.Nil(t, got[0].SourceURL)
}

// Whatever the model writes in the severity field, a parsed candidate only
// ever carries one of the three known severities.
func TestParseVerdictSeverityIsClosed(t *testing.T) {
	known := []string{"unanswered", "incorrect", "incomplete"}
	rapid.Check(t, func(rt *rapid.T) {
		sev := rapid.OneOf(
			rapid.SampledFrom(known),
			rapid.SampledFrom([]string{"Incorrect", "minor", "", "unanswered ", "critical"}),
			rapid.String(),
		).Draw(rt, "severity")

		doc, err := json.Marshal(map[string]any{"gaps": []map[string]any{{
			"question":          "How much is the 5-day retreat?",
			"assistantResponse": "I'm not sure.",
			"severity":          sev,
			"suggestedAnswer":   "$1,250 per person.",
		}}})
		if err != nil {
			rt.Fatal(err)
		}

		got, err := ParseVerdict(string(doc))
		valid := database.Severity(sev).Valid()
		if valid && err != nil {
			rt.Fatalf("valid severity %q rejected: %v", sev, err)
		}
		if !valid && err == nil {
			rt.Fatalf("invalid severity %q accepted", sev)
		}
		for _, c := range got {
			if !c.Severity.Valid() {
				rt.Fatalf("candidate with severity %q", c.Severity)
			}
		}
	})
}
