package analyze

import (
	"fmt"
	"strings"

	"github.com/TobiSchelling/KnowledgeAudit/internal/database"
)

const systemPrompt = `You are auditing past conversations between visitors and the website chat assistant of %s.

Your job is to find KNOWLEDGE GAPS: places where the assistant failed to give a visitor correct, complete information that the organization publishes on its website.

Classify each gap with exactly one severity:
- "unanswered": the assistant gave no substantive answer (deflected, said it did not know, or sent the visitor elsewhere) although the answer is published.
- "incorrect": the assistant's answer contradicts what the website says.
- "incomplete": the assistant's answer was vague or partial where the website has specifics (prices, dates, durations, policies).

Before flagging a factual problem, VERIFY it. Use the search_website tool to read the relevant page; call it as many times as you need, choosing the page whose description best matches the question. Only flag a gap when the website content supports your judgment. If a page cannot be fetched, treat it as "no evidence found" and do not flag gaps that depend on it. Small talk, greetings and questions the website does not cover are not gaps.

When you are done, reply with ONLY this JSON and nothing else:
{
  "gaps": [
    {
      "question": "the visitor's question, quoted or closely paraphrased",
      "assistantResponse": "what the assistant answered",
      "severity": "unanswered" | "incorrect" | "incomplete",
      "suggestedAnswer": "a correct, complete answer based on the website",
      "sourceUrl": "URL of the page that supports the suggested answer"
    }
  ]
}

Return {"gaps": []} when the assistant handled the conversation well.`

const retryPrompt = `Your last reply could not be used: %v.
Reply again with ONLY the JSON object described earlier ({"gaps": [...]}), with no other text. Do not call any tools.`

func buildSystemPrompt(organization string) string {
	if organization == "" {
		organization = "the organization"
	}
	return fmt.Sprintf(systemPrompt, organization)
}

// renderTranscript lays a conversation out as alternating Visitor/Assistant lines.
func renderTranscript(t database.Transcript) string {
	var b strings.Builder
	b.WriteString("Audit this conversation")
	if !t.StartedAt.IsZero() {
		fmt.Fprintf(&b, " (started %s)", t.StartedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	b.WriteString(":\n\n")
	for i, m := range t.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		speaker := "Visitor"
		if m.Role == database.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s", speaker, strings.TrimSpace(m.Content))
	}
	return b.String()
}
