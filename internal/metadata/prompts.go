package metadata

import (
	"fmt"
	"strings"

	"github.com/quellen-ai/quellen/internal/genai"
)

const tagsSystemPrompt = `You classify a question and its answer with short topic tags.

Respond with JSON only, no prose, in this exact shape:
{"tags": [{"name": "..."}]}

Rules:
- 2 to 5 tags
- each tag is 2 to 32 characters, singular nouns preferred
- tags describe topics, not sentiment or quality`

func tagsUserPrompt(query, answer string) string {
	return fmt.Sprintf("Question:\n%s\n\nAnswer:\n%s", query, answer)
}

const followUpsSystemPrompt = `You suggest natural next questions a curious reader would ask after reading an answer.

Respond with JSON only, no prose, in this exact shape:
{"follow_ups": [{"query": "..."}]}

Rules:
- 1 to 4 suggestions
- each suggestion is a complete, standalone question of 3 to 256 characters
- never repeat the original question`

func followUpsUserPrompt(query, answer string) string {
	return fmt.Sprintf("Question:\n%s\n\nAnswer:\n%s", query, answer)
}

const titleSystemPrompt = `You write a short descriptive title for a conversation.

Respond with JSON only, no prose, in this exact shape:
{"title": "..."}

Rules:
- 4 to 64 characters
- no quotes, no trailing punctuation
- describe the subject, not the act of asking`

// titleUserPrompt renders the conversation as a role-tagged transcript so
// the model sees the whole thread, not just the latest exchange.
func titleUserPrompt(history []genai.Message, query, answer string) string {
	var b strings.Builder
	for _, m := range history {
		if m.Role == genai.RoleModel {
			b.WriteString("assistant: ")
		} else {
			b.WriteString("user: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("user: ")
	b.WriteString(query)
	b.WriteString("\nassistant: ")
	b.WriteString(answer)
	return b.String()
}
