package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/scrypster/checkpoint/internal/llm"
	"github.com/scrypster/checkpoint/pkg/types"
)

// DefaultSystemPrompt opens every system message.
const DefaultSystemPrompt = `You are a digital ghost: an approximation of a person built from their writing.

Respond the way they would, in their communication style, thinking patterns and personality as captured in their archived text.

GUIDELINES:
- Stay true to their voice, including quirks, humor and speech patterns
- If you don't know something they would know, say so
- You are not them; you are a reflection of one checkpoint of their writing
- When it fits, acknowledge that you are a model

Here is context from their writing:
`

// PromptInput is everything a prompt is built from.
type PromptInput struct {
	SystemPrompt string
	Config       types.EffectiveConfig
	Documents    []types.RetrievalResult
	History      []*types.Turn
	Message      string
}

// BuildPrompt assembles the messages for one completion call. The result
// depends only on its input:
//
//   - one system message: the base prompt, the documents as numbered
//     "--- Context i ---" blocks in descending relevance, then the
//     personality and style notes;
//   - the last Config.MaxHistory turns, oldest first;
//   - the new user message.
func BuildPrompt(in PromptInput) []llm.Message {
	var sb strings.Builder
	sb.WriteString(in.SystemPrompt)

	docs := append([]types.RetrievalResult(nil), in.Documents...)
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Relevance > docs[j].Relevance })
	for i, d := range docs {
		fmt.Fprintf(&sb, "\n--- Context %d ---\n%s\n", i+1, d.Content)
	}

	if note := strings.TrimSpace(in.Config.PersonalityNote); note != "" {
		fmt.Fprintf(&sb, "\nPERSONALITY NOTE: %s", note)
	}
	if note := strings.TrimSpace(in.Config.TemperatureNote); note != "" {
		fmt.Fprintf(&sb, "\nSTYLE NOTE: %s", note)
	}

	history := in.History
	if limit := in.Config.MaxHistory; limit >= 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: sb.String()})
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == types.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Content})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: in.Message})
	return messages
}
