// Package memory bounds the conversation history sent along with a question.
package memory

import (
	"github.com/nikhilbhutani/jobpipeline/internal/llm"
	"github.com/nikhilbhutani/jobpipeline/pkg/tokenizer"
)

// Window returns the most recent messages of history whose combined token
// count fits maxTokens, oldest first. System messages are dropped; the
// caller supplies its own. A non-positive maxTokens keeps everything.
func Window(history []llm.Message, maxTokens int) []llm.Message {
	kept := make([]llm.Message, 0, len(history))
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == "system" {
			continue
		}
		cost := tokenizer.CountTokens(m.Content)
		if maxTokens > 0 && used+cost > maxTokens {
			break
		}
		used += cost
		kept = append(kept, m)
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
