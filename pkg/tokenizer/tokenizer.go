// Package tokenizer counts tokens with the cl100k_base BPE encoding used by
// the OpenAI chat and embedding models.
package tokenizer

import (
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

const encodingName = "cl100k_base"

// encoding loads the BPE ranks from the embedded offline copy, so counting
// never reaches the network.
var encoding = sync.OnceValue(func() *tiktoken.Tiktoken {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		slog.Error("failed to load token encoding, estimating counts", "encoding", encodingName, "error", err)
		return nil
	}
	return enc
})

// CountTokens returns the token count of text.
//
// Words are encoded one at a time, so the count is additive over
// whitespace-separated words: the tokens of a space-joined string always
// equal the sum of its parts. Chunking, embedding batching and context
// packing all rely on that property. The per-word count can exceed what the
// provider bills for the joined text by a little, never undercount it by
// more than the separators.
func CountTokens(text string) int {
	total := 0
	for _, w := range strings.Fields(text) {
		total += WordTokens(w)
	}
	return total
}

// WordTokens counts a single word. A non-empty word always costs at least one.
func WordTokens(word string) int {
	if word == "" {
		return 0
	}
	if enc := encoding(); enc != nil {
		return max(len(enc.Encode(word, nil, nil)), 1)
	}
	return estimate(word)
}

// estimate is one token per four ASCII runes (rounded up) plus one per
// non-ASCII rune.
func estimate(word string) int {
	ascii, other := 0, 0
	for _, r := range word {
		if r < utf8.RuneSelf {
			ascii++
		} else {
			other++
		}
	}
	return max((ascii+3)/4+other, 1)
}

// Words splits text the same way CountTokens does.
func Words(text string) []string {
	return strings.Fields(text)
}

// Truncate returns the longest word prefix of text whose token count does not
// exceed maxTokens.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	words := strings.Fields(text)
	used := 0
	for i, w := range words {
		used += WordTokens(w)
		if used > maxTokens {
			return strings.Join(words[:i], " ")
		}
	}
	return strings.Join(words, " ")
}
