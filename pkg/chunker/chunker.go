package chunker

import (
	"slices"
	"strings"

	"github.com/nikhilbhutani/jobpipeline/pkg/tokenizer"
)

// Page is one page of extracted source text. Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// Chunk is a token-bounded slice of a document.
type Chunk struct {
	Index   int
	Content string
	Tokens  int
	Pages   []int
}

type sentence struct {
	text   string
	tokens int
	page   int
}

// Split normalizes each page, splits it into sentences and packs the
// sentences greedily into chunks of at most maxTokens tokens. A sentence
// longer than maxTokens is split word by word. Empty input yields nil.
func Split(pages []Page, maxTokens int) []Chunk {
	if maxTokens <= 0 {
		maxTokens = 1
	}

	var sentences []sentence
	for _, p := range pages {
		for _, s := range splitSentences(Normalize(p.Text)) {
			tokens := tokenizer.CountTokens(s)
			if tokens == 0 {
				continue
			}
			sentences = append(sentences, sentence{text: s, tokens: tokens, page: p.Number})
		}
	}
	if len(sentences) == 0 {
		return nil
	}

	b := &builder{max: maxTokens}
	for _, s := range sentences {
		if s.tokens > maxTokens {
			b.addOversized(s)
			continue
		}
		if b.tokens+s.tokens > maxTokens {
			b.flush()
		}
		b.add(s.text, s.tokens, s.page)
	}
	b.flush()
	return b.chunks
}

// SplitText is Split for single-page input.
func SplitText(text string, maxTokens int) []Chunk {
	return Split([]Page{{Number: 1, Text: text}}, maxTokens)
}

// TotalTokens sums the token counts of chunks.
func TotalTokens(chunks []Chunk) int {
	total := 0
	for _, c := range chunks {
		total += c.Tokens
	}
	return total
}

type builder struct {
	max    int
	parts  []string
	tokens int
	pages  map[int]struct{}
	chunks []Chunk
}

func (b *builder) add(text string, tokens, page int) {
	if b.pages == nil {
		b.pages = make(map[int]struct{})
	}
	b.parts = append(b.parts, text)
	b.tokens += tokens
	b.pages[page] = struct{}{}
}

func (b *builder) addOversized(s sentence) {
	b.flush()
	for _, w := range tokenizer.Words(s.text) {
		wt := tokenizer.WordTokens(w)
		if b.tokens > 0 && b.tokens+wt > b.max {
			b.flush()
		}
		b.add(w, wt, s.page)
	}
}

func (b *builder) flush() {
	if len(b.parts) == 0 {
		return
	}
	pages := make([]int, 0, len(b.pages))
	for p := range b.pages {
		pages = append(pages, p)
	}
	slices.Sort(pages)

	b.chunks = append(b.chunks, Chunk{
		Index:   len(b.chunks),
		Content: strings.Join(b.parts, " "),
		Tokens:  b.tokens,
		Pages:   pages,
	})
	b.parts = nil
	b.tokens = 0
	b.pages = nil
}

// splitSentences breaks text after '.', '!' or '?' followed by whitespace,
// and at line breaks.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	emit := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			emit()
			continue
		}
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && (runes[i+1] == ' ' || runes[i+1] == '\n') {
			emit()
		}
	}
	emit()

	return sentences
}
