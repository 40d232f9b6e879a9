package rag

import "github.com/nikhilbhutani/jobpipeline/pkg/tokenizer"

// Batch is the half-open index range [Start, End) of one embedding request.
type Batch struct {
	Start, End int
}

// Batches groups texts greedily so each group's token sum stays within
// budget. A text over the budget on its own is sent alone.
func Batches(texts []string, budget int) []Batch {
	var out []Batch
	start, used := 0, 0
	for i, t := range texts {
		n := tokenizer.CountTokens(t)
		if i > start && used+n > budget {
			out = append(out, Batch{Start: start, End: i})
			start, used = i, 0
		}
		used += n
	}
	if start < len(texts) {
		out = append(out, Batch{Start: start, End: len(texts)})
	}
	return out
}
