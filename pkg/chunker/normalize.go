package chunker

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	copyrightLine = regexp.MustCompile(`(?i)^\s*(copyright\b|©|\(c\)\s*\d{4})|all rights reserved`)
	urlPattern    = regexp.MustCompile(`(?i)\b(?:https?://|www\.)\S+`)
	emailPattern  = regexp.MustCompile(`[\w.+-]+@[\w-]+(?:\.[\w-]+)+`)
	htmlTag       = regexp.MustCompile(`<[^>]{1,200}>`)
	htmlEntity    = regexp.MustCompile(`&(?:[a-zA-Z]{2,8}|#\d{1,5});`)
	mdImage       = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLink        = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdHeading     = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	mdEmphasis    = regexp.MustCompile("[*_`~]{1,3}")
	ellipsis      = regexp.MustCompile(`\.{2,}`)
	punctNoise    = regexp.MustCompile(`[-=_|#~+<>^]{2,}|[•·■□▪►◆◇★☆※¶§†‡]`)
	repeatedPunct = regexp.MustCompile(`([!?,;:])[!?,;:]+`)
	spaceRun      = regexp.MustCompile(`[ \t\f\v\r\x{00A0}]+`)
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize cleans raw extracted text before chunking: copyright lines, URLs,
// emails, markup, diacritics and punctuation noise are removed, and
// whitespace is collapsed. Line breaks between non-empty lines survive. Case
// is preserved.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	text = strings.ReplaceAll(text, "\r\n", "\n")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if copyrightLine.MatchString(l) {
			continue
		}
		kept = append(kept, l)
	}
	text = strings.Join(kept, "\n")

	text = mdImage.ReplaceAllString(text, " ")
	text = mdLink.ReplaceAllString(text, "$1")
	text = urlPattern.ReplaceAllString(text, " ")
	text = emailPattern.ReplaceAllString(text, " ")
	text = htmlTag.ReplaceAllString(text, " ")
	text = htmlEntity.ReplaceAllString(text, " ")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdEmphasis.ReplaceAllString(text, "")

	if stripped, _, err := transform.String(stripMarks, text); err == nil {
		text = stripped
	}

	text = ellipsis.ReplaceAllString(text, ".")
	text = punctNoise.ReplaceAllString(text, " ")
	text = repeatedPunct.ReplaceAllString(text, "$1")

	var out []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(spaceRun.ReplaceAllString(l, " "))
		if l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// SearchVariant is the lowercased form of Normalize used for keyword search
// preprocessing. Embedding input never goes through it.
func SearchVariant(text string) string {
	return strings.ToLower(Normalize(text))
}
