package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapses whitespace", "hello   \t world  ", "hello world"},
		{"drops blank lines", "one\n\n\n two", "one\ntwo"},
		{"strips urls", "see https://example.com/x?y=1 now", "see now"},
		{"strips emails", "mail bob.smith+x@mail.example.org today", "mail today"},
		{"strips html", "<p>Hello <b>there</b></p>", "Hello there"},
		{"markdown link keeps text", "read [the docs](http://x.y) first", "read the docs first"},
		{"markdown heading", "## Title\nbody", "Title\nbody"},
		{"diacritics", "café naïve résumé", "cafe naive resume"},
		{"copyright line", "Copyright 2020 Acme\nreal text\nAll rights reserved.", "real text"},
		{"punctuation noise", "intro ======== next •  item", "intro next item"},
		{"ellipsis", "wait..... what", "wait. what"},
		{"repeated punct", "really?!?! yes", "really? yes"},
		{"keeps case", "Hello World", "Hello World"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestSearchVariantLowercases(t *testing.T) {
	assert.Equal(t, "hello cafe", SearchVariant("Hello Café"))
}
