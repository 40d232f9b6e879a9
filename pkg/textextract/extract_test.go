package textextract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extractString(t *testing.T, content, fileType string) []string {
	t.Helper()
	r := strings.NewReader(content)
	pages, err := Extract(r, int64(len(content)), fileType)
	require.NoError(t, err)
	var out []string
	for _, p := range pages {
		out = append(out, p.Text)
	}
	return out
}

func TestExtractText(t *testing.T) {
	got := extractString(t, "page one\fpage two\f\f", ".txt")
	assert.Equal(t, []string{"page one", "page two"}, got)

	r := strings.NewReader("a\fb\fc")
	pages, err := Extract(r, 5, "txt")
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, 3, pages[2].Number)
}

func TestExtractHTML(t *testing.T) {
	html := `<html><head><style>p{}</style></head><body>
<h1>Title</h1><p>First paragraph.</p><script>alert(1)</script>
<ul><li>item one</li><li>item two</li></ul></body></html>`
	got := extractString(t, html, ".html")
	require.Len(t, got, 1)
	assert.Equal(t, "Title\nFirst paragraph.\nitem one\nitem two", got[0])
}

func TestExtractMarkdown(t *testing.T) {
	got := extractString(t, "# Heading\n\nSome *emphasis* here.\n\n- a\n- b\n", ".md")
	require.Len(t, got, 1)
	assert.Equal(t, "Heading\nSome emphasis here.\na\nb", got[0])
}

func TestExtractUnsupported(t *testing.T) {
	_, err := Extract(strings.NewReader("x"), 1, ".exe")
	assert.Error(t, err)
	assert.False(t, Supported("a.exe"))
	assert.True(t, Supported("notes.MD"))
}
