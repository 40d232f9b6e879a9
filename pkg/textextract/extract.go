package textextract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"
	"github.com/nikhilbhutani/jobpipeline/pkg/chunker"
	"github.com/yuin/goldmark"
)

// Extract returns the text of a document split into pages. PDFs keep their
// page numbering; text files split on form feeds; everything else is a
// single page.
func Extract(data io.ReaderAt, size int64, fileType string) ([]chunker.Page, error) {
	switch normalizeType(fileType) {
	case "pdf":
		return extractPDF(data, size)
	case "docx":
		return extractDOCX(data, size)
	case "html":
		raw, err := readAll(data, size)
		if err != nil {
			return nil, err
		}
		return extractHTML(raw)
	case "md":
		raw, err := readAll(data, size)
		if err != nil {
			return nil, err
		}
		return extractMarkdown(raw)
	case "txt":
		raw, err := readAll(data, size)
		if err != nil {
			return nil, err
		}
		return splitFormFeeds(string(raw)), nil
	default:
		return nil, fmt.Errorf("unsupported file type: %s", fileType)
	}
}

func SupportedTypes() []string {
	return []string{".pdf", ".docx", ".txt", ".md", ".html", ".htm"}
}

// Supported reports whether a filename's extension can be extracted.
func Supported(filename string) bool {
	return normalizeType(filepath.Ext(filename)) != ""
}

func normalizeType(fileType string) string {
	switch strings.ToLower(strings.TrimSpace(fileType)) {
	case ".pdf", "pdf", "application/pdf":
		return "pdf"
	case ".docx", "docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return "docx"
	case ".html", ".htm", "html", "text/html":
		return "html"
	case ".md", ".markdown", "md", "text/markdown":
		return "md"
	case ".txt", "txt", "text/plain":
		return "txt"
	}
	return ""
}

func readAll(data io.ReaderAt, size int64) ([]byte, error) {
	buf := make([]byte, size)
	n, err := data.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return buf[:n], nil
}

func extractPDF(data io.ReaderAt, size int64) ([]chunker.Page, error) {
	reader, err := pdf.NewReader(data, size)
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}

	var pages []chunker.Page
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, chunker.Page{Number: i, Text: text})
	}
	return pages, nil
}

func extractDOCX(data io.ReaderAt, size int64) ([]chunker.Page, error) {
	reader, err := zip.NewReader(data, size)
	if err != nil {
		return nil, fmt.Errorf("open DOCX: %w", err)
	}

	for _, f := range reader.File {
		if filepath.Base(f.Name) != "document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open document.xml: %w", err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read document.xml: %w", err)
		}
		// paragraph ends become line breaks so sentences don't run together
		xml := strings.ReplaceAll(string(content), "</w:p>", "</w:p>\n")
		return []chunker.Page{{Number: 1, Text: stripXMLTags(xml)}}, nil
	}
	return nil, nil
}

func extractHTML(raw []byte) ([]chunker.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}
	doc.Find("script, style, noscript, nav, footer").Remove()

	var lines []string
	doc.Find("body").Find("h1, h2, h3, h4, h5, h6, p, li, td, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		if s.Find("p, li").Length() > 0 {
			return
		}
		if text := strings.TrimSpace(s.Text()); text != "" {
			lines = append(lines, text)
		}
	})
	if len(lines) == 0 {
		lines = append(lines, strings.TrimSpace(doc.Find("body").Text()))
	}

	text := strings.Join(lines, "\n")
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []chunker.Page{{Number: 1, Text: text}}, nil
}

func extractMarkdown(raw []byte) ([]chunker.Page, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(raw, &buf); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	return extractHTML(buf.Bytes())
}

func splitFormFeeds(text string) []chunker.Page {
	var pages []chunker.Page
	for i, part := range strings.Split(text, "\f") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		pages = append(pages, chunker.Page{Number: i + 1, Text: part})
	}
	return pages
}

func stripXMLTags(s string) string {
	var result strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			result.WriteRune(' ')
		case !inTag:
			result.WriteRune(r)
		}
	}

	var lines []string
	for _, l := range strings.Split(result.String(), "\n") {
		if l = strings.Join(strings.Fields(l), " "); l != "" {
			lines = append(lines, l)
		}
	}
	return strings.Join(lines, "\n")
}
