// Package preview summarises an unlocked capsule for logs and job receipts.
package preview

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	pdf "github.com/ledongthuc/pdf"

	"github.com/dharsanguruparan/timecapsule/internal/model"
)

// snippetLen caps the first-line excerpt.
const snippetLen = 60

// Summary is what Inspect learns about a blob.
type Summary struct {
	ContentType string
	Size        string
	Pages       int
	Snippet     string
}

func (s Summary) String() string {
	var b strings.Builder
	b.WriteString(s.ContentType)
	b.WriteString(", ")
	b.WriteString(s.Size)
	if s.Pages > 0 {
		fmt.Fprintf(&b, ", %d pages", s.Pages)
	}
	if s.Snippet != "" {
		fmt.Fprintf(&b, ": %q", s.Snippet)
	}
	return b.String()
}

// Describe is Inspect flattened to one line.
func Describe(blob *model.Blob) string {
	return Inspect(blob).String()
}

// Inspect never fails: unreadable PDFs simply get no page count.
func Inspect(blob *model.Blob) Summary {
	s := Summary{ContentType: blob.ContentType, Size: humanize.Bytes(uint64(blob.Size()))}
	if s.ContentType == "" {
		s.ContentType = "application/octet-stream"
	}
	switch {
	case isPDF(blob):
		pages, text, err := ExtractText(blob.Data)
		if err != nil {
			return s
		}
		s.Pages = pages
		s.Snippet = firstLine(text)
	case strings.HasPrefix(s.ContentType, "text/"):
		s.Snippet = firstLine(string(blob.Data))
	}
	return s
}

// ExtractText reads PDF bytes and returns the page count and plain text. The
// parser panics on some malformed input; that is reported as an error.
func ExtractText(data []byte) (pages int, text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, "", fmt.Errorf("new pdf reader: %w", err)
	}
	var builder strings.Builder
	total := doc.NumPage()
	for page := 1; page <= total; page++ {
		p := doc.Page(page)
		if p.V.IsNull() {
			continue
		}
		content, err := p.GetPlainText(nil)
		if err != nil {
			return total, "", fmt.Errorf("page %d: %w", page, err)
		}
		builder.WriteString(content)
		builder.WriteString("\n")
	}
	return total, builder.String(), nil
}

func isPDF(blob *model.Blob) bool {
	return blob.ContentType == "application/pdf" || bytes.HasPrefix(blob.Data, []byte("%PDF-"))
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > snippetLen {
			return string(r[:snippetLen]) + "…"
		}
		return line
	}
	return ""
}
