package preview

import (
	"strings"
	"testing"

	"github.com/dharsanguruparan/timecapsule/internal/model"
)

func TestDescribeText(t *testing.T) {
	blob := &model.Blob{ContentType: "text/plain", Data: []byte("\n\n  Dear future me,\nhello")}
	got := Describe(blob)
	if got != `text/plain, 25 B: "Dear future me,"` {
		t.Fatalf("Describe = %s", got)
	}
}

func TestDescribeBinary(t *testing.T) {
	blob := &model.Blob{Data: make([]byte, 2048)}
	if got := Describe(blob); got != "application/octet-stream, 2.0 kB" {
		t.Fatalf("Describe = %s", got)
	}
}

func TestBrokenPDFStillSummarised(t *testing.T) {
	blob := &model.Blob{ContentType: "application/pdf", Data: []byte("%PDF-1.4 truncated")}
	s := Inspect(blob)
	if s.Pages != 0 || s.Snippet != "" {
		t.Fatalf("unexpected summary %+v", s)
	}
	if _, _, err := ExtractText(blob.Data); err == nil {
		t.Fatal("expected extract error")
	}
}

func TestSnippetTruncated(t *testing.T) {
	line := strings.Repeat("é", snippetLen+5)
	if got := firstLine(line); got != strings.Repeat("é", snippetLen)+"…" {
		t.Fatalf("firstLine = %q", got)
	}
}
