package save

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dharsanguruparan/timecapsule/internal/config"
	"github.com/dharsanguruparan/timecapsule/internal/model"
)

func TestDirSaveNeverOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	d := NewDir(dir)
	ctx := context.Background()

	first, err := d.Save(ctx, &model.Blob{Filename: "letter.pdf", Data: []byte("one")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	second, err := d.Save(ctx, &model.Blob{Filename: "letter.pdf", Data: []byte("two")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Base(first) != "letter.pdf" || filepath.Base(second) != "letter (1).pdf" {
		t.Fatalf("paths = %s, %s", first, second)
	}
	data, err := os.ReadFile(first)
	if err != nil || string(data) != "one" {
		t.Fatalf("first file = %q, %v", data, err)
	}
}

func TestDirSaveStripsDirectories(t *testing.T) {
	dir := t.TempDir()
	got, err := NewDir(dir).Save(context.Background(), &model.Blob{Filename: `..\..\evil.txt`, Data: []byte("x")})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if filepath.Dir(got) != dir || filepath.Base(got) != "evil.txt" {
		t.Fatalf("saved outside dir: %s", got)
	}
}

func TestDirSaveCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewDir(t.TempDir()).Save(ctx, &model.Blob{Filename: "a"}); err == nil {
		t.Fatal("expected context error")
	}
}

func TestObjectKey(t *testing.T) {
	cases := []struct {
		blob model.Blob
		want string
	}{
		{model.Blob{CapsuleID: "abc", Filename: "letter.pdf"}, "abc/letter.pdf"},
		{model.Blob{CapsuleID: "abc", Filename: "../x.txt"}, "abc/x.txt"},
		{model.Blob{Filename: ""}, "unknown/download"},
	}
	for _, tc := range cases {
		if got := ObjectKey(&tc.blob); got != tc.want {
			t.Errorf("ObjectKey(%+v) = %q, want %q", tc.blob, got, tc.want)
		}
	}
}

func TestBucketPresignIsLocal(t *testing.T) {
	b, err := NewBucket(config.S3{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "capsules", Region: "us-east-1"})
	if err != nil {
		t.Fatalf("NewBucket: %v", err)
	}
	link, err := b.PresignURL(context.Background(), "abc/letter.pdf", time.Minute)
	if err != nil {
		t.Fatalf("PresignURL: %v", err)
	}
	if !strings.HasPrefix(link, "http://localhost:9000/capsules/abc/letter.pdf?") {
		t.Fatalf("link = %s", link)
	}
}
