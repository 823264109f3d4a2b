// Package save puts unlocked capsules somewhere the user can reach them: a local
// directory for the CLI, a MinIO/S3 bucket for the unlock worker.
package save

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dharsanguruparan/timecapsule/internal/model"
)

// maxCopies bounds the "name (n).ext" search.
const maxCopies = 1000

// Dir writes blobs into a directory. Existing files are never overwritten; a
// second download of letter.pdf becomes "letter (1).pdf".
type Dir struct {
	Path string
}

// NewDir returns a Dir saver rooted at path.
func NewDir(path string) *Dir {
	return &Dir{Path: path}
}

// Save writes blob and returns the path it landed at.
func (d *Dir) Save(ctx context.Context, blob *model.Blob) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}
	name := safeName(blob.Filename)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 0; n < maxCopies; n++ {
		candidate := name
		if n > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, n, ext)
		}
		target := filepath.Join(d.Path, candidate)
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create %s: %w", target, err)
		}
		if _, err := f.Write(blob.Data); err != nil {
			f.Close()
			return "", fmt.Errorf("write %s: %w", target, err)
		}
		if err := f.Close(); err != nil {
			return "", fmt.Errorf("close %s: %w", target, err)
		}
		return target, nil
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, d.Path)
}

// safeName keeps only the final path element of a server supplied name.
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	switch name {
	case "", ".", "..", "/":
		return "download"
	}
	return name
}
