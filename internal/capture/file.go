package capture

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// File hands an existing user-supplied file to the loop in place of a live
// capture. The file is never removed.
type File struct {
	path string
	kind Kind
}

func NewFile(path string, kind Kind) *File {
	return &File{path: path, kind: kind}
}

func (f *File) Kind() Kind { return f.kind }

func (f *File) Capture(ctx context.Context) (*Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(f.path)
	if err != nil {
		return nil, unavailable("resolving %s: %v", f.path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, unavailable("%s: %v", f.path, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, unavailable("%s is not a non-empty file", f.path)
	}
	return &Artifact{
		Kind:      f.kind,
		Path:      abs,
		MIMEType:  mimeTypeFor(abs),
		CreatedAt: time.Now(),
		Owned:     false,
	}, nil
}
