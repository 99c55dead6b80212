// Package capture produces the raw artifacts the loop sends for inference:
// screenshots from an OS utility and short microphone recordings.
package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrUnavailable is returned when the capture tool or device is missing,
// permission is denied, or the capture came back empty.
var ErrUnavailable = errors.New("capture unavailable")

// Kind is the type of artifact a Capturer produces.
type Kind string

const (
	KindScreenshot Kind = "screenshot"
	KindAudio      Kind = "audio"
)

// Capturer produces one artifact per call.
type Capturer interface {
	Kind() Kind
	Capture(ctx context.Context) (*Artifact, error)
}

// Artifact is a captured file on disk.
type Artifact struct {
	Kind      Kind
	Path      string
	MIMEType  string
	CreatedAt time.Time
	// Owned is false for files the user supplied; those are never removed.
	Owned bool

	removeOnce sync.Once
	removeErr  error
}

// Remove deletes an owned artifact. Safe to call more than once.
func (a *Artifact) Remove() error {
	if !a.Owned {
		return nil
	}
	a.removeOnce.Do(func() {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.removeErr = fmt.Errorf("removing %s: %w", a.Path, err)
		}
	})
	return a.removeErr
}

// Encode returns the artifact as a base64 data URI.
func (a *Artifact) Encode() (string, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return "", fmt.Errorf("reading artifact: %w", err)
	}
	return "data:" + a.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func unavailable(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}

// nextPath returns dir/prefix_YYYYmmdd_HHMMSS.ext, adding a numeric suffix
// when a capture in the same second already claimed the name.
func nextPath(dir, prefix, ext string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", unavailable("creating %s: %v", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", dir, err)
	}
	base := prefix + "_" + now.Format("20060102_150405")
	for n := 0; ; n++ {
		name := base
		if n > 0 {
			name = fmt.Sprintf("%s_%d", base, n)
		}
		p := filepath.Join(abs, name+ext)
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return p, nil
		}
	}
}

// checkNonEmpty removes path and returns ErrUnavailable when the capture
// tool produced nothing.
func checkNonEmpty(path, tool string) error {
	info, err := os.Stat(path)
	if err != nil {
		return unavailable("%s produced no file", tool)
	}
	if info.Size() == 0 {
		os.Remove(path)
		return unavailable("%s produced an empty file", tool)
	}
	return nil
}

var knownTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".flac": "audio/flac",
	".ogg":  "audio/ogg",
}

func mimeTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := knownTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
