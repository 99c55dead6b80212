package sink

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	banner = "================================================================================"
	rule   = "--------------------------------------------------------------------------------"
)

// PrintSink writes responses to a terminal, streaming fragments as they
// arrive.
type PrintSink struct {
	mu          sync.Mutex
	w           io.Writer
	started     bool
	lastNewline bool
}

// NewPrintSink writes to w, or stdout when w is nil.
func NewPrintSink(w io.Writer) *PrintSink {
	if w == nil {
		w = os.Stdout
	}
	return &PrintSink{w: w}
}

func (s *PrintSink) Name() string { return "print" }

func (s *PrintSink) Begin(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.lastNewline = true
	return s.header(r)
}

func (s *PrintSink) Fragment(_ context.Context, frag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		if _, err := fmt.Fprintf(s.w, "Response (streaming):\n%s\n", rule); err != nil {
			return err
		}
		s.started = true
	}
	return s.write(frag)
}

func (s *PrintSink) Finish(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		label := "Response:"
		if r.Streamed {
			label = "Response (streaming):"
		}
		if _, err := fmt.Fprintf(s.w, "%s\n%s\n", label, rule); err != nil {
			return err
		}
		if !r.Streamed {
			if err := s.write(r.Text); err != nil {
				return err
			}
		}
	}
	s.started = false

	if !s.lastNewline {
		if _, err := io.WriteString(s.w, "\n"); err != nil {
			return err
		}
	}
	if !r.Complete() {
		reason := "stream ended early"
		if r.Err != nil {
			reason = r.Err.Error()
		}
		if _, err := fmt.Fprintf(s.w, "[response incomplete: %s]\n", reason); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(s.w, "%s\nElapsed: %.2fs\n", rule, r.Elapsed.Seconds())
	if err == nil && r.ArtifactPath != "" {
		_, err = fmt.Fprintf(s.w, "Kept %s: %s\n", r.Kind, r.ArtifactPath)
	}
	return err
}

func (s *PrintSink) header(r Result) error {
	at := r.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := fmt.Fprintf(s.w, "\n%s\nCapture #%d at %s\n%s\n", banner, r.Iteration, at.Format(time.DateTime), banner)
	return err
}

func (s *PrintSink) write(text string) error {
	if text == "" {
		return nil
	}
	if _, err := io.WriteString(s.w, text); err != nil {
		return err
	}
	s.lastNewline = strings.HasSuffix(text, "\n")
	return nil
}

// LogSink appends every response to a text file.
type LogSink struct {
	mu   sync.Mutex
	path string
}

func NewLogSink(path string) *LogSink {
	return &LogSink{path: path}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Fragment(context.Context, string) error { return nil }

func (s *LogSink) Finish(_ context.Context, r Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating log directory: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log: %w", err)
	}

	at := r.StartedAt
	if at.IsZero() {
		at = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s #%d model=%s elapsed=%.2fs status=%s\n",
		at.Format(time.RFC3339), r.Kind, r.Iteration, r.Model, r.Elapsed.Seconds(), status(r))
	b.WriteString(strings.TrimRight(r.Text, "\n"))
	b.WriteString("\n\n")

	if _, err := io.WriteString(f, b.String()); err != nil {
		f.Close()
		return fmt.Errorf("writing log: %w", err)
	}
	return f.Close()
}
