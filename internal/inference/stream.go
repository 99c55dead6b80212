package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
	maxLine    = 1 << 20
)

var errIdleTimeout = errors.New("no data received within idle timeout")

// TextStream is a single-use sequence of text fragments read from a
// streaming response. Fragments are yielded in arrival order.
type TextStream struct {
	body io.ReadCloser
	span trace.Span

	mu        sync.Mutex
	consumed  bool
	err       error
	truncated bool
	fragments int
	events    bool

	closeOnce sync.Once
	closeErr  error
}

// NewTextStream parses an event stream from body. An idle timeout of zero
// disables the inactivity check.
func NewTextStream(body io.ReadCloser, idle time.Duration) *TextStream {
	return newTextStream(body, idle, trace.SpanFromContext(context.Background()))
}

func newTextStream(body io.ReadCloser, idle time.Duration, span trace.Span) *TextStream {
	if idle > 0 {
		body = newIdleReader(body, idle)
	}
	return &TextStream{body: body, span: span}
}

// Fragments returns an iterator over the stream. A non-nil error ends the
// iteration. ErrStreamTruncated reports a transport failure or an event
// stream closed before [DONE]. *Error reports an error or malformed event,
// and ErrStreamConsumed a second iteration.
func (s *TextStream) Fragments() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.Lock()
		if s.consumed {
			s.mu.Unlock()
			yield("", ErrStreamConsumed)
			return
		}
		s.consumed = true
		s.mu.Unlock()
		defer s.Close()

		scanner := bufio.NewScanner(s.body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
		// Plain text lines are joined with a space, placed before the next
		// line so the text never ends in a separator.
		afterPlain := false
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, dataPrefix) {
				s.mu.Lock()
				s.events = true
				s.mu.Unlock()
			}
			frag, plain, done, err := parseLine(line)
			if err != nil {
				s.finish(err, false)
				yield("", err)
				return
			}
			if done {
				s.finish(nil, false)
				return
			}
			if frag == "" {
				continue
			}
			if plain && afterPlain {
				frag = " " + frag
			}
			afterPlain = plain
			s.mu.Lock()
			s.fragments++
			s.mu.Unlock()
			if !yield(frag, nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			terr := fmt.Errorf("%w: %w", ErrStreamTruncated, err)
			s.finish(terr, true)
			yield("", terr)
			return
		}
		// An event stream that closes before the end marker lost its tail.
		// Raw text streams have no marker and end at EOF.
		s.mu.Lock()
		events := s.events
		s.mu.Unlock()
		if events {
			terr := fmt.Errorf("%w: %w", ErrStreamTruncated, io.ErrUnexpectedEOF)
			s.finish(terr, true)
			yield("", terr)
			return
		}
		s.finish(nil, false)
	}
}

// Collect drains the stream and returns the concatenated text. On error the
// text received so far is returned alongside it.
func (s *TextStream) Collect() (string, error) {
	var b strings.Builder
	for frag, err := range s.Fragments() {
		if err != nil {
			return b.String(), err
		}
		b.WriteString(frag)
	}
	return b.String(), nil
}

// Err returns the error that ended the stream, if any.
func (s *TextStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Truncated reports whether the stream ended before the full response arrived.
func (s *TextStream) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// Close releases the underlying connection. Safe to call more than once.
func (s *TextStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
		s.mu.Lock()
		s.span.SetAttributes(
			attribute.Int("response.fragments", s.fragments),
			attribute.Bool("response.truncated", s.truncated),
		)
		s.mu.Unlock()
		s.span.End()
	})
	return s.closeErr
}

func (s *TextStream) finish(err error, truncated bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	s.truncated = truncated
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
}

// parseLine interprets one line of the response body. SSE data lines carry
// JSON events; anything else is plain generated text, one line per call.
func parseLine(line string) (frag string, plain, done bool, err error) {
	line = strings.TrimRight(line, "\r")
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false, false, nil
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, field) {
			return "", false, false, nil
		}
	}

	data, ok := strings.CutPrefix(line, dataPrefix)
	if !ok {
		return line, true, false, nil
	}
	data = strings.TrimPrefix(data, " ")
	trimmed := strings.TrimSpace(data)
	if trimmed == doneMarker {
		return "", false, true, nil
	}
	if !strings.HasPrefix(trimmed, "{") {
		return data, true, false, nil
	}

	var ev struct {
		Chunk    *string         `json:"chunk"`
		Text     *string         `json:"text"`
		Response *string         `json:"response"`
		Error    json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(trimmed), &ev); err != nil {
		return "", false, false, &Error{Body: trimmed, Err: fmt.Errorf("malformed stream event: %w", err)}
	}
	if len(ev.Error) > 0 && string(ev.Error) != "null" {
		return "", false, false, &Error{Body: string(ev.Error), Err: errors.New("server reported an error mid-stream")}
	}
	switch {
	case ev.Chunk != nil:
		return *ev.Chunk, false, false, nil
	case ev.Text != nil:
		return *ev.Text, false, false, nil
	case ev.Response != nil:
		return *ev.Response, false, false, nil
	}
	return "", false, false, nil
}

// idleReader closes the underlying body when no bytes arrive for idle,
// turning a silent connection into a read error.
type idleReader struct {
	r       io.ReadCloser
	idle    time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleReader(r io.ReadCloser, idle time.Duration) *idleReader {
	ir := &idleReader{r: r, idle: idle}
	ir.timer = time.AfterFunc(idle, func() {
		ir.expired.Store(true)
		r.Close()
	})
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 {
		ir.timer.Reset(ir.idle)
	}
	if err != nil && ir.expired.Load() {
		err = errIdleTimeout
	}
	return n, err
}

func (ir *idleReader) Close() error {
	ir.timer.Stop()
	return ir.r.Close()
}
