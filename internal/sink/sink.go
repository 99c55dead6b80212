// Package sink delivers model output to the user: terminal, speech,
// keystrokes, a log file and the history store.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/glimpse/internal/capture"
	"github.com/kalambet/glimpse/internal/inference"
	"github.com/kalambet/glimpse/internal/logging"
)

// Sink consumes one response at a time. Fragment is called for each
// streamed fragment in arrival order; Finish is called exactly once per
// response, after the last fragment.
type Sink interface {
	Name() string
	Fragment(ctx context.Context, frag string) error
	Finish(ctx context.Context, r Result) error
}

// Beginner is implemented by sinks that want the response metadata before
// the first fragment.
type Beginner interface {
	Begin(ctx context.Context, r Result) error
}

// Result describes a finished response.
type Result struct {
	RunID     string
	Iteration int
	Kind      capture.Kind
	Model     string
	Prompt    string

	Text      string
	Streamed  bool
	Truncated bool
	// Err is the error that ended the stream early, if any.
	Err error

	StartedAt time.Time
	Elapsed   time.Duration
	// ArtifactPath is set when the artifact is kept after the cycle.
	ArtifactPath string
}

// Complete reports whether Text is the whole response.
func (r Result) Complete() bool { return r.Err == nil && !r.Truncated }

// Failure is one sink's failure to act on a response.
type Failure struct {
	Sink string
	Err  error
}

func (f Failure) Error() string { return fmt.Sprintf("%s sink: %v", f.Sink, f.Err) }

func (f Failure) Unwrap() error { return f.Err }

// Dispatcher fans a response out to a fixed set of sinks.
type Dispatcher struct {
	sinks []Sink
	now   func() time.Time
}

func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks, now: time.Now}
}

// Names lists the configured sinks in delivery order.
func (d *Dispatcher) Names() []string {
	names := make([]string, len(d.sinks))
	for i, s := range d.sinks {
		names[i] = s.Name()
	}
	return names
}

// Deliver consumes resp and hands it to every sink. A streamed response is
// read to the end here; each fragment reaches every sink that has not yet
// failed. Finish runs concurrently on all sinks so a slow sink does not hold
// up the others. The returned Result carries the full text and timing.
func (d *Dispatcher) Deliver(ctx context.Context, resp *inference.Response, r Result) (Result, []Failure) {
	logger := logging.FromContext(ctx).With(logging.KeyComponent, "sink")
	errs := make([]error, len(d.sinks))

	for i, s := range d.sinks {
		if b, ok := s.(Beginner); ok {
			errs[i] = b.Begin(ctx, r)
		}
	}

	if resp.Streaming() {
		r.Streamed = true
		var text strings.Builder
		for frag, err := range resp.Stream.Fragments() {
			if err != nil {
				r.Err = err
				break
			}
			text.WriteString(frag)
			for i, s := range d.sinks {
				if errs[i] != nil {
					continue
				}
				if err := s.Fragment(ctx, frag); err != nil {
					logger.Warn("sink rejected fragment", "sink", s.Name(), logging.KeyError, err)
					errs[i] = err
				}
			}
		}
		resp.Stream.Close()
		r.Text = text.String()
		r.Truncated = resp.Stream.Truncated()
	} else {
		r.Text = resp.Text
	}
	if !r.StartedAt.IsZero() {
		r.Elapsed = d.now().Sub(r.StartedAt)
	}

	var g errgroup.Group
	for i, s := range d.sinks {
		g.Go(func() error {
			errs[i] = errors.Join(errs[i], s.Finish(ctx, r))
			return nil
		})
	}
	g.Wait()

	var failures []Failure
	for i, err := range errs {
		if err != nil {
			failures = append(failures, Failure{Sink: d.sinks[i].Name(), Err: err})
		}
	}
	return r, failures
}
