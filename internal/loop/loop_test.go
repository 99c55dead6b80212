package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/glimpse/internal/capture"
	"github.com/kalambet/glimpse/internal/inference"
	"github.com/kalambet/glimpse/internal/sink"
)

// fakeCapturer writes a small real file per capture so cleanup can be
// observed on disk.
type fakeCapturer struct {
	dir  string
	mu   sync.Mutex
	n    int
	errs []error // consumed one per call; nil entries succeed
}

func (f *fakeCapturer) Kind() capture.Kind { return capture.KindScreenshot }

func (f *fakeCapturer) Capture(ctx context.Context) (*capture.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	path := filepath.Join(f.dir, fmt.Sprintf("screenshot_%d.png", f.n))
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		return nil, err
	}
	return &capture.Artifact{Kind: capture.KindScreenshot, Path: path, MIMEType: "image/png", CreatedAt: time.Now(), Owned: true}, nil
}

// fakeInferer returns scripted responses, one per call. A nil response
// with a nil error answers "ok".
type fakeInferer struct {
	mu       sync.Mutex
	requests []inference.Request
	errs     []error
	stream   bool
	delay    time.Duration
	block    bool // wait for ctx cancellation
	// existed records whether the artifact was on disk during each call.
	existed []bool
}

func (f *fakeInferer) Infer(ctx context.Context, req inference.Request) (*inference.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	_, statErr := os.Stat(req.Artifact.Path)
	f.existed = append(f.existed, statErr == nil)
	var err error
	if len(f.errs) > 0 {
		err = f.errs[0]
		f.errs = f.errs[1:]
	}
	f.mu.Unlock()

	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if f.stream {
		body := "data: {\"chunk\":\"o\"}\n\ndata: {\"chunk\":\"k\"}\n\ndata: [DONE]\n\n"
		return &inference.Response{Stream: inference.NewTextStream(io.NopCloser(strings.NewReader(body)), 0)}, nil
	}
	return &inference.Response{Text: "ok"}, nil
}

// checkSink records results and whether the artifact existed when the
// sinks ran.
type checkSink struct {
	mu      sync.Mutex
	results []sink.Result
	existed []bool
	path    func() string
	err     error
}

func (p *checkSink) Name() string { return "check" }

func (p *checkSink) Fragment(context.Context, string) error { return nil }

func (p *checkSink) Finish(_ context.Context, r sink.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, r)
	if p.path != nil {
		_, err := os.Stat(p.path())
		p.existed = append(p.existed, err == nil)
	}
	return p.err
}

func remaining(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func newScheduler(t *testing.T, c capture.Capturer, inf Inferer, sinks Deliverer, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	if cfg.Request.Model == "" {
		cfg.Request = inference.Request{Model: "test-model", Prompt: "describe", MaxTokens: 10}
	}
	s, err := New(c, inf, sinks, cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNew_Validation(t *testing.T) {
	c := &fakeCapturer{dir: t.TempDir()}
	if _, err := New(c, &fakeInferer{}, sink.NewDispatcher(), Config{Continuous: true}); err == nil {
		t.Error("expected error for zero interval in continuous mode")
	}
	if _, err := New(nil, &fakeInferer{}, sink.NewDispatcher(), Config{}); err == nil {
		t.Error("expected error for nil capturer")
	}
	s, err := New(c, &fakeInferer{}, sink.NewDispatcher(), Config{})
	if err != nil {
		t.Fatalf("single-shot without interval: %v", err)
	}
	if st := s.State(); st.Phase != PhaseIdle || st.RunID == "" || st.Kind != "screenshot" {
		t.Errorf("initial state = %+v", st)
	}
}

func TestRunOnce_PhasesInOrder(t *testing.T) {
	s := newScheduler(t, &fakeCapturer{dir: t.TempDir()}, &fakeInferer{}, sink.NewDispatcher(), Config{})
	var phases []Phase
	s.onPhase = func(p Phase) { phases = append(phases, p) }

	out, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.Status != StatusCompleted || out.Iteration != 1 {
		t.Errorf("outcome = %+v", out)
	}
	want := []Phase{PhaseCapturing, PhaseInferring, PhaseActing, PhaseIdle}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
}

func TestRunOnce_RequestFromTemplate(t *testing.T) {
	inf := &fakeInferer{}
	cfg := Config{Request: inference.Request{Model: "m", Prompt: "p", System: "s", Stream: true, MaxTokens: 7}}
	s := newScheduler(t, &fakeCapturer{dir: t.TempDir()}, inf, sink.NewDispatcher(), cfg)
	s.RunOnce(context.Background())

	req := inf.requests[0]
	if req.Model != "m" || req.Prompt != "p" || req.System != "s" || !req.Stream || req.MaxTokens != 7 || req.Artifact == nil {
		t.Errorf("request = %+v", req)
	}
}

func TestRunOnce_InlineArtifactDeletedAfterSend(t *testing.T) {
	dir := t.TempDir()
	inf := &fakeInferer{}
	chk := &checkSink{path: func() string { return filepath.Join(dir, "screenshot_1.png") }}
	s := newScheduler(t, &fakeCapturer{dir: dir}, inf, sink.NewDispatcher(chk), Config{})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if !inf.existed[0] {
		t.Error("artifact missing while the request was sent")
	}
	if chk.existed[0] {
		t.Error("inline artifact still on disk while sinks ran")
	}
	if left := remaining(t, dir); len(left) != 0 {
		t.Errorf("left on disk: %v", left)
	}
}

func TestRunOnce_PathArtifactKeptUntilConsumed(t *testing.T) {
	dir := t.TempDir()
	chk := &checkSink{path: func() string { return filepath.Join(dir, "screenshot_1.png") }}
	cfg := Config{Request: inference.Request{Model: "m", SendPath: true, Stream: true}}
	s := newScheduler(t, &fakeCapturer{dir: dir}, &fakeInferer{stream: true}, sink.NewDispatcher(chk), cfg)

	out, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.Result.Text != "ok" {
		t.Errorf("text = %q", out.Result.Text)
	}
	if !chk.existed[0] {
		t.Error("path artifact removed before the response was consumed")
	}
	if left := remaining(t, dir); len(left) != 0 {
		t.Errorf("left on disk: %v", left)
	}
}

func TestRunOnce_Keep(t *testing.T) {
	dir := t.TempDir()
	chk := &checkSink{}
	s := newScheduler(t, &fakeCapturer{dir: dir}, &fakeInferer{}, sink.NewDispatcher(chk), Config{Keep: true})

	s.RunOnce(context.Background())
	s.RunOnce(context.Background())

	if left := remaining(t, dir); len(left) != 2 {
		t.Errorf("kept files = %v, want 2", left)
	}
	if chk.results[0].ArtifactPath != filepath.Join(dir, "screenshot_1.png") {
		t.Errorf("ArtifactPath = %q", chk.results[0].ArtifactPath)
	}
}

func TestRunOnce_UnownedArtifactNeverDeleted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meeting.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	chk := &checkSink{}
	s := newScheduler(t, capture.NewFile(path, capture.KindAudio), &fakeInferer{}, sink.NewDispatcher(chk), Config{})

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("user-supplied file removed: %v", err)
	}
	if chk.results[0].ArtifactPath != path {
		t.Errorf("ArtifactPath = %q", chk.results[0].ArtifactPath)
	}
}

func TestRunOnce_InferenceErrorDegrades(t *testing.T) {
	dir := t.TempDir()
	chk := &checkSink{}
	inf := &fakeInferer{errs: []error{&inference.Error{StatusCode: 500, Body: "model crashed"}}}
	s := newScheduler(t, &fakeCapturer{dir: dir}, inf, sink.NewDispatcher(chk), Config{})

	out, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce returned %v, want nil for a degraded cycle", err)
	}
	var ierr *inference.Error
	if out.Status != StatusDegraded || !errors.As(out.Err, &ierr) {
		t.Errorf("outcome = %+v", out)
	}
	if len(chk.results) != 0 {
		t.Error("sinks ran without a response")
	}
	if st := s.State(); st.Degraded != 1 || !strings.Contains(st.LastError, "model crashed") {
		t.Errorf("state = %+v", st)
	}
	if left := remaining(t, dir); len(left) != 0 {
		t.Errorf("left on disk: %v", left)
	}
}

func TestRunOnce_SinkFailureDegrades(t *testing.T) {
	chk := &checkSink{err: errors.New("no speaker")}
	s := newScheduler(t, &fakeCapturer{dir: t.TempDir()}, &fakeInferer{}, sink.NewDispatcher(chk), Config{})

	out, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if out.Status != StatusDegraded || len(out.Failures) != 1 {
		t.Errorf("outcome = %+v", out)
	}
	if st := s.State(); !strings.Contains(st.LastError, "no speaker") {
		t.Errorf("LastError = %q", st.LastError)
	}
}

func TestRun_SingleShotFatalErrors(t *testing.T) {
	tests := []struct {
		name    string
		capErr  error
		inferr  error
		wantErr error
	}{
		{"capture unavailable", fmt.Errorf("%w: no screenshot utility", capture.ErrUnavailable), nil, capture.ErrUnavailable},
		{"server unreachable", nil, fmt.Errorf("%w: connection refused", inference.ErrServerUnreachable), inference.ErrServerUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			c := &fakeCapturer{dir: dir, errs: []error{tt.capErr}}
			inf := &fakeInferer{errs: []error{tt.inferr}}
			s := newScheduler(t, c, inf, sink.NewDispatcher(), Config{})

			err := s.Run(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Run = %v, want %v", err, tt.wantErr)
			}
			if st := s.State(); st.Skipped != 1 || st.Phase != PhaseStopped || st.Running {
				t.Errorf("state = %+v", st)
			}
			if left := remaining(t, dir); len(left) != 0 {
				t.Errorf("left on disk: %v", left)
			}
		})
	}
}

func TestRun_SingleShotInferenceErrorIsNotFatal(t *testing.T) {
	inf := &fakeInferer{errs: []error{&inference.Error{StatusCode: 400}}}
	s := newScheduler(t, &fakeCapturer{dir: t.TempDir()}, inf, sink.NewDispatcher(), Config{})
	if err := s.Run(context.Background()); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestRun_ContinuousSkipsAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	c := &fakeCapturer{dir: dir, errs: []error{nil, capture.ErrUnavailable}}
	inf := &fakeInferer{errs: []error{inference.ErrServerUnreachable}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var statuses []Status
	observer := WithObserver(func(o Outcome) {
		statuses = append(statuses, o.Status)
		if len(statuses) == 4 {
			cancel()
		}
	})
	s := newScheduler(t, c, inf, sink.NewDispatcher(), Config{Continuous: true, Interval: 5 * time.Millisecond}, observer)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run = %v, want nil on stop", err)
	}
	want := []Status{StatusSkipped, StatusSkipped, StatusCompleted, StatusCompleted}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("statuses = %v, want %v", statuses, want)
	}
	if left := remaining(t, dir); len(left) != 0 {
		t.Errorf("left on disk: %v", left)
	}
	st := s.State()
	if st.Phase != PhaseStopped || st.Iteration != 4 || st.Skipped != 2 || st.Completed != 2 {
		t.Errorf("state = %+v", st)
	}
}

func TestRun_IntervalMeasuredFromCaptureStart(t *testing.T) {
	const interval = 40 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var starts []time.Time
	observer := WithObserver(func(o Outcome) {
		starts = append(starts, o.Started)
		if len(starts) == 3 {
			cancel()
		}
	})
	inf := &fakeInferer{delay: 15 * time.Millisecond}
	s := newScheduler(t, &fakeCapturer{dir: t.TempDir()}, inf, sink.NewDispatcher(), Config{Continuous: true, Interval: interval}, observer)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap < interval {
			t.Errorf("gap %d = %v, want >= %v", i, gap, interval)
		}
		// Measured from start, so the inference time must not be added on top.
		if gap > interval+inf.delay+30*time.Millisecond {
			t.Errorf("gap %d = %v, interval appears to be measured from cycle end", i, gap)
		}
	}
}

func TestRun_OverrunStartsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var outs []Outcome
	var ends []time.Time
	observer := WithObserver(func(o Outcome) {
		outs = append(outs, o)
		ends = append(ends, time.Now())
		if len(outs) == 3 {
			cancel()
		}
	})
	inf := &fakeInferer{delay: 30 * time.Millisecond}
	s := newScheduler(t, &fakeCapturer{dir: t.TempDir()}, inf, sink.NewDispatcher(), Config{Continuous: true, Interval: 5 * time.Millisecond}, observer)

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := 1; i < len(outs); i++ {
		if outs[i].Started.Before(ends[i-1]) {
			t.Errorf("cycle %d started before cycle %d finished", i+1, i)
		}
	}
}

func TestRun_StopDuringInferenceCleansUp(t *testing.T) {
	dir := t.TempDir()
	inf := &fakeInferer{block: true}
	cfg := Config{Continuous: true, Interval: time.Hour, Request: inference.Request{Model: "m", SendPath: true}}
	s := newScheduler(t, &fakeCapturer{dir: dir}, inf, sink.NewDispatcher(), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	s.onPhase = func(p Phase) {
		if p == PhaseInferring {
			cancel()
		}
	}
	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	if left := remaining(t, dir); len(left) != 0 {
		t.Errorf("in-flight artifact left on disk: %v", left)
	}
	if st := s.State(); st.Phase != PhaseStopped || st.Running {
		t.Errorf("state = %+v", st)
	}
}

func TestRun_AlreadyRunning(t *testing.T) {
	inf := &fakeInferer{block: true}
	s := newScheduler(t, &fakeCapturer{dir: t.TempDir()}, inf, sink.NewDispatcher(), Config{Continuous: true, Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	var once sync.Once
	s.onPhase = func(p Phase) {
		if p == PhaseInferring {
			once.Do(func() { close(started) })
		}
	}
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-started

	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}
