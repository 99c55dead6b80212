package sink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/glimpse/internal/inference"
)

// fakeSpeaker records utterances and tracks how many play at once.
type fakeSpeaker struct {
	mu        sync.Mutex
	spoken    []string
	voices    []string
	active    int
	maxActive int

	hold     time.Duration
	block    chan struct{} // when set, Speak waits for it or ctx
	err      error
	availErr error
}

func (f *fakeSpeaker) Speak(ctx context.Context, text, voice string) error {
	f.mu.Lock()
	f.active++
	f.maxActive = max(f.maxActive, f.active)
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.hold > 0 {
		time.Sleep(f.hold)
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.voices = append(f.voices, voice)
	f.mu.Unlock()
	return nil
}

func (f *fakeSpeaker) Available() error { return f.availErr }

func (f *fakeSpeaker) said() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

func newTestQueue(t *testing.T, sp Speaker) *SpeechQueue {
	t.Helper()
	q := NewSpeechQueue(sp)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		q.Close(ctx)
	})
	return q
}

func drain(t *testing.T, q *SpeechQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
}

func TestSpeechQueue_FIFONoOverlap(t *testing.T) {
	sp := &fakeSpeaker{hold: 5 * time.Millisecond}
	q := newTestQueue(t, sp)

	want := []string{"one", "two", "three", "four", "five"}
	for _, w := range want {
		if err := q.Enqueue(Utterance{Text: w}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	drain(t, q)

	if got := sp.said(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("spoken = %v, want %v", got, want)
	}
	if sp.maxActive != 1 {
		t.Errorf("max concurrent utterances = %d, want 1", sp.maxActive)
	}
	if spoken, failed := q.Stats(); spoken != 5 || failed != 0 {
		t.Errorf("Stats = %d, %d", spoken, failed)
	}
}

func TestSpeechQueue_EnqueueDoesNotBlock(t *testing.T) {
	sp := &fakeSpeaker{block: make(chan struct{})}
	q := newTestQueue(t, sp)

	done := make(chan struct{})
	go func() {
		for i := range 3 {
			q.Enqueue(Utterance{Text: strings.Repeat("x", i+1)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked while speech was playing")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain with blocked speaker = %v", err)
	}

	close(sp.block)
	drain(t, q)
	if got := sp.said(); len(got) != 3 {
		t.Errorf("spoken = %v", got)
	}
}

func TestSpeechQueue_DrainWhenIdle(t *testing.T) {
	q := newTestQueue(t, &fakeSpeaker{})
	drain(t, q)
}

func TestSpeechQueue_CloseInterrupts(t *testing.T) {
	sp := &fakeSpeaker{block: make(chan struct{})}
	q := NewSpeechQueue(sp)
	q.Enqueue(Utterance{Text: "long"})
	q.Enqueue(Utterance{Text: "never"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close = %v, want deadline exceeded", err)
	}
	if got := sp.said(); len(got) != 0 {
		t.Errorf("spoken after interrupt = %v", got)
	}
	if err := q.Enqueue(Utterance{Text: "late"}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Enqueue after Close = %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestSpeechQueue_CloseDrains(t *testing.T) {
	sp := &fakeSpeaker{hold: time.Millisecond}
	q := NewSpeechQueue(sp)
	q.Enqueue(Utterance{Text: "a"})
	q.Enqueue(Utterance{Text: "b"})
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sp.said(); len(got) != 2 {
		t.Errorf("spoken = %v", got)
	}
}

func TestSpeechQueue_FailureCounted(t *testing.T) {
	sp := &fakeSpeaker{err: errors.New("audio device busy")}
	q := newTestQueue(t, sp)
	q.Enqueue(Utterance{Text: "a"})
	q.Enqueue(Utterance{Text: "b"})
	drain(t, q)
	if _, failed := q.Stats(); failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
}

func TestSpeechQueue_FailedReportsOnce(t *testing.T) {
	boom := errors.New("say: unknown voice")
	q := newTestQueue(t, &fakeSpeaker{err: boom})
	if err := q.Failed(); err != nil {
		t.Fatalf("Failed before any speech = %v", err)
	}
	q.Enqueue(Utterance{Text: "a"})
	q.Enqueue(Utterance{Text: "b"})
	drain(t, q)

	err := q.Failed()
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "2 queued") {
		t.Fatalf("Failed = %v", err)
	}
	if err := q.Failed(); err != nil {
		t.Errorf("second Failed = %v, want nil", err)
	}
}

func TestSpeechQueue_CloseReportsFailures(t *testing.T) {
	boom := errors.New("audio device busy")
	q := NewSpeechQueue(&fakeSpeaker{err: boom})
	q.Enqueue(Utterance{Text: "a"})
	if err := q.Close(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Close = %v, want playback failure", err)
	}
}

func TestSpeakSink_ReportsEarlierPlaybackFailure(t *testing.T) {
	boom := errors.New("say: unknown voice")
	sp := &fakeSpeaker{err: boom}
	q := newTestQueue(t, sp)
	d := NewDispatcher(NewSpeakSink(q, "Nobody"))

	if _, failures := d.Deliver(context.Background(), &inference.Response{Text: "First."}, baseResult()); len(failures) != 0 {
		t.Fatalf("first cycle failures = %v", failures)
	}
	drain(t, q)

	_, failures := d.Deliver(context.Background(), &inference.Response{Text: "Second."}, baseResult())
	if len(failures) != 1 || failures[0].Sink != "speak" || !errors.Is(failures[0], boom) {
		t.Errorf("second cycle failures = %v", failures)
	}
}

func TestSplitSentences(t *testing.T) {
	tests := []struct {
		in        string
		sentences []string
		rest      string
	}{
		{"Hello there", nil, "Hello there"},
		{"Hello. World", []string{"Hello."}, " World"},
		{"Pi is 3.14 exactly", nil, "Pi is 3.14 exactly"},
		{"Done!", nil, "Done!"},
		{"Really? Yes! Ok", []string{"Really?", "Yes!"}, " Ok"},
		{"line one\nline two", []string{"line one"}, "line two"},
		{"\n\n", nil, ""},
	}
	for _, tt := range tests {
		got, rest := splitSentences(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.sentences, "|") || rest != tt.rest {
			t.Errorf("splitSentences(%q) = %q, %q; want %q, %q", tt.in, got, rest, tt.sentences, tt.rest)
		}
	}
}

func TestSpeakSink_StreamedSentences(t *testing.T) {
	sp := &fakeSpeaker{}
	q := newTestQueue(t, sp)
	d := NewDispatcher(NewSpeakSink(q, "Samantha"))

	_, failures := d.Deliver(context.Background(), streamResponse(sse("Hello wor", "ld. How are", " you? Fine")), baseResult())
	if len(failures) != 0 {
		t.Fatalf("failures = %v", failures)
	}
	drain(t, q)

	want := []string{"Hello world.", "How are you?", "Fine"}
	if got := sp.said(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("spoken = %q, want %q", got, want)
	}
	for _, v := range sp.voices {
		if v != "Samantha" {
			t.Errorf("voice = %q", v)
		}
	}
}

func TestSpeakSink_Buffered(t *testing.T) {
	sp := &fakeSpeaker{}
	q := newTestQueue(t, sp)
	d := NewDispatcher(NewSpeakSink(q, ""))

	d.Deliver(context.Background(), &inference.Response{Text: "Whole answer. In one go."}, baseResult())
	drain(t, q)
	if got := sp.said(); len(got) != 1 || got[0] != "Whole answer. In one go." {
		t.Errorf("spoken = %q", got)
	}
}

func TestSpeakSink_IncompleteDropsTail(t *testing.T) {
	sp := &fakeSpeaker{}
	q := newTestQueue(t, sp)
	s := NewSpeakSink(q, "")

	ctx := context.Background()
	s.Fragment(ctx, "First sentence. Second half")
	r := baseResult()
	r.Streamed = true
	r.Truncated = true
	if err := s.Finish(ctx, r); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	drain(t, q)
	if got := sp.said(); len(got) != 1 || got[0] != "First sentence." {
		t.Errorf("spoken = %q", got)
	}
}

func TestSpeakSink_NoSpeaker(t *testing.T) {
	sp := &fakeSpeaker{availErr: ErrNoTool}
	q := newTestQueue(t, sp)
	d := NewDispatcher(NewSpeakSink(q, ""), &recordingSink{name: "print"})

	_, failures := d.Deliver(context.Background(), streamResponse(sse("a. ", "b")), baseResult())
	if len(failures) != 1 || failures[0].Sink != "speak" || !errors.Is(failures[0], ErrNoTool) {
		t.Fatalf("failures = %v", failures)
	}

	_, failures = d.Deliver(context.Background(), &inference.Response{Text: "x"}, baseResult())
	if len(failures) != 1 || !errors.Is(failures[0], ErrNoTool) {
		t.Errorf("buffered failures = %v", failures)
	}
}

func TestSayCommand_ToolFallback(t *testing.T) {
	var gotName string
	var gotArgs []string
	c := &SayCommand{runner: toolRunner{
		tools: speechTools["linux"],
		lookPath: func(name string) (string, error) {
			if name == "espeak" {
				return "/usr/bin/espeak", nil
			}
			return "", errors.New("not found")
		},
		run: func(_ context.Context, name string, args ...string) error {
			gotName, gotArgs = name, args
			return nil
		},
	}}

	if err := c.Available(); err != nil {
		t.Fatalf("Available: %v", err)
	}
	if err := c.Speak(context.Background(), "-5 degrees", "en-us"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if gotName != "espeak" {
		t.Errorf("tool = %s, want espeak", gotName)
	}
	if strings.Join(gotArgs, "|") != "-v|en-us| -5 degrees" {
		t.Errorf("args = %q", gotArgs)
	}
}

func TestSayCommand_NoTool(t *testing.T) {
	c := &SayCommand{runner: toolRunner{
		tools:    speechTools["linux"],
		lookPath: func(string) (string, error) { return "", errors.New("not found") },
	}}
	if err := c.Available(); !errors.Is(err, ErrNoTool) {
		t.Errorf("Available = %v", err)
	}
	if err := c.Speak(context.Background(), "hi", ""); !errors.Is(err, ErrNoTool) {
		t.Errorf("Speak = %v", err)
	}
}

func TestSayCommand_DarwinArgs(t *testing.T) {
	var gotArgs []string
	c := &SayCommand{runner: toolRunner{
		tools:    speechTools["darwin"],
		lookPath: func(string) (string, error) { return "/usr/bin/say", nil },
		run: func(_ context.Context, _ string, args ...string) error {
			gotArgs = args
			return nil
		},
	}}
	c.Speak(context.Background(), "hello", "")
	if strings.Join(gotArgs, "|") != "hello" {
		t.Errorf("args = %q", gotArgs)
	}
}
