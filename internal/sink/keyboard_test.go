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

type fakeTyper struct {
	mu       sync.Mutex
	typed    []string
	availErr error
}

func (f *fakeTyper) Type(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed = append(f.typed, text)
	return nil
}

func (f *fakeTyper) Available() error { return f.availErr }

func newTestTypeSink(typer Typer) (*TypeSink, *[]time.Duration) {
	var waits []time.Duration
	s := NewTypeSink(typer, DefaultTypeDelay)
	s.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return s, &waits
}

func TestTypeSink_TypesOnceAfterStream(t *testing.T) {
	typer := &fakeTyper{}
	s, waits := newTestTypeSink(typer)
	d := NewDispatcher(s)

	_, failures := d.Deliver(context.Background(), streamResponse(sse("hello ", "from ", "the mic")), baseResult())
	if len(failures) != 0 {
		t.Fatalf("failures = %v", failures)
	}
	if len(typer.typed) != 1 || typer.typed[0] != "hello from the mic" {
		t.Errorf("typed = %q, want one call with the full text", typer.typed)
	}
	if len(*waits) != 1 || (*waits)[0] != DefaultTypeDelay {
		t.Errorf("waits = %v", *waits)
	}
}

func TestTypeSink_SkipsIncomplete(t *testing.T) {
	typer := &fakeTyper{}
	s, _ := newTestTypeSink(typer)

	r := baseResult()
	r.Streamed = true
	r.Truncated = true
	r.Text = "half a sen"
	if err := s.Finish(context.Background(), r); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r.Truncated = false
	r.Err = &inference.Error{Body: "overloaded"}
	if err := s.Finish(context.Background(), r); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if len(typer.typed) != 0 {
		t.Errorf("typed %q from an incomplete response", typer.typed)
	}
}

func TestTypeSink_SkipsBlank(t *testing.T) {
	typer := &fakeTyper{}
	s, waits := newTestTypeSink(typer)
	r := baseResult()
	r.Text = "  \n"
	s.Finish(context.Background(), r)
	if len(typer.typed) != 0 || len(*waits) != 0 {
		t.Errorf("typed = %q waits = %v", typer.typed, *waits)
	}
}

func TestTypeSink_Unavailable(t *testing.T) {
	s, waits := newTestTypeSink(&fakeTyper{availErr: ErrNoTool})
	r := baseResult()
	r.Text = "text"
	if err := s.Finish(context.Background(), r); !errors.Is(err, ErrNoTool) {
		t.Errorf("Finish = %v, want ErrNoTool", err)
	}
	if len(*waits) != 0 {
		t.Error("waited before discovering no typer is available")
	}
}

func TestTypeSink_DelayHonoursCancel(t *testing.T) {
	typer := &fakeTyper{}
	s := NewTypeSink(typer, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := baseResult()
	r.Text = "text"
	if err := s.Finish(ctx, r); !errors.Is(err, context.Canceled) {
		t.Errorf("Finish = %v, want context.Canceled", err)
	}
	if len(typer.typed) != 0 {
		t.Error("typed after cancellation")
	}
}

func TestKeyboardCommand_Xdotool(t *testing.T) {
	var gotName string
	var gotArgs []string
	c := &KeyboardCommand{
		runner: toolRunner{
			tools:    keyboardTools["linux"],
			lookPath: func(string) (string, error) { return "/usr/bin/xdotool", nil },
			run: func(_ context.Context, name string, args ...string) error {
				gotName, gotArgs = name, args
				return nil
			},
		},
		interval: keyInterval,
	}
	if err := c.Type(context.Background(), "-rf words"); err != nil {
		t.Fatalf("Type: %v", err)
	}
	if gotName != "xdotool" || strings.Join(gotArgs, "|") != "type|--delay|50|--|-rf words" {
		t.Errorf("ran %s %q", gotName, gotArgs)
	}
}

func TestKeyboardCommand_AppleScriptEscaping(t *testing.T) {
	var gotArgs []string
	c := &KeyboardCommand{runner: toolRunner{
		tools:    keyboardTools["darwin"],
		lookPath: func(string) (string, error) { return "/usr/bin/osascript", nil },
		run: func(_ context.Context, _ string, args ...string) error {
			gotArgs = args
			return nil
		},
	}}
	c.Type(context.Background(), `say "hi" \ bye`)

	want := `tell application "System Events" to keystroke "say \"hi\" \\ bye"`
	if len(gotArgs) != 2 || gotArgs[0] != "-e" || gotArgs[1] != want {
		t.Errorf("args = %q, want [-e %q]", gotArgs, want)
	}
}

func TestKeyboardCommand_RunFailure(t *testing.T) {
	c := &KeyboardCommand{runner: toolRunner{
		tools:    keyboardTools["linux"],
		lookPath: func(string) (string, error) { return "/usr/bin/xdotool", nil },
		run: func(context.Context, string, ...string) error {
			return errors.New("Can't open display")
		},
	}}
	err := c.Type(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "xdotool") {
		t.Errorf("err = %v", err)
	}
}
