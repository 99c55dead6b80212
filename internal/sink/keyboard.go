package sink

import (
	"context"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/glimpse/internal/logging"
	"github.com/kalambet/glimpse/internal/oscmd"
)

// DefaultTypeDelay gives the user time to focus the target window.
const DefaultTypeDelay = 3 * time.Second

// keyInterval is the pause between simulated keystrokes.
const keyInterval = 50 * time.Millisecond

// Typer injects text into the focused window as keystrokes.
type Typer interface {
	Type(ctx context.Context, text string) error
}

var keyboardTools = map[string][]tool{
	"darwin": {
		{name: "osascript", args: func(text, _ string) []string {
			return []string{"-e", `tell application "System Events" to keystroke "` + appleScriptEscape(text) + `"`}
		}},
	},
	"linux": {
		{name: "xdotool", args: func(text, delay string) []string {
			return []string{"type", "--delay", delay, "--", text}
		}},
	},
}

var appleScriptReplacer = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func appleScriptEscape(s string) string { return appleScriptReplacer.Replace(s) }

// KeyboardCommand types through the platform's input automation utility.
type KeyboardCommand struct {
	runner   toolRunner
	interval time.Duration
}

func NewKeyboardCommand() *KeyboardCommand {
	return &KeyboardCommand{
		runner: toolRunner{
			tools:    keyboardTools[runtime.GOOS],
			lookPath: exec.LookPath,
			run:      oscmd.Run,
		},
		interval: keyInterval,
	}
}

func (c *KeyboardCommand) Available() error {
	_, err := c.runner.resolve()
	return err
}

func (c *KeyboardCommand) Type(ctx context.Context, text string) error {
	return c.runner.exec(ctx, text, strconv.FormatInt(c.interval.Milliseconds(), 10))
}

// TypeSink types a response once it is complete. Fragments are ignored:
// keystrokes are only injected from the fully concatenated text, and an
// incomplete response is never typed.
type TypeSink struct {
	typer Typer
	delay time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

func NewTypeSink(typer Typer, delay time.Duration) *TypeSink {
	if delay < 0 {
		delay = 0
	}
	return &TypeSink{typer: typer, delay: delay, sleep: sleepContext}
}

func (s *TypeSink) Name() string { return "type" }

func (s *TypeSink) Fragment(context.Context, string) error { return nil }

func (s *TypeSink) Finish(ctx context.Context, r Result) error {
	logger := logging.FromContext(ctx)
	if !r.Complete() {
		logger.Warn("not typing incomplete response", "truncated", r.Truncated)
		return nil
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return nil
	}
	if a, ok := s.typer.(availabler); ok {
		if err := a.Available(); err != nil {
			return err
		}
	}

	if s.delay > 0 {
		logger.Info("typing soon, switch to the target window", "delay", s.delay)
		if err := s.sleep(ctx, s.delay); err != nil {
			return err
		}
	}
	return s.typer.Type(ctx, text)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
