package capture

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/kalambet/glimpse/internal/logging"
	"github.com/kalambet/glimpse/internal/oscmd"
)

// screenTool is an OS utility that writes a full-screen PNG to a path.
type screenTool struct {
	name string
	args func(path string) []string
}

var platformTools = map[string][]screenTool{
	"darwin": {
		{name: "screencapture", args: func(p string) []string { return []string{"-x", p} }},
	},
	"linux": {
		{name: "grim", args: func(p string) []string { return []string{p} }},
		{name: "gnome-screenshot", args: func(p string) []string { return []string{"-f", p} }},
		{name: "scrot", args: func(p string) []string { return []string{"-o", p} }},
		{name: "import", args: func(p string) []string { return []string{"-window", "root", p} }},
	},
}

// Screen captures the full screen by shelling out to the platform's
// screenshot utility.
type Screen struct {
	dir      string
	tools    []screenTool
	lookPath oscmd.LookPathFunc
	run      oscmd.RunFunc
	now      func() time.Time
}

// NewScreen returns a Capturer writing screenshots into dir.
func NewScreen(dir string) *Screen {
	return &Screen{
		dir:      dir,
		tools:    platformTools[runtime.GOOS],
		lookPath: exec.LookPath,
		run:      oscmd.Run,
		now:      time.Now,
	}
}

func (s *Screen) Kind() Kind { return KindScreenshot }

func (s *Screen) Capture(ctx context.Context) (*Artifact, error) {
	tool, err := s.resolve()
	if err != nil {
		return nil, err
	}

	now := s.now()
	path, err := nextPath(s.dir, "screenshot", ".png", now)
	if err != nil {
		return nil, err
	}

	if err := s.run(ctx, tool.name, tool.args(path)...); err != nil {
		os.Remove(path)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrUnavailable, tool.name, err)
	}
	if err := checkNonEmpty(path, tool.name); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Debug("screenshot saved", "path", path, "tool", tool.name)
	return &Artifact{
		Kind:      KindScreenshot,
		Path:      path,
		MIMEType:  "image/png",
		CreatedAt: now,
		Owned:     true,
	}, nil
}

func (s *Screen) resolve() (screenTool, error) {
	if len(s.tools) == 0 {
		return screenTool{}, unavailable("screen capture is not supported on %s", runtime.GOOS)
	}
	names := make([]string, len(s.tools))
	for i, t := range s.tools {
		names[i] = t.name
	}
	i, err := oscmd.First(s.lookPath, names)
	if err != nil {
		return screenTool{}, unavailable("screenshot utility: %v", err)
	}
	return s.tools[i], nil
}
