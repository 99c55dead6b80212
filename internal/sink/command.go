package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalambet/glimpse/internal/oscmd"
)

// ErrNoTool is returned when no suitable OS utility is installed.
var ErrNoTool = oscmd.ErrNotFound

// tool is an OS utility invoked once per action.
type tool struct {
	name string
	args func(text, option string) []string
}

// toolRunner resolves the first installed tool from a candidate list.
type toolRunner struct {
	tools    []tool
	lookPath oscmd.LookPathFunc
	run      oscmd.RunFunc
}

func (r toolRunner) resolve() (tool, error) {
	names := make([]string, len(r.tools))
	for i, t := range r.tools {
		names[i] = t.name
	}
	i, err := oscmd.First(r.lookPath, names)
	if err != nil {
		return tool{}, err
	}
	return r.tools[i], nil
}

func (r toolRunner) exec(ctx context.Context, text, option string) error {
	t, err := r.resolve()
	if err != nil {
		return err
	}
	if err := r.run(ctx, t.name, t.args(text, option)...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s: %w", t.name, err)
	}
	return nil
}

// argText keeps text from being parsed as a flag.
func argText(text string) string {
	if strings.HasPrefix(text, "-") {
		return " " + text
	}
	return text
}
