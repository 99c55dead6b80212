// Package oscmd runs the external OS utilities used for screenshots, speech
// and keystrokes.
package oscmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// ErrNotFound is returned when none of the candidate utilities is installed.
var ErrNotFound = errors.New("no supported tool found")

// LookPathFunc finds an executable, like exec.LookPath.
type LookPathFunc func(file string) (string, error)

// RunFunc runs an executable to completion.
type RunFunc func(ctx context.Context, name string, args ...string) error

// First returns the index of the first of names that lookPath finds.
func First(lookPath LookPathFunc, names []string) (int, error) {
	if len(names) == 0 {
		return -1, fmt.Errorf("%w for %s", ErrNotFound, runtime.GOOS)
	}
	for i, name := range names {
		if _, err := lookPath(name); err == nil {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w (tried %s)", ErrNotFound, strings.Join(names, ", "))
}

// Run runs name with args, folding its output into the error.
func Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return fmt.Errorf("permission denied: %w", err)
		}
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}
