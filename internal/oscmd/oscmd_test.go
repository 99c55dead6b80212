package oscmd

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

func TestFirst(t *testing.T) {
	installed := map[string]bool{"scrot": true, "import": true}
	lookPath := func(name string) (string, error) {
		if installed[name] {
			return "/usr/bin/" + name, nil
		}
		return "", exec.ErrNotFound
	}

	i, err := First(lookPath, []string{"grim", "scrot", "import"})
	if err != nil || i != 1 {
		t.Errorf("First = %d, %v; want 1, nil", i, err)
	}

	_, err = First(lookPath, []string{"grim", "espeak"})
	if !errors.Is(err, ErrNotFound) || !strings.Contains(err.Error(), "grim, espeak") {
		t.Errorf("err = %v, want ErrNotFound listing the tools tried", err)
	}

	if _, err := First(lookPath, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("no candidates err = %v", err)
	}
}

func TestRun(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	if err := Run(context.Background(), sh, "-c", "exit 0"); err != nil {
		t.Errorf("Run success = %v", err)
	}

	err = Run(context.Background(), sh, "-c", "echo 'no display' >&2; exit 3")
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *exec.ExitError", err)
	}
	if !strings.Contains(err.Error(), "no display") {
		t.Errorf("err %q should carry the command output", err)
	}
}
