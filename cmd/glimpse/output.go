package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/kalambet/glimpse/internal/loop"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// console writes user-facing notices. Model output goes to stdout through
// the print sink; notices go to a separate console on stderr so piping
// stdout captures only responses.
type console struct {
	w     io.Writer
	color bool
}

func newConsole(w io.Writer) console {
	return console{w: w, color: colorEnabled(w)}
}

// stderrConsole is resolved per call; --no-color is parsed after init.
func stderrConsole() console {
	return newConsole(os.Stderr)
}

// colorEnabled reports whether w is a terminal that should get ANSI colors.
// --no-color and NO_COLOR turn colors off everywhere.
func colorEnabled(w io.Writer) bool {
	if noColor {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (c console) paint(color, text string) string {
	if !c.color {
		return text
	}
	return color + text + colorReset
}

func (c console) line(color, prefix, format string, args ...any) {
	fmt.Fprintln(c.w, c.paint(color, prefix+fmt.Sprintf(format, args...)))
}

func (c console) success(format string, args ...any) { c.line(colorGreen, "✓ ", format, args...) }
func (c console) failure(format string, args ...any) { c.line(colorRed, "✗ ", format, args...) }
func (c console) warning(format string, args ...any) { c.line(colorYellow, "⚠ ", format, args...) }
func (c console) step(format string, args ...any)    { c.line(colorCyan, "→ ", format, args...) }

func (c console) status(label string, format string, args ...any) {
	fmt.Fprintf(c.w, "  %s %s\n", c.paint(colorBold, label+":"), fmt.Sprintf(format, args...))
}

// cycle prints a banner per problem in a finished capture cycle. Clean
// cycles print nothing here; their response is already on stdout.
func (c console) cycle(out loop.Outcome) {
	label := fmt.Sprintf("Capture #%d", out.Iteration)
	switch out.Status {
	case loop.StatusSkipped:
		c.warning("%s skipped: %v", label, out.Err)
	case loop.StatusDegraded:
		if out.Err != nil {
			c.warning("%s degraded: %v", label, out.Err)
		}
		for _, f := range out.Failures {
			c.warning("%s degraded: %v", label, f)
		}
	}
}

func printSuccess(format string, args ...any) { stderrConsole().success(format, args...) }
func printError(format string, args ...any)   { stderrConsole().failure(format, args...) }
func printWarning(format string, args ...any) { stderrConsole().warning(format, args...) }
func printStep(format string, args ...any)    { stderrConsole().step(format, args...) }

func printStatus(label string, format string, args ...any) {
	stderrConsole().status(label, format, args...)
}
