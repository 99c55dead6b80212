package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

var (
	// ErrServerUnreachable means no connection to the inference server could
	// be established.
	ErrServerUnreachable = errors.New("inference server unreachable")

	// ErrStreamTruncated means the streaming response ended because the
	// transport failed, not because the server finished.
	ErrStreamTruncated = errors.New("stream truncated")

	// ErrStreamConsumed is yielded when a TextStream is iterated twice.
	ErrStreamConsumed = errors.New("stream already consumed")
)

const maxErrorBody = 512

// Error is a failure reported by a reachable server: a non-2xx status, a
// malformed body, a timeout, or an error event inside a stream.
type Error struct {
	StatusCode int // 0 when no HTTP status applies
	Body       string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("inference error")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody] + "..."
		}
		b.WriteString(": ")
		b.WriteString(body)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// classify maps a transport error from http.Client.Do. Cancellation of the
// caller's context is passed through untouched so callers can tell a stop
// request from a failure.
func classify(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if isUnreachable(err) {
		return fmt.Errorf("%w: %w", ErrServerUnreachable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Err: fmt.Errorf("request timed out: %w", err)}
	}
	return &Error{Err: err}
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}
