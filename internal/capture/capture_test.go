package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var fixedNow = time.Date(2025, 3, 4, 10, 20, 30, 0, time.UTC)

func newTestScreen(t *testing.T, write []byte, runErr error) (*Screen, *[]string) {
	t.Helper()
	var calls []string
	s := &Screen{
		dir:      t.TempDir(),
		tools:    platformTools["linux"],
		lookPath: func(name string) (string, error) { return "/usr/bin/" + name, nil },
		now:      func() time.Time { return fixedNow },
	}
	s.run = func(_ context.Context, name string, args ...string) error {
		calls = append(calls, name+" "+strings.Join(args, " "))
		if runErr != nil {
			return runErr
		}
		return os.WriteFile(args[len(args)-1], write, 0o644)
	}
	return s, &calls
}

func TestScreenCapture(t *testing.T) {
	s, calls := newTestScreen(t, []byte("\x89PNG fake"), nil)

	a, err := s.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if a.Kind != KindScreenshot || a.MIMEType != "image/png" || !a.Owned {
		t.Errorf("unexpected artifact: %+v", a)
	}
	if got, want := filepath.Base(a.Path), "screenshot_20250304_102030.png"; got != want {
		t.Errorf("name = %q, want %q", got, want)
	}
	if !filepath.IsAbs(a.Path) {
		t.Errorf("path %q is not absolute", a.Path)
	}
	if len(*calls) != 1 || !strings.HasPrefix((*calls)[0], "grim ") {
		t.Errorf("calls = %v, want one grim call", *calls)
	}
	if _, err := os.Stat(a.Path); err != nil {
		t.Errorf("artifact missing: %v", err)
	}
}

func TestScreenCapture_NameCollision(t *testing.T) {
	s, _ := newTestScreen(t, []byte("png"), nil)

	a1, err := s.Capture(context.Background())
	if err != nil {
		t.Fatalf("first capture: %v", err)
	}
	a2, err := s.Capture(context.Background())
	if err != nil {
		t.Fatalf("second capture: %v", err)
	}
	if a1.Path == a2.Path {
		t.Fatalf("captures in the same second share path %q", a1.Path)
	}
	if !strings.HasSuffix(a2.Path, "_1.png") {
		t.Errorf("second path = %q, want _1 suffix", a2.Path)
	}
}

func TestScreenCapture_EmptyOutput(t *testing.T) {
	s, _ := newTestScreen(t, nil, nil)

	_, err := s.Capture(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	entries, _ := os.ReadDir(s.dir)
	if len(entries) != 0 {
		t.Errorf("empty capture left %d files behind", len(entries))
	}
}

func TestScreenCapture_ToolFails(t *testing.T) {
	s, _ := newTestScreen(t, nil, errors.New("permission denied"))

	_, err := s.Capture(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestScreenCapture_NoTool(t *testing.T) {
	s, calls := newTestScreen(t, []byte("png"), nil)
	s.lookPath = func(string) (string, error) { return "", errors.New("not found") }

	_, err := s.Capture(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if !strings.Contains(err.Error(), "gnome-screenshot") {
		t.Errorf("error %q should list the tools tried", err)
	}
	if len(*calls) != 0 {
		t.Errorf("no tool should have run, got %v", *calls)
	}
}

func TestScreenCapture_FallsBackToNextTool(t *testing.T) {
	s, calls := newTestScreen(t, []byte("png"), nil)
	s.lookPath = func(name string) (string, error) {
		if name == "scrot" {
			return "/usr/bin/scrot", nil
		}
		return "", errors.New("not found")
	}

	if _, err := s.Capture(context.Background()); err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if len(*calls) != 1 || !strings.HasPrefix((*calls)[0], "scrot -o ") {
		t.Errorf("calls = %v, want scrot", *calls)
	}
}

func TestAudioCapture(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x00}, 1600)
	a := NewAudio(t.TempDir(), time.Second, 1600)
	a.now = func() time.Time { return fixedNow }
	a.record = func(_ context.Context, d time.Duration, rate int) ([]byte, error) {
		if d != time.Second || rate != 1600 {
			t.Errorf("record(%v, %d), want (1s, 1600)", d, rate)
		}
		return pcm, nil
	}

	art, err := a.Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if got, want := filepath.Base(art.Path), "recording_20250304_102030.wav"; got != want {
		t.Errorf("name = %q, want %q", got, want)
	}

	data, err := os.ReadFile(art.Path)
	if err != nil {
		t.Fatalf("reading wav: %v", err)
	}
	if len(data) != 44+len(pcm) {
		t.Fatalf("wav size = %d, want %d", len(data), 44+len(pcm))
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" || string(data[36:40]) != "data" {
		t.Errorf("bad wav header: %q", data[:44])
	}
	if rate := binary.LittleEndian.Uint32(data[24:28]); rate != 1600 {
		t.Errorf("sample rate = %d, want 1600", rate)
	}
	if size := binary.LittleEndian.Uint32(data[40:44]); int(size) != len(pcm) {
		t.Errorf("data size = %d, want %d", size, len(pcm))
	}
}

func TestAudioCapture_NoFrames(t *testing.T) {
	a := NewAudio(t.TempDir(), time.Second, 0)
	a.record = func(context.Context, time.Duration, int) ([]byte, error) { return nil, nil }

	if _, err := a.Capture(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestAudioCapture_DeviceError(t *testing.T) {
	a := NewAudio(t.TempDir(), time.Second, 0)
	a.record = func(context.Context, time.Duration, int) ([]byte, error) {
		return nil, errors.New("no capture device")
	}

	if _, err := a.Capture(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestAudioCapture_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := NewAudio(t.TempDir(), time.Second, 0)
	a.record = func(ctx context.Context, _ time.Duration, _ int) ([]byte, error) {
		cancel()
		return nil, ctx.Err()
	}

	_, err := a.Capture(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("cancellation must not be reported as ErrUnavailable")
	}
}

func TestArtifactRemove(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.png")
	os.WriteFile(p, []byte("x"), 0o644)

	owned := &Artifact{Path: p, Owned: true}
	if err := owned.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := owned.Remove(); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
	if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("owned artifact still exists")
	}

	q := filepath.Join(dir, "user.wav")
	os.WriteFile(q, []byte("x"), 0o644)
	user := &Artifact{Path: q, Owned: false}
	if err := user.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(q); err != nil {
		t.Errorf("user-supplied artifact was removed")
	}
}

func TestArtifactEncode(t *testing.T) {
	p := filepath.Join(t.TempDir(), "a.png")
	os.WriteFile(p, []byte("hello"), 0o644)

	uri, err := (&Artifact{Path: p, MIMEType: "image/png"}).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))
	if uri != want {
		t.Errorf("Encode = %q, want %q", uri, want)
	}
}

func TestFileCapture(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "memo.wav")
	os.WriteFile(p, []byte("RIFF"), 0o644)

	art, err := NewFile(p, KindAudio).Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if art.Owned {
		t.Error("user file must not be owned")
	}
	if art.MIMEType != "audio/wav" {
		t.Errorf("MIMEType = %q, want audio/wav", art.MIMEType)
	}

	if _, err := NewFile(filepath.Join(dir, "missing.wav"), KindAudio).Capture(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("missing file err = %v, want ErrUnavailable", err)
	}
}
