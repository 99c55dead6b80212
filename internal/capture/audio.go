package capture

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/kalambet/glimpse/internal/logging"
)

const (
	DefaultSampleRate = 16000
	DefaultDuration   = 5 * time.Second
)

// recordFunc records duration of mono 16-bit PCM at sampleRate.
type recordFunc func(ctx context.Context, duration time.Duration, sampleRate int) ([]byte, error)

// Audio records a fixed-length clip from the default input device.
type Audio struct {
	dir        string
	duration   time.Duration
	sampleRate int
	record     recordFunc
	now        func() time.Time
}

// NewAudio returns a Capturer writing WAV recordings into dir. Non-positive
// duration or sampleRate fall back to the defaults.
func NewAudio(dir string, duration time.Duration, sampleRate int) *Audio {
	if duration <= 0 {
		duration = DefaultDuration
	}
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Audio{
		dir:        dir,
		duration:   duration,
		sampleRate: sampleRate,
		record:     recordMicrophone,
		now:        time.Now,
	}
}

func (a *Audio) Kind() Kind { return KindAudio }

func (a *Audio) Capture(ctx context.Context) (*Artifact, error) {
	logger := logging.FromContext(ctx)
	logger.Info("recording", "duration", a.duration, "sample_rate", a.sampleRate)

	now := a.now()
	pcm, err := a.record(ctx, a.duration, a.sampleRate)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(pcm) == 0 {
		return nil, unavailable("microphone returned no audio frames")
	}

	path, err := nextPath(a.dir, "recording", ".wav", now)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, unavailable("creating %s: %v", path, err)
	}
	if err := writeWAV(f, pcm, a.sampleRate, 1, 16); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing recording: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("closing recording: %w", err)
	}

	logger.Debug("recording saved", "path", path, "bytes", len(pcm))
	return &Artifact{
		Kind:      KindAudio,
		Path:      path,
		MIMEType:  "audio/wav",
		CreatedAt: now,
		Owned:     true,
	}, nil
}

// recordMicrophone captures from the default miniaudio input device until
// duration worth of frames has arrived.
func recordMicrophone(ctx context.Context, duration time.Duration, sampleRate int) ([]byte, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	defer func() {
		_ = audioCtx.Uninit()
		audioCtx.Free()
	}()

	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format)

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.SampleRate = uint32(sampleRate)
	cfg.Capture.Format = format
	cfg.Capture.Channels = 1
	cfg.Alsa.NoMMap = 1

	want := int(duration.Seconds()*float64(sampleRate)) * bytesPerFrame
	var (
		mu   sync.Mutex
		buf  = make([]byte, 0, want)
		full = make(chan struct{})
		once sync.Once
	)

	device, err := malgo.InitDevice(audioCtx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			n := min(int(frameCount)*bytesPerFrame, len(input))
			mu.Lock()
			defer mu.Unlock()
			if room := want - len(buf); room > 0 {
				buf = append(buf, input[:min(n, room)]...)
			}
			if len(buf) >= want {
				once.Do(func() { close(full) })
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("initializing capture device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return nil, fmt.Errorf("starting capture device: %w", err)
	}

	// A device that delivers nothing must not hang the loop.
	grace := time.NewTimer(duration + 2*time.Second)
	defer grace.Stop()

	select {
	case <-full:
	case <-grace.C:
	case <-ctx.Done():
		_ = device.Stop()
		return nil, ctx.Err()
	}
	if err := device.Stop(); err != nil {
		return nil, fmt.Errorf("stopping capture device: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return append([]byte(nil), buf...), nil
}
