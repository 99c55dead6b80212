package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/glimpse/internal/capture"
	"github.com/kalambet/glimpse/internal/config"
	"github.com/kalambet/glimpse/internal/host"
	"github.com/kalambet/glimpse/internal/inference"
	"github.com/kalambet/glimpse/internal/logging"
	"github.com/kalambet/glimpse/internal/loop"
	"github.com/kalambet/glimpse/internal/sink"
	"github.com/kalambet/glimpse/internal/storage"
)

// loopKind describes one of the two capture loops.
type loopKind struct {
	name     string
	kind     capture.Kind
	short    string
	example  string
	keepFlag string
	fileFlag string
}

var (
	loopScreen = loopKind{
		name:  "screen",
		kind:  capture.KindScreenshot,
		short: "Capture the screen and describe it",
		example: `  glimpse screen
  glimpse screen -c -i 1m --speak
  glimpse screen --image-file ./shot.png -p "What error is shown?"`,
		keepFlag: "keep-screenshot",
		fileFlag: "image-file",
	}
	loopListen = loopKind{
		name:  "listen",
		kind:  capture.KindAudio,
		short: "Record the microphone and transcribe it",
		example: `  glimpse listen
  glimpse listen -c -d 8s --type
  glimpse listen --audio-file ./memo.wav`,
		keepFlag: "keep-recording",
		fileFlag: "audio-file",
	}
)

func (k loopKind) audio() bool { return k.kind == capture.KindAudio }

// loopSettings is the effective configuration of one loop after flags have
// been applied over the config file.
type loopSettings struct {
	Kind       capture.Kind
	Continuous bool
	Interval   time.Duration
	Duration   time.Duration
	SampleRate int
	Dir        string
	InputFile  string
	Keep       bool
	Speak      bool
	Voice      string
	Type       bool
	TypeDelay  time.Duration
	Output     string
	History    bool
	Endpoint   string
	Request    inference.Request
}

func defaultSettings(cfg config.Config, k loopKind) loopSettings {
	s := loopSettings{
		Kind:      k.kind,
		Voice:     cfg.Speech.Voice,
		TypeDelay: cfg.Typing.Delay,
		History:   true,
		Endpoint:  cfg.Inference.Endpoint,
		Request: inference.Request{
			Model:    cfg.Inference.Model,
			Stream:   cfg.Inference.Stream,
			SendPath: cfg.Inference.SendPath,
		},
	}
	if k.audio() {
		s.Interval = cfg.Audio.Interval
		s.Duration = cfg.Audio.Duration
		s.SampleRate = cfg.Audio.SampleRate
		s.Dir = cfg.Audio.Dir
		s.Request.Prompt = cfg.Audio.Prompt
		s.Request.System = cfg.Audio.System
		s.Request.MaxTokens = cfg.Audio.MaxTokens
	} else {
		s.Interval = cfg.Screen.Interval
		s.Dir = cfg.Screen.Dir
		s.Request.Prompt = cfg.Screen.Prompt
		s.Request.System = cfg.Screen.System
		s.Request.MaxTokens = cfg.Screen.MaxTokens
	}
	return s
}

func (s loopSettings) loopConfig() loop.Config {
	return loop.Config{
		Continuous: s.Continuous,
		Interval:   s.Interval,
		Keep:       s.Keep,
		Request:    s.Request,
	}
}

func newLoopCmd(k loopKind) *cobra.Command {
	cmd := &cobra.Command{
		Use:     k.name,
		Short:   k.short,
		Example: k.example,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(cmd, k)
		},
	}
	addLoopFlags(cmd, k)
	cmd.Flags().BoolP("continuous", "c", false, "run until interrupted instead of once")
	return cmd
}

// addLoopFlags registers the flags shared by the loop commands and serve.
// Unset flags fall back to the config file.
func addLoopFlags(cmd *cobra.Command, k loopKind) {
	f := cmd.Flags()
	f.DurationP("interval", "i", 0, "time between capture starts (default from config)")
	if k.audio() {
		f.DurationP("duration", "d", 0, "recording length (default from config)")
		f.Int("sample-rate", 0, "recording sample rate in Hz (default from config)")
	}
	f.BoolP("speak", "s", false, "read responses aloud")
	f.String("voice", "", "voice for --speak (default from config)")
	f.BoolP("type", "t", false, "type responses into the focused window")
	f.Duration("type-delay", 0, "wait before typing (default from config)")
	f.Bool(k.keepFlag, false, "keep captured files on disk")
	f.String(k.fileFlag, "", "use an existing file instead of capturing; it is never deleted")
	f.Bool("send-path", false, "send the file path instead of inline data (server must share this filesystem)")
	f.Bool("no-stream", false, "wait for the complete response instead of streaming")
	f.StringP("model", "m", "", "model name (default from config)")
	f.StringP("prompt", "p", "", "prompt sent with each capture (default from config)")
	f.String("system", "", "system prompt (default from config)")
	f.StringP("endpoint", "e", "", "inference server generate URL (default from config)")
	f.Int("max-tokens", 0, "maximum tokens to generate (default from config)")
	f.StringP("output", "o", "", "append every response to this log file")
	f.Bool("no-history", false, "do not record observations in the local history")
}

// resolveSettings applies the flags the user set over the config defaults.
func resolveSettings(cmd *cobra.Command, cfg config.Config, k loopKind) (loopSettings, error) {
	s := defaultSettings(cfg, k)
	f := cmd.Flags()
	changed := func(name string) bool {
		fl := f.Lookup(name)
		return fl != nil && fl.Changed
	}

	if changed("continuous") {
		s.Continuous, _ = f.GetBool("continuous")
	}
	if changed("interval") {
		s.Interval, _ = f.GetDuration("interval")
		if s.Interval <= 0 {
			return s, fmt.Errorf("--interval must be positive, got %s", s.Interval)
		}
	}
	if changed("duration") {
		s.Duration, _ = f.GetDuration("duration")
		if s.Duration <= 0 {
			return s, fmt.Errorf("--duration must be positive, got %s", s.Duration)
		}
	}
	if changed("sample-rate") {
		s.SampleRate, _ = f.GetInt("sample-rate")
		if s.SampleRate <= 0 {
			return s, fmt.Errorf("--sample-rate must be positive, got %d", s.SampleRate)
		}
	}
	s.Speak, _ = f.GetBool("speak")
	if changed("voice") {
		s.Voice, _ = f.GetString("voice")
	}
	s.Type, _ = f.GetBool("type")
	if changed("type-delay") {
		s.TypeDelay, _ = f.GetDuration("type-delay")
		if s.TypeDelay < 0 {
			return s, fmt.Errorf("--type-delay must not be negative, got %s", s.TypeDelay)
		}
	}
	s.Keep, _ = f.GetBool(k.keepFlag)
	s.InputFile, _ = f.GetString(k.fileFlag)
	if changed("send-path") {
		s.Request.SendPath, _ = f.GetBool("send-path")
	}
	if noStream, _ := f.GetBool("no-stream"); noStream {
		s.Request.Stream = false
	}
	if changed("model") {
		s.Request.Model, _ = f.GetString("model")
	}
	if changed("prompt") {
		s.Request.Prompt, _ = f.GetString("prompt")
	}
	if changed("system") {
		s.Request.System, _ = f.GetString("system")
	}
	if changed("endpoint") {
		s.Endpoint, _ = f.GetString("endpoint")
		u, err := url.Parse(s.Endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return s, fmt.Errorf("--endpoint %q is not an absolute URL", s.Endpoint)
		}
	}
	if changed("max-tokens") {
		s.Request.MaxTokens, _ = f.GetInt("max-tokens")
		if s.Request.MaxTokens <= 0 {
			return s, fmt.Errorf("--max-tokens must be positive, got %d", s.Request.MaxTokens)
		}
	}
	s.Output, _ = f.GetString("output")
	if noHistory, _ := f.GetBool("no-history"); noHistory {
		s.History = false
	}
	return s, nil
}

// session is the set of collaborators one loop needs.
type session struct {
	capturer   capture.Capturer
	client     *inference.Client
	dispatcher *sink.Dispatcher
	speech     *sink.SpeechQueue
}

// newSession wires capture, inference and sinks for s. A nil out disables
// the print sink; a nil store disables history.
func newSession(ctx context.Context, cfg config.Config, s loopSettings, out io.Writer, store *storage.Store) *session {
	sess := &session{
		capturer: newCapturer(s),
		client: inference.New(s.Endpoint,
			inference.WithTimeouts(cfg.Inference.Timeout, cfg.Inference.StreamTimeout, cfg.Inference.IdleTimeout)),
	}

	var sinks []sink.Sink
	if out != nil {
		sinks = append(sinks, sink.NewPrintSink(out))
	}
	if s.Speak {
		sess.speech = sink.NewSpeechQueue(sink.NewSayCommand())
		if err := sess.speech.Available(); err != nil {
			printWarning("speech unavailable: %v", err)
		}
		sinks = append(sinks, sink.NewSpeakSink(sess.speech, s.Voice))
	}
	if s.Type {
		kb := sink.NewKeyboardCommand()
		if err := kb.Available(); err != nil {
			printWarning("typing unavailable: %v", err)
		}
		sinks = append(sinks, sink.NewTypeSink(kb, s.TypeDelay))
	}
	if s.Output != "" {
		sinks = append(sinks, sink.NewLogSink(s.Output))
	}
	if store != nil {
		sinks = append(sinks, sink.NewHistorySink(store, host.Describe(ctx).String()))
	}
	sess.dispatcher = sink.NewDispatcher(sinks...)
	return sess
}

func newCapturer(s loopSettings) capture.Capturer {
	switch {
	case s.InputFile != "":
		return capture.NewFile(s.InputFile, s.Kind)
	case s.Kind == capture.KindAudio:
		return capture.NewAudio(s.Dir, s.Duration, s.SampleRate)
	default:
		return capture.NewScreen(s.Dir)
	}
}

// Close waits for queued speech. Once ctx is done, pending speech is
// dropped and the current utterance interrupted.
func (s *session) Close(ctx context.Context) error {
	if s.speech == nil {
		return nil
	}
	return s.speech.Close(ctx)
}

// openHistory opens the observation store, or returns nil with a warning
// when it cannot be opened so the loop still runs.
func openHistory(cfg config.Config, enabled bool) *storage.Store {
	if !enabled {
		return nil
	}
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		printWarning("history disabled: %v", err)
		return nil
	}
	return store
}

func closeHistory(store *storage.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		printWarning("closing history: %v", err)
	}
}

func runLoop(cmd *cobra.Command, k loopKind) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	s, err := resolveSettings(cmd, cfg, k)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := openHistory(cfg, s.History)
	defer closeHistory(store)

	notices := newConsole(cmd.ErrOrStderr())
	sess := newSession(ctx, cfg, s, cmd.OutOrStdout(), store)
	sched, err := loop.New(sess.capturer, sess.client, sess.dispatcher, s.loopConfig(),
		loop.WithLogger(logging.L(k.name)),
		loop.WithObserver(reportOutcome(notices, s.Continuous)),
	)
	if err != nil {
		sess.Close(ctx)
		return err
	}

	if s.Continuous {
		notices.step("Capturing every %s, press Ctrl+C to stop", s.Interval)
	}
	runErr := sched.Run(ctx)
	if err := sess.Close(ctx); err != nil {
		if ctx.Err() != nil {
			logging.L(k.name).Debug("speech cut short", logging.KeyError, err)
		} else {
			notices.warning("speech: %v", err)
		}
	}

	if s.Continuous {
		st := sched.State()
		notices.status("Stopped", "%d cycles: %d completed, %d degraded, %d skipped",
			st.Iteration, st.Completed, st.Degraded, st.Skipped)
	}
	return runErr
}

// reportOutcome tells the user about cycles that did not complete cleanly.
// A skipped single shot is reported by main as the command's error.
func reportOutcome(c console, continuous bool) func(loop.Outcome) {
	return func(out loop.Outcome) {
		if out.Status == loop.StatusSkipped && !continuous {
			return
		}
		c.cycle(out)
	}
}
