package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kalambet/glimpse/internal/logging"
	"github.com/kalambet/glimpse/internal/oscmd"
)

// ErrQueueClosed is returned when speech is requested after Close.
var ErrQueueClosed = errors.New("speech queue closed")

// Speaker turns text into audible speech, returning when playback ends.
type Speaker interface {
	Speak(ctx context.Context, text, voice string) error
}

// availabler is implemented by speakers and typers that can report up
// front whether they will work.
type availabler interface {
	Available() error
}

var speechTools = map[string][]tool{
	"darwin": {
		{name: "say", args: func(text, voice string) []string { return withVoice("-v", voice, text) }},
	},
	"linux": {
		{name: "espeak-ng", args: func(text, voice string) []string { return withVoice("-v", voice, text) }},
		{name: "espeak", args: func(text, voice string) []string { return withVoice("-v", voice, text) }},
		{name: "spd-say", args: func(text, voice string) []string {
			return append([]string{"-w"}, withVoice("-y", voice, text)...)
		}},
	},
}

func withVoice(flag, voice, text string) []string {
	if voice == "" {
		return []string{argText(text)}
	}
	return []string{flag, voice, argText(text)}
}

// SayCommand speaks through the platform's text-to-speech utility.
type SayCommand struct {
	runner toolRunner
}

func NewSayCommand() *SayCommand {
	return &SayCommand{runner: toolRunner{
		tools:    speechTools[runtime.GOOS],
		lookPath: exec.LookPath,
		run:      oscmd.Run,
	}}
}

func (c *SayCommand) Available() error {
	_, err := c.runner.resolve()
	return err
}

func (c *SayCommand) Speak(ctx context.Context, text, voice string) error {
	return c.runner.exec(ctx, text, voice)
}

// Utterance is one queued piece of speech.
type Utterance struct {
	Text  string
	Voice string
}

// SpeechQueue plays utterances one at a time, in the order they were
// enqueued, on a single background goroutine.
type SpeechQueue struct {
	speaker Speaker
	logger  *slog.Logger

	mu     sync.Mutex
	items  []Utterance
	active bool          // something is queued or playing
	idle   chan struct{} // closed while !active
	closed bool

	// unreported counts playback failures not yet returned by Failed.
	unreported int
	lastErr    error

	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	spoken   atomic.Int64
	failures atomic.Int64
}

func NewSpeechQueue(speaker Speaker) *SpeechQueue {
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	q := &SpeechQueue{
		speaker: speaker,
		logger:  logging.L("speech"),
		idle:    idle,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go q.run()
	return q
}

// Available reports whether the underlying speaker can be used.
func (q *SpeechQueue) Available() error {
	if a, ok := q.speaker.(availabler); ok {
		return a.Available()
	}
	return nil
}

// Enqueue adds u to the back of the queue without waiting for playback.
func (q *SpeechQueue) Enqueue(u Utterance) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if !q.active {
		q.active = true
		q.idle = make(chan struct{})
	}
	q.items = append(q.items, u)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of utterances waiting to be played.
func (q *SpeechQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns how many utterances were played and how many failed.
func (q *SpeechQueue) Stats() (spoken, failed int64) {
	return q.spoken.Load(), q.failures.Load()
}

// Failed returns the playback failures since the previous call, or nil.
// Playback runs in the background, so failures surface after the cycle that
// queued the speech.
func (q *SpeechQueue) Failed() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unreported == 0 {
		return nil
	}
	err := fmt.Errorf("%d queued utterance(s) failed to play: %w", q.unreported, q.lastErr)
	q.unreported = 0
	q.lastErr = nil
	return err
}

// Drain blocks until everything enqueued so far has been played.
func (q *SpeechQueue) Drain(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting utterances, waits for the queue to drain and stops
// the goroutine. If ctx ends first, pending speech is dropped and the
// current utterance is interrupted. Unreported playback failures are
// returned with the drain error.
func (q *SpeechQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	err := q.Drain(ctx)
	if err != nil {
		q.mu.Lock()
		dropped := len(q.items)
		q.items = nil
		q.mu.Unlock()
		q.cancel()
		q.logger.Warn("speech interrupted", "dropped", dropped)
	}
	close(q.stop)
	<-q.done
	q.cancel()
	return errors.Join(err, q.Failed())
}

func (q *SpeechQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			if q.active {
				q.active = false
				close(q.idle)
			}
			q.mu.Unlock()
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}
		u := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if err := q.speaker.Speak(q.ctx, u.Text, u.Voice); err != nil {
			if q.ctx.Err() != nil {
				continue
			}
			q.failures.Add(1)
			q.mu.Lock()
			q.unreported++
			q.lastErr = err
			q.mu.Unlock()
			q.logger.Error("speech failed", logging.KeyError, err)
			continue
		}
		q.spoken.Add(1)
	}
}

// SpeakSink reads responses aloud through a SpeechQueue. Streamed text is
// queued a sentence at a time as soon as each sentence is complete.
type SpeakSink struct {
	queue   *SpeechQueue
	voice   string
	pending strings.Builder
	// failed is set once a fragment was rejected; the failure has already
	// been reported for this response.
	failed bool
}

func NewSpeakSink(queue *SpeechQueue, voice string) *SpeakSink {
	return &SpeakSink{queue: queue, voice: voice}
}

func (s *SpeakSink) Name() string { return "speak" }

func (s *SpeakSink) Fragment(_ context.Context, frag string) error {
	if s.pending.Len() == 0 {
		if err := s.queue.Available(); err != nil {
			s.failed = true
			return err
		}
	}
	s.pending.WriteString(frag)
	sentences, rest := splitSentences(s.pending.String())
	s.pending.Reset()
	s.pending.WriteString(rest)
	for _, sentence := range sentences {
		if err := s.say(sentence); err != nil {
			s.failed = true
			return err
		}
	}
	return nil
}

// Finish also reports playback failures of speech queued by earlier cycles.
func (s *SpeakSink) Finish(ctx context.Context, r Result) error {
	return errors.Join(s.queue.Failed(), s.finish(ctx, r))
}

func (s *SpeakSink) finish(ctx context.Context, r Result) error {
	rest := s.pending.String()
	s.pending.Reset()
	if s.failed {
		s.failed = false
		return nil
	}
	if err := s.queue.Available(); err != nil {
		return err
	}

	if !r.Streamed {
		return s.say(r.Text)
	}
	if !r.Complete() {
		if strings.TrimSpace(rest) != "" {
			logging.FromContext(ctx).Debug("dropping unfinished sentence of incomplete response")
		}
		return nil
	}
	return s.say(rest)
}

func (s *SpeakSink) say(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.queue.Enqueue(Utterance{Text: text, Voice: s.voice})
}

// splitSentences returns the complete sentences at the start of s and the
// unfinished remainder. A sentence ends at a newline, or at '.', '!' or '?'
// followed by whitespace.
func splitSentences(s string) (sentences []string, rest string) {
	start := 0
	for i := 0; i < len(s); i++ {
		end := -1
		switch s[i] {
		case '\n':
			end = i + 1
		case '.', '!', '?':
			if i+1 < len(s) && isSpace(s[i+1]) {
				end = i + 1
			}
		}
		if end < 0 {
			continue
		}
		if t := strings.TrimSpace(s[start:end]); t != "" {
			sentences = append(sentences, t)
		}
		start = end
	}
	return sentences, s[start:]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
