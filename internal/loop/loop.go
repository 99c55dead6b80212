// Package loop drives the capture, inference and action cycle, either once
// or at a fixed interval until stopped.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/glimpse/internal/capture"
	"github.com/kalambet/glimpse/internal/inference"
	"github.com/kalambet/glimpse/internal/logging"
	"github.com/kalambet/glimpse/internal/sink"
)

// ErrAlreadyRunning is returned by Run while another Run is in progress.
var ErrAlreadyRunning = errors.New("loop already running")

// Inferer sends one artifact for inference. Implemented by *inference.Client.
type Inferer interface {
	Infer(ctx context.Context, req inference.Request) (*inference.Response, error)
}

// Deliverer hands a response to the action sinks. Implemented by
// *sink.Dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, resp *inference.Response, r sink.Result) (sink.Result, []sink.Failure)
}

type Config struct {
	Continuous bool
	// Interval is measured from the start of one capture to the start of
	// the next. Required when Continuous.
	Interval time.Duration
	// Keep leaves captured artifacts on disk.
	Keep bool
	// Request is the template for every inference call; its Artifact is
	// filled in per cycle.
	Request inference.Request
}

// Outcome reports one cycle.
type Outcome struct {
	Iteration int
	Status    Status
	Started   time.Time
	Result    sink.Result
	// Err is the capture, inference or stream error, if any.
	Err      error
	Failures []sink.Failure
}

type Option func(*Scheduler)

// WithLogger sets the base logger; iterations derive theirs from it.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithObserver registers fn to be called after every cycle.
func WithObserver(fn func(Outcome)) Option {
	return func(s *Scheduler) { s.observe = fn }
}

// Scheduler runs capture cycles. Cycles never overlap.
type Scheduler struct {
	capturer capture.Capturer
	inferer  Inferer
	sinks    Deliverer
	cfg      Config
	logger   *slog.Logger
	observe  func(Outcome)
	now      func() time.Time
	onPhase  func(Phase)

	cycle sync.Mutex

	mu    sync.Mutex
	state State
}

func New(c capture.Capturer, inf Inferer, sinks Deliverer, cfg Config, opts ...Option) (*Scheduler, error) {
	if c == nil || inf == nil || sinks == nil {
		return nil, errors.New("loop needs a capturer, an inferer and sinks")
	}
	if cfg.Continuous && cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive in continuous mode, got %s", cfg.Interval)
	}
	s := &Scheduler{
		capturer: c,
		inferer:  inf,
		sinks:    sinks,
		cfg:      cfg,
		logger:   logging.L("loop"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.state = State{
		RunID:      uuid.NewString(),
		Kind:       string(c.Kind()),
		Phase:      PhaseIdle,
		Continuous: cfg.Continuous,
		Interval:   cfg.Interval,
	}
	return s, nil
}

// State returns a snapshot of the scheduler.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run performs a single cycle, or repeats cycles every Interval until ctx is
// cancelled when Continuous is set. In single-shot mode a capture or
// connection failure is returned; in continuous mode it skips the
// iteration. Cancellation is a normal stop and returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.state.Running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state.Running = false
		s.mu.Unlock()
		s.setPhase(PhaseStopped)
	}()

	if !s.cfg.Continuous {
		_, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	s.logger.Info("continuous capture started", "interval", s.cfg.Interval, logging.KeyRun, s.state.RunID)
	for {
		out, err := s.RunOnce(ctx)
		if ctx.Err() != nil {
			s.logger.Info("continuous capture stopped", "iterations", s.State().Iteration)
			return nil
		}
		if err != nil {
			s.logger.Warn("iteration skipped, retrying next interval",
				logging.KeyIteration, out.Iteration, logging.KeyError, err)
		}

		wait := s.cfg.Interval - s.now().Sub(out.Started)
		if wait <= 0 {
			s.logger.Debug("iteration overran interval", logging.KeyIteration, out.Iteration, "by", -wait)
			continue
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.logger.Info("continuous capture stopped", "iterations", s.State().Iteration)
			return nil
		case <-t.C:
		}
	}
}

// RunOnce performs one cycle: capture, infer, deliver, clean up. The
// returned error is non-nil when the cycle was skipped (capture
// unavailable, server unreachable, cancelled); an inference error or a sink
// failure degrades the outcome but is not returned.
func (s *Scheduler) RunOnce(ctx context.Context) (Outcome, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	start := s.now()
	s.mu.Lock()
	s.state.Iteration++
	s.state.LastStart = start
	out := Outcome{Iteration: s.state.Iteration, Started: start}
	runID := s.state.RunID
	s.mu.Unlock()

	logger := logging.WithIteration(s.logger, runID, out.Iteration).With(logging.KeyKind, string(s.capturer.Kind()))
	ctx = logging.NewContext(ctx, logger)
	defer s.setPhase(PhaseIdle)

	s.setPhase(PhaseCapturing)
	art, err := s.capturer.Capture(ctx)
	if err != nil {
		return s.skip(out, err)
	}
	defer s.cleanup(logger, art)
	logger.Debug("captured", "path", art.Path)

	s.setPhase(PhaseInferring)
	req := s.cfg.Request
	req.Artifact = art
	sent := s.now()
	resp, err := s.inferer.Infer(ctx, req)
	if !req.SendPath {
		// Inline payloads were read into the request body; the file is no
		// longer needed.
		s.cleanup(logger, art)
	}
	if err != nil {
		var ierr *inference.Error
		if errors.As(err, &ierr) && ctx.Err() == nil {
			out.Status = StatusDegraded
			out.Err = err
			logger.Error("inference failed", logging.KeyError, err)
			s.record(out)
			return out, nil
		}
		return s.skip(out, err)
	}

	s.setPhase(PhaseActing)
	result := sink.Result{
		RunID:     runID,
		Iteration: out.Iteration,
		Kind:      art.Kind,
		Model:     req.Model,
		Prompt:    req.Prompt,
		StartedAt: sent,
	}
	if s.cfg.Keep || !art.Owned {
		result.ArtifactPath = art.Path
	}
	result, failures := s.sinks.Deliver(ctx, resp, result)

	out.Result = result
	out.Failures = failures
	out.Err = result.Err
	out.Status = StatusCompleted
	if !result.Complete() || len(failures) > 0 {
		out.Status = StatusDegraded
	}
	for _, f := range failures {
		logger.Error("sink failed", "sink", f.Sink, logging.KeyError, f.Err)
	}
	if !result.Complete() {
		logger.Warn("response incomplete", "truncated", result.Truncated, logging.KeyError, result.Err)
	}
	logger.Info("iteration done", "status", out.Status, "elapsed", result.Elapsed, "chars", len(result.Text))

	s.record(out)
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	return out, nil
}

func (s *Scheduler) skip(out Outcome, err error) (Outcome, error) {
	out.Status = StatusSkipped
	out.Err = err
	s.record(out)
	return out, err
}

func (s *Scheduler) record(out Outcome) {
	s.mu.Lock()
	switch out.Status {
	case StatusCompleted:
		s.state.Completed++
	case StatusDegraded:
		s.state.Degraded++
	case StatusSkipped:
		s.state.Skipped++
	}
	s.state.LastError = ""
	if out.Err != nil {
		s.state.LastError = out.Err.Error()
	} else if len(out.Failures) > 0 {
		s.state.LastError = errors.Join(failureErrors(out.Failures)...).Error()
	}
	s.mu.Unlock()

	if s.observe != nil {
		s.observe(out)
	}
}

func (s *Scheduler) cleanup(logger *slog.Logger, art *capture.Artifact) {
	if s.cfg.Keep {
		return
	}
	if err := art.Remove(); err != nil {
		logger.Warn("could not remove artifact", logging.KeyError, err)
	}
}

func (s *Scheduler) setPhase(p Phase) {
	s.mu.Lock()
	s.state.Phase = p
	s.mu.Unlock()
	if s.onPhase != nil {
		s.onPhase(p)
	}
}

func failureErrors(fs []sink.Failure) []error {
	errs := make([]error, len(fs))
	for i, f := range fs {
		errs[i] = f
	}
	return errs
}
