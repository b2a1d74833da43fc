// Package attempt drives one upload-and-predict attempt at a time: validation,
// the optional wake call, the deadline-bounded request, synthetic progress and
// the terminal state.
package attempt

import (
	"context"
	"errors"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/style-predict/internal/logging"
	"github.com/example/style-predict/internal/predictor"
	"github.com/example/style-predict/internal/progress"
)

// Defaults for Options fields left zero.
const (
	DefaultCeiling     = 40 * time.Second
	DefaultTick        = time.Second
	DefaultHold        = 200 * time.Millisecond
	DefaultWakeTimeout = 10 * time.Second
)

var (
	// ErrSuperseded is the cancellation cause of an attempt replaced by a newer one.
	ErrSuperseded = errors.New("attempt superseded")
	// ErrDeadline is the cancellation cause of an attempt that ran past its ceiling.
	ErrDeadline = errors.New("attempt deadline exceeded")
)

// Options tunes an Orchestrator.
type Options struct {
	// Ceiling bounds the network exchange and paces the progress estimator.
	Ceiling time.Duration
	Tick    time.Duration

	// Hold keeps the full progress bar visible before the result is published.
	Hold time.Duration

	WakeOnSubmit bool
	WakeTimeout  time.Duration

	// Watch receives published snapshots one at a time and in the order the
	// changes were made; a snapshot overtaken by a newer one is dropped. Watch
	// must not call methods that change the orchestrator.
	Watch func(Snapshot)
}

func (o Options) withDefaults() Options {
	if o.Ceiling <= 0 {
		o.Ceiling = DefaultCeiling
	}
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.Hold < 0 {
		o.Hold = 0
	}
	if o.WakeTimeout <= 0 {
		o.WakeTimeout = DefaultWakeTimeout
	}
	return o
}

// Orchestrator owns the view state and runs attempts against a predictor.Client.
// Only the most recent attempt may mutate the state; older ones are superseded.
type Orchestrator struct {
	client predictor.Client
	logger *zap.Logger
	opts   Options

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelCauseFunc
	file       *File
	snap       Snapshot
	version    uint64

	watchMu   sync.Mutex
	delivered uint64
}

// NewOrchestrator constructs an idle orchestrator.
func NewOrchestrator(client predictor.Client, logger *zap.Logger, opts Options) *Orchestrator {
	return &Orchestrator{
		client: client,
		logger: logger.Named("orchestrator"),
		opts:   opts.withDefaults(),
		snap:   Snapshot{State: StateIdle},
	}
}

// Snapshot returns a copy of the current view state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.copySnapshot()
}

// CanSubmit reports whether a file is selected and no attempt is in flight.
func (o *Orchestrator) CanSubmit() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.file != nil && !o.snap.State.InFlight()
}

// Select replaces the selected file. An invalid file is rejected with a
// validation *Failure and leaves the state untouched; a valid one supersedes
// any in-flight attempt and returns the view to idle.
func (o *Orchestrator) Select(f *File) error {
	if f == nil {
		o.Remove()
		return nil
	}
	if err := ValidateFile(f); err != nil {
		return err
	}
	o.reset(f)
	return nil
}

// Remove clears the selected file and supersedes any in-flight attempt.
func (o *Orchestrator) Remove() {
	o.reset(nil)
}

func (o *Orchestrator) reset(f *File) {
	o.mu.Lock()
	o.supersedeLocked()
	o.file = f
	o.snap = Snapshot{State: StateIdle}
	if f != nil {
		o.snap.File = f.info()
	}
	snap, seq := o.stampLocked()
	o.mu.Unlock()
	o.publish(snap, seq)
}

// SubmitSelected submits the currently selected file.
func (o *Orchestrator) SubmitSelected(ctx context.Context) Outcome {
	o.mu.Lock()
	f := o.file
	o.mu.Unlock()
	return o.Submit(ctx, f)
}

// TrySubmitSelected begins an attempt for the selected file unless no file is
// selected or an attempt is already in flight. When it reports true the
// attempt is already visible in Snapshot and wait must be called exactly once
// to run the network exchange; wait blocks until the attempt resolves.
func (o *Orchestrator) TrySubmitSelected(ctx context.Context) (started bool, wait func() Outcome) {
	o.mu.Lock()
	if o.file == nil || o.snap.State.InFlight() {
		o.mu.Unlock()
		return false, nil
	}
	p := newPending(ctx, o.file)
	snap, seq := o.beginLocked(p)
	o.mu.Unlock()
	o.publish(snap, seq)
	return true, func() Outcome { return o.run(p) }
}

// Warm fires the best-effort wake call. Its result is deliberately dropped.
func (o *Orchestrator) Warm() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), o.opts.WakeTimeout)
		defer cancel()
		if err := o.client.Wake(ctx); err != nil {
			o.logger.Warn("wake ping failed", zap.Error(err))
		}
	}()
}

// Submit runs one attempt for f and blocks until it resolves. A nil f is a
// no-op. Starting Submit supersedes any attempt still in flight; the
// superseded call returns OutcomeAborted without touching the state.
// Cancelling ctx aborts the attempt.
func (o *Orchestrator) Submit(ctx context.Context, f *File) Outcome {
	if f == nil {
		return Outcome{Kind: OutcomeNoop}
	}

	p := newPending(ctx, f)
	o.mu.Lock()
	snap, seq := o.beginLocked(p)
	o.mu.Unlock()
	o.publish(snap, seq)
	return o.run(p)
}

// pending is an attempt that has begun but not yet touched the network.
type pending struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc
	gen    uint64
	file   *File
}

func newPending(ctx context.Context, f *File) *pending {
	attemptCtx, cancel := context.WithCancelCause(ctx)
	return &pending{id: uuid.NewString(), ctx: attemptCtx, cancel: cancel, file: f}
}

func (o *Orchestrator) run(p *pending) Outcome {
	defer p.cancel(nil)
	attemptID, attemptCtx, gen, f := p.id, p.ctx, p.gen, p.file
	opLogger := logging.WithOperation(o.logger, "attempt.submit", attemptID)

	if err := ValidateFile(f); err != nil {
		failure, _ := AsFailure(err)
		opLogger.Info("file rejected", zap.Error(err))
		return o.fail(gen, attemptID, failure)
	}

	if o.opts.WakeOnSubmit {
		o.mutate(gen, func(s *Snapshot) { s.State = StateWakingService })
		o.Warm()
	}

	deadline := time.Now().Add(o.opts.Ceiling)
	reqCtx, cancelReq := context.WithDeadlineCause(attemptCtx, deadline, ErrDeadline)
	defer cancelReq()

	o.mutate(gen, func(s *Snapshot) {
		s.State = StateSubmitting
		s.Deadline = &deadline
	})

	estimator := progress.Start(o.opts.Ceiling, o.opts.Tick, func(step float64) {
		o.mutate(gen, func(s *Snapshot) {
			if s.State == StateSubmitting || s.State == StateAwaitingResponse {
				s.Progress = progress.Advance(s.Progress, step)
			}
		})
	})
	defer estimator.Stop()

	trace := &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) {
			o.mutate(gen, func(s *Snapshot) {
				if s.State == StateSubmitting {
					s.State = StateAwaitingResponse
				}
			})
		},
	}

	start := time.Now()
	results, err := o.client.Predict(httptrace.WithClientTrace(reqCtx, trace), f.image())
	estimator.Stop()

	if err != nil {
		return o.resolveError(reqCtx, gen, attemptID, err, opLogger)
	}

	if !o.mutate(gen, func(s *Snapshot) { s.Progress = progress.Max }) {
		return Outcome{Kind: OutcomeAborted, AttemptID: attemptID}
	}
	opLogger.Info("prediction received", zap.Int("results", len(results)), zap.Duration("latency", time.Since(start)))

	if o.opts.Hold > 0 {
		timer := time.NewTimer(o.opts.Hold)
		select {
		case <-timer.C:
		case <-attemptCtx.Done():
			timer.Stop()
			return o.abort(attemptCtx, gen, attemptID)
		}
	}

	ok := o.mutate(gen, func(s *Snapshot) {
		s.State = StateSucceeded
		s.Progress = progress.Max
		s.Results = results
	})
	if !ok {
		return Outcome{Kind: OutcomeAborted, AttemptID: attemptID}
	}
	return Outcome{Kind: OutcomeSucceeded, AttemptID: attemptID, Results: copyResults(results)}
}

// beginLocked supersedes the current attempt and makes p the active one.
func (o *Orchestrator) beginLocked(p *pending) (Snapshot, uint64) {
	o.supersedeLocked()
	o.cancel = p.cancel
	p.gen = o.generation
	o.snap = Snapshot{
		AttemptID: p.id,
		State:     StateValidating,
		File:      p.file.info(),
	}
	return o.stampLocked()
}

func (o *Orchestrator) supersedeLocked() {
	o.generation++
	if o.cancel != nil {
		o.cancel(ErrSuperseded)
		o.cancel = nil
	}
}

func (o *Orchestrator) resolveError(reqCtx context.Context, gen uint64, attemptID string, err error, opLogger *zap.Logger) Outcome {
	cause := context.Cause(reqCtx)
	switch {
	case errors.Is(cause, ErrSuperseded):
		opLogger.Debug("superseded attempt finished", zap.Error(err))
		return Outcome{Kind: OutcomeAborted, AttemptID: attemptID}
	case errors.Is(cause, ErrDeadline):
		opLogger.Warn("prediction timed out", zap.Duration("ceiling", o.opts.Ceiling))
		return o.fail(gen, attemptID, &Failure{Kind: FailureTimeout, Err: err})
	case reqCtx.Err() != nil:
		return o.abort(reqCtx, gen, attemptID)
	}

	var statusErr *predictor.StatusError
	if errors.As(err, &statusErr) {
		opLogger.Error("prediction service returned an error", zap.Int("status", statusErr.StatusCode))
		return o.fail(gen, attemptID, &Failure{Kind: FailureHTTPStatus, StatusCode: statusErr.StatusCode, Err: err})
	}
	opLogger.Error("prediction failed", zap.Error(err))
	return o.fail(gen, attemptID, &Failure{Kind: FailureTransport, Err: err})
}

func (o *Orchestrator) fail(gen uint64, attemptID string, failure *Failure) Outcome {
	ok := o.mutate(gen, func(s *Snapshot) {
		s.State = StateFailed
		s.Progress = 0
		s.Results = nil
		s.Failure = failure
	})
	if !ok {
		return Outcome{Kind: OutcomeAborted, AttemptID: attemptID}
	}
	return Outcome{Kind: OutcomeFailed, AttemptID: attemptID, Failure: failure}
}

// abort ends an attempt whose own context was cancelled by the caller.
func (o *Orchestrator) abort(ctx context.Context, gen uint64, attemptID string) Outcome {
	if !errors.Is(context.Cause(ctx), ErrSuperseded) {
		o.mutate(gen, func(s *Snapshot) {
			s.State = StateAborted
			s.Progress = 0
			s.Results = nil
		})
	}
	return Outcome{Kind: OutcomeAborted, AttemptID: attemptID}
}

// mutate applies fn if gen is still the current attempt and publishes the
// result. It reports false for a superseded attempt.
func (o *Orchestrator) mutate(gen uint64, fn func(*Snapshot)) bool {
	o.mu.Lock()
	if gen != o.generation {
		o.mu.Unlock()
		return false
	}
	fn(&o.snap)
	if o.snap.State.Terminal() {
		o.cancel = nil
	}
	snap, seq := o.stampLocked()
	o.mu.Unlock()
	o.publish(snap, seq)
	return true
}

// stampLocked copies the state and numbers the change for publish.
func (o *Orchestrator) stampLocked() (Snapshot, uint64) {
	o.version++
	return o.copySnapshot(), o.version
}

// publish hands snap to Watch unless a later change was already delivered.
// Changes race out of the lock from the estimator, the transport and Submit,
// so delivery is serialized and ordered by seq.
func (o *Orchestrator) publish(snap Snapshot, seq uint64) {
	if o.opts.Watch == nil {
		return
	}
	o.watchMu.Lock()
	defer o.watchMu.Unlock()
	if seq <= o.delivered {
		return
	}
	o.delivered = seq
	o.opts.Watch(snap)
}

func (o *Orchestrator) copySnapshot() Snapshot {
	snap := o.snap
	snap.Results = copyResults(o.snap.Results)
	if o.snap.File != nil {
		info := *o.snap.File
		snap.File = &info
	}
	if o.snap.Deadline != nil {
		deadline := *o.snap.Deadline
		snap.Deadline = &deadline
	}
	return snap
}

func copyResults(in []predictor.Prediction) []predictor.Prediction {
	if in == nil {
		return nil
	}
	out := make([]predictor.Prediction, len(in))
	copy(out, in)
	return out
}
