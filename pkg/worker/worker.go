// Package worker drives one test session through the stage sequence, pausing
// at the authorized breakpoint and reporting status after every transition.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"

	log "github.com/sirupsen/logrus"

	"github.com/ormasoftchile/tankapi/pkg/logging"
	"github.com/ormasoftchile/tankapi/pkg/protocol"
	"github.com/ormasoftchile/tankapi/pkg/stage"
)

// Failure reasons reported to the manager.
const (
	ReasonLockFailed  = "Failed to obtain lock"
	ReasonInterrupted = "Interrupted"
	ReasonQueueClosed = "Command queue closed"
)

// Log files kept in the session directory once the lock is held.
const (
	FullLogFile  = "tank.log"
	BriefLogFile = "tank_brief.log"
)

var (
	errInterrupted = errors.New("interrupted")
	errQueueClosed = errors.New("command queue closed")
)

// StatusSink receives status reports; *protocol.Encoder satisfies it.
type StatusSink interface {
	Encode(v any) error
}

// Config wires a worker to its collaborators.
type Config struct {
	Session string
	WorkDir string
	Engine  Engine
	// Queue delivers breakpoint updates; closed when the manager goes away.
	Queue <-chan protocol.Breakpoint
	// Interrupts delivers termination signals.
	Interrupts <-chan os.Signal
	Sink       StatusSink
	Logger     *log.Logger
	// LogFiles adds tank.log and tank_brief.log to WorkDir after locking.
	LogFiles bool
}

// Result is the outcome of a run.
type Result struct {
	Status  protocol.StatusValue
	Retcode int
}

// ExitCode is the worker process exit code for r.
func (r Result) ExitCode() int {
	if r.Status == protocol.StatusSuccess {
		return 0
	}
	return 1
}

// Worker is the stage machine of one session. It is not safe for concurrent
// use; Run owns all of its state.
type Worker struct {
	cfg      Config
	log      *log.Entry
	breakAt  stage.Stage
	stage    stage.Stage
	failures []protocol.Failure
	hooks    []*logging.FileHook
}

// New returns a worker positioned before the lock stage with its breakpoint
// at lock.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = logging.NullLogger()
	}
	return &Worker{
		cfg:     cfg,
		log:     cfg.Logger.WithField("session", cfg.Session),
		breakAt: stage.Lock,
		stage:   stage.Initial,
	}
}

// Breakpoint returns the currently authorized breakpoint.
func (w *Worker) Breakpoint() stage.Stage { return w.breakAt }

// Failures returns a copy of the failures recorded so far.
func (w *Worker) Failures() []protocol.Failure {
	return append([]protocol.Failure(nil), w.failures...)
}

// Run performs the whole test sequence. Past the lock, end and postprocess
// are always attempted after the main stages, and unlock plus the final report
// are always attempted after those; failures are recorded, never re-thrown.
func (w *Worker) Run(ctx context.Context) Result {
	defer w.closeLogFiles()

	w.setStage(stage.Lock, false)
	if err := w.run(ctx, w.cfg.Engine.Lock); err != nil {
		w.log.WithError(err).Errorf("%s: %+v", ReasonLockFailed, err)
		w.fail(ReasonLockFailed, false)
		w.report(protocol.StatusFailed, protocol.IntPtr(1), false)
		return Result{Status: protocol.StatusFailed, Retcode: 1}
	}

	retcode := 1
	var result Result
	func() {
		defer func() {
			if r := recover(); r != nil {
				w.record(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
			}
			result = w.release(ctx, retcode)
		}()
		defer w.shutdown(ctx, &retcode)
		if err := w.perform(ctx, &retcode); err != nil {
			w.record(err)
			w.log.Info("Trying to exit gracefully...")
		}
	}()

	w.log.Infof("Done performing test with code %d", result.Retcode)
	return result
}

// perform runs the main stages up to and including poll.
func (w *Worker) perform(ctx context.Context, retcode *int) error {
	if err := w.run(ctx, w.preconfigure); err != nil {
		return err
	}
	steps := []struct {
		stage stage.Stage
		fn    func(context.Context) error
	}{
		{stage.Configure, w.cfg.Engine.Configure},
		{stage.Prepare, w.cfg.Engine.Prepare},
		{stage.Start, w.cfg.Engine.Start},
		{stage.Poll, func(ctx context.Context) error {
			code, err := w.cfg.Engine.Poll(ctx)
			if err == nil {
				*retcode = code
			}
			return err
		}},
	}
	for _, step := range steps {
		if err := w.advance(step.stage); err != nil {
			return err
		}
		if err := w.run(ctx, step.fn); err != nil {
			return err
		}
	}
	return nil
}

// shutdown attempts end and postprocess regardless of what happened before.
// An interruption while waiting at a breakpoint inside this level skips the
// rest of it.
func (w *Worker) shutdown(ctx context.Context, retcode *int) {
	if r := recover(); r != nil {
		w.record(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
	}
	steps := []struct {
		stage stage.Stage
		fn    func(context.Context, int) (int, error)
	}{
		{stage.End, w.cfg.Engine.End},
		{stage.PostProcess, w.cfg.Engine.PostProcess},
	}
	for _, step := range steps {
		if err := w.advance(step.stage); err != nil {
			w.record(err)
			if errors.Is(err, errInterrupted) {
				w.log.Info("Interrupted during test shutdown, skipping to unlock")
				return
			}
			continue
		}
		fn := step.fn
		if err := w.run(ctx, func(ctx context.Context) error {
			code, err := fn(ctx, *retcode)
			if err == nil {
				*retcode = code
			}
			return err
		}); err != nil {
			w.record(err)
		}
	}
}

// release unlocks and sends the final report. An interruption while waiting
// at the unlock breakpoint does not keep the lock held.
func (w *Worker) release(ctx context.Context, retcode int) Result {
	if err := w.advance(stage.Unlock); err != nil {
		w.record(err)
		w.setStage(stage.Unlock, true)
	}
	if err := w.call(ctx, w.cfg.Engine.Unlock); err != nil {
		w.record(err)
	}

	w.setStage(stage.Finish, true)
	status := protocol.StatusSuccess
	if len(w.failures) > 0 {
		status = protocol.StatusFailed
	}
	w.report(status, protocol.IntPtr(retcode), true)
	return Result{Status: status, Retcode: retcode}
}

func (w *Worker) preconfigure(ctx context.Context) error {
	if w.cfg.LogFiles {
		for _, f := range []struct {
			name  string
			level log.Level
		}{
			{FullLogFile, log.DebugLevel},
			{BriefLogFile, log.InfoLevel},
		} {
			hook, err := logging.AddFileHook(w.cfg.Logger, filepath.Join(w.cfg.WorkDir, f.name), f.level)
			if err != nil {
				return err
			}
			w.hooks = append(w.hooks, hook)
		}
	}
	return w.cfg.Engine.Preconfigure(ctx)
}

func (w *Worker) closeLogFiles() {
	for _, hook := range w.hooks {
		_ = hook.Close()
	}
	w.hooks = nil
}

// advance enters next once the breakpoint allows it, suspending on the queue
// until then.
func (w *Worker) advance(next stage.Stage) error {
	for {
		ok, err := stage.NotAfter(next, w.breakAt)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		w.log.Infof("Reached breakpoint %s, waiting before %s", w.breakAt, next)
		if err := w.awaitBreak(); err != nil {
			return err
		}
	}
	w.setStage(next, true)
	return nil
}

// awaitBreak blocks until the queue delivers an acceptable breakpoint or the
// worker is interrupted.
func (w *Worker) awaitBreak() error {
	for {
		select {
		case bp, ok := <-w.cfg.Queue:
			if !ok {
				w.cfg.Queue = nil
				w.log.Error("Command queue closed while waiting for a breakpoint")
				w.discardBreak()
				return errQueueClosed
			}
			if w.acceptBreak(bp) {
				return nil
			}
		case sig := <-w.cfg.Interrupts:
			w.onInterrupt(sig)
			return errInterrupted
		}
	}
}

// acceptBreak applies bp if it names a known stage no earlier than the current
// breakpoint.
func (w *Worker) acceptBreak(bp protocol.Breakpoint) bool {
	next, err := bp.Stage()
	if err != nil {
		w.log.Errorf("Manager requested break at an unknown stage: %q", bp.Break)
		return false
	}
	earlier, _ := stage.Before(next, w.breakAt)
	if earlier {
		w.log.Errorf("Received break %s which is earlier than current next break %s", next, w.breakAt)
		return false
	}
	w.log.Infof("Changing the next break from %s to %s", w.breakAt, next)
	w.breakAt = next
	return true
}

func (w *Worker) onInterrupt(sig os.Signal) {
	w.log.Infof("Received %v, trying to exit gracefully...", sig)
	if discardsBreakpoint(sig) {
		w.discardBreak()
	}
}

func (w *Worker) discardBreak() {
	if w.breakAt != stage.Finish {
		w.log.Infof("Discarding breakpoint %s", w.breakAt)
		w.breakAt = stage.Finish
	}
}

// run executes fn for the current stage. An interruption cancels fn's context
// and waits for it to return; panics become errors.
func (w *Worker) run(ctx context.Context, fn func(context.Context) error) error {
	stageCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- protect(stageCtx, fn)
	}()

	select {
	case err := <-done:
		return err
	case sig := <-w.cfg.Interrupts:
		w.onInterrupt(sig)
		cancel()
		<-done
		return errInterrupted
	}
}

// call executes fn without watching for interrupts.
func (w *Worker) call(ctx context.Context, fn func(context.Context) error) error {
	return protect(ctx, fn)
}

func protect(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

// record turns err into a failure of the current stage.
func (w *Worker) record(err error) {
	switch {
	case errors.Is(err, errInterrupted):
		w.log.Info("Interrupted")
		w.fail(ReasonInterrupted, true)
	case errors.Is(err, errQueueClosed):
		w.fail(ReasonQueueClosed, true)
	default:
		w.log.Errorf("Exception occurred in stage %s: %+v", w.stage, err)
		w.fail("Exception: "+err.Error(), true)
	}
}

func (w *Worker) setStage(s stage.Stage, dump bool) {
	w.stage = s
	w.report(protocol.StatusRunning, nil, dump)
}

func (w *Worker) fail(reason string, dump bool) {
	w.failures = append(w.failures, protocol.Failure{Stage: string(w.stage), Reason: reason})
	w.report(protocol.StatusRunning, nil, dump)
}

func (w *Worker) report(status protocol.StatusValue, retcode *int, dump bool) {
	msg := protocol.Status{
		Status:       status,
		Session:      w.cfg.Session,
		CurrentStage: string(w.stage),
		Break:        string(w.breakAt),
		Failures:     w.Failures(),
		Retcode:      retcode,
	}
	if w.cfg.Sink != nil {
		if err := w.cfg.Sink.Encode(msg); err != nil {
			w.log.WithError(err).Error("Failed to report status to manager")
		}
	}
	if dump && w.cfg.WorkDir != "" {
		if err := protocol.WriteStatusFile(w.cfg.WorkDir, msg); err != nil {
			w.log.WithError(err).Error("Failed to write status file")
		}
	}
}
