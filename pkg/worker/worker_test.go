package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/tankapi/pkg/logging"
	"github.com/ormasoftchile/tankapi/pkg/protocol"
	"github.com/ormasoftchile/tankapi/pkg/stage"
)

// fakeEngine records stage calls and fails or blocks where told to.
type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	panics  map[string]bool
	block   map[string]bool
	pollRC  int
	endRC   int
	postRC  int
	blocked chan string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		errs:    map[string]error{},
		panics:  map[string]bool{},
		block:   map[string]bool{},
		endRC:   -1,
		postRC:  -1,
		blocked: make(chan string, 8),
	}
}

func (e *fakeEngine) step(ctx context.Context, name string) error {
	e.mu.Lock()
	e.calls = append(e.calls, name)
	err, blocks, panics := e.errs[name], e.block[name], e.panics[name]
	e.mu.Unlock()

	if panics {
		panic("boom in " + name)
	}
	if blocks {
		e.blocked <- name
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Lock(ctx context.Context) error         { return e.step(ctx, "lock") }
func (e *fakeEngine) Preconfigure(ctx context.Context) error { return e.step(ctx, "preconfigure") }
func (e *fakeEngine) Configure(ctx context.Context) error    { return e.step(ctx, "configure") }
func (e *fakeEngine) Prepare(ctx context.Context) error      { return e.step(ctx, "prepare") }
func (e *fakeEngine) Start(ctx context.Context) error        { return e.step(ctx, "start") }
func (e *fakeEngine) Unlock(ctx context.Context) error       { return e.step(ctx, "unlock") }

func (e *fakeEngine) Poll(ctx context.Context) (int, error) {
	if err := e.step(ctx, "poll"); err != nil {
		return 0, err
	}
	return e.pollRC, nil
}

func (e *fakeEngine) End(ctx context.Context, rc int) (int, error) {
	if err := e.step(ctx, "end"); err != nil {
		return 0, err
	}
	if e.endRC >= 0 {
		return e.endRC, nil
	}
	return rc, nil
}

func (e *fakeEngine) PostProcess(ctx context.Context, rc int) (int, error) {
	if err := e.step(ctx, "postprocess"); err != nil {
		return 0, err
	}
	if e.postRC >= 0 {
		return e.postRC, nil
	}
	return rc, nil
}

// recorder is a StatusSink that keeps every report.
type recorder struct {
	mu       sync.Mutex
	statuses []protocol.Status
	ch       chan protocol.Status
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan protocol.Status, 128)}
}

func (r *recorder) Encode(v any) error {
	st := v.(protocol.Status)
	r.mu.Lock()
	r.statuses = append(r.statuses, st)
	r.mu.Unlock()
	r.ch <- st
	return nil
}

func (r *recorder) All() []protocol.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Status(nil), r.statuses...)
}

// waitFor consumes reports until one matches.
func (r *recorder) waitFor(t *testing.T, match func(protocol.Status) bool) protocol.Status {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st := <-r.ch:
			if match(st) {
				return st
			}
		case <-timeout:
			t.Fatalf("timed out waiting for status; got %+v", r.All())
		}
	}
}

type harness struct {
	engine     *fakeEngine
	sink       *recorder
	queue      chan protocol.Breakpoint
	interrupts chan os.Signal
	dir        string
	worker     *Worker
}

func newHarness(t *testing.T, breaks ...string) *harness {
	h := &harness{
		engine:     newFakeEngine(),
		sink:       newRecorder(),
		queue:      make(chan protocol.Breakpoint, 16),
		interrupts: make(chan os.Signal, 4),
		dir:        t.TempDir(),
	}
	for _, b := range breaks {
		h.queue <- protocol.Breakpoint{Break: b}
	}
	h.worker = New(Config{
		Session:    "s1",
		WorkDir:    h.dir,
		Engine:     h.engine,
		Queue:      h.queue,
		Interrupts: h.interrupts,
		Sink:       h.sink,
		LogFiles:   true,
	})
	return h
}

func (h *harness) runAsync(ctx context.Context) <-chan Result {
	done := make(chan Result, 1)
	go func() { done <- h.worker.Run(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not finish")
		return Result{}
	}
}

func stageOf(s stage.Stage) func(protocol.Status) bool {
	return func(st protocol.Status) bool { return st.CurrentStage == string(s) }
}

func TestRun_Success(t *testing.T) {
	h := newHarness(t, "finish")
	h.engine.pollRC = 0

	res := h.worker.Run(context.Background())

	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, 0, res.Retcode)
	assert.Equal(t, 0, res.ExitCode())
	assert.Equal(t, []string{"lock", "preconfigure", "configure", "prepare", "start", "poll", "end", "postprocess", "unlock"}, h.engine.Calls())

	statuses := h.sink.All()
	var stages []string
	for _, st := range statuses {
		stages = append(stages, st.CurrentStage)
	}
	assert.Equal(t, []string{"lock", "configure", "prepare", "start", "poll", "end", "postprocess", "unlock", "finish", "finish"}, stages)

	last := statuses[len(statuses)-1]
	assert.Equal(t, protocol.StatusSuccess, last.Status)
	assert.Equal(t, "s1", last.Session)
	assert.Equal(t, "finish", last.Break)
	require.NotNil(t, last.Retcode)
	assert.Equal(t, 0, *last.Retcode)
	for _, st := range statuses[:len(statuses)-1] {
		assert.Equal(t, protocol.StatusRunning, st.Status)
	}

	onDisk, err := protocol.ReadStatusFile(h.dir)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusSuccess, onDisk.Status)

	_, err = os.Stat(filepath.Join(h.dir, FullLogFile))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.dir, BriefLogFile))
	assert.NoError(t, err)
}

func TestRun_LockFailureIsTerminal(t *testing.T) {
	h := newHarness(t, "finish")
	h.engine.errs["lock"] = errors.New("locked by pid 42")

	res := h.worker.Run(context.Background())

	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, 1, res.Retcode)
	assert.Equal(t, 1, res.ExitCode())
	assert.Equal(t, []string{"lock"}, h.engine.Calls())

	statuses := h.sink.All()
	last := statuses[len(statuses)-1]
	assert.Equal(t, protocol.StatusFailed, last.Status)
	assert.Equal(t, []protocol.Failure{{Stage: "lock", Reason: ReasonLockFailed}}, last.Failures)
	require.NotNil(t, last.Retcode)
	assert.Equal(t, 1, *last.Retcode)

	_, err := os.Stat(filepath.Join(h.dir, protocol.StatusFileName))
	assert.True(t, os.IsNotExist(err), "status file must not be written on lock failure")
}

func TestRun_CleanupRunsAfterEveryFailure(t *testing.T) {
	h := newHarness(t, "finish")
	for _, name := range []string{"start", "poll", "end", "postprocess"} {
		h.engine.errs[name] = errors.New(name + " failed")
	}

	res := h.worker.Run(context.Background())

	assert.Equal(t, protocol.StatusFailed, res.Status)
	calls := h.engine.Calls()
	assert.Contains(t, calls, "end")
	assert.Contains(t, calls, "postprocess")
	assert.Contains(t, calls, "unlock")
	assert.NotContains(t, calls, "poll", "poll is skipped once start failed")

	failures := h.worker.Failures()
	require.Len(t, failures, 3)
	assert.Equal(t, "start", failures[0].Stage)
	assert.Equal(t, "end", failures[1].Stage)
	assert.Equal(t, "postprocess", failures[2].Stage)
	assert.True(t, strings.HasPrefix(failures[0].Reason, "Exception: "))

	statuses := h.sink.All()
	assert.Equal(t, protocol.StatusFailed, statuses[len(statuses)-1].Status)
	assert.Equal(t, "finish", statuses[len(statuses)-1].CurrentStage)
}

func TestRun_UnlockFailureStillReports(t *testing.T) {
	h := newHarness(t, "finish")
	h.engine.errs["unlock"] = errors.New("lock file vanished")

	res := h.worker.Run(context.Background())

	assert.Equal(t, protocol.StatusFailed, res.Status)
	failures := h.worker.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "unlock", failures[0].Stage)
}

func TestRun_PanicBecomesFailure(t *testing.T) {
	h := newHarness(t, "finish")
	h.engine.panics["prepare"] = true

	res := h.worker.Run(context.Background())

	assert.Equal(t, protocol.StatusFailed, res.Status)
	failures := h.worker.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "prepare", failures[0].Stage)
	assert.Contains(t, failures[0].Reason, "boom in prepare")
	assert.Contains(t, h.engine.Calls(), "unlock")
}

func TestRun_RetcodeFlowsThroughCleanup(t *testing.T) {
	h := newHarness(t, "finish")
	h.engine.pollRC = 0
	h.engine.endRC = 21
	h.engine.postRC = 22

	res := h.worker.Run(context.Background())
	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, 22, res.Retcode)
}

func TestRun_SuspendsAtBreakpoint(t *testing.T) {
	h := newHarness(t, "configure")
	done := h.runAsync(context.Background())

	st := h.sink.waitFor(t, stageOf(stage.Configure))
	assert.Equal(t, protocol.StatusRunning, st.Status)
	assert.Equal(t, "configure", st.Break)

	// Earlier and unknown breakpoints are discarded; the worker stays put.
	h.queue <- protocol.Breakpoint{Break: "lock"}
	h.queue <- protocol.Breakpoint{Break: "warmup"}
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, h.engine.Calls(), "prepare")

	h.queue <- protocol.Breakpoint{Break: "prepare"}
	h.sink.waitFor(t, stageOf(stage.Prepare))
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, h.engine.Calls(), "start")

	h.queue <- protocol.Breakpoint{Break: "finish"}
	res := waitResult(t, done)
	assert.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, stage.Finish, h.worker.Breakpoint())
}

func TestRun_BreakpointNeverDecreases(t *testing.T) {
	h := newHarness(t, "prepare", "configure", "lock", "bogus")
	done := h.runAsync(context.Background())

	h.sink.waitFor(t, stageOf(stage.Prepare))
	time.Sleep(50 * time.Millisecond)

	for _, st := range h.sink.All() {
		if st.CurrentStage == "lock" {
			continue
		}
		assert.Equal(t, "prepare", st.Break)
	}
	assert.NotContains(t, h.engine.Calls(), "start")

	h.queue <- protocol.Breakpoint{Break: "finish"}
	waitResult(t, done)
}

func TestRun_InterruptDuringPollRunsCleanup(t *testing.T) {
	h := newHarness(t, "finish")
	h.engine.block["poll"] = true
	done := h.runAsync(context.Background())

	require.Equal(t, "poll", <-h.engine.blocked)
	h.interrupts <- syscall.SIGINT

	res := waitResult(t, done)
	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, []protocol.Failure{{Stage: "poll", Reason: ReasonInterrupted}}, h.worker.Failures())
	calls := h.engine.Calls()
	assert.Equal(t, []string{"end", "postprocess", "unlock"}, calls[len(calls)-3:])
}

func TestRun_TerminateWhileSuspendedDiscardsBreakpoint(t *testing.T) {
	h := newHarness(t, "configure")
	done := h.runAsync(context.Background())

	h.sink.waitFor(t, stageOf(stage.Configure))
	h.interrupts <- syscall.SIGTERM

	res := waitResult(t, done)
	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, stage.Finish, h.worker.Breakpoint())
	assert.NotContains(t, h.engine.Calls(), "prepare")
	assert.Contains(t, h.engine.Calls(), "end")
	assert.Contains(t, h.engine.Calls(), "unlock")
	assert.Equal(t, []protocol.Failure{{Stage: "configure", Reason: ReasonInterrupted}}, h.worker.Failures())
}

func TestRun_GracefulInterruptKeepsBreakpoint(t *testing.T) {
	h := newHarness(t, "configure")
	done := h.runAsync(context.Background())

	h.sink.waitFor(t, stageOf(stage.Configure))
	h.interrupts <- syscall.SIGINT

	// The failure is reported, then the worker waits at its breakpoint again
	// before entering end.
	h.sink.waitFor(t, func(st protocol.Status) bool { return len(st.Failures) == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.NotContains(t, h.engine.Calls(), "end")
	assert.Equal(t, stage.Configure, h.worker.Breakpoint())

	h.queue <- protocol.Breakpoint{Break: "finish"}
	res := waitResult(t, done)
	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Contains(t, h.engine.Calls(), "end")
	assert.Contains(t, h.engine.Calls(), "postprocess")
	assert.Contains(t, h.engine.Calls(), "unlock")
}

func TestRun_InterruptDuringShutdownSkipsToUnlock(t *testing.T) {
	h := newHarness(t, "configure")
	done := h.runAsync(context.Background())

	h.sink.waitFor(t, stageOf(stage.Configure))
	h.interrupts <- syscall.SIGINT
	h.sink.waitFor(t, func(st protocol.Status) bool { return len(st.Failures) == 1 })

	// Waiting before end: one more interrupt leaves end and postprocess.
	h.interrupts <- syscall.SIGINT
	h.sink.waitFor(t, func(st protocol.Status) bool { return len(st.Failures) == 2 })

	// Waiting before unlock: the last interrupt releases the lock.
	h.interrupts <- syscall.SIGINT
	res := waitResult(t, done)

	assert.Equal(t, protocol.StatusFailed, res.Status)
	calls := h.engine.Calls()
	assert.NotContains(t, calls, "end")
	assert.NotContains(t, calls, "postprocess")
	assert.Contains(t, calls, "unlock")
	require.Len(t, h.worker.Failures(), 3)
	for _, f := range h.worker.Failures() {
		assert.Equal(t, ReasonInterrupted, f.Reason)
	}
}

func TestRun_QueueClosedWhileSuspended(t *testing.T) {
	h := newHarness(t, "configure")
	done := h.runAsync(context.Background())

	h.sink.waitFor(t, stageOf(stage.Configure))
	close(h.queue)

	res := waitResult(t, done)
	assert.Equal(t, protocol.StatusFailed, res.Status)
	assert.Equal(t, []protocol.Failure{{Stage: "configure", Reason: ReasonQueueClosed}}, h.worker.Failures())
	assert.Contains(t, h.engine.Calls(), "unlock")
}

func TestReadQueue(t *testing.T) {
	r := strings.NewReader("{\"break\":\"configure\"}\nnot json\n{\"stage\":\"x\"}\n{\"break\":\"finish\"}\n")
	ch := ReadQueue(r, logging.NullLogger())

	var got []string
	for bp := range ch {
		got = append(got, bp.Break)
	}
	assert.Equal(t, []string{"configure", "finish"}, got)
}
