package runner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
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
)

// TestHelperProcess is not a real test. It stands in for the worker binary
// when re-executed with GO_WANT_HELPER_PROCESS=1; HELPER_MODE picks a
// behaviour.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) > 0 {
		args = args[1:]
	}
	os.Exit(helperMain(args))
}

func flagValue(args []string, name string) string {
	for i, a := range args {
		if a == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func helperMain(args []string) int {
	session := flagValue(args, "--session")
	workDir := flagValue(args, "--work-dir")
	_ = os.WriteFile(filepath.Join(workDir, "args.txt"), []byte(strings.Join(args, " ")), 0o644)

	out := protocol.NewEncoder(os.Stdout)
	status := func(v protocol.StatusValue, br string, failures ...protocol.Failure) {
		_ = out.Encode(protocol.Status{Status: v, Session: session, CurrentStage: "configure", Break: br, Failures: failures})
	}
	fmt.Fprintln(os.Stderr, "helper starting")

	switch os.Getenv("HELPER_MODE") {
	case "crash":
		status(protocol.StatusRunning, "lock")
		return 137
	case "garbage":
		fmt.Println("this is not json")
		status(protocol.StatusRunning, "lock")
		return 0
	case "signals":
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		status(protocol.StatusRunning, "lock")
		sig := <-sigs
		br := "lock"
		if sig == syscall.SIGTERM {
			br = "finish"
		}
		status(protocol.StatusFailed, br, protocol.Failure{Stage: "configure", Reason: "Interrupted"})
		return 1
	default:
		lr := protocol.NewLineReader(os.Stdin)
		for {
			line, err := lr.Next()
			if err != nil {
				return 3
			}
			bp, err := protocol.DecodeBreakpoint(line)
			if err != nil {
				return 4
			}
			if bp.Break == "finish" {
				status(protocol.StatusSuccess, bp.Break)
				return 0
			}
			status(protocol.StatusRunning, bp.Break)
		}
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func helperConfig(t *testing.T, mode string) (Config, *syncBuffer) {
	stderr := &syncBuffer{}
	return Config{
		Executable: os.Args[0],
		Args:       []string{"-test.run=TestHelperProcess", "--"},
		Env:        []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		TestsDir:   t.TempDir(),
		LockDir:    t.TempDir(),
		Stderr:     stderr,
		Logger:     logging.NullLogger(),
	}, stderr
}

func receive(t *testing.T, inbox <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case msg := <-inbox:
		return msg
	case <-time.After(10 * time.Second):
		t.Fatal("no message from worker")
		return protocol.Message{}
	}
}

func join(t *testing.T, p *Process) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.Join(ctx))
}

func TestStart_RelaysStatusesAndBreakpoints(t *testing.T) {
	cfg, stderr := helperConfig(t, "echo")
	cfg.IgnoreMachineDefaults = true
	inbox := make(chan protocol.Message, 8)

	p, err := Start(context.Background(), cfg, inbox, "s1", "[load]\ncommand = true\n", "configure")
	require.NoError(t, err)
	defer p.Close()

	msg := receive(t, inbox)
	require.Equal(t, protocol.KindStatus, msg.Kind)
	assert.Equal(t, "configure", msg.Status.Break)
	assert.Equal(t, "s1", msg.Status.Session)
	assert.True(t, p.IsAlive())
	_, exited := p.ExitCode()
	assert.False(t, exited)

	require.NoError(t, p.SetBreak("finish"))
	msg = receive(t, inbox)
	assert.Equal(t, protocol.StatusSuccess, msg.Status.Status)

	join(t, p)
	code, exited := p.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, 0, code)
	assert.False(t, p.IsAlive())
	assert.True(t, p.WaitOutput(5*time.Second))

	config, err := os.ReadFile(filepath.Join(cfg.TestsDir, "s1", LoadConfigName))
	require.NoError(t, err)
	assert.Equal(t, "[load]\ncommand = true\n", string(config))

	argv, err := os.ReadFile(filepath.Join(p.Dir(), "args.txt"))
	require.NoError(t, err)
	assert.Equal(t,
		"worker --session s1 --work-dir "+p.Dir()+" --lock-dir "+cfg.LockDir+" --ignore-machine-defaults",
		string(argv))

	assert.Eventually(t, func() bool {
		return strings.Contains(stderr.String(), "[worker s1] helper starting")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStart_CrashExitCode(t *testing.T) {
	cfg, _ := helperConfig(t, "crash")
	inbox := make(chan protocol.Message, 8)

	p, err := Start(context.Background(), cfg, inbox, "s1", "", "lock")
	require.NoError(t, err)
	defer p.Close()

	join(t, p)
	code, exited := p.ExitCode()
	assert.True(t, exited)
	assert.Equal(t, 137, code)
	require.True(t, p.WaitOutput(5*time.Second))
	msg := receive(t, inbox)
	assert.Equal(t, protocol.StatusRunning, msg.Status.Status)
}

func TestStart_MalformedOutputIsDropped(t *testing.T) {
	cfg, _ := helperConfig(t, "garbage")
	var protoErrs int
	var mu sync.Mutex
	cfg.OnProtocolError = func(error) {
		mu.Lock()
		protoErrs++
		mu.Unlock()
	}
	inbox := make(chan protocol.Message, 8)

	p, err := Start(context.Background(), cfg, inbox, "s1", "", "lock")
	require.NoError(t, err)
	defer p.Close()

	msg := receive(t, inbox)
	assert.Equal(t, protocol.KindStatus, msg.Kind)
	require.True(t, p.WaitOutput(10*time.Second))
	mu.Lock()
	assert.Equal(t, 1, protoErrs)
	mu.Unlock()
}

func TestStop(t *testing.T) {
	for _, tc := range []struct {
		name    string
		discard bool
		break_  string
	}{
		{"interrupt keeps breakpoint", false, "lock"},
		{"terminate discards breakpoint", true, "finish"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, _ := helperConfig(t, "signals")
			inbox := make(chan protocol.Message, 8)
			p, err := Start(context.Background(), cfg, inbox, "s1", "", "lock")
			require.NoError(t, err)
			defer p.Close()

			receive(t, inbox) // handler installed

			require.NoError(t, p.Stop(tc.discard))
			msg := receive(t, inbox)
			assert.Equal(t, protocol.StatusFailed, msg.Status.Status)
			assert.Equal(t, tc.break_, msg.Status.Break)

			join(t, p)
			code, _ := p.ExitCode()
			assert.Equal(t, 1, code)
			assert.NoError(t, p.Stop(true), "stop after exit is a no-op")
		})
	}
}

func TestClose_TerminatesWorker(t *testing.T) {
	cfg, _ := helperConfig(t, "signals")
	inbox := make(chan protocol.Message, 8)
	p, err := Start(context.Background(), cfg, inbox, "s1", "", "lock")
	require.NoError(t, err)
	receive(t, inbox)

	p.Close()
	p.Close()
	join(t, p)
	assert.False(t, p.IsAlive())
}

func TestStart_Errors(t *testing.T) {
	cfg, _ := helperConfig(t, "echo")
	inbox := make(chan protocol.Message, 1)

	for _, id := range []string{"", "..", "a/b"} {
		_, err := Start(context.Background(), cfg, inbox, id, "", "lock")
		assert.Error(t, err, "session %q", id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Start(ctx, cfg, inbox, "s1", "", "lock")
	assert.ErrorIs(t, err, context.Canceled)

	cfg.Executable = filepath.Join(t.TempDir(), "missing-binary")
	_, err = Start(context.Background(), cfg, inbox, "s2", "", "lock")
	assert.ErrorContains(t, err, "start worker")
}

func TestJoin_RespectsContext(t *testing.T) {
	cfg, _ := helperConfig(t, "signals")
	inbox := make(chan protocol.Message, 8)
	p, err := Start(context.Background(), cfg, inbox, "s1", "", "lock")
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Join(ctx), context.DeadlineExceeded)
	assert.False(t, p.WaitOutput(10*time.Millisecond))
}
