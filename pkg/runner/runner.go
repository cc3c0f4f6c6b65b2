// Package runner owns the manager's handle on one worker process: its
// breakpoint queue, its output stream and its OS process.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ormasoftchile/tankapi/pkg/protocol"
)

// LoadConfigName is the session config file inside the session directory.
const LoadConfigName = "load.ini"

// Config describes how workers are spawned.
type Config struct {
	// Executable defaults to the running binary.
	Executable string
	// Args precede the worker subcommand and its flags.
	Args                  []string
	Env                   []string
	TestsDir              string
	LockDir               string
	IgnoreMachineDefaults bool
	// Stderr receives the worker's stderr, prefixed per line.
	Stderr io.Writer
	Logger log.FieldLogger
	// OnProtocolError is called for every undecodable worker line.
	OnProtocolError func(error)
}

// Process is a running or exited worker.
type Process struct {
	session string
	dir     string
	cmd     *exec.Cmd
	log     log.FieldLogger

	queue *protocol.Encoder
	stdin io.WriteCloser

	done       chan struct{}
	readerDone chan struct{}
	closing    chan struct{}
	closeOnce  sync.Once
	exitCode   int
}

// Start prepares the session directory, spawns a worker bound to it and
// queues firstBreak. Messages the worker prints are decoded and sent to
// inbox until its stdout closes.
func Start(ctx context.Context, cfg Config, inbox chan<- protocol.Message, session, config, firstBreak string) (*Process, error) {
	if err := validSession(session); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger = logger.WithField("session", session)

	dir := filepath.Join(cfg.TestsDir, session)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, LoadConfigName), []byte(config), 0o644); err != nil {
		return nil, fmt.Errorf("write session config: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exe := cfg.Executable
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return nil, fmt.Errorf("locate worker binary: %w", err)
		}
	}
	args := append(append([]string(nil), cfg.Args...),
		"worker", "--session", session, "--work-dir", dir, "--lock-dir", cfg.LockDir)
	if cfg.IgnoreMachineDefaults {
		args = append(args, "--ignore-machine-defaults")
	}

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	detach(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	// Plain pipes, so reading output is independent of cmd.Wait.
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("create stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, fmt.Errorf("start worker: %w", err)
	}
	outW.Close()
	errW.Close()

	p := &Process{
		session:    session,
		dir:        dir,
		cmd:        cmd,
		log:        logger,
		queue:      protocol.NewEncoder(stdin),
		stdin:      stdin,
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		closing:    make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		p.exitCode = exitStatus(cmd.ProcessState)
		close(p.done)
	}()
	go p.readOutput(outR, inbox, cfg.OnProtocolError)
	go p.relayStderr(errR, cfg.Stderr)

	logger.Infof("Started worker pid %d in %s", cmd.Process.Pid, dir)
	if err := p.SetBreak(firstBreak); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func validSession(session string) error {
	if session == "" || session == "." || session == ".." || strings.ContainsAny(session, `/\`) {
		return fmt.Errorf("invalid session id %q", session)
	}
	return nil
}

func (p *Process) readOutput(r io.ReadCloser, inbox chan<- protocol.Message, onError func(error)) {
	defer close(p.readerDone)
	defer r.Close()

	lr := protocol.NewLineReader(r)
	for {
		line, err := lr.Next()
		if err != nil {
			if err != io.EOF {
				p.log.WithError(err).Error("Reading worker output failed")
			}
			return
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			p.log.WithError(err).Errorf("Malformed message from worker: %s", line)
			if onError != nil {
				onError(err)
			}
			continue
		}
		select {
		case inbox <- msg:
		case <-p.closing:
			return
		}
	}
}

func (p *Process) relayStderr(r io.ReadCloser, w io.Writer) {
	defer r.Close()
	if w == nil {
		w = os.Stderr
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineSize)
	for scanner.Scan() {
		fmt.Fprintf(w, "  [worker %s] %s\n", p.session, scanner.Text())
	}
}

// Session returns the session id.
func (p *Process) Session() string { return p.session }

// Dir returns the session directory.
func (p *Process) Dir() string { return p.dir }

// Pid returns the worker's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// SetBreak queues a breakpoint update. Ordering is the worker's business.
func (p *Process) SetBreak(stage string) error {
	if err := p.queue.Encode(protocol.Breakpoint{Break: stage}); err != nil {
		return fmt.Errorf("send breakpoint %s: %w", stage, err)
	}
	return nil
}

// IsAlive reports whether the worker has not exited yet.
func (p *Process) IsAlive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code once the worker has exited. Signalled
// workers report 128+signal.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// Stop interrupts the worker. With discardBreak it is terminated instead,
// so it runs its cleanup without waiting at the breakpoint. A no-op once the
// worker has exited.
func (p *Process) Stop(discardBreak bool) error {
	if !p.IsAlive() {
		return nil
	}
	sig := syscall.SIGINT
	if discardBreak {
		sig = syscall.SIGTERM
	}
	p.log.Infof("Sending %v to worker", sig)
	if err := p.cmd.Process.Signal(sig); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("signal worker: %w", err)
	}
	return nil
}

// Join blocks until the worker exits or ctx is done.
func (p *Process) Join(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitOutput waits up to timeout for the worker's stdout to be fully read.
func (p *Process) WaitOutput(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.readerDone:
		return true
	case <-t.C:
		return false
	}
}

// Close terminates a still-running worker and releases its queue.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		if err := p.Stop(true); err != nil {
			p.log.WithError(err).Warn("Failed to stop worker")
		}
		_ = p.stdin.Close()
		close(p.closing)
	})
}
