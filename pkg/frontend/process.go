package frontend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/ormasoftchile/tankapi/pkg/protocol"
)

var errNotACommand = errors.New("front-end may only send commands")

// Process is a front-end running as a child process: its stdout carries
// commands, its stdin receives statuses. It is alive while the process runs.
type Process struct {
	*conn
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

// StartProcess launches argv. Its stderr is copied to stderr with a prefix.
func StartProcess(ctx context.Context, argv []string, inbox chan<- protocol.Message, stderr io.Writer, opts Options) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("front-end command is empty")
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
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
		return nil, fmt.Errorf("start front-end %q: %w", argv[0], err)
	}
	outW.Close()
	errW.Close()

	p := &Process{
		conn:   newConn(stdin, opts),
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	name := argv[0]
	p.group.Go(func() error {
		defer outR.Close()
		return p.pump(outR, inbox)
	})
	p.group.Go(func() error {
		defer errR.Close()
		scanner := bufio.NewScanner(errR)
		scanner.Buffer(make([]byte, 64*1024), protocol.MaxLineSize)
		for scanner.Scan() {
			fmt.Fprintf(stderr, "  [%s] %s\n", name, scanner.Text())
		}
		return nil
	})
	p.group.Go(func() error {
		defer close(p.exited)
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("front-end %q: %w", name, err)
		}
		return nil
	})

	p.log.Infof("Started front-end %q (pid %d)", name, cmd.Process.Pid)
	return p, nil
}

// Send writes st to the front-end's stdin.
func (p *Process) Send(st protocol.Status) error {
	if !p.Alive() {
		return errors.New("front-end has exited")
	}
	return p.send(st)
}

// Alive reports whether the front-end process is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Close kills a running front-end and stops forwarding its commands.
func (p *Process) Close() {
	p.halt()
	_ = p.stdin.Close()
	if p.Alive() {
		_ = p.cmd.Process.Kill()
	}
}

// Wait returns once the process has exited and its output is drained. The
// error is the process exit error, if any.
func (p *Process) Wait() error { return p.group.Wait() }
