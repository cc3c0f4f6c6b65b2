package tank

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// HookResult is the outcome of one hook command.
type HookResult struct {
	Command  string
	ExitCode int
	Duration time.Duration
}

// HookRunner runs shell commands with the session environment, appending
// their combined output to Out.
type HookRunner struct {
	Shell   string
	Dir     string
	Env     []string
	Out     io.Writer
	Timeout time.Duration
	Log     log.FieldLogger
}

// Run executes every command of a phase in order. All of them are attempted;
// failures are aggregated.
func (r *HookRunner) Run(ctx context.Context, phase string, commands []string, extraEnv ...string) error {
	var result *multierror.Error
	for _, command := range commands {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "%s hook %q not run", phase, command))
			continue
		}
		res, err := r.execute(ctx, command, extraEnv)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "%s hook", phase))
			continue
		}
		r.Log.Infof("%s hook %q exited with %d after %s", phase, command, res.ExitCode, res.Duration.Round(time.Millisecond))
		if res.ExitCode != 0 {
			result = multierror.Append(result, errors.Errorf("%s hook %q exited with code %d", phase, command, res.ExitCode))
		}
	}
	return result.ErrorOrNil()
}

func (r *HookRunner) execute(ctx context.Context, command string, extraEnv []string) (*HookResult, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.Shell, "-c", command)
	cmd.Dir = r.Dir
	cmd.Env = append(append(os.Environ(), r.Env...), extraEnv...)
	out := r.Out
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintf(out, "==> %s $ %s\n", start.Format(time.RFC3339), command)
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errors.Wrapf(err, "execute %q", command)
		}
		exitCode = exitStatus(exitErr.ProcessState)
	}
	return &HookResult{Command: command, ExitCode: exitCode, Duration: duration}, nil
}
