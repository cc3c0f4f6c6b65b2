// Package tank is a command-driven test engine: it takes the host run lock,
// merges the layered .ini configuration, runs hook commands around the test
// and supervises the load command itself.
package tank

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// Files written to the session directory.
const (
	HooksLogFile = "hooks.log"
	LoadLogFile  = "load.log"
)

// Options configures an Engine.
type Options struct {
	Session string
	WorkDir string
	LockDir string
	// ConfigDirs overrides the default config layers.
	ConfigDirs            []string
	IgnoreMachineDefaults bool
	Logger                log.FieldLogger
}

// Engine runs one session. Methods are called by a single worker goroutine
// in stage order.
type Engine struct {
	opts Options
	log  log.FieldLogger

	lock     *Lock
	config   *ini.File
	settings Settings
	failIf   *vm.Program
	hooks    *HookRunner
	hooksLog *os.File

	load     *exec.Cmd
	loadLog  *os.File
	loadDone chan struct{}
	started  time.Time
	reapOnce sync.Once
}

// New returns an engine for opts.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Engine{opts: opts, log: logger.WithField("component", "tank")}
}

// Settings returns the parsed settings; valid after Configure.
func (e *Engine) Settings() Settings { return e.settings }

// Lock takes the host-wide run lock.
func (e *Engine) Lock(ctx context.Context) error {
	if err := os.MkdirAll(e.opts.LockDir, 0o755); err != nil {
		return errors.Wrapf(err, "create lock dir %s", e.opts.LockDir)
	}
	lock, err := AcquireLock(e.opts.LockDir, e.opts.Session)
	if err != nil {
		return err
	}
	e.lock = lock
	e.log.Infof("Acquired lock %s", filepath.Join(e.opts.LockDir, LockFileName))
	return nil
}

// Preconfigure merges the config layers and opens hooks.log.
func (e *Engine) Preconfigure(ctx context.Context) error {
	dirs := e.opts.ConfigDirs
	if dirs == nil {
		dirs = ConfigLayers(e.opts.WorkDir, e.opts.IgnoreMachineDefaults)
	}
	cfg, err := LoadConfigs(DiscoverConfigs(dirs, e.log))
	if err != nil {
		return err
	}
	e.config = cfg

	f, err := os.OpenFile(filepath.Join(e.opts.WorkDir, HooksLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open hooks log")
	}
	e.hooksLog = f
	return nil
}

// Configure parses and validates the merged config, then runs configure hooks.
func (e *Engine) Configure(ctx context.Context) error {
	if e.config == nil {
		return errors.New("configure called before preconfigure")
	}
	settings, err := ParseSettings(e.config)
	if err != nil {
		return err
	}
	program, err := compileFailIf(settings.FailIf)
	if err != nil {
		return err
	}
	e.settings = settings
	e.failIf = program
	e.hooks = &HookRunner{
		Shell:   settings.Shell,
		Dir:     e.opts.WorkDir,
		Env:     e.environ(),
		Out:     e.hooksLog,
		Timeout: settings.HookTimeout,
		Log:     e.log,
	}
	return e.runHooks(ctx, PhaseConfigure)
}

// Prepare runs prepare hooks.
func (e *Engine) Prepare(ctx context.Context) error {
	return e.runHooks(ctx, PhasePrepare)
}

// Start launches the load command in its own process group. The command
// outlives ctx; Poll and End own its lifetime.
func (e *Engine) Start(ctx context.Context) error {
	if e.hooks == nil {
		return errors.New("start called before configure")
	}
	f, err := os.OpenFile(filepath.Join(e.opts.WorkDir, LoadLogFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "open load log")
	}

	cmd := exec.Command(e.settings.Shell, "-c", e.settings.LoadCommand)
	cmd.Dir = e.opts.WorkDir
	cmd.Env = append(os.Environ(), e.environ()...)
	cmd.Stdout = f
	cmd.Stderr = f
	ownGroup(cmd)
	if err := cmd.Start(); err != nil {
		f.Close()
		return errors.Wrapf(err, "start load command %q", e.settings.LoadCommand)
	}

	e.load = cmd
	e.loadLog = f
	e.loadDone = make(chan struct{})
	e.started = time.Now()
	go func() {
		if err := cmd.Wait(); err != nil {
			e.log.WithError(err).Debug("Load command exited")
		}
		close(e.loadDone)
	}()
	e.log.Infof("Started load command %q (pid %d)", e.settings.LoadCommand, cmd.Process.Pid)
	// A worker killed outright cannot reap the group; the next lock taker can.
	if e.lock != nil {
		if err := e.lock.SetLoadGroup(cmd.Process.Pid); err != nil {
			e.log.WithError(err).Warn("Failed to record load group in lock")
		}
	}
	return nil
}

// Poll waits for the load command. Its exit code is the test result, forced
// to 1 when fail_if holds.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	if e.load == nil {
		return 1, errors.New("poll called before start")
	}
	select {
	case <-e.loadDone:
	case <-ctx.Done():
		e.reap()
		return 1, ctx.Err()
	}

	retcode := exitStatus(e.load.ProcessState)
	e.log.Infof("Load command finished with code %d", retcode)

	failed, err := evalFailIf(e.failIf, pollEnv(retcode, time.Since(e.started), e.opts.Session))
	if err != nil {
		return retcode, err
	}
	if failed {
		e.log.Warnf("fail_if %q is true, marking test as failed", e.settings.FailIf)
		retcode = 1
	}
	return retcode, nil
}

// End stops a load command that is still running and runs end hooks.
func (e *Engine) End(ctx context.Context, retcode int) (int, error) {
	e.reap()
	return retcode, e.runHooks(ctx, PhaseEnd, "TANK_RETCODE="+strconv.Itoa(retcode))
}

// PostProcess runs postprocess hooks.
func (e *Engine) PostProcess(ctx context.Context, retcode int) (int, error) {
	return retcode, e.runHooks(ctx, PhasePostProcess, "TANK_RETCODE="+strconv.Itoa(retcode))
}

// Unlock releases the run lock and closes the engine's files.
func (e *Engine) Unlock(ctx context.Context) error {
	e.reap()
	for _, f := range []*os.File{e.hooksLog, e.loadLog} {
		if f != nil {
			f.Close()
		}
	}
	e.hooksLog, e.loadLog = nil, nil
	if e.lock == nil {
		return nil
	}
	err := e.lock.Release()
	e.lock = nil
	return err
}

// reap kills the load process group if it is still running and waits for it.
func (e *Engine) reap() {
	if e.load == nil {
		return
	}
	e.reapOnce.Do(func() {
		select {
		case <-e.loadDone:
		default:
			e.log.Warn("Load command still running, killing it")
			if err := killGroup(e.load); err != nil {
				e.log.WithError(err).Error("Failed to kill load command")
			}
			<-e.loadDone
		}
		if e.lock != nil {
			if err := e.lock.SetLoadGroup(0); err != nil {
				e.log.WithError(err).Warn("Failed to clear load group from lock")
			}
		}
	})
}

func (e *Engine) runHooks(ctx context.Context, phase string, extraEnv ...string) error {
	if e.hooks == nil {
		return nil
	}
	commands := e.settings.Hooks[phase]
	if len(commands) == 0 {
		return nil
	}
	e.log.Infof("Running %d %s hook(s)", len(commands), phase)
	env := append([]string{"TANK_STAGE=" + phase}, extraEnv...)
	return e.hooks.Run(ctx, phase, commands, env...)
}

func (e *Engine) environ() []string {
	return []string{
		"TANK_SESSION=" + e.opts.Session,
		"TANK_WORK_DIR=" + e.opts.WorkDir,
		fmt.Sprintf("TANK_WORKER_PID=%d", os.Getpid()),
	}
}
