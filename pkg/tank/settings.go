package tank

import (
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// Hook phases read from the [hooks] section.
const (
	PhaseConfigure   = "configure"
	PhasePrepare     = "prepare"
	PhaseEnd         = "end"
	PhasePostProcess = "postprocess"
)

var hookPhases = []string{PhaseConfigure, PhasePrepare, PhaseEnd, PhasePostProcess}

// Settings is the part of the merged config the engine acts on.
type Settings struct {
	// Shell runs hook and load commands with -c.
	Shell       string
	HookTimeout time.Duration
	LoadCommand string
	Hooks       map[string][]string
	// FailIf is a boolean expression over retcode, duration and session.
	FailIf string
}

// ParseSettings reads [tank], [load], [hooks] and [autostop].
func ParseSettings(cfg *ini.File) (Settings, error) {
	tank := cfg.Section("tank")
	s := Settings{
		Shell:       tank.Key("shell").MustString("/bin/sh"),
		HookTimeout: tank.Key("hook_timeout").MustDuration(0),
		LoadCommand: strings.TrimSpace(cfg.Section("load").Key("command").String()),
		FailIf:      strings.TrimSpace(cfg.Section("autostop").Key("fail_if").String()),
		Hooks:       map[string][]string{},
	}
	if s.LoadCommand == "" {
		return s, errors.New("[load] command is not set")
	}

	hooks := cfg.Section("hooks")
	for _, phase := range hookPhases {
		if !hooks.HasKey(phase) {
			continue
		}
		for _, v := range hooks.Key(phase).ValueWithShadows() {
			if v = strings.TrimSpace(v); v != "" {
				s.Hooks[phase] = append(s.Hooks[phase], v)
			}
		}
	}
	return s, nil
}

// pollEnv is the variable set visible to fail_if.
func pollEnv(retcode int, duration time.Duration, session string) map[string]any {
	return map[string]any{
		"retcode":  retcode,
		"duration": duration.Seconds(),
		"session":  session,
	}
}

// compileFailIf returns nil for an empty expression.
func compileFailIf(src string) (*vm.Program, error) {
	if src == "" {
		return nil, nil
	}
	program, err := expr.Compile(src, expr.Env(pollEnv(0, 0, "")), expr.AsBool())
	if err != nil {
		return nil, errors.Wrapf(err, "compile fail_if %q", src)
	}
	return program, nil
}

func evalFailIf(program *vm.Program, env map[string]any) (bool, error) {
	if program == nil {
		return false, nil
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, errors.Wrap(err, "eval fail_if")
	}
	result, ok := out.(bool)
	if !ok {
		return false, errors.Errorf("fail_if did not return bool (got %T)", out)
	}
	return result, nil
}
