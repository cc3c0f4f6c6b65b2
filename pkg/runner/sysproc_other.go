//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

func detach(*exec.Cmd) {}

func exitStatus(state *os.ProcessState) int { return state.ExitCode() }
