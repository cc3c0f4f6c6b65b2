//go:build !unix

package tank

import (
	"os"
	"os/exec"
)

// processAlive cannot probe other processes here; a lock is never
// considered stale.
func processAlive(pid int) bool { return pid > 0 }

func ownGroup(*exec.Cmd) {}

func killGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// killProcessGroup has no process groups to reach here.
func killProcessGroup(int) error { return nil }

func exitStatus(state *os.ProcessState) int { return state.ExitCode() }
