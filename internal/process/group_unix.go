//go:build !windows

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
)

// member is one live process of a supervised group.
type member struct {
	pid   int
	start int64 // procStartMillis at enumeration time
}

// setProcessGroup puts the child in a new process group whose id equals its
// pid, so the whole tree can be signalled together.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers the stage's signal to every process in the group.
// A group that is already gone counts as success.
func signalGroup(pgid int, st Stage) error {
	sig := syscall.SIGINT
	if st == StageTerminate {
		sig = syscall.SIGTERM
	}
	return ignoreGone(syscall.Kill(-pgid, sig))
}

// killMember force-kills one process unless its pid now belongs to a
// different process than the one enumerated.
func killMember(m member) error {
	if m.start != 0 {
		if now := procStartMillis(m.pid); now != 0 && now != m.start {
			return nil
		}
	}
	return ignoreGone(syscall.Kill(m.pid, syscall.SIGKILL))
}

func ignoreGone(err error) error {
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// exitCode maps a finished process to a shell-style code: the exit status,
// or 128+signal when it was killed by a signal.
func exitCode(ps *os.ProcessState) int {
	if ps == nil {
		return SpawnFailedCode
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
