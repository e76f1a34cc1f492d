//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// configureDaemonAttrs starts the child in its own session so it outlives
// the terminal
func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
