//go:build !windows

package cli

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

const canDetach = true

// detach starts the child in its own session so it survives the parent
// terminal closing.
func detach(child *exec.Cmd) {
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// checkpointRequests delivers SIGUSR1, which asks a running node for an
// immediate checkpoint image.
func checkpointRequests() <-chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	return ch
}

func requestCheckpoint(proc *os.Process) error {
	return proc.Signal(syscall.SIGUSR1)
}
