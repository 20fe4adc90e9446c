//go:build windows

package cli

import (
	"errors"
	"os"
	"os/exec"
)

const canDetach = false

func detach(*exec.Cmd) {}

// checkpointRequests never fires: Windows has no SIGUSR1. Images are still
// written by the periodic loop and at shutdown.
func checkpointRequests() <-chan os.Signal {
	return make(chan os.Signal)
}

func requestCheckpoint(*os.Process) error {
	return errors.New("checkpoint requests are not supported on Windows; images are written on the configured interval")
}
