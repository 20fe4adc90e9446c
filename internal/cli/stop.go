package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/allyourbase/alterd/internal/cli/ui"
	"github.com/allyourbase/alterd/internal/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the alterd server",
	Long: `Stop a running alterd server gracefully. Scheduler passes in flight
finish and, with images enabled, a final checkpoint is written.`,
	RunE: runStop,
}

// processAlive reports whether pid names a running process.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

func runStop(cmd *cobra.Command, _ []string) error {
	jsonOut := outputFormat(cmd) == "json"
	out := cmd.OutOrStdout()
	report := func(status, text string, pid int) error {
		if jsonOut {
			v := map[string]any{"status": status}
			if pid != 0 {
				v["pid"] = pid
			}
			return writeJSON(out, v)
		}
		fmt.Fprintln(out, text)
		return nil
	}

	pid, _, err := readPIDFile()
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading PID file: %w", err)
		}
		// No PID file: something may still hold the default port, e.g. a
		// foreground server killed without cleanup.
		if port := config.Default().Server.Port; portInUse(port) {
			return report("orphan", fmt.Sprintf("No PID file found, but port %d is in use.\n\n"+
				"  Find the process with:\n    lsof -ti :%d", port, port), 0)
		}
		return report("not_running", "No alterd server is running (no PID file found).", 0)
	}

	if !processAlive(pid) {
		cleanupServerFiles()
		return report("not_running", "No alterd server is running (stale PID file cleaned up).", 0)
	}
	proc, _ := os.FindProcess(pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("sending SIGTERM to PID %d: %w", pid, err)
	}

	sp := ui.NewStepSpinner(os.Stderr, !colorEnabled())
	sp.Start("Stopping server...")

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		if !processAlive(pid) {
			sp.Done()
			cleanupServerFiles()
			return report("stopped", fmt.Sprintf("alterd server (PID %d) stopped.", pid), pid)
		}
	}

	// Graceful shutdown timed out: escalate to SIGKILL.
	sp.Fail()
	if err := proc.Signal(syscall.SIGKILL); err == nil {
		time.Sleep(time.Second)
	}
	cleanupServerFiles()
	return report("killed", fmt.Sprintf("alterd server (PID %d) force-stopped (SIGKILL).", pid), pid)
}
