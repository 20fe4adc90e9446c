package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/allyourbase/alterd/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show alterd server status",
	RunE:  runStatus,
}

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Ask the running server to write a checkpoint image now",
	RunE:  runCheckpoint,
}

func init() {
	statusCmd.Flags().Int("port", 0, "Server port to check (default: read from PID file or 8030)")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	jsonOut := outputFormat(cmd) == "json"
	out := cmd.OutOrStdout()
	portFlag, _ := cmd.Flags().GetInt("port")

	pid, port, err := readPIDFile()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading PID file: %w", err)
	}
	if err != nil || !processAlive(pid) {
		if err == nil {
			cleanupServerFiles()
		}
		if jsonOut {
			return writeJSON(out, map[string]any{"status": "stopped"})
		}
		fmt.Fprintln(out, "alterd server is not running.")
		return nil
	}

	if portFlag != 0 {
		port = portFlag
	}
	if port == 0 {
		port = config.Default().Server.Port
	}
	ok := healthy(port)

	if jsonOut {
		return writeJSON(out, map[string]any{"status": "running", "pid": pid, "port": port, "healthy": ok})
	}
	health := "unreachable"
	if ok {
		health = "ok"
	}
	fmt.Fprintf(out, "alterd server is running.\n")
	fmt.Fprintf(out, "  PID:     %d\n", pid)
	fmt.Fprintf(out, "  Port:    %d\n", port)
	fmt.Fprintf(out, "  Health:  %s\n", health)
	return nil
}

func runCheckpoint(cmd *cobra.Command, _ []string) error {
	pid, _, err := readPIDFile()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no alterd server is running")
		}
		return fmt.Errorf("reading PID file: %w", err)
	}
	if !processAlive(pid) {
		return fmt.Errorf("no alterd server is running (stale PID file)")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := requestCheckpoint(proc); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint requested from PID %d; see `alterd logs` for the result.\n", pid)
	return nil
}
