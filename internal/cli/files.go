package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// homeDirOverride replaces ~/.alterd in tests.
var homeDirOverride string

// stateDir returns ~/.alterd, creating it if needed.
func stateDir() (string, error) {
	dir := homeDirOverride
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".alterd")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func pidFilePath() (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "alterd.pid"), nil
}

func adminPasswordPath() (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "admin-token"), nil
}

// writePIDFile records the server PID and port for stop, status and the
// admin commands.
func writePIDFile(pid, port int) error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n%d", pid, port)), 0o644)
}

// readPIDFile returns the PID and port of the running server.
func readPIDFile() (int, int, error) {
	path, err := pidFilePath()
	if err != nil {
		return 0, 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}
	lines := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)
	if len(lines) == 0 || lines[0] == "" {
		return 0, 0, fmt.Errorf("empty pid file")
	}
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("parsing pid: %w", err)
	}
	var port int
	if len(lines) > 1 && strings.TrimSpace(lines[1]) != "" {
		if port, err = strconv.Atoi(strings.TrimSpace(lines[1])); err != nil {
			return 0, 0, fmt.Errorf("parsing port: %w", err)
		}
	}
	return pid, port, nil
}

func writeAdminPassword(password string) error {
	path, err := adminPasswordPath()
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(password), 0o600)
}

func readAdminPassword() (string, error) {
	path, err := adminPasswordPath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// cleanupServerFiles removes the PID and admin password files left by a run.
func cleanupServerFiles() {
	if path, err := pidFilePath(); err == nil {
		os.Remove(path) //nolint:errcheck
	}
	if path, err := adminPasswordPath(); err == nil {
		os.Remove(path) //nolint:errcheck
	}
}

// logFilePath returns today's log file (~/.alterd/logs/alterd-YYYYMMDD.log),
// or "" when the directory cannot be created.
func logFilePath() string {
	dir, err := stateDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	return filepath.Join(dir, fmt.Sprintf("alterd-%s.log", time.Now().Format("20060102")))
}

// cleanOldLogs removes log files older than 7 days.
func cleanOldLogs() {
	dir, err := stateDir()
	if err != nil {
		return
	}
	dir = filepath.Join(dir, "logs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -7)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if info, err := e.Info(); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, e.Name())) //nolint:errcheck
		}
	}
}

// adminLogin exchanges the admin password for a bearer token.
func adminLogin(baseURL, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return "", fmt.Errorf("encoding login request: %w", err)
	}
	resp, err := cliHTTPClient.Post(baseURL+"/api/admin/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login failed: %d", resp.StatusCode)
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Token, nil
}
