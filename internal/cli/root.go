package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// cliHTTPClient is shared by every command that talks to a running server.
var cliHTTPClient = &http.Client{Timeout: 30 * time.Second}

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "alterd",
	Short: "alterd: rollup and materialized view alter jobs",
	Long: `alterd tracks warehouse table metadata and runs the jobs that build
rollup indexes and synchronous materialized views. Every change is journaled
so a restart resumes unfinished jobs where they stopped.

Start a node with a file journal in ./alterd_meta:
  alterd start

List the alter jobs of a database:
  alterd jobs list --db example_db`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().Bool("json", false, "Output in JSON format (shorthand for --output json)")
	rootCmd.PersistentFlags().String("output", "table", "Output format: table, json, or csv")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(rollupCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	initHelp()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// outputFormat returns the resolved output format from flags.
// --json is a shorthand for --output json.
func outputFormat(cmd *cobra.Command) string {
	jsonFlag, _ := cmd.Flags().GetBool("json")
	if jsonFlag {
		return "json"
	}
	out, _ := cmd.Flags().GetString("output")
	if out == "" {
		return "table"
	}
	return out
}

// writeCSV writes rows as CSV to the given writer.
func writeCSV(w io.Writer, cols []string, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// addServerFlags registers the flags shared by commands that call the admin API.
func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().String("url", "", "Server URL (default: read from PID file or http://127.0.0.1:8030)")
	cmd.Flags().String("admin-token", "", "Admin bearer token (default: $ALTERD_ADMIN_TOKEN or auto-login)")
}

// adminRequest makes an authenticated admin HTTP request. The token comes
// from --admin-token, ALTERD_ADMIN_TOKEN or a login with the password saved
// by `alterd start`; the URL from --url or the PID file.
func adminRequest(cmd *cobra.Command, method, path string, body io.Reader) (*http.Response, []byte, error) {
	token, _ := cmd.Flags().GetString("admin-token")
	baseURL, _ := cmd.Flags().GetString("url")
	if baseURL == "" {
		baseURL = serverURL()
	}
	if token == "" {
		token = adminToken(baseURL)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, baseURL+path, body)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := cliHTTPClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp, respBody, nil
}

// adminCall is adminRequest plus a status check and JSON decoding of the
// response into out, which may be nil.
func adminCall(cmd *cobra.Command, method, path string, body io.Reader, want int, out any) error {
	resp, data, err := adminRequest(cmd, method, path, body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return serverError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// serverError turns an error response into a readable error.
func serverError(status int, body []byte) error {
	if status == http.StatusUnauthorized {
		return fmt.Errorf("authentication required (401)\n\n" +
			"  The server requires an admin token. alterd logs in automatically\n" +
			"  with the password saved in ~/.alterd/admin-token while the server runs.\n\n" +
			"  Otherwise pass it explicitly:\n" +
			"    export ALTERD_ADMIN_TOKEN=<token>")
	}
	var errResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Message != "" {
		return fmt.Errorf("server error (%d): %s", status, errResp.Message)
	}
	return fmt.Errorf("server error (%d): %s", status, string(body))
}

// serverURL returns the base URL of the local server.
func serverURL() string {
	_, port, err := readPIDFile()
	if err == nil && port > 0 {
		return fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	return "http://127.0.0.1:8030"
}

// adminToken returns ALTERD_ADMIN_TOKEN, or a fresh token obtained with
// the password in ~/.alterd/admin-token.
func adminToken(baseURL string) string {
	if v := os.Getenv("ALTERD_ADMIN_TOKEN"); v != "" {
		return v
	}
	password, err := readAdminPassword()
	if err != nil || password == "" {
		return ""
	}
	t, err := adminLogin(baseURL, password)
	if err != nil {
		return ""
	}
	return t
}
