package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent server logs",
	Long: `Display the log lines buffered by a running server.

Examples:
  alterd logs                   # Show the last 100 log lines
  alterd logs -n 20             # Show the last 20 log lines
  alterd logs --level warn      # Only warnings and errors`,
	RunE: runLogs,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show server statistics",
	Long: `Display runtime, catalog and job scheduler statistics of a running server.

Examples:
  alterd stats             # Show stats in table format
  alterd stats --json      # Show stats as JSON`,
	RunE: runStats,
}

func init() {
	logsCmd.Flags().IntP("lines", "n", 100, "Number of log lines to show")
	logsCmd.Flags().String("level", "", "Minimum log level (debug, info, warn, error)")
	addServerFlags(logsCmd)
	addServerFlags(statsCmd)
}

type logEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

func runLogs(cmd *cobra.Command, _ []string) error {
	lines, _ := cmd.Flags().GetInt("lines")
	level, _ := cmd.Flags().GetString("level")

	path := "/api/admin/logs"
	if level != "" {
		path += "?level=" + url.QueryEscape(level)
	}
	var resp struct {
		Entries []logEntry `json:"entries"`
		Message string     `json:"message"`
	}
	if err := adminCall(cmd, http.MethodGet, path, nil, http.StatusOK, &resp); err != nil {
		return err
	}
	entries := resp.Entries
	if lines > 0 && len(entries) > lines {
		entries = entries[len(entries)-lines:]
	}

	out := cmd.OutOrStdout()
	if outputFormat(cmd) == "json" {
		return writeJSON(out, entries)
	}
	if resp.Message != "" {
		fmt.Fprintln(out, resp.Message)
	}
	c := colorEnabled()
	for _, e := range entries {
		fmt.Fprintf(out, "%s %s %s%s\n",
			dim(e.Time.Local().Format("15:04:05.000"), c),
			levelColor(e.Level, c),
			e.Message,
			formatAttrs(e.Attrs))
	}
	return nil
}

func levelColor(level string, c bool) string {
	padded := fmt.Sprintf("%-5s", level)
	switch level {
	case "ERROR":
		return bold(padded, c)
	case "WARN":
		return yellow(padded, c)
	case "DEBUG":
		return dim(padded, c)
	default:
		return cyan(padded, c)
	}
}

// formatAttrs renders attrs as sorted key=value pairs.
func formatAttrs(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, attrs[k])
	}
	return b.String()
}

func runStats(cmd *cobra.Command, _ []string) error {
	resp, body, err := adminRequest(cmd, http.MethodGet, "/api/admin/stats", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return serverError(resp.StatusCode, body)
	}

	out := cmd.OutOrStdout()
	format := outputFormat(cmd)
	if format == "json" {
		_, err := out.Write(body)
		return err
	}

	var stats map[string]any
	if err := json.Unmarshal(body, &stats); err != nil {
		return fmt.Errorf("decoding stats: %w", err)
	}
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	if format == "csv" {
		vals := make([]string, len(keys))
		for i, k := range keys {
			vals[i] = statValue(stats[k])
		}
		return writeCSV(out, keys, [][]string{vals})
	}

	fmt.Fprintln(out, "alterd server statistics")
	fmt.Fprintln(out, "────────────────────────")
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, k := range keys {
		fmt.Fprintf(tw, "  %s:\t%s\n", k, statValue(stats[k]))
	}
	return tw.Flush()
}

// statValue prints JSON numbers without exponent notation.
func statValue(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
