package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/allyourbase/alterd/internal/alter"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and cancel alter jobs",
	Long: `List, show and cancel the rollup and materialized view jobs of a running server.

Examples:
  alterd jobs list --db example_db
  alterd jobs show 10012
  alterd jobs cancel --db example_db --table sales
  alterd jobs cancel --db example_db --table sales 10012 10013`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the alter jobs of a database",
	RunE:  runJobsList,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one alter job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel [job-id...]",
	Short: "Cancel alter jobs of a table",
	Long: `Cancel the unfinished rollup jobs of a table, or only the listed ones.
With --mv, cancel the job building that synchronous materialized view.`,
	RunE: runJobsCancel,
}

func init() {
	for _, c := range []*cobra.Command{jobsListCmd, jobsShowCmd, jobsCancelCmd} {
		addServerFlags(c)
		jobsCmd.AddCommand(c)
	}
	jobsListCmd.Flags().String("db", "", "Database name")
	jobsListCmd.MarkFlagRequired("db") //nolint:errcheck
	jobsListCmd.Flags().String("state", "", "Only show jobs in this state")

	jobsCancelCmd.Flags().String("db", "", "Database name")
	jobsCancelCmd.Flags().String("table", "", "Base table name")
	jobsCancelCmd.Flags().String("mv", "", "Materialized view name (instead of --table)")
	jobsCancelCmd.MarkFlagRequired("db") //nolint:errcheck
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	db, _ := cmd.Flags().GetString("db")
	state, _ := cmd.Flags().GetString("state")

	var resp struct {
		Jobs []alter.JobInfo `json:"jobs"`
	}
	if err := adminCall(cmd, http.MethodGet, "/api/admin/alter/jobs?db="+url.QueryEscape(db), nil, http.StatusOK, &resp); err != nil {
		return err
	}
	jobs := resp.Jobs
	if state != "" {
		jobs = jobs[:0]
		for _, j := range resp.Jobs {
			if strings.EqualFold(string(j.State), state) {
				jobs = append(jobs, j)
			}
		}
	}

	out := cmd.OutOrStdout()
	switch outputFormat(cmd) {
	case "json":
		return writeJSON(out, jobs)
	case "csv":
		rows := make([][]string, 0, len(jobs))
		for _, j := range jobs {
			rows = append(rows, jobRow(j))
		}
		return writeCSV(out, jobColumns, rows)
	}

	if len(jobs) == 0 {
		fmt.Fprintf(out, "No alter jobs in %s.\n", db)
		return nil
	}
	c := colorEnabled()
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(jobColumns, "\t"))
	for _, j := range jobs {
		row := jobRow(j)
		row[6] = stateColor(row[6], c)
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

var jobColumns = []string{"JOB_ID", "TABLE", "KIND", "BASE", "ROLLUP", "CREATED", "STATE", "PROGRESS", "MSG"}

func jobRow(j alter.JobInfo) []string {
	return []string{
		strconv.FormatInt(j.JobID, 10),
		j.TableName,
		string(j.Kind),
		j.BaseIndexName,
		j.RollupIndexName,
		j.CreateTime.Local().Format(time.DateTime),
		string(j.State),
		j.Progress,
		j.Msg,
	}
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}
	var rec alter.JobRecord
	if err := adminCall(cmd, http.MethodGet, fmt.Sprintf("/api/admin/alter/jobs/%d", id), nil, http.StatusOK, &rec); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat(cmd) == "json" {
		return writeJSON(out, rec)
	}
	c := colorEnabled()
	field := func(label string, v any) {
		fmt.Fprintf(out, "  %s %v\n", bold(fmt.Sprintf("%-12s", label+":"), c), v)
	}
	field("Job", rec.JobID)
	field("Kind", rec.Kind)
	field("Table", rec.TableName)
	field("State", stateColor(string(rec.State), c))
	field("Base", rec.BaseIndexName)
	field("Rollup", rec.RollupIndexName)
	field("Columns", len(rec.RollupSchema))
	field("Tablets", len(rec.Tablets))
	field("Created", rec.CreatedAt.Local().Format(time.DateTime))
	if rec.FinishedAt != nil {
		field("Finished", rec.FinishedAt.Local().Format(time.DateTime))
	}
	if rec.WatershedTxnID != 0 {
		field("Watershed", rec.WatershedTxnID)
	}
	if rec.ViewDefineSQL != "" {
		field("Definition", rec.ViewDefineSQL)
	}
	if rec.Reason != "" {
		field("Reason", rec.Reason)
	}
	return nil
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	db, _ := cmd.Flags().GetString("db")
	table, _ := cmd.Flags().GetString("table")
	mv, _ := cmd.Flags().GetString("mv")

	var resp struct {
		Cancelled []int64 `json:"cancelled"`
	}
	switch {
	case mv != "" && (table != "" || len(args) > 0):
		return fmt.Errorf("--mv cannot be combined with --table or job ids")
	case mv != "":
		path := fmt.Sprintf("/api/admin/dbs/%s/mvs/%s/cancel", url.PathEscape(db), url.PathEscape(mv))
		if err := adminCall(cmd, http.MethodPost, path, nil, http.StatusOK, &resp); err != nil {
			return err
		}
	case table != "":
		ids := make([]int64, 0, len(args))
		for _, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", a)
			}
			ids = append(ids, id)
		}
		body, err := json.Marshal(map[string]any{"jobIds": ids})
		if err != nil {
			return err
		}
		path := fmt.Sprintf("/api/admin/dbs/%s/tables/%s/cancel", url.PathEscape(db), url.PathEscape(table))
		if err := adminCall(cmd, http.MethodPost, path, bytes.NewReader(body), http.StatusOK, &resp); err != nil {
			return err
		}
	default:
		return fmt.Errorf("either --table or --mv is required")
	}

	out := cmd.OutOrStdout()
	if outputFormat(cmd) == "json" {
		return writeJSON(out, resp)
	}
	for _, id := range resp.Cancelled {
		fmt.Fprintf(out, "Cancelled job %d.\n", id)
	}
	return nil
}
