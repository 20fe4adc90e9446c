package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/allyourbase/alterd/internal/alter"
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Add or drop rollup indexes",
	Long: `Add or drop rollup indexes of a table on a running server.

Examples:
  alterd rollup add --db example_db --table sales r_k1=k1,v1 r_k2=k2,v1
  alterd rollup drop --db example_db --table sales r_k1 r_k2`,
}

var rollupAddCmd = &cobra.Command{
	Use:   "add <name=col,col...>...",
	Short: "Add one or more rollups as a single batch",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRollupAdd,
}

var rollupDropCmd = &cobra.Command{
	Use:   "drop <name>...",
	Short: "Drop one or more rollups",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRollupDrop,
}

func init() {
	for _, c := range []*cobra.Command{rollupAddCmd, rollupDropCmd} {
		addServerFlags(c)
		c.Flags().String("db", "", "Database name")
		c.Flags().String("table", "", "Table name")
		c.MarkFlagRequired("db")    //nolint:errcheck
		c.MarkFlagRequired("table") //nolint:errcheck
		rollupCmd.AddCommand(c)
	}
	rollupAddCmd.Flags().String("from", "", "Build from this rollup instead of the base index")
	rollupAddCmd.Flags().StringSlice("dup-keys", nil, "Explicit duplicate key columns")
	rollupAddCmd.Flags().StringToString("property", nil, "Rollup property (key=value), repeatable")
}

// parseRollupArgs turns "name=c1,c2" arguments into clauses.
func parseRollupArgs(args []string) ([]alter.AddRollupClause, error) {
	clauses := make([]alter.AddRollupClause, 0, len(args))
	for _, a := range args {
		name, cols, ok := strings.Cut(a, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" || strings.TrimSpace(cols) == "" {
			return nil, fmt.Errorf("invalid rollup %q: expected name=col1,col2", a)
		}
		var columns []string
		for _, c := range strings.Split(cols, ",") {
			if c = strings.TrimSpace(c); c != "" {
				columns = append(columns, c)
			}
		}
		clauses = append(clauses, alter.AddRollupClause{RollupName: name, Columns: columns})
	}
	return clauses, nil
}

func tablePath(cmd *cobra.Command, suffix string) string {
	db, _ := cmd.Flags().GetString("db")
	table, _ := cmd.Flags().GetString("table")
	return fmt.Sprintf("/api/admin/dbs/%s/tables/%s/%s", url.PathEscape(db), url.PathEscape(table), suffix)
}

func runRollupAdd(cmd *cobra.Command, args []string) error {
	clauses, err := parseRollupArgs(args)
	if err != nil {
		return err
	}
	from, _ := cmd.Flags().GetString("from")
	dupKeys, _ := cmd.Flags().GetStringSlice("dup-keys")
	props, _ := cmd.Flags().GetStringToString("property")
	for i := range clauses {
		clauses[i].BaseRollup = from
		clauses[i].DupKeys = dupKeys
		if len(props) > 0 {
			clauses[i].Properties = props
		}
	}

	body, err := json.Marshal(map[string]any{"rollups": clauses})
	if err != nil {
		return err
	}
	var resp struct {
		Jobs []struct {
			JobID           int64  `json:"jobId"`
			State           string `json:"state"`
			RollupIndexName string `json:"rollupIndexName"`
		} `json:"jobs"`
	}
	if err := adminCall(cmd, http.MethodPost, tablePath(cmd, "rollups"), bytes.NewReader(body), http.StatusAccepted, &resp); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat(cmd) == "json" {
		return writeJSON(out, resp)
	}
	c := colorEnabled()
	for _, j := range resp.Jobs {
		fmt.Fprintf(out, "Rollup %s submitted as job %d (%s).\n", bold(j.RollupIndexName, c), j.JobID, stateColor(j.State, c))
	}
	return nil
}

func runRollupDrop(cmd *cobra.Command, args []string) error {
	q := url.Values{"name": args}
	if err := adminCall(cmd, http.MethodDelete, tablePath(cmd, "rollups")+"?"+q.Encode(), nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if outputFormat(cmd) == "json" {
		return writeJSON(out, map[string]any{"dropped": args})
	}
	fmt.Fprintf(out, "Dropped %s.\n", strings.Join(args, ", "))
	return nil
}
