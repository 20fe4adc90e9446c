package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/allyourbase/alterd/internal/alter"
	"github.com/allyourbase/alterd/internal/config"
	"github.com/allyourbase/alterd/internal/editlog"
	"github.com/allyourbase/alterd/internal/image"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the metadata journal offline",
	Long: `Read the configured journal without a running server.

Examples:
  alterd journal dump --after 120
  alterd journal verify`,
}

var journalDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print journal entries",
	RunE:  runJournalDump,
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay the image and journal into memory and summarize the result",
	RunE:  runJournalVerify,
}

func init() {
	for _, c := range []*cobra.Command{journalDumpCmd, journalVerifyCmd} {
		c.Flags().String("config", "", "Path to alterd.toml config file")
		c.Flags().String("journal-url", "", "PostgreSQL journal URL (overrides journal.backend)")
		journalCmd.AddCommand(c)
	}
	journalDumpCmd.Flags().Uint64("after", 0, "Only entries with a higher sequence")
	journalDumpCmd.Flags().String("op", "", "Only entries of this operation")
	journalDumpCmd.Flags().Bool("data", false, "Include entry payloads")
}

func loadJournalConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	flags := map[string]string{}
	if v, _ := cmd.Flags().GetString("journal-url"); v != "" {
		flags["journal-url"] = v
	}
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runJournalDump(cmd *cobra.Command, _ []string) error {
	cfg, err := loadJournalConfig(cmd)
	if err != nil {
		return err
	}
	after, _ := cmd.Flags().GetUint64("after")
	op, _ := cmd.Flags().GetString("op")
	withData, _ := cmd.Flags().GetBool("data")

	ctx := cmd.Context()
	log, err := openJournal(ctx, cfg, newQuietLogger())
	if err != nil {
		return err
	}
	defer log.Close()

	var entries []editlog.Entry
	err = log.Read(ctx, after, func(e editlog.Entry) error {
		if op == "" || string(e.Op) == op {
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}

	out := cmd.OutOrStdout()
	switch outputFormat(cmd) {
	case "json":
		if !withData {
			for i := range entries {
				entries[i].Data = nil
			}
		}
		return writeJSON(out, entries)
	case "csv":
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{strconv.FormatUint(e.Seq, 10), e.Time.Format(time.RFC3339Nano), string(e.Op), strconv.Itoa(len(e.Data))})
		}
		return writeCSV(out, []string{"seq", "time", "op", "bytes"}, rows)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTIME\tOP\tBYTES")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", e.Seq, e.Time.Local().Format(time.DateTime), e.Op, len(e.Data))
		if withData {
			fmt.Fprintf(tw, "\t%s\n", e.Data)
		}
	}
	return tw.Flush()
}

type verifySummary struct {
	ImageSeq   uint64                 `json:"imageSeq"`
	JournalSeq uint64                 `json:"journalSeq"`
	Databases  int                    `json:"databases"`
	Tables     int                    `json:"tables"`
	Jobs       map[alter.JobState]int `json:"jobs"`
}

func runJournalVerify(cmd *cobra.Command, _ []string) error {
	cfg, err := loadJournalConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := newQuietLogger()

	log, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer log.Close()
	store, err := openImageStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("opening image store: %w", err)
	}

	sum, err := verifyMetadata(ctx, cfg, store, log, logger)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outputFormat(cmd) == "json" {
		return writeJSON(out, sum)
	}
	fmt.Fprintf(out, "Image sequence:   %d\n", sum.ImageSeq)
	fmt.Fprintf(out, "Journal sequence: %d\n", sum.JournalSeq)
	fmt.Fprintf(out, "Databases:        %d\n", sum.Databases)
	fmt.Fprintf(out, "Tables:           %d\n", sum.Tables)
	for _, st := range []alter.JobState{alter.StatePending, alter.StateWaitingTxn, alter.StateRunning,
		alter.StateFinishedRewriting, alter.StateFinished, alter.StateCancelled} {
		if n := sum.Jobs[st]; n > 0 {
			fmt.Fprintf(out, "Jobs %-12s %d\n", string(st)+":", n)
		}
	}
	return nil
}

// verifyMetadata recovers into memory. Replay never appends, so the
// configured journal is only read.
func verifyMetadata(ctx context.Context, cfg *config.Config, store image.Store, log editlog.Log, logger *slog.Logger) (*verifySummary, error) {
	sum := &verifySummary{Jobs: map[alter.JobState]int{}}
	if store != nil {
		img, err := image.LoadLatest(ctx, store)
		if err != nil {
			return nil, fmt.Errorf("loading image: %w", err)
		}
		if img != nil {
			sum.ImageSeq = img.JournalSeq
		}
	}
	h, err := recoverHandler(ctx, cfg, store, log, logger)
	if err != nil {
		return nil, err
	}
	if sum.JournalSeq, err = log.LastSeq(ctx); err != nil {
		return nil, err
	}
	for _, db := range h.Catalog().Databases() {
		sum.Databases++
		sum.Tables += len(db.ListTables())
	}
	for _, job := range h.Registry().All() {
		sum.Jobs[job.State()]++
	}
	return sum, nil
}
