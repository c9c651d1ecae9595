package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/store"
)

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "List reports stored by the intake server",
	Long: `List the crash reports in the intake database, newest first.

Examples:
  crashtracker reports
  crashtracker reports --limit 5 --format json
  crashtracker reports show 6f1c...
  crashtracker reports delete 6f1c...`,
	Args: cobra.NoArgs,
	RunE: runReportsList,
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <uuid>",
	Short: "Show one stored report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportsShow,
}

var reportsDeleteCmd = &cobra.Command{
	Use:   "delete <uuid>",
	Short: "Delete a stored report",
	Args:  cobra.ExactArgs(1),
	RunE:  runReportsDelete,
}

var (
	reportsDB     string
	reportsLimit  int
	reportsFormat string
)

func init() {
	rootCmd.AddCommand(reportsCmd)
	reportsCmd.AddCommand(reportsShowCmd, reportsDeleteCmd)

	reportsCmd.PersistentFlags().StringVar(&reportsDB, "db", "", "database path (default: intake.db_path)")
	reportsCmd.PersistentFlags().StringVarP(&reportsFormat, "format", "f", "text", "output format (text, json, yaml)")
	reportsCmd.Flags().IntVarP(&reportsLimit, "limit", "n", store.DefaultListLimit, "maximum number of reports")
}

func openReportStore() (*store.Store, error) {
	path := reportsDB
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Intake.DBPath
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening report store: %w", err)
	}
	return st, nil
}

func runReportsList(cmd *cobra.Command, _ []string) error {
	st, err := openReportStore()
	if err != nil {
		return err
	}
	defer st.Close()

	list, err := st.List(cmd.Context(), reportsLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if reportsFormat == "text" {
		renderSummaries(out, list, newStyles(plainOutput(out)))
		return nil
	}
	if list == nil {
		list = []store.Summary{}
	}
	return writeStructured(out, reportsFormat, list)
}

func runReportsShow(cmd *cobra.Command, args []string) error {
	st, err := openReportStore()
	if err != nil {
		return err
	}
	defer st.Close()

	rec, err := st.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if reportsFormat == "text" {
		renderReport(out, rec.Report, newStyles(plainOutput(out)), 0)
		return nil
	}
	return writeStructured(out, reportsFormat, rec)
}

func runReportsDelete(cmd *cobra.Command, args []string) error {
	st, err := openReportStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}
