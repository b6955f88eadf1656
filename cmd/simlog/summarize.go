package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/logflow/simlog/pkg/query/engine"
	"github.com/logflow/simlog/pkg/tui"
)

var summarizeSQL string

var summarizeCmd = &cobra.Command{
	Use:   "summarize <table>",
	Short: "Summarize a written activity table with DuckDB",
	Long: `Group an activity table (CSV, Parquet or DuckDB) by activity type and print
counts and duration statistics. With --sql, run a query against the table,
which is available as the view "activities".

Examples:
  simlog summarize output/1pct/activities.csv
  simlog summarize activities.parquet --sql "SELECT mode, count(*) FROM activities GROUP BY mode"`,
	Args: cobra.ExactArgs(1),
	RunE: runSummarize,
}

func init() {
	summarizeCmd.Flags().StringVar(&summarizeSQL, "sql", "", "Query to run instead of the summary")
}

func runSummarize(cmd *cobra.Command, args []string) error {
	if _, err := loadConfig(); err != nil {
		return err
	}

	e, err := engine.NewEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	if err := e.RegisterTable(ctx, "activities", args[0]); err != nil {
		return err
	}

	if summarizeSQL != "" {
		res, err := e.Query(ctx, summarizeSQL)
		if err != nil {
			return err
		}
		rows, err := res.Strings()
		if err != nil {
			return err
		}
		tui.PrintTable(os.Stdout, "", res.Columns(), rows)
		logger.Debug("query complete", "rows", res.RowCount(), "duration", res.Duration())
		return nil
	}

	summaries, err := e.SummarizeActivities(ctx, "activities")
	if err != nil {
		return err
	}
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.ActivityType,
			fmt.Sprint(s.Activities),
			fmt.Sprint(s.Persons),
			fmt.Sprintf("%.1f", s.MeanDuration),
			fmt.Sprint(s.MinDuration),
			fmt.Sprint(s.MaxDuration),
		})
	}
	tui.PrintTable(os.Stdout, "ACTIVITIES",
		[]string{"activity_type", "activities", "persons", "mean_duration", "min", "max"}, rows)
	return nil
}
