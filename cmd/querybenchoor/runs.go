package main

import (
	"fmt"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and delete test runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List test runs, newest first",
	RunE:  runRunsList,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>...",
	Short: "Delete runs with their records and results",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunsDelete,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsDeleteCmd)
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list (0 for all)")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer stopStore(st)

	runs, err := st.ListRuns(ctx, runsLimit)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	t := newTable(cmd.OutOrStdout(),
		table.Row{"ID", "Name", "Status", "Started", "Duration", "Queries", "Tasks", "Skipped"})

	for i := range runs {
		run := &runs[i]

		started := "-"
		if run.StartedAt != nil {
			started = run.StartedAt.Local().Format(time.DateTime)
		}

		t.AppendRow(table.Row{
			run.ID,
			run.Name,
			statusLabel(run.Status),
			started,
			run.Duration().Round(time.Millisecond),
			run.QueriesExecuted,
			run.TasksTotal,
			run.TasksSkipped,
		})
	}

	t.Render()

	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer stopStore(st)

	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return err
		}

		if err := st.DeleteRun(ctx, id); err != nil {
			return fmt.Errorf("deleting run %d: %w", id, err)
		}

		log.WithField("run_id", id).Info("Run deleted")
	}

	return nil
}

func statusLabel(s model.RunStatus) string {
	switch s {
	case model.RunStatusCompleted:
		return successColor.Sprint(s)
	case model.RunStatusFailed:
		return errorColor.Sprint(s)
	default:
		return string(s)
	}
}
