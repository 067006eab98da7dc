package main

import (
	"fmt"
	"strconv"

	"github.com/ethpandaops/querybenchoor/pkg/runner"
	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare <run-id>",
	Short: "Recompute the comparison of a finished run",
	Long: `Recompute the comparison results of a stored run with the current
comparison settings, replace the stored results and rewrite the report.`,
	Args: cobra.ExactArgs(1),
	RunE: runCompare,
}

func init() {
	rootCmd.AddCommand(compareCmd)
}

func runCompare(cmd *cobra.Command, args []string) error {
	runID, err := parseID(args[0])
	if err != nil {
		return err
	}

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

	r := runner.NewRunner(log, cfg, st, runner.Options{})

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	}()

	res, err := r.Recompare(ctx, runID)
	if err != nil {
		return fmt.Errorf("comparing run %d: %w", runID, err)
	}

	return printRunResult(ctx, cmd.OutOrStdout(), st, res)
}

func parseID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}

	return uint(id), nil
}
