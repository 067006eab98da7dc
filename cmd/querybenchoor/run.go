package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/api"
	"github.com/ethpandaops/querybenchoor/pkg/compare"
	"github.com/ethpandaops/querybenchoor/pkg/config"
	"github.com/ethpandaops/querybenchoor/pkg/events"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/ethpandaops/querybenchoor/pkg/report"
	"github.com/ethpandaops/querybenchoor/pkg/runner"
	"github.com/ethpandaops/querybenchoor/pkg/store"
	"github.com/ethpandaops/querybenchoor/pkg/upload"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	runName      string
	runQueries   []string
	runAPIListen string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the benchmark",
	Long: `Execute every active query on both platforms, store the execution
records, compare the platforms and write the run report.`,
	RunE: runBenchmark,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runName, "name", "", "Name of the run")
	runCmd.Flags().StringSliceVar(&runQueries, "query", nil,
		"Limit the run to these queries (comma-separated or repeated flag)")
	runCmd.Flags().StringVar(&runAPIListen, "api-listen", "",
		"Serve the API with live progress events on this address during the run")
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := cfg.ValidatePlatforms(); err != nil {
		return fmt.Errorf("validating platforms: %w", err)
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer stopStore(st)

	hub := events.NewHub(log)
	defer hub.Close()

	var uploader upload.Uploader

	if cfg.Upload.S3.Enabled {
		uploader, err = upload.NewS3Uploader(log, &cfg.Upload.S3, afero.NewOsFs())
		if err != nil {
			return fmt.Errorf("creating S3 uploader: %w", err)
		}
	}

	if runAPIListen != "" {
		stop, err := startRunAPI(ctx, cfg, st, hub)
		if err != nil {
			return err
		}

		defer stop()
	}

	r := runner.NewRunner(log, cfg, st, runner.Options{
		Publisher: hub,
		Uploader:  uploader,
	})

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	}()

	res, err := r.Run(ctx, &runner.RunOptions{Name: runName, Queries: runQueries})

	if res != nil {
		for _, name := range res.Skipped {
			warnColor.Fprintf(cmd.ErrOrStderr(), "skipped %s: no valid translation\n", name)
		}
	}

	if err != nil {
		return fmt.Errorf("running benchmark: %w", err)
	}

	if err := printRunResult(ctx, cmd.OutOrStdout(), st, res); err != nil {
		return err
	}

	if res.Run.Status == model.RunStatusFailed {
		return fmt.Errorf("run %d failed: %s", res.Run.ID, res.Run.FailureReason)
	}

	return nil
}

// startRunAPI serves the API alongside the run so progress can be
// followed on the event stream.
func startRunAPI(
	ctx context.Context,
	cfg *config.Config,
	st store.Store,
	hub *events.Hub,
) (func(), error) {
	apiCfg := cfg.API
	apiCfg.Listen = runAPIListen

	srv := api.NewServer(log, &apiCfg, st, api.Options{
		ResultsDir: cfg.Global.ResultsDir,
		Hub:        hub,
	})

	if err := srv.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting api server: %w", err)
	}

	return func() {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop api server")
		}
	}, nil
}

// printRunResult renders the per-query verdicts and the run summary.
func printRunResult(
	ctx context.Context,
	w io.Writer,
	st store.Store,
	res *runner.Result,
) error {
	queries, err := st.ListQueries(ctx, false)
	if err != nil {
		return fmt.Errorf("listing queries: %w", err)
	}

	names := make(map[uint]string, len(queries))
	for i := range queries {
		names[queries[i].ID] = queries[i].Name
	}

	t := newTable(w, table.Row{"Query", "A avg (ms)", "B avg (ms)", "Diff", "Winner", "Rows"})

	for i := range res.Results {
		c := &res.Results[i]

		rows := "match"
		if !c.RowCountMatch {
			rows = "mismatch"
		}

		t.AppendRow(table.Row{
			names[c.QueryID],
			report.FormatMS(c.A.AvgMS),
			report.FormatMS(c.B.AvgMS),
			report.FormatPercent(c.PercentDifference),
			report.WinnerLabel(c.Winner),
			rows,
		})
	}

	t.Render()

	for _, omitted := range res.Omitted {
		warnColor.Fprintf(w, "omitted %s: %s\n", names[omitted.QueryID], omitted.Reason)
	}

	printSummary(w, res.Run, res.Summary)

	if res.ReportDir != "" {
		fmt.Fprintf(w, "report: %s\n", res.ReportDir)
	}

	return nil
}

func printSummary(w io.Writer, run *model.TestRun, s compare.Summary) {
	status := successColor
	if run.Status == model.RunStatusFailed {
		status = errorColor
	}

	status.Fprintf(w, "run %d %s", run.ID, run.Status)

	fmt.Fprintf(w, " in %s: %d queries, A wins %d, B wins %d, ties %d, undefined %d",
		run.Duration().Round(time.Millisecond), s.Queries, s.WinsA, s.WinsB, s.Ties, s.Undefined)

	if s.RowCountMismatches > 0 {
		warnColor.Fprintf(w, ", %d row count mismatches", s.RowCountMismatches)
	}

	fmt.Fprintln(w)
}
