package main

import (
	"fmt"

	"github.com/ethpandaops/querybenchoor/pkg/api"
	"github.com/ethpandaops/querybenchoor/pkg/events"
	"github.com/ethpandaops/querybenchoor/pkg/upload"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long: `Start the read-only API server over stored queries, runs, comparison
results and report artifacts.`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer stopStore(st)

	hub := events.NewHub(log)
	defer hub.Close()

	opts := api.Options{
		ResultsDir: cfg.Global.ResultsDir,
		Hub:        hub,
	}

	if cfg.Upload.S3.Enabled {
		opts.Remote = upload.NewS3Reader(log, &cfg.Upload.S3)
	}

	srv := api.NewServer(log, &cfg.API, st, opts)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	log.Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
