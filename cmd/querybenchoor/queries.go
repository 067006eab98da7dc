package main

import (
	"fmt"

	"github.com/ethpandaops/querybenchoor/pkg/queryfile"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var queriesActiveOnly bool

var queriesCmd = &cobra.Command{
	Use:   "queries",
	Short: "Manage the query repository",
}

var queriesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>...",
	Short: "Import or update queries from YAML files",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueriesImport,
}

var queriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored queries",
	RunE:  runQueriesList,
}

var queriesDeleteCmd = &cobra.Command{
	Use:   "delete <name>...",
	Short: "Delete queries with their records and results",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueriesDelete,
}

func init() {
	rootCmd.AddCommand(queriesCmd)
	queriesCmd.AddCommand(queriesImportCmd, queriesListCmd, queriesDeleteCmd)
	queriesListCmd.Flags().BoolVar(&queriesActiveOnly, "active", false, "Only list active queries")
}

func runQueriesImport(cmd *cobra.Command, args []string) error {
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

	fs := afero.NewOsFs()

	for _, path := range args {
		queries, err := queryfile.Load(fs, path)
		if err != nil {
			return err
		}

		for i := range queries {
			if err := st.UpsertQuery(ctx, &queries[i]); err != nil {
				return fmt.Errorf("storing query %q: %w", queries[i].Name, err)
			}
		}

		log.WithFields(logrus.Fields{
			"file":    path,
			"queries": len(queries),
		}).Info("Queries imported")
	}

	return nil
}

func runQueriesList(cmd *cobra.Command, args []string) error {
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

	queries, err := st.ListQueries(ctx, queriesActiveOnly)
	if err != nil {
		return fmt.Errorf("listing queries: %w", err)
	}

	t := newTable(cmd.OutOrStdout(), table.Row{"ID", "Name", "Complexity", "Active", "Native", "Translation"})

	for i := range queries {
		q := &queries[i]

		translation := "pending"

		switch {
		case q.TranslationError != "":
			translation = errorColor.Sprint("failed")
		case q.TranslationCurrent() && q.TranslationValidated:
			translation = "validated"
		case q.TranslationCurrent():
			translation = warnColor.Sprint("unvalidated")
		}

		t.AppendRow(table.Row{q.ID, q.Name, q.Complexity, q.Active, q.Native, translation})
	}

	t.Render()

	return nil
}

func runQueriesDelete(cmd *cobra.Command, args []string) error {
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

	for _, name := range args {
		q, err := st.GetQueryByName(ctx, name)
		if err != nil {
			return fmt.Errorf("loading query %q: %w", name, err)
		}

		if err := st.DeleteQuery(ctx, q.ID); err != nil {
			return fmt.Errorf("deleting query %q: %w", name, err)
		}

		log.WithField("query", name).Info("Query deleted")
	}

	return nil
}
