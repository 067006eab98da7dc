package main

import (
	"fmt"
	"io"

	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/ethpandaops/querybenchoor/pkg/translate"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	translateSQL   string
	translateForce bool
)

var translateCmd = &cobra.Command{
	Use:   "translate [query-name...]",
	Short: "Translate queries to the platform B dialect",
	Long: `Translate stored queries and cache the result. Without names every
active query is translated. --sql translates ad-hoc text without storing it.`,
	RunE: runTranslate,
}

func init() {
	rootCmd.AddCommand(translateCmd)
	translateCmd.Flags().StringVar(&translateSQL, "sql", "", "Translate this text instead of stored queries")
	translateCmd.Flags().BoolVar(&translateForce, "force", false, "Re-translate even when the cached translation is current")
}

func runTranslate(cmd *cobra.Command, args []string) error {
	engine := translate.NewEngine(log)
	out := cmd.OutOrStdout()

	if translateSQL != "" {
		return printAdHocTranslation(out, cmd.ErrOrStderr(), engine, translateSQL)
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

	var queries []model.Query

	if len(args) == 0 {
		queries, err = st.ListQueries(ctx, true)
		if err != nil {
			return fmt.Errorf("listing queries: %w", err)
		}
	} else {
		for _, name := range args {
			q, err := st.GetQueryByName(ctx, name)
			if err != nil {
				return fmt.Errorf("loading query %q: %w", name, err)
			}

			queries = append(queries, *q)
		}
	}

	svc := translate.NewService(log, engine, st)
	t := newTable(out, table.Row{"Query", "Status", "Translation"})
	failed := 0

	for i := range queries {
		q := &queries[i]

		if translateForce {
			q.InvalidateTranslation()
		}

		if _, err := svc.Ensure(ctx, q); err != nil {
			return err
		}

		switch {
		case q.TranslationError != "":
			failed++

			t.AppendRow(table.Row{q.Name, errorColor.Sprint("failed"), q.TranslationError})
		case !q.TranslationValidated:
			t.AppendRow(table.Row{q.Name, warnColor.Sprint("unvalidated"), *q.TargetSQL})
		default:
			t.AppendRow(table.Row{q.Name, successColor.Sprint("ok"), *q.TargetSQL})
		}
	}

	t.Render()

	if failed > 0 {
		warnColor.Fprintf(cmd.ErrOrStderr(), "%d of %d queries could not be translated and will be skipped\n",
			failed, len(queries))
	}

	return nil
}

func printAdHocTranslation(out, errOut io.Writer, engine translate.Engine, sql string) error {
	res, err := engine.Translate(sql)
	if err != nil {
		return fmt.Errorf("translating: %w", err)
	}

	fmt.Fprintln(out, res.Text)

	for _, w := range res.Warnings {
		warnColor.Fprintf(errOut, "warning: %s\n", w)
	}

	if !res.Validated {
		warnColor.Fprintln(errOut, "warning: translation did not pass syntax validation")
	}

	return nil
}
