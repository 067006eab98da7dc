package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Long: `Print the configuration after merging config files, .env and
environment overrides. With --with-settings the stored settings are applied
as a run would apply them.`,
	RunE: runConfigShow,
}

var configShowWithSettings bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configShowCmd.Flags().BoolVar(&configShowWithSettings, "with-settings", false,
		"Apply stored settings from the database")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if configShowWithSettings {
		ctx := cmd.Context()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}

		defer stopStore(st)

		settings, err := st.SettingsMap(ctx)
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		if err := cfg.ApplySettings(settings); err != nil {
			return fmt.Errorf("applying stored settings: %w", err)
		}
	}

	out, err := cfg.YAML()
	if err != nil {
		return err
	}

	_, err = cmd.OutOrStdout().Write(out)

	return err
}
