package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/querybenchoor/pkg/config"
	"github.com/ethpandaops/querybenchoor/pkg/model"
	"github.com/ethpandaops/querybenchoor/pkg/store"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var settingDescription string

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage stored execution settings",
	Long: `Stored settings override the file and environment configuration for
runs. Settable keys:
  ` + strings.Join(config.SettableKeys, "\n  "),
}

var settingsGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print a stored setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsGet,
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Store a setting",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettingsSet,
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored settings",
	RunE:  runSettingsList,
}

var settingsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Remove a stored setting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettingsDelete,
}

func init() {
	rootCmd.AddCommand(settingsCmd)
	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd, settingsListCmd, settingsDeleteCmd)
	settingsSetCmd.Flags().StringVar(&settingDescription, "description", "", "Description of the setting")
}

func runSettingsGet(cmd *cobra.Command, args []string) error {
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

	setting, err := st.GetSetting(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("setting %q is not stored", args[0])
	}

	if err != nil {
		return fmt.Errorf("loading setting: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), setting.Value)

	return nil
}

func runSettingsSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], args[1]

	if !config.IsSettableKey(key) {
		return fmt.Errorf("unknown setting %q (settable: %s)", key, strings.Join(config.SettableKeys, ", "))
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

	current, err := st.SettingsMap(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}

	current[key] = value

	// Reject values that would make the next run fail to configure.
	if err := cfg.ApplySettings(current); err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := st.SetSetting(ctx, &model.Setting{
		Key:         key,
		Value:       value,
		Description: settingDescription,
	}); err != nil {
		return fmt.Errorf("storing setting: %w", err)
	}

	log.WithField("key", key).WithField("value", value).Info("Setting stored")

	return nil
}

func runSettingsList(cmd *cobra.Command, args []string) error {
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

	settings, err := st.ListSettings(ctx)
	if err != nil {
		return fmt.Errorf("listing settings: %w", err)
	}

	t := newTable(cmd.OutOrStdout(), table.Row{"Key", "Value", "Description", "Updated"})

	for i := range settings {
		s := &settings[i]
		t.AppendRow(table.Row{s.Key, s.Value, s.Description, s.UpdatedAt.Local().Format(time.DateTime)})
	}

	t.Render()

	return nil
}

func runSettingsDelete(cmd *cobra.Command, args []string) error {
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

	if err := st.DeleteSetting(ctx, args[0]); err != nil {
		return fmt.Errorf("deleting setting %q: %w", args[0], err)
	}

	log.WithField("key", args[0]).Info("Setting deleted")

	return nil
}
