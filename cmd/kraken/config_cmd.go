package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long: `Inspect the kraken configuration. The file is searched in ./kraken.yaml,
/etc/kraken/kraken.yaml and ~/.config/kraken/kraken.yaml unless --config is
given.`,
		Example: `  kraken config show`,
	}

	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the effective configuration in YAML format: the loaded file, or
the defaults, with command-line overrides applied.`,
		Example: `  kraken config show
  kraken config show --config /etc/kraken/kraken.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := yaml.Marshal(globalCfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Current Configuration:")
	fmt.Fprintln(cmd.OutOrStdout(), "======================")
	fmt.Fprintln(cmd.OutOrStdout(), string(data))

	return nil
}
