package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after merging --config files, environment
overrides and defaults. Secrets are redacted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out, err := cfg.Redacted().YAML()
		if err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}

		_, err = os.Stdout.Write(out)

		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
