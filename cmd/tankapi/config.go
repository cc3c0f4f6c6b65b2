package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/tankapi/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective manager configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath, cmd.Flags())
		if err != nil {
			return err
		}
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

func init() {
	addConfigFlags(configCmd.Flags())
}
