package main

import (
	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatalert",
		Short: "Highlight chat messages and raise desktop alerts",
		Long: `chatalert watches chat messages, highlights the ones that match your
rules or mention you, and raises stacked alerts for an overlay renderer.

Getting started:
  chatalert run --config config.yaml           run with the configured sources
  chatalert run --config config.yaml --stdin   read "user: text" lines from stdin
  chatalert check --user bob "deploy now"      explain a single message
  chatalert rules                              list compiled highlight rules`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to the config file (JSON or YAML)")

	root.AddCommand(newRunCmd(), newCheckCmd(), newRulesCmd())
	return root
}

func configPath(cmd *cobra.Command) string {
	p, err := cmd.Flags().GetString("config")
	if err != nil || p == "" {
		return defaultConfigPath
	}
	return p
}
