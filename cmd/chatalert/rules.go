package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"chatalert/internal/app"
	"chatalert/internal/config"
	logx "chatalert/pkg/logx"
)

func newRulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "List the compiled highlight rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewConfigManager(configPath(cmd)).Parse()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			engine, static := app.NewEngine(cfg, "", logx.Nop(), nil)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "#\tSOURCE\tCOMPILED\tNOTE")
			for i, r := range engine.Rules() {
				note := ""
				switch {
				case r.Err != nil:
					note = "degraded: " + r.Err.Error()
				case r.Inert():
					note = "never matches"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, r.Source, r.String(), note)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			self := engine.Username()
			if self == "" || !cfg.Highlight.HighlightUsernameEnabled() {
				self = "off"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\nself-mention: %s  follow-up: %v  categorized users: %d\n",
				self, cfg.Highlight.FollowUp, len(static))
			return nil
		},
	}
}
