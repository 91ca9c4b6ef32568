package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chatalert/internal/app"
	"chatalert/internal/config"
	kit "chatalert/internal/transport"
	logx "chatalert/pkg/logx"
)

func newCheckCmd() *cobra.Command {
	var (
		user string
		cats []string
	)
	cmd := &cobra.Command{
		Use:   "check [flags] <text>",
		Short: "Explain whether a message would be highlighted",
		Long: `check runs one message through the configured rules without raising an
alert or recording anything, and prints which rule (if any) matched.`,
		Example: `  chatalert check --user bob "deploy is done"
  chatalert check --user carol --category vip "anything"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.NewConfigManager(configPath(cmd)).Parse()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			engine, static := app.NewEngine(cfg, "", logx.Nop(), nil)
			msg := static.Message(kit.Message{
				FromUsername: strings.TrimPrefix(user, "@"),
				Categories:   cats,
				Text:         strings.Join(args, " "),
			})
			v := engine.Explain(msg)

			out := cmd.OutOrStdout()
			if !v.Matched {
				fmt.Fprintln(out, "not highlighted")
				return nil
			}
			fmt.Fprintf(out, "highlighted: %s", v.Reason)
			if v.Rule != "" {
				fmt.Fprintf(out, " (%s)", v.Rule)
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "sender username")
	cmd.Flags().StringSliceVar(&cats, "category", nil, "sender category (repeatable)")
	return cmd
}
