package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatalert/internal/app"
)

const stopTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	var (
		stdin     bool
		exitOnEOF bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the highlight pipeline until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var opts []app.Option
			if stdin {
				opts = append(opts, app.WithInput(cmd.InOrStdin()))
			}
			a, err := app.New(configPath(cmd), opts...)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			var drained <-chan struct{}
			if exitOnEOF {
				drained = a.InputDrained()
			}
			reason := wait(ctx, a, sigs, drained)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return err
				}
				return errors.New("stopped on fatal error")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stdin, "stdin", false, `read "user[cats]: text" lines from standard input`)
	cmd.Flags().BoolVar(&exitOnEOF, "exit-on-eof", false, "with --stdin: exit once input ends and every alert has closed")
	return cmd
}

// wait blocks until a signal, a fatal app error, or (when drained is set) the
// end of line input followed by an empty alert stack.
func wait(ctx context.Context, a *app.App, sigs <-chan os.Signal, drained <-chan struct{}) app.StopReason {
	var poll <-chan time.Time
	for {
		select {
		case s := <-sigs:
			if s == syscall.SIGTERM {
				return app.StopSIGTERM
			}
			return app.StopSIGINT
		case <-a.Done():
			return app.StopFatalError
		case <-drained:
			drained = nil
			t := time.NewTicker(250 * time.Millisecond)
			defer t.Stop()
			poll = t.C
		case <-poll:
			st, err := a.Alerts().Snapshot(ctx)
			if err == nil && len(st.Displayed) == 0 && len(st.Pending) == 0 {
				return app.StopInputDone
			}
		}
	}
}
