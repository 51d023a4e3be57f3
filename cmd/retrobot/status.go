package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/beanpuppy/retrobot/internal/adminclient"
	"github.com/beanpuppy/retrobot/internal/api"
)

func newStatusCmd(opts *options) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running retrobot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client := adminclient.New(opts.cfg.AdminAddr)
			out := cmd.OutOrStdout()

			health, err := client.Health(ctx)
			if err != nil {
				return fmt.Errorf("query admin api at %s: %w", opts.cfg.AdminAddr, err)
			}
			list, err := client.ListSessions(ctx)
			if err != nil {
				return err
			}
			if err := printStatus(out, health, list); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			return client.Watch(ctx, func(line api.WatchLine) error {
				if line.Event == nil {
					return nil
				}
				ev := line.Event
				_, err := fmt.Fprintf(out, "%s %-9s %s %s x%d %s %s\n",
					ev.At.Local().Format("15:04:05"), ev.Kind, ev.SessionID, ev.Label, ev.Multiplier, ev.Actor, ev.Error)
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream turn events after printing status")
	return cmd
}

func printStatus(w io.Writer, health api.HealthResponse, list api.SessionsEnvelope) error {
	fmt.Fprintf(w, "status: %s  uptime: %ds  store: %s  policy: %s\n", health.Status, health.UptimeSeconds, health.Store, health.TurnPolicy)
	fmt.Fprintf(w, "engine: %s  running: %d/%d  failures: %d  warm cores: %d\n\n",
		health.Engine.Status, health.Engine.Running, health.Engine.Workers, health.Engine.ConsecutiveFailures, health.WarmCores)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPLATFORM\tGAME\tSTATE\tQUEUED\tWARM")
	for _, s := range list.Sessions {
		state := s.State
		if s.CurrentLabel != "" {
			state += " (" + s.CurrentLabel + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n", s.SessionID, s.Platform, s.Game, state, s.Queued, s.Warm)
	}
	return tw.Flush()
}
