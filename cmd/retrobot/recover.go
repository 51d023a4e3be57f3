package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/beanpuppy/retrobot/internal/chat/discord"
	"github.com/beanpuppy/retrobot/internal/recovery"
)

func newRecoverCmd(opts *options) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Re-enable control rows left disabled by a crash",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			sessions, err := openSessions(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer sessions.Close() //nolint:errcheck

			client, err := discord.New(opts.cfg.DiscordToken, opts.logger)
			if err != nil {
				return err
			}
			if err := client.Identify(ctx); err != nil {
				return err
			}
			scanner := recovery.NewScanner(sessions, client, opts.cfg, opts.logger)
			scanner.DryRun = dryRun
			report, err := scanner.Run(ctx)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report stale rows without editing them")
	return cmd
}

func printReport(w io.Writer, report recovery.Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tCHANNEL\tSTATUS\tMESSAGE\tERROR")
	for _, res := range report.Results {
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", res.SessionID, res.ChannelID, res.Status, res.Message.MessageID, errText)
	}
	return tw.Flush()
}
