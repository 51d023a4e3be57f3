package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/beanpuppy/retrobot/internal/model"
)

func newSessionsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sessions, err := openSessions(cmd.Context(), opts.cfg)
			if err != nil {
				return err
			}
			defer sessions.Close() //nolint:errcheck

			list, err := sessions.List(cmd.Context())
			if err != nil {
				return err
			}
			return printSessions(cmd.OutOrStdout(), list)
		},
	}
}

func printSessions(w io.Writer, list []model.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPLATFORM\tGAME\tCHANNEL\tCREATED")
	for _, s := range list {
		created := ""
		if !s.CreatedAt.IsZero() {
			created = s.CreatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.Platform, s.Game, s.ChannelID, created)
	}
	return tw.Flush()
}
