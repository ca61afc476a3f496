package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

func newHistoryCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "history [NAME]",
		Short: "Show the login history of one or all accounts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}

			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.LoginHistory(cmd.Context(), name)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tADDRESS\tTIME")
			for _, r := range records {
				_, _ = fmt.Fprintf(w, "%s\t%s:%d\t%s\n", r.Name, r.IP, r.Port, r.Time.Local().Format(timeLayout))
			}
			return w.Flush()
		},
	}
}

func newStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-account message counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.MessageStats(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tLAST LOGIN\tSENT\tRECEIVED")
			for _, s := range stats {
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.Name, formatTime(s.LastLogin), s.Sent, s.Received)
			}
			return w.Flush()
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(timeLayout)
}
