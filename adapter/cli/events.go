package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var eventsSince string

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect synchronized events",
}

var eventsListCmd = &cobra.Command{
	Use:   "list <login>",
	Short: "List the events a user organizes, attends or synchronizes",
	Long: `List the local events visible to a user, starting on or after --since
(default: 30 days ago).

Status column:
  synced   matches the server
  pending  changed locally since the last pass
  delete   waiting for the next pass to delete it remotely`,
	Aliases: []string{"ls"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		since := time.Now().UTC().Add(-a.DefaultLookback)
		if eventsSince != "" {
			if since, err = parseDate(eventsSince); err != nil {
				return fmt.Errorf("invalid --since format, use YYYY-MM-DD: %w", err)
			}
		}
		user, err := findUser(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		events, err := a.Repos.Events.FindForUser(cmd.Context(), user.ID(), since)
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintf(out, "No events since %s\n", since.Format(dateLayout))
			return nil
		}
		fmt.Fprintf(out, "%-17s %-8s %-8s %-32s %s\n", "START", "STATUS", "SERIES", "TITLE", "UID")
		for _, e := range events {
			status := "pending"
			switch {
			case e.IsPendingDelete():
				status = "delete"
			case e.IsSynced():
				status = "synced"
			}
			series := "-"
			if e.InSeries() {
				series = "yes"
			}
			start := e.Start().Local().Format("2006-01-02 15:04")
			if e.Content().AllDay {
				start = e.Start().Format(dateLayout)
			}
			fmt.Fprintf(out, "%-17s %-8s %-8s %-32s %s\n", start, status, series, truncate(e.Title(), 32), e.RemoteUID())
		}
		if verbose {
			fmt.Fprintf(out, "\n%d events\n", len(events))
		}
		return nil
	},
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	eventsListCmd.Flags().StringVar(&eventsSince, "since", "", "list events starting on or after this date (YYYY-MM-DD)")
	eventsCmd.AddCommand(eventsListCmd)
	rootCmd.AddCommand(eventsCmd)
}
