package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "Inspect the calendars of a user's account",
}

var calendarsListCmd = &cobra.Command{
	Use:     "list <login>",
	Short:   "List the known calendars of a user",
	Aliases: []string{"ls"},
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		user, err := findUser(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		mappings, err := a.Repos.Calendars.FindByUser(cmd.Context(), user.ID())
		if err != nil {
			return fmt.Errorf("failed to list calendars: %w", err)
		}
		printCalendars(cmd.OutOrStdout(), mappings)
		return nil
	},
}

var calendarsSyncCmd = &cobra.Command{
	Use:   "sync <login>",
	Short: "Refresh the calendar list from the server",
	Long: `List the calendars of the user's account on the server and mirror them
locally. Renamed calendars take the new name; calendars gone from the server
are flagged as removed and no longer receive local events.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		user, err := findUser(cmd.Context(), a, args[0])
		if err != nil {
			return err
		}
		mappings, err := a.Orchestrator.RefreshCalendars(cmd.Context(), user.ID())
		if err != nil {
			return describeConnectionError(err)
		}
		printCalendars(cmd.OutOrStdout(), mappings)
		return nil
	},
}

func printCalendars(out io.Writer, mappings []*domain.CalendarMapping) {
	if len(mappings) == 0 {
		fmt.Fprintln(out, "No calendars found. Run 'calsync calendars sync <login>' to fetch them.")
		return
	}
	fmt.Fprintf(out, "%-3s %-24s %-10s %s\n", "", "NAME", "FLAGS", "URL")
	for _, m := range mappings {
		marker := ""
		if m.IsDefault() {
			marker = "*"
		}
		flags := "-"
		switch {
		case m.IsRemoved():
			flags = "removed"
		case m.IsReadOnly():
			flags = "read-only"
		}
		fmt.Fprintf(out, "%-3s %-24s %-10s %s\n", marker, m.Name(), flags, m.CalendarURL())
	}
}

func init() {
	calendarsCmd.AddCommand(calendarsListCmd)
	calendarsCmd.AddCommand(calendarsSyncCmd)
	rootCmd.AddCommand(calendarsCmd)
}
