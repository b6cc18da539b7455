package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	logsLimit     int
	logsPruneDays int
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect and prune sync run logs",
}

var logsListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List recent sync runs",
	Aliases: []string{"ls"},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		runs, err := a.Repos.Logs.FindRecent(cmd.Context(), logsLimit)
		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No sync runs recorded")
			return nil
		}
		fmt.Fprintf(out, "%-36s %-17s %-11s %-6s %-7s %-7s %s\n", "ID", "STARTED", "STATE", "USERS", "LOCAL", "REMOTE", "MESSAGE")
		for _, r := range runs {
			fmt.Fprintf(out, "%-36s %-17s %-11s %-6d %-7d %-7d %s\n",
				r.ID(), r.StartedAt().Local().Format("2006-01-02 15:04"), r.State(),
				r.Users(), r.Local().Total(), r.Remote().Total(), r.Message())
		}
		return nil
	},
}

var logsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the lines of one sync run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid run id: %w", err)
		}
		run, err := a.Repos.Logs.FindByID(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to load run: %w", err)
		}
		if run == nil {
			return fmt.Errorf("run %s not found", id)
		}
		lines, err := a.Repos.Logs.FindLines(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to load run lines: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run %s: %s, %d users, %d conflicts, took %s\n",
			run.ID(), run.State(), run.Users(), run.Conflicts(), run.Duration().Round(time.Millisecond))
		for _, l := range lines {
			fmt.Fprintf(out, "  %s %-8s %-9s %s %s\n",
				l.CreatedAt.Local().Format("15:04:05"), l.Severity, l.Operation, l.EventUID, l.Message)
		}
		return nil
	},
}

var logsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete sync runs and published outbox messages past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		retention := a.LogRetention
		if cmd.Flags().Changed("days") {
			retention = time.Duration(logsPruneDays) * 24 * time.Hour
		}
		if retention <= 0 {
			return fmt.Errorf("retention must be positive")
		}
		cutoff := time.Now().UTC().Add(-retention)
		deleted, err := a.Repos.Logs.PurgeBefore(cmd.Context(), cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune sync logs: %w", err)
		}
		pruned, err := a.OutboxProcessor.Prune(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to prune outbox: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d runs started before %s and %d outbox messages\n",
			deleted, cutoff.Format(dateLayout), pruned)
		return nil
	},
}

func init() {
	logsListCmd.Flags().IntVarP(&logsLimit, "limit", "n", 20, "number of runs to show")
	logsPruneCmd.Flags().IntVar(&logsPruneDays, "days", 0, "retention in days (default: CALSYNC_LOG_RETENTION_DAYS)")
	logsCmd.AddCommand(logsListCmd)
	logsCmd.AddCommand(logsShowCmd)
	logsCmd.AddCommand(logsPruneCmd)
	rootCmd.AddCommand(logsCmd)
}
