package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

var syncUser string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run synchronization passes",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one synchronization pass",
	Long: `Run one synchronization pass for every enabled user, or only for the
user given with --user. Users are processed in parallel; each user's pass
is sequential. A user whose pass is already running elsewhere is skipped.

Examples:
  calsync sync run
  calsync sync run --user alice
  calsync sync run --user alice -v     # print every operation`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if syncUser != "" {
			user, err := findUser(ctx, a, syncUser)
			if err != nil {
				return err
			}
			summary, err := a.Orchestrator.RunUser(ctx, user.ID())
			if errors.Is(err, domain.ErrSyncInProgress) {
				fmt.Fprintf(out, "A pass for %s is already running\n", user.Login())
				return nil
			}
			if summary != nil {
				printSummary(out, user.Login(), summary)
			}
			return describeConnectionError(err)
		}

		run, summaries, err := a.Orchestrator.RunAll(ctx)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			printSummary(out, loginOf(ctx, a, s), s)
		}
		fmt.Fprintf(out, "Run %s %s: %d users, %d failed, local %d, remote %d, %d conflicts\n",
			run.ID(), run.State(), run.Users(), run.Failures(),
			run.Local().Total(), run.Remote().Total(), run.Conflicts())
		if run.State() != domain.SyncLogSuccess {
			return fmt.Errorf("sync run finished with state %s", run.State())
		}
		return nil
	},
}

func loginOf(ctx context.Context, a *App, s *reconcile.UserSummary) string {
	if user, err := a.LocalUsers.FindByID(ctx, s.UserID); err == nil && user != nil {
		return user.Login()
	}
	return s.UserID.String()
}

func printSummary(out io.Writer, login string, s *reconcile.UserSummary) {
	skipped := 0
	for _, r := range s.Results {
		if r.Status == reconcile.Skipped {
			skipped++
		}
	}
	fmt.Fprintf(out, "%-16s local +%d ~%d -%d  remote +%d ~%d -%d  conflicts %d  skipped %d  (%s)\n",
		login,
		s.Local.Created, s.Local.Updated, s.Local.Deleted,
		s.Remote.Created, s.Remote.Updated, s.Remote.Deleted,
		s.Conflicts, skipped, s.Duration.Round(time.Millisecond))
	if s.Err != nil {
		fmt.Fprintf(out, "  error: %v\n", s.Err)
	}
	if !verbose {
		return
	}
	for _, r := range s.Results {
		line := fmt.Sprintf("  %-6s %-6s %-10s %s", r.Side, r.Kind, r.Status, r.UID)
		if r.Reason != "" {
			line += fmt.Sprintf(" (%s)", r.Reason)
		}
		if r.Err != nil {
			line += fmt.Sprintf(": %v", r.Err)
		}
		fmt.Fprintln(out, line)
	}
}

func init() {
	syncRunCmd.Flags().StringVarP(&syncUser, "user", "u", "", "only synchronize this login")
	syncCmd.AddCommand(syncRunCmd)
	rootCmd.AddCommand(syncCmd)
}
