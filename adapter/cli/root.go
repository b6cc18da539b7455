package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/calsync/pkg/observability"
)

// Version and Commit are stamped with -ldflags at release time.
var (
	Version = "dev"
	Commit  = "none"
)

var (
	verbose bool
	logger  *slog.Logger
)

// errNotInitialized is returned by commands that need the database.
var errNotInitialized = errors.New("application not initialized - database connection required")

type commandContextKey struct{}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "calsync",
	Short: "calsync - two-way calendar synchronization with CalDAV servers",
	Long: `calsync keeps the local calendar store and each user's CalDAV account
in step: events, recurring series, exceptions and attendees flow both
ways, and conflicts are settled by last write.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		correlationID := uuid.NewString()
		ctx := observability.WithCorrelationID(cmd.Context(), correlationID)
		cmd.SetContext(context.WithValue(ctx, commandContextKey{}, time.Now()))
		logger.DebugContext(ctx, "command start", "command", cmd.CommandPath())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			logger = slog.Default()
		}
		startedAt, ok := cmd.Context().Value(commandContextKey{}).(time.Time)
		if !ok {
			return
		}
		logger.DebugContext(cmd.Context(), "command end",
			"command", cmd.CommandPath(),
			"duration_ms", time.Since(startedAt).Milliseconds(),
		)
	},
}

// Execute runs the root command with ctx and prints the error, if any,
// to stderr.
func Execute(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return err
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate(fmt.Sprintf("calsync {{.Version}} (%s)\n", Commit))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// AddCommand adds a command to the root command.
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// SetLogger sets the CLI logger.
func SetLogger(l *slog.Logger) {
	logger = l
}

// requireApp returns the global application or errNotInitialized.
func requireApp() (*App, error) {
	if app == nil {
		return nil, errNotInitialized
	}
	return app, nil
}
