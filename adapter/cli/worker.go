package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/calsync/adapter/api"
)

var (
	workerAddr   string
	workerNoHTTP bool
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run scheduled synchronization in the foreground",
	Long: `Run the long-lived worker until interrupted:

  - scheduled sync runs and sync log retention (CALSYNC_SYNC_SCHEDULE)
  - the outbox relay that publishes sync events and starts the first
    pass of newly bound users
  - the HTTP surface: /healthz, /readyz, POST /sync/{userID}, GET /sync/runs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := requireApp()
		if err != nil {
			return err
		}
		g, ctx := errgroup.WithContext(cmd.Context())
		g.Go(func() error { return ignoreCanceled(a.SyncWorker.Run(ctx)) })
		g.Go(func() error { return ignoreCanceled(a.OutboxProcessor.Run(ctx)) })
		if !workerNoHTTP {
			cfg := api.DefaultServerConfig()
			cfg.Addr = a.WorkerAddr
			if workerAddr != "" {
				cfg.Addr = workerAddr
			}
			handler := api.NewSyncHandler(a.Orchestrator, a.Repos.Logs, a.Health, a.Logger)
			server := api.NewServer(cfg, handler, a.Logger)
			g.Go(func() error { return server.Run(ctx) })
		}
		return g.Wait()
	},
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	workerCmd.Flags().StringVar(&workerAddr, "addr", "", "HTTP listen address (default: WORKER_HEALTH_ADDR)")
	workerCmd.Flags().BoolVar(&workerNoHTTP, "no-http", false, "do not serve the HTTP surface")
	rootCmd.AddCommand(workerCmd)
}
