package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fincoach/insightcache/pkg/insights"
	"github.com/fincoach/insightcache/pkg/logging"
	"github.com/fincoach/insightcache/pkg/server"
	"github.com/fincoach/insightcache/pkg/sweeper"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ops HTTP server and the expiry sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if a.cfg.Sweeper.Enabled {
				opts := []sweeper.Option{sweeper.WithLogger(logging.NewLogger("sweeper"))}
				if a.cfg.Sweeper.RedisAddr != "" {
					rdb, err := sweeper.ConnectRedis(ctx, a.cfg.Sweeper.RedisAddr, a.cfg.Sweeper.RedisPassword)
					if err != nil {
						return fmt.Errorf("connect redis: %w", err)
					}
					defer func() { _ = rdb.Close() }()
					opts = append(opts, sweeper.WithLocker(sweeper.NewRedisLock(rdb, "", a.cfg.Sweeper.LockTTL)))
				}
				sw := sweeper.New(a.store, a.cfg.Sweeper.Interval, opts...)
				sw.Start()
				defer func() { _ = sw.Close() }()
			}

			orch := a.orchestrator()
			defer orch.Wait()

			logger := logging.NewLogger("server")
			srv := server.New(a.cfg.Listen,
				orch,
				insights.NewInvalidator(a.store, logging.NewLogger("invalidator")),
				insights.NewReporter(a.store),
				logger,
			)
			logger.Info().Str("config", configPath).Str("store", a.cfg.Store.Driver).Msg("starting insightcache")
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")
	return cmd
}
