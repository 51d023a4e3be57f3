package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/beanpuppy/retrobot/internal/bot"
	"github.com/beanpuppy/retrobot/internal/chat/discord"
	"github.com/beanpuppy/retrobot/internal/corecache"
	"github.com/beanpuppy/retrobot/internal/daemon"
	"github.com/beanpuppy/retrobot/internal/emulator"
	"github.com/beanpuppy/retrobot/internal/recovery"
	"github.com/beanpuppy/retrobot/internal/scheduler"
)

func newServeCmd(opts *options) *cobra.Command {
	var noAdmin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and run sessions",
		Long: `Connect to Discord and run shared emulator sessions.

Before any button press is accepted the recovery scan re-enables control rows
left disabled by a previous process. serve refuses to start when the session
store cannot be read.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, !noAdmin)
		},
	}
	cmd.Flags().BoolVar(&noAdmin, "no-admin", false, "do not start the admin API")
	return cmd
}

func runServe(ctx context.Context, opts *options, admin bool) error {
	cfg, logger := opts.cfg, opts.logger

	sessions, err := openSessions(ctx, cfg)
	if err != nil {
		return err
	}
	defer sessions.Close() //nolint:errcheck

	client, err := discord.New(cfg.DiscordToken, logger)
	if err != nil {
		return err
	}
	if err := client.Identify(ctx); err != nil {
		return err
	}

	report, err := recovery.NewScanner(sessions, client, cfg, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	logger.Info("startup recovery done",
		zap.Int("repaired", report.Count(recovery.StatusRepaired)),
		zap.Int("failed", report.Count(recovery.StatusFailed)),
	)

	cache, err := corecache.New(cfg.CacheSize, logger.Named("corecache"))
	if err != nil {
		return err
	}
	defer cache.Purge()

	pool := emulator.NewPool(emulator.NewProcessEngine(cfg), cfg)
	events := scheduler.NewBroadcaster()
	sched, err := scheduler.New(scheduler.Deps{
		Sessions: sessions,
		Cache:    cache,
		Engine:   pool,
		Platform: client,
		Observer: events,
		Logger:   logger,
	}, cfg)
	if err != nil {
		return err
	}
	handlers := bot.New(sched, client, cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx, handlers)
	})
	if admin {
		srv := daemon.NewServer(cfg, daemon.Deps{
			Sessions: sessions,
			Turns:    sched,
			Warm:     cache,
			Engine:   pool,
			Events:   events,
			Logger:   logger,
		})
		g.Go(func() error {
			return srv.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
