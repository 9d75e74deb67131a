package main

import (
	"context"
	"fmt"

	"github.com/fincoach/insightcache/pkg/config"
	"github.com/fincoach/insightcache/pkg/generator"
	"github.com/fincoach/insightcache/pkg/insights"
	"github.com/fincoach/insightcache/pkg/logging"
	"github.com/fincoach/insightcache/pkg/policy"
	"github.com/fincoach/insightcache/pkg/store"
)

const defaultConfigPath = "insightcache.yaml"

// app holds the components shared by every subcommand.
type app struct {
	cfg   *config.Config
	store *store.SQLStore
}

func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Setup(cfg.Log)

	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &app{cfg: cfg, store: st}, nil
}

func (a *app) orchestrator() *insights.Orchestrator {
	gen := generator.New(a.cfg.Generator, logging.NewLogger("generator"))
	return insights.NewOrchestrator(a.store,
		policy.New(a.cfg.Cache.Policies),
		gen,
		insights.WithLogger(logging.NewLogger("insights")),
		insights.WithGenerationTimeout(a.cfg.Cache.GenerationTimeout),
		insights.WithCoalescing(a.cfg.Cache.CoalesceMisses),
	)
}

func (a *app) Close() error {
	return a.store.Close()
}
