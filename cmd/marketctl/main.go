package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/app"
	"github.com/teamexchange/market-engine/internal/cli"
	"github.com/teamexchange/market-engine/internal/config"
	"github.com/teamexchange/market-engine/internal/logging"
)

func open(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.Load("marketctl")
	if err != nil {
		return nil, nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL required")
	}
	log, err := logging.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		return nil, nil, err
	}
	st, closeStore, err := app.OpenStore(ctx, cfg, log.WithOptions(zap.IncreaseLevel(zap.WarnLevel)))
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		closeStore()
		log.Sync()
	}
	return app.New(st, cfg, log), release, nil
}

func main() {
	if err := cli.NewRootCommand(open).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
