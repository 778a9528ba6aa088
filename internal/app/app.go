// Package app assembles the exchange's engines from configuration. The
// server, the settlement worker and marketctl all start from here.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/config"
	"github.com/teamexchange/market-engine/internal/fixture"
	"github.com/teamexchange/market-engine/internal/leaderboard"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/settlement"
	"github.com/teamexchange/market-engine/internal/store"
	"github.com/teamexchange/market-engine/internal/trade"
	"github.com/teamexchange/market-engine/internal/valuation"
	"github.com/teamexchange/market-engine/internal/wallet"
)

// App holds one instance of every engine over a shared store.
type App struct {
	Store       store.Store
	Wallet      *wallet.Ledger
	Trades      *trade.Engine
	Settlement  *settlement.Engine
	Snapshots   *valuation.Snapshotter
	Fixtures    *fixture.Service
	Leaderboard *leaderboard.Aggregator
}

// New wires the engines. A recorded fixture result settles the fixture
// through the settlement engine.
func New(st store.Store, cfg config.Config, log *zap.Logger) *App {
	log = logging.OrNop(log)
	ledger := wallet.NewLedger(st, cfg.Market.Currency, log)
	a := &App{
		Store:       st,
		Wallet:      ledger,
		Trades:      trade.NewEngine(st, ledger, log),
		Settlement:  settlement.NewEngine(st, cfg.Market.SettlementRate, cfg.Market.FloorCents, log),
		Snapshots:   valuation.NewSnapshotter(st, log),
		Fixtures:    fixture.NewService(st, cfg.Market.DefaultTotalShares, cfg.Market.FloorCents, log),
		Leaderboard: leaderboard.NewAggregator(st, log),
	}
	settler := auth.Internal(cfg.ServiceName)
	a.Fixtures.OnResult(func(ctx context.Context, f model.Fixture) error {
		_, err := a.Settlement.Settle(ctx, settler, f.ID)
		return err
	})
	return a
}

// OpenStore connects the configured store: PostgreSQL when DatabaseURL is
// set (optionally behind Redis), otherwise an in-memory store. The returned
// func releases the connections.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	log = logging.OrNop(log)
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(store.WithLockTimeout(cfg.LockTimeout)), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	pg := store.NewPostgresStore(pool, cfg.LockTimeout)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("connected to PostgreSQL")

	if cfg.RedisURL == "" {
		return pg, pool.Close, nil
	}
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	log.Info("redis cache enabled", zap.Duration("ttl", cfg.CacheTTL))
	closeAll := func() {
		rdb.Close()
		pool.Close()
	}
	return store.NewCachedStore(pg, rdb, cfg.CacheTTL), closeAll, nil
}
