package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/app"
	"github.com/teamexchange/market-engine/internal/config"
	"github.com/teamexchange/market-engine/internal/events"
	"github.com/teamexchange/market-engine/internal/httpapi"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/stream"
)

func main() {
	cfg, err := config.Load("market-server")
	if err != nil {
		panic(err)
	}
	log, err := logging.New(cfg.ServiceName, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Store and engines ---
	st, closeStore, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeStore()
	a := app.New(st, cfg, log)

	if cfg.InternalAPIKey == "" {
		log.Warn("INTERNAL_API_KEY not set, internal operations are disabled")
	}

	// --- WebSocket hub ---
	hub := stream.NewHub(log)
	go hub.Run(ctx)
	a.Settlement.OnSettled(hub.Settled)
	a.Trades.OnTrade(hub.Traded)

	// --- Market events ---
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		w := events.NewWriter(brokers, cfg.TopicMarketEvents)
		defer w.Close()
		pub := events.NewPublisher(w, log)
		a.Settlement.OnSettled(pub.Settled)
		a.Trades.OnTrade(pub.Traded)
		log.Info("publishing market events", zap.Strings("brokers", brokers), zap.String("topic", cfg.TopicMarketEvents))
	}

	api := &httpapi.Server{
		Store:       a.Store,
		Trades:      a.Trades,
		Wallet:      a.Wallet,
		Settlement:  a.Settlement,
		Snapshots:   a.Snapshots,
		Fixtures:    a.Fixtures,
		Leaderboard: a.Leaderboard,
		Hub:         hub,
		InternalKey: cfg.InternalAPIKey,
		Log:         log,
	}

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("market-server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info("shutting down market-server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}
