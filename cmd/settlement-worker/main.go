package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/app"
	"github.com/teamexchange/market-engine/internal/config"
	"github.com/teamexchange/market-engine/internal/events"
	"github.com/teamexchange/market-engine/internal/logging"
)

func main() {
	cfg, err := config.Load("settlement-worker")
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

	brokers := cfg.Brokers()
	if len(brokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	st, closeStore, err := app.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", zap.Error(err))
	}
	defer closeStore()
	a := app.New(st, cfg, log)

	// Settlements applied here are announced on the market events topic.
	w := events.NewWriter(brokers, cfg.TopicMarketEvents)
	defer w.Close()
	a.Settlement.OnSettled(events.NewPublisher(w, log).Settled)

	reader := events.NewReader(brokers, cfg.TopicFixtureResults, cfg.ConsumerGroup)
	defer reader.Close()

	// Health and metrics.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := st.Ping(pingCtx); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	consumer := &events.Consumer{
		Reader:     reader,
		Results:    a.Fixtures,
		Log:        log,
		Backoff:    500 * time.Millisecond,
		MaxBackoff: 30 * time.Second,
	}
	log.Info("settlement-worker consuming",
		zap.Strings("brokers", brokers),
		zap.String("topic", cfg.TopicFixtureResults),
		zap.String("group", cfg.ConsumerGroup))
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("consumer stopped", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	log.Info("settlement-worker stopped")
}
