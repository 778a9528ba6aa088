// Package httpapi exposes the exchange over HTTP/JSON.
//
// Every monetary field is integer cents. Callers identify themselves with
// X-User-ID or, for trusted services, X-Internal-Key.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/fixture"
	"github.com/teamexchange/market-engine/internal/leaderboard"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/metrics"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/settlement"
	"github.com/teamexchange/market-engine/internal/store"
	"github.com/teamexchange/market-engine/internal/stream"
	"github.com/teamexchange/market-engine/internal/trade"
	"github.com/teamexchange/market-engine/internal/valuation"
	"github.com/teamexchange/market-engine/internal/wallet"
)

// Server holds the handlers' dependencies.
type Server struct {
	Store       store.Store
	Trades      *trade.Engine
	Wallet      *wallet.Ledger
	Settlement  *settlement.Engine
	Snapshots   *valuation.Snapshotter
	Fixtures    *fixture.Service
	Leaderboard *leaderboard.Aggregator
	Hub         *stream.Hub // optional
	InternalKey string
	Log         *zap.Logger
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	if s.Log == nil {
		s.Log = logging.OrNop(nil)
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware(s.InternalKey))
		r.Use(middleware.Timeout(30 * time.Second))

		// Public market data.
		r.Get("/teams", s.listTeams)
		r.Get("/teams/{teamID}", s.getTeam)
		r.Get("/teams/{teamID}/price", s.getPrice)
		r.Get("/teams/{teamID}/ledger", s.teamLedger)
		r.Get("/fixtures", s.listFixtures)
		r.Get("/fixtures/{fixtureID}", s.getFixture)
		r.Get("/leaderboards/{weekStart}", s.getLeaderboard)
		if s.Hub != nil {
			r.Get("/ws", s.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.Require)

			r.Get("/users/{userID}/portfolio", s.portfolio)
			r.Get("/users/{userID}/transactions", s.transactions)
			r.Post("/trades/buy", s.trade(model.DirectionBuy))
			r.Post("/trades/sell", s.trade(model.DirectionSell))

			// Internal operations; engines enforce the capability.
			r.Post("/teams", s.registerTeam)
			r.Post("/users", s.openAccount)
			r.Post("/wallet/credit", s.credit)
			r.Post("/fixtures", s.scheduleFixture)
			r.Post("/fixtures/{fixtureID}/result", s.recordResult)
			r.Post("/fixtures/{fixtureID}/snapshot", s.captureSnapshot)
			r.Post("/fixtures/{fixtureID}/settle", s.settle)
			r.Post("/snapshots/due", s.captureDue)
			r.Post("/leaderboards", s.generateLeaderboard)
			r.Post("/replay", s.replay)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principal returns the caller attached by auth.Middleware. auth.Require
// guarantees one on mutating routes.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Validationf("invalid request body: %v", err)
	}
	return nil
}

// fail maps an engine error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var rej *model.Rejection
	switch {
	case errors.As(err, &rej):
		writeJSON(w, http.StatusConflict, map[string]any{"error": rej.Message, "code": rej.Code})
	case errors.Is(err, model.ErrValidation):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, model.ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrDuplicate):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, model.ErrLockTimeout), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		writeError(w, "temporarily unavailable, retry", http.StatusServiceUnavailable)
	default:
		s.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
