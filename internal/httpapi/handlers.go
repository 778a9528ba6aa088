package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teamexchange/market-engine/internal/fixture"
	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/money"
)

// --- Request types ---

// TradeRequest is the JSON body for POST /trades/buy and /trades/sell.
type TradeRequest struct {
	UserID           string `json:"user_id"`
	TeamID           string `json:"team_id"`
	Shares           int64  `json:"shares"`
	QuotedPriceCents int64  `json:"quoted_price_cents"`
}

// CreditRequest is the JSON body for POST /wallet/credit.
type CreditRequest struct {
	UserID         string `json:"user_id"`
	AmountCents    int64  `json:"amount_cents"`
	IdempotencyKey string `json:"idempotency_key"`
	Currency       string `json:"currency"`
}

// ResultRequest is the JSON body for POST /fixtures/{fixtureID}/result.
type ResultRequest struct {
	HomeScore int `json:"home_score"`
	AwayScore int `json:"away_score"`
}

// LeaderboardRequest is the JSON body for POST /leaderboards. WeekEnd
// defaults to seven days after WeekStart.
type LeaderboardRequest struct {
	WeekStart string `json:"week_start"`
	WeekEnd   string `json:"week_end,omitempty"`
}

// PriceResponse is returned from GET /teams/{teamID}/price.
type PriceResponse struct {
	TeamID          string `json:"team_id"`
	PriceCents      int64  `json:"price_cents"`
	MarketCapCents  int64  `json:"market_cap_cents"`
	TotalShares     int64  `json:"total_shares"`
	AvailableShares int64  `json:"available_shares"`
}

// --- Market data ---

func (s *Server) listTeams(w http.ResponseWriter, r *http.Request) {
	teams, err := s.Store.ListTeams(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if teams == nil {
		teams = []model.Team{}
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) getTeam(w http.ResponseWriter, r *http.Request) {
	team, ok := s.team(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) getPrice(w http.ResponseWriter, r *http.Request) {
	team, ok := s.team(w, r)
	if !ok {
		return
	}
	nav, err := money.NAV(team.MarketCapCents, team.TotalShares)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		TeamID:          team.ID,
		PriceCents:      nav,
		MarketCapCents:  team.MarketCapCents,
		TotalShares:     team.TotalShares,
		AvailableShares: team.AvailableShares,
	})
}

// teamLedger returns a team's ledger history, oldest first.
func (s *Server) teamLedger(w http.ResponseWriter, r *http.Request) {
	team, ok := s.team(w, r)
	if !ok {
		return
	}
	entries, err := s.Store.ListLedgerEntriesByTeam(r.Context(), team.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) team(w http.ResponseWriter, r *http.Request) (*model.Team, bool) {
	teamID := chi.URLParam(r, "teamID")
	if err := ident.Validate(ident.KindTeam, teamID); err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	team, err := s.Store.GetTeam(r.Context(), teamID)
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return team, true
}

func (s *Server) listFixtures(w http.ResponseWriter, r *http.Request) {
	fixtures, err := s.Store.ListFixtures(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if fixtures == nil {
		fixtures = []model.Fixture{}
	}
	writeJSON(w, http.StatusOK, fixtures)
}

func (s *Server) getFixture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fixtureID")
	if err := ident.Validate(ident.KindFixture, id); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.Store.GetFixture(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// --- Accounts and trading ---

func (s *Server) portfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.Trades.Portfolio(r.Context(), principal(r), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.Wallet.Transactions(r.Context(), principal(r), chi.URLParam(r, "userID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if txns == nil {
		txns = []model.WalletTransaction{}
	}
	writeJSON(w, http.StatusOK, txns)
}

// trade handles POST /trades/buy and /trades/sell. A business-rule
// rejection is a 409 carrying the result body.
func (s *Server) trade(dir model.Direction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TradeRequest
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		exec := s.Trades.Buy
		if dir == model.DirectionSell {
			exec = s.Trades.Sell
		}
		res, err := exec(r.Context(), principal(r), req.UserID, req.TeamID, req.Shares, req.QuotedPriceCents)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		status := http.StatusOK
		if !res.Success {
			status = http.StatusConflict
		}
		writeJSON(w, status, res)
	}
}

func (s *Server) openAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.Wallet.OpenAccount(r.Context(), principal(r), req.UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.Currency == "" {
		req.Currency = s.Wallet.Currency()
	}
	res, err := s.Wallet.Credit(r.Context(), principal(r), req.UserID, req.AmountCents, req.IdempotencyKey, req.Currency)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- Season operations ---

func (s *Server) registerTeam(w http.ResponseWriter, r *http.Request) {
	var req fixture.NewTeam
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	team, err := s.Fixtures.RegisterTeam(r.Context(), principal(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) scheduleFixture(w http.ResponseWriter, r *http.Request) {
	var req fixture.NewFixture
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	f, err := s.Fixtures.Schedule(r.Context(), principal(r), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, f)
}

func (s *Server) recordResult(w http.ResponseWriter, r *http.Request) {
	var req ResultRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.Fixtures.RecordResult(r.Context(), principal(r), chi.URLParam(r, "fixtureID"), req.HomeScore, req.AwayScore)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) captureSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Snapshots.Capture(r.Context(), principal(r), chi.URLParam(r, "fixtureID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) captureDue(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.Snapshots.CaptureDue(r.Context(), principal(r), time.Now().UTC())
	if err != nil && snaps == nil {
		s.fail(w, r, err)
		return
	}
	resp := map[string]any{"captured": snaps}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request) {
	res, err := s.Settlement.Settle(r.Context(), principal(r), chi.URLParam(r, "fixtureID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request) {
	apply, _ := strconv.ParseBool(r.URL.Query().Get("apply"))
	report, err := s.Settlement.Replay(r.Context(), principal(r), apply)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Leaderboards ---

func (s *Server) generateLeaderboard(w http.ResponseWriter, r *http.Request) {
	var req LeaderboardRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	start, end, err := ident.ParseWeek(req.WeekStart)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if req.WeekEnd != "" {
		if end, err = time.Parse(ident.WeekLayout, req.WeekEnd); err != nil {
			s.fail(w, r, model.Validationf("invalid week end %q", req.WeekEnd))
			return
		}
	}
	entries, err := s.Leaderboard.Generate(r.Context(), principal(r), start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entries)
}

func (s *Server) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	start, _, err := ident.ParseWeek(chi.URLParam(r, "weekStart"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.Leaderboard.Get(r.Context(), start)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
