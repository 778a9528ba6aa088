// Package leaderboard ranks users by weekly return on account value.
//
// A user's account value is wallet balance plus positions marked to NAV.
// The return over a window excludes deposits made inside it:
//
//	(end_account - start_account - deposits) / start_account
//
// Positions are taken as currently held; start prices come from the team
// ledger as of the window start.
package leaderboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/money"
	"github.com/teamexchange/market-engine/internal/store"
)

// ReturnPlaces is the number of decimal places kept in weekly returns.
const ReturnPlaces int32 = 6

// Aggregator builds and serves weekly leaderboards.
type Aggregator struct {
	store  store.Store
	logger *zap.Logger
}

// NewAggregator creates an Aggregator.
func NewAggregator(st store.Store, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: st, logger: logging.OrNop(logger)}
}

// prices holds each team's current NAV and its NAV at the window start.
type prices struct {
	current map[string]int64
	start   map[string]int64
}

// Generate computes and stores the ranking for [start, end). Regenerating
// a week replaces the stored ranking.
func (a *Aggregator) Generate(ctx context.Context, p auth.Principal, start, end time.Time) ([]model.LeaderboardEntry, error) {
	if err := auth.RequireInternal(p, "generate leaderboard"); err != nil {
		return nil, err
	}
	if err := ident.ValidateWindow(start, end); err != nil {
		return nil, err
	}
	start, end = start.UTC(), end.UTC()

	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	positions, err := a.store.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	txns, err := a.store.ListWalletTransactionsSince(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}
	px, err := a.loadPrices(ctx, start)
	if err != nil {
		return nil, fmt.Errorf("leaderboard: %w", err)
	}

	byUser := make(map[string][]model.Position)
	for _, pos := range positions {
		byUser[pos.UserID] = append(byUser[pos.UserID], pos)
	}
	txnsByUser := make(map[string][]model.WalletTransaction)
	for _, t := range txns {
		txnsByUser[t.UserID] = append(txnsByUser[t.UserID], t)
	}

	entries := make([]model.LeaderboardEntry, 0, len(users))
	for _, u := range users {
		entry, err := account(u, byUser[u.ID], txnsByUser[u.ID], px, start, end)
		if err != nil {
			return nil, fmt.Errorf("leaderboard: user %s: %w", u.ID, err)
		}
		entries = append(entries, entry)
	}
	Rank(entries)

	if err := a.store.SaveLeaderboard(ctx, start, entries); err != nil {
		return nil, fmt.Errorf("leaderboard: save: %w", err)
	}
	a.logger.Info("leaderboard generated",
		zap.String("week_start", start.Format(ident.WeekLayout)),
		zap.String("week_end", end.Format(ident.WeekLayout)),
		zap.Int("users", len(entries)))
	return entries, nil
}

// Get returns the stored ranking for the week starting at weekStart.
func (a *Aggregator) Get(ctx context.Context, weekStart time.Time) ([]model.LeaderboardEntry, error) {
	return a.store.GetLeaderboard(ctx, weekStart.UTC())
}

func (a *Aggregator) loadPrices(ctx context.Context, start time.Time) (*prices, error) {
	teams, err := a.store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	px := &prices{
		current: make(map[string]int64, len(teams)),
		start:   make(map[string]int64, len(teams)),
	}
	for _, t := range teams {
		nav, err := money.NAV(t.MarketCapCents, t.TotalShares)
		if err != nil {
			return nil, fmt.Errorf("price team %s: %w", t.ID, err)
		}
		px.current[t.ID] = nav
		px.start[t.ID] = nav
		at, found, err := a.store.PriceAt(ctx, t.ID, start)
		if err != nil {
			return nil, fmt.Errorf("price team %s at %s: %w", t.ID, start.Format(time.RFC3339), err)
		}
		if found {
			px.start[t.ID] = at
		}
	}
	return px, nil
}

// account values one user over the window. txns holds the user's
// transactions created at or after start.
func account(u model.User, positions []model.Position, txns []model.WalletTransaction,
	px *prices, start, end time.Time) (model.LeaderboardEntry, error) {
	var startPortfolio, endPortfolio int64
	for _, pos := range positions {
		cur, ok := px.current[pos.TeamID]
		if !ok {
			return model.LeaderboardEntry{}, model.NotFoundf("team %s", pos.TeamID)
		}
		endValue, err := money.Mul(pos.Quantity, cur)
		if err != nil {
			return model.LeaderboardEntry{}, err
		}
		startValue, err := money.Mul(pos.Quantity, px.start[pos.TeamID])
		if err != nil {
			return model.LeaderboardEntry{}, err
		}
		endPortfolio += endValue
		startPortfolio += startValue
	}

	var netChange, afterEnd, deposits int64
	for _, t := range txns {
		if !t.CreatedAt.Before(end) {
			afterEnd += t.AmountCents
			continue
		}
		if t.CreatedAt.Before(start) {
			continue
		}
		netChange += t.AmountCents
		if t.Type == model.TxDeposit {
			deposits += t.AmountCents
		}
	}
	endWallet := u.WalletBalanceCents - afterEnd
	startWallet := endWallet - netChange

	entry := model.LeaderboardEntry{
		WeekStart:              start,
		WeekEnd:                end,
		UserID:                 u.ID,
		StartAccountValueCents: startWallet + startPortfolio,
		EndAccountValueCents:   endWallet + endPortfolio,
		DepositsInWeekCents:    deposits,
		WeeklyReturn:           decimal.Zero,
	}
	if entry.StartAccountValueCents > 0 {
		gain := entry.EndAccountValueCents - entry.StartAccountValueCents - deposits
		entry.WeeklyReturn = money.Ratio(gain, entry.StartAccountValueCents, ReturnPlaces)
	}
	return entry, nil
}

// Rank orders entries by weekly return, highest first, and assigns dense
// ranks: equal returns share a rank and the next distinct return takes the
// following integer. Ties are listed by user id.
func Rank(entries []model.LeaderboardEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if c := entries[i].WeeklyReturn.Cmp(entries[j].WeeklyReturn); c != 0 {
			return c > 0
		}
		return entries[i].UserID < entries[j].UserID
	})
	rank := 0
	for i := range entries {
		if i == 0 || !entries[i].WeeklyReturn.Equal(entries[i-1].WeeklyReturn) {
			rank++
		}
		entries[i].Rank = rank
	}
}
