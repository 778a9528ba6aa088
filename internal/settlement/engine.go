// Package settlement redistributes market cap between the two teams of a
// finished fixture. The winner takes a fixed fraction of the loser's
// pre-match cap, clamped so the loser never drops below the floor, and the
// pair's combined cap is conserved to the cent.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/metrics"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/money"
	"github.com/teamexchange/market-engine/internal/store"
)

// DefaultRate is the share of the loser's pre-match cap moved to the winner.
var DefaultRate = decimal.RequireFromString("0.10")

// Result is the outcome of Settle.
type Result struct {
	Success              bool                `json:"success"`
	FixtureID            string              `json:"fixture_id"`
	TransferAmountCents  int64               `json:"transfer_amount_cents"`
	WinnerTeamID         string              `json:"winner_team_id,omitempty"`
	LoserTeamID          string              `json:"loser_team_id,omitempty"`
	Draw                 bool                `json:"draw"`
	ConservationVerified bool                `json:"conservation_verified"`
	AlreadySettled       bool                `json:"already_settled"`
	SnapshotFallback     bool                `json:"snapshot_fallback"`
	Entries              []model.LedgerEntry `json:"entries,omitempty"`
}

// Observer is notified after a settlement commits.
type Observer func(ctx context.Context, r *Result)

// Engine applies fixture results to team market caps.
type Engine struct {
	store     store.Store
	rate      decimal.Decimal
	floor     int64
	logger    *zap.Logger
	now       func() time.Time
	observers []Observer
}

// NewEngine creates a settlement engine. floorCents is the minimum market
// cap any team may be left with.
func NewEngine(st store.Store, rate decimal.Decimal, floorCents int64, logger *zap.Logger) *Engine {
	return &Engine{
		store:  st,
		rate:   rate,
		floor:  floorCents,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// OnSettled registers an observer for committed settlements.
func (e *Engine) OnSettled(o Observer) {
	e.observers = append(e.observers, o)
}

// Settle applies the final result of a fixture. Calling it again for the
// same fixture returns the recorded outcome and changes nothing.
func (e *Engine) Settle(ctx context.Context, p auth.Principal, fixtureID string) (*Result, error) {
	if err := auth.RequireInternal(p, "settle fixture"); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindFixture, fixtureID); err != nil {
		return nil, err
	}

	var res *Result
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		res, err = e.settleLocked(ctx, tx, fixtureID)
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrLockTimeout) {
			metrics.LockTimeouts.WithLabelValues("settle").Inc()
		}
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		e.logger.Error("settlement failed", zap.String("fixture_id", fixtureID), zap.Error(err))
		return nil, fmt.Errorf("settle fixture %s: %w", fixtureID, err)
	}

	switch {
	case res.AlreadySettled:
		metrics.SettlementsTotal.WithLabelValues("already_settled").Inc()
		e.logger.Info("fixture already settled", zap.String("fixture_id", fixtureID))
		return res, nil
	case res.Draw:
		metrics.SettlementsTotal.WithLabelValues("draw").Inc()
	default:
		metrics.SettlementsTotal.WithLabelValues("settled").Inc()
		metrics.TransferVolumeCents.Add(float64(res.TransferAmountCents))
	}
	if res.SnapshotFallback {
		metrics.SnapshotFallbacks.Inc()
		e.logger.Warn("settled without pre-match snapshot; transfer priced from current caps",
			zap.String("fixture_id", fixtureID))
	}
	e.logger.Info("fixture settled",
		zap.String("fixture_id", fixtureID),
		zap.String("winner", res.WinnerTeamID),
		zap.String("loser", res.LoserTeamID),
		zap.Bool("draw", res.Draw),
		zap.Int64("transfer_cents", res.TransferAmountCents))

	for _, o := range e.observers {
		o(ctx, res)
	}
	return res, nil
}

func (e *Engine) settleLocked(ctx context.Context, tx store.Tx, fixtureID string) (*Result, error) {
	f, err := tx.LockFixture(ctx, fixtureID)
	if err != nil {
		return nil, err
	}
	if !f.Result.Terminal() {
		return nil, model.Validationf("fixture %s has no final result (%s)", fixtureID, f.Result)
	}

	teams, err := tx.LockTeams(ctx, f.HomeTeamID, f.AwayTeamID)
	if err != nil {
		return nil, err
	}

	// Idempotency is decided under the team locks.
	prior, err := tx.LedgerEntriesForEvent(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	settled := map[string]model.LedgerEntry{}
	for _, entry := range prior {
		if entry.Kind.IsSettlement() {
			settled[entry.TeamID] = entry
		}
	}
	_, homeDone := settled[f.HomeTeamID]
	_, awayDone := settled[f.AwayTeamID]
	switch {
	case homeDone && awayDone:
		return e.recorded(ctx, tx, f, settled)
	case homeDone || awayDone:
		return nil, fmt.Errorf("%w: fixture %s has settlement entries for only one team", model.ErrIntegrity, f.ID)
	}

	home, away := teams[f.HomeTeamID], teams[f.AwayTeamID]
	res := &Result{FixtureID: f.ID}

	homeSnap, awaySnap := home.MarketCapCents, away.MarketCapCents
	if f.HasSnapshot() {
		homeSnap, awaySnap = *f.HomeCapSnapshotCents, *f.AwayCapSnapshotCents
	} else {
		res.SnapshotFallback = true
	}

	now := e.now().UTC()
	pairBefore := home.MarketCapCents + away.MarketCapCents

	var winner, loser *model.Team
	var loserSnap int64
	switch f.Result {
	case model.ResultHomeWin:
		winner, loser, loserSnap = home, away, awaySnap
	case model.ResultAwayWin:
		winner, loser, loserSnap = away, home, homeSnap
	}

	if winner == nil {
		res.Draw = true
		for _, team := range []*model.Team{home, away} {
			entry, err := e.appendEntry(ctx, tx, team, f.ID, model.KindMatchDraw, team.MarketCapCents, 0, now)
			if err != nil {
				return nil, err
			}
			res.Entries = append(res.Entries, *entry)
		}
	} else {
		transfer := Transfer(loserSnap, loser.MarketCapCents, e.rate, e.floor)
		if winner.MarketCapCents > math.MaxInt64-transfer {
			return nil, fmt.Errorf("%w: winner cap of %s", money.ErrOverflow, winner.ID)
		}
		winnerBefore, loserBefore := winner.MarketCapCents, loser.MarketCapCents
		newWinner := winnerBefore + transfer
		newLoser := loserBefore - transfer

		// The loser absorbs any reconciliation drift; the winner always
		// receives exactly the computed transfer.
		if newWinner+newLoser != pairBefore {
			newLoser = pairBefore - newWinner
		}
		if transfer > 0 && newLoser < e.floor {
			return nil, fmt.Errorf("%w: loser %s would fall to %d below floor %d",
				model.ErrIntegrity, loser.ID, newLoser, e.floor)
		}
		if newWinner+newLoser != pairBefore {
			return nil, fmt.Errorf("%w: fixture %s pair sum %d became %d",
				model.ErrConservation, f.ID, pairBefore, newWinner+newLoser)
		}

		winner.MarketCapCents, loser.MarketCapCents = newWinner, newLoser
		res.WinnerTeamID, res.LoserTeamID = winner.ID, loser.ID
		res.TransferAmountCents = newWinner - winnerBefore

		wEntry, err := e.appendEntry(ctx, tx, winner, f.ID, model.KindMatchWin, winnerBefore, res.TransferAmountCents, now)
		if err != nil {
			return nil, err
		}
		lEntry, err := e.appendEntry(ctx, tx, loser, f.ID, model.KindMatchLoss, loserBefore, newLoser-loserBefore, now)
		if err != nil {
			return nil, err
		}
		res.Entries = append(res.Entries, *wEntry, *lEntry)
	}

	pairAfter := home.MarketCapCents + away.MarketCapCents
	if err := tx.InsertTransfer(ctx, &model.SettlementTransfer{
		FixtureID:     f.ID,
		WinnerTeamID:  res.WinnerTeamID,
		LoserTeamID:   res.LoserTeamID,
		AmountCents:   res.TransferAmountCents,
		PairSumBefore: pairBefore,
		PairSumAfter:  pairAfter,
		CreatedAt:     now,
	}); err != nil {
		return nil, err
	}

	f.SettledAt = &now
	if err := tx.UpdateFixture(ctx, f); err != nil {
		return nil, err
	}

	res.ConservationVerified = pairAfter == pairBefore
	res.Success = true
	return res, nil
}

// appendEntry persists team's new cap and appends its ledger row.
// capBefore is the cap prior to this event; team carries the new cap.
func (e *Engine) appendEntry(ctx context.Context, tx store.Tx, team *model.Team, eventID string,
	kind model.EntryKind, capBefore, transfer int64, at time.Time) (*model.LedgerEntry, error) {
	priceBefore, err := money.NAV(capBefore, team.TotalShares)
	if err != nil {
		return nil, fmt.Errorf("price team %s: %w", team.ID, err)
	}
	priceAfter, err := money.NAV(team.MarketCapCents, team.TotalShares)
	if err != nil {
		return nil, fmt.Errorf("price team %s: %w", team.ID, err)
	}
	if err := tx.UpdateTeam(ctx, team); err != nil {
		return nil, err
	}
	entry := &model.LedgerEntry{
		ID:                   newID(),
		TeamID:               team.ID,
		Kind:                 kind,
		EventID:              eventID,
		MarketCapBeforeCents: capBefore,
		MarketCapAfterCents:  team.MarketCapCents,
		PriceBeforeCents:     priceBefore,
		PriceAfterCents:      priceAfter,
		TransferCents:        transfer,
		CreatedAt:            at,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// recorded rebuilds the result of a fixture that was already settled.
func (e *Engine) recorded(ctx context.Context, tx store.Tx, f *model.Fixture, entries map[string]model.LedgerEntry) (*Result, error) {
	res := &Result{Success: true, FixtureID: f.ID, AlreadySettled: true}
	home, away := entries[f.HomeTeamID], entries[f.AwayTeamID]
	switch {
	case home.Kind == model.KindMatchDraw && away.Kind == model.KindMatchDraw:
		res.Draw = true
		res.Entries = []model.LedgerEntry{home, away}
	case home.Kind == model.KindMatchWin && away.Kind == model.KindMatchLoss:
		res.Entries = []model.LedgerEntry{home, away}
	case away.Kind == model.KindMatchWin && home.Kind == model.KindMatchLoss:
		res.Entries = []model.LedgerEntry{away, home}
	default:
		return nil, fmt.Errorf("%w: fixture %s has settlement entries %s/%s",
			model.ErrIntegrity, f.ID, home.Kind, away.Kind)
	}
	// Same order as a first settlement: winner then loser, or home then away.
	if !res.Draw {
		res.WinnerTeamID, res.LoserTeamID = res.Entries[0].TeamID, res.Entries[1].TeamID
		res.TransferAmountCents = res.Entries[0].TransferCents
	}

	tr, err := tx.GetTransfer(ctx, f.ID)
	if err != nil {
		return nil, err
	}
	if tr != nil {
		res.ConservationVerified = tr.PairSumBefore == tr.PairSumAfter
	}
	res.SnapshotFallback = !f.HasSnapshot()
	return res, nil
}

// Transfer computes the amount moved from loser to winner:
// round(loserSnapshot × rate), reduced so that the loser's current cap
// does not fall below floor. It is never negative.
func Transfer(loserSnapshotCents, loserCurrentCents int64, rate decimal.Decimal, floorCents int64) int64 {
	transfer := money.ApplyRate(loserSnapshotCents, rate)
	if transfer < 0 {
		transfer = 0
	}
	if loserCurrentCents-transfer < floorCents {
		transfer = max(loserCurrentCents-floorCents, 0)
	}
	return transfer
}
