// Package trade executes buy and sell orders against the platform's share
// inventory at the current NAV, and builds marked-to-market portfolios.
//
// Every order runs in one store transaction that locks the team and then
// the user, so the wallet debit, inventory change, position update, order
// record, and ledger row commit or roll back together.
package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/metrics"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/money"
	"github.com/teamexchange/market-engine/internal/store"
	"github.com/teamexchange/market-engine/internal/wallet"
)

// QuoteTolerance is how far, in cents, a client's quoted price may be
// from the NAV at execution time.
const QuoteTolerance int64 = 1

// Result is the outcome of Buy or Sell. A business-rule failure sets
// Rejection and leaves Success false; nothing is written in that case.
type Result struct {
	Success            bool             `json:"success"`
	Rejection          *model.Rejection `json:"rejection,omitempty"`
	Order              *model.Order     `json:"order,omitempty"`
	Position           *model.Position  `json:"position,omitempty"` // nil once fully sold
	PriceCents         int64            `json:"price_cents"`
	WalletBalanceCents int64            `json:"wallet_balance_cents"`
	RealizedPnLCents   int64            `json:"realized_pnl_cents"` // sells only
}

// Observer is notified after a trade commits.
type Observer func(ctx context.Context, team model.Team, r *Result)

// Engine executes trades.
type Engine struct {
	store     store.Store
	wallet    *wallet.Ledger
	logger    *zap.Logger
	now       func() time.Time
	observers []Observer
}

// NewEngine creates a trading engine that settles cash through ledger.
func NewEngine(st store.Store, ledger *wallet.Ledger, logger *zap.Logger) *Engine {
	return &Engine{
		store:  st,
		wallet: ledger,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// OnTrade registers an observer for committed trades.
func (e *Engine) OnTrade(o Observer) {
	e.observers = append(e.observers, o)
}

// order carries the validated request through execution.
type order struct {
	direction model.Direction
	userID    string
	teamID    string
	shares    int64
	quoted    int64
}

// Buy purchases shares from platform inventory at the current NAV.
func (e *Engine) Buy(ctx context.Context, p auth.Principal, userID, teamID string, shares, quotedPriceCents int64) (*Result, error) {
	return e.execute(ctx, p, order{model.DirectionBuy, userID, teamID, shares, quotedPriceCents})
}

// Sell returns shares to platform inventory at the current NAV. The
// position's invested amount is reduced by the proportional cost of the
// shares sold.
func (e *Engine) Sell(ctx context.Context, p auth.Principal, userID, teamID string, shares, quotedPriceCents int64) (*Result, error) {
	return e.execute(ctx, p, order{model.DirectionSell, userID, teamID, shares, quotedPriceCents})
}

func (e *Engine) execute(ctx context.Context, p auth.Principal, o order) (*Result, error) {
	if err := auth.CanActFor(p, o.userID); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindUser, o.userID); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindTeam, o.teamID); err != nil {
		return nil, err
	}
	if o.shares <= 0 {
		return nil, model.Validationf("shares must be positive, got %d", o.shares)
	}
	if o.quoted <= 0 {
		return nil, model.Validationf("quoted price must be positive, got %d", o.quoted)
	}

	start := e.now()
	var (
		res  *Result
		team model.Team
	)
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		teams, err := tx.LockTeams(ctx, o.teamID)
		if err != nil {
			return err
		}
		t := teams[o.teamID]
		user, err := tx.LockUser(ctx, o.userID)
		if err != nil {
			return err
		}
		if o.direction == model.DirectionBuy {
			res, err = e.buyLocked(ctx, tx, t, user, o)
		} else {
			res, err = e.sellLocked(ctx, tx, t, user, o)
		}
		team = *t
		return err
	})

	var rej *model.Rejection
	if errors.As(err, &rej) {
		metrics.TradeRejections.WithLabelValues(string(rej.Code)).Inc()
		e.logger.Info("trade rejected",
			zap.String("user_id", o.userID),
			zap.String("team_id", o.teamID),
			zap.String("direction", string(o.direction)),
			zap.String("code", string(rej.Code)),
			zap.String("reason", rej.Message))
		return &Result{Rejection: rej}, nil
	}
	if err != nil {
		if errors.Is(err, model.ErrLockTimeout) {
			metrics.LockTimeouts.WithLabelValues("trade").Inc()
		}
		return nil, fmt.Errorf("%s %d shares of %s for %s: %w", o.direction, o.shares, o.teamID, o.userID, err)
	}

	dir := string(o.direction)
	metrics.TradesTotal.WithLabelValues(dir).Inc()
	metrics.TradeLatency.WithLabelValues(dir).Observe(e.now().Sub(start).Seconds())
	metrics.TradeVolume.WithLabelValues(o.teamID, dir).Add(float64(o.shares))

	e.logger.Info("trade executed",
		zap.String("order_id", res.Order.ID),
		zap.String("user_id", o.userID),
		zap.String("team_id", o.teamID),
		zap.String("direction", dir),
		zap.Int64("shares", o.shares),
		zap.Int64("price_cents", res.PriceCents),
		zap.String("total", money.Format(res.Order.TotalCents)))

	for _, obs := range e.observers {
		obs(ctx, team, res)
	}
	return res, nil
}

// quote prices the team and checks the client's quote against it.
func quote(team *model.Team, quoted int64) (int64, error) {
	nav, err := money.NAV(team.MarketCapCents, team.TotalShares)
	if err != nil {
		return 0, fmt.Errorf("%w: price team %s: %v", model.ErrIntegrity, team.ID, err)
	}
	if nav == 0 {
		return 0, model.Reject(model.RejectUnpriced,
			"%s has a market cap of %s, below one cent per share", team.ID, money.Format(team.MarketCapCents))
	}
	if diff := quoted - nav; diff > QuoteTolerance || diff < -QuoteTolerance {
		return 0, model.Reject(model.RejectStaleQuote,
			"quoted %s but current price is %s", money.Format(quoted), money.Format(nav))
	}
	return nav, nil
}

func (e *Engine) buyLocked(ctx context.Context, tx store.Tx, team *model.Team, user *model.User, o order) (*Result, error) {
	nav, err := quote(team, o.quoted)
	if err != nil {
		return nil, err
	}
	if team.AvailableShares < o.shares {
		return nil, model.Reject(model.RejectInsufficientInventory,
			"%d shares requested but only %d available", o.shares, team.AvailableShares)
	}
	total, err := money.Mul(o.shares, nav)
	if err != nil {
		return nil, model.Validationf("order value overflows: %d x %d", o.shares, nav)
	}

	now := e.now().UTC()
	ord := &model.Order{
		ID:                 uuid.NewString(),
		UserID:             user.ID,
		TeamID:             team.ID,
		Direction:          model.DirectionBuy,
		Shares:             o.shares,
		PricePerShareCents: nav,
		TotalCents:         total,
		WalletBeforeCents:  user.WalletBalanceCents,
		AvailableBefore:    team.AvailableShares,
		CreatedAt:          now,
	}

	if _, err := e.wallet.Post(ctx, tx, user, wallet.Entry{
		Type:        model.TxPurchase,
		AmountCents: -total,
		Reference:   ord.ID,
		At:          now,
	}); err != nil {
		return nil, err
	}

	team.AvailableShares -= o.shares
	if err := tx.UpdateTeam(ctx, team); err != nil {
		return nil, err
	}

	pos, err := tx.GetPosition(ctx, user.ID, team.ID)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &model.Position{ID: uuid.NewString(), UserID: user.ID, TeamID: team.ID, CreatedAt: now}
	}
	ord.PositionQtyBefore = pos.Quantity
	pos.Quantity += o.shares
	pos.TotalInvestedCents += total
	pos.UpdatedAt = now
	if err := tx.SavePosition(ctx, pos); err != nil {
		return nil, err
	}

	ord.WalletAfterCents = user.WalletBalanceCents
	ord.AvailableAfter = team.AvailableShares
	ord.PositionQtyAfter = pos.Quantity
	if err := record(ctx, tx, team, ord, nav, -o.shares); err != nil {
		return nil, err
	}
	return &Result{
		Success:            true,
		Order:              ord,
		Position:           pos,
		PriceCents:         nav,
		WalletBalanceCents: user.WalletBalanceCents,
	}, nil
}

func (e *Engine) sellLocked(ctx context.Context, tx store.Tx, team *model.Team, user *model.User, o order) (*Result, error) {
	nav, err := quote(team, o.quoted)
	if err != nil {
		return nil, err
	}
	pos, err := tx.GetPosition(ctx, user.ID, team.ID)
	if err != nil {
		return nil, err
	}
	held := int64(0)
	if pos != nil {
		held = pos.Quantity
	}
	if held < o.shares {
		return nil, model.Reject(model.RejectInsufficientShares,
			"%d shares requested but %d held", o.shares, held)
	}
	if team.AvailableShares+o.shares > team.TotalShares {
		return nil, fmt.Errorf("%w: team %s inventory would exceed total shares", model.ErrIntegrity, team.ID)
	}
	proceeds, err := money.Mul(o.shares, nav)
	if err != nil {
		return nil, model.Validationf("order value overflows: %d x %d", o.shares, nav)
	}
	cost, err := money.MulDivRound(pos.TotalInvestedCents, o.shares, pos.Quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: cost basis of %s/%s: %v", model.ErrIntegrity, user.ID, team.ID, err)
	}

	now := e.now().UTC()
	ord := &model.Order{
		ID:                    uuid.NewString(),
		UserID:                user.ID,
		TeamID:                team.ID,
		Direction:             model.DirectionSell,
		Shares:                o.shares,
		PricePerShareCents:    nav,
		TotalCents:            proceeds,
		ProportionalCostCents: cost,
		WalletBeforeCents:     user.WalletBalanceCents,
		AvailableBefore:       team.AvailableShares,
		PositionQtyBefore:     pos.Quantity,
		CreatedAt:             now,
	}

	if proceeds > 0 {
		if _, err := e.wallet.Post(ctx, tx, user, wallet.Entry{
			Type:        model.TxSale,
			AmountCents: proceeds,
			Reference:   ord.ID,
			At:          now,
		}); err != nil {
			return nil, err
		}
	}

	team.AvailableShares += o.shares
	if err := tx.UpdateTeam(ctx, team); err != nil {
		return nil, err
	}

	pos.Quantity -= o.shares
	pos.TotalInvestedCents -= cost
	pos.UpdatedAt = now
	if pos.Quantity == 0 {
		if err := tx.DeletePosition(ctx, user.ID, team.ID); err != nil {
			return nil, err
		}
	} else if err := tx.SavePosition(ctx, pos); err != nil {
		return nil, err
	}

	ord.WalletAfterCents = user.WalletBalanceCents
	ord.AvailableAfter = team.AvailableShares
	ord.PositionQtyAfter = pos.Quantity
	if err := record(ctx, tx, team, ord, nav, o.shares); err != nil {
		return nil, err
	}

	res := &Result{
		Success:            true,
		Order:              ord,
		PriceCents:         nav,
		WalletBalanceCents: user.WalletBalanceCents,
		RealizedPnLCents:   proceeds - cost,
	}
	if pos.Quantity > 0 {
		res.Position = pos
	}
	return res, nil
}

// record appends the order and its zero-transfer ledger row. Trades move
// ownership, never market cap.
func record(ctx context.Context, tx store.Tx, team *model.Team, ord *model.Order, nav, sharesDelta int64) error {
	if err := tx.InsertOrder(ctx, ord); err != nil {
		return err
	}
	kind := model.KindTradeBuy
	if ord.Direction == model.DirectionSell {
		kind = model.KindTradeSell
	}
	return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID:                   uuid.NewString(),
		TeamID:               team.ID,
		Kind:                 kind,
		EventID:              ord.ID,
		MarketCapBeforeCents: team.MarketCapCents,
		MarketCapAfterCents:  team.MarketCapCents,
		PriceBeforeCents:     nav,
		PriceAfterCents:      nav,
		SharesDelta:          sharesDelta,
		CreatedAt:            ord.CreatedAt,
	})
}
