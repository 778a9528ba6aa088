// Package model defines the core domain types shared across the exchange.
// All monetary values are int64 minor units (cents), never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTotalShares is the fixed share supply of a newly listed team.
const DefaultTotalShares int64 = 1000

// Team is a tradable asset. MarketCapCents is moved only by settlement;
// AvailableShares (platform inventory) only by trading.
type Team struct {
	ID                    string    `json:"id" db:"id"`
	Name                  string    `json:"name" db:"name"`
	TotalShares           int64     `json:"total_shares" db:"total_shares"`
	AvailableShares       int64     `json:"available_shares" db:"available_shares"`
	MarketCapCents        int64     `json:"market_cap_cents" db:"market_cap_cents"`
	InitialMarketCapCents int64     `json:"initial_market_cap_cents" db:"initial_market_cap_cents"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
}

// User holds the cash wallet. WalletBalanceCents changes only through the
// wallet ledger.
type User struct {
	ID                 string    `json:"id" db:"id"`
	WalletBalanceCents int64     `json:"wallet_balance_cents" db:"wallet_balance_cents"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Position is a user's holding in one team. It exists only while
// Quantity > 0.
type Position struct {
	ID                 string    `json:"id" db:"id"`
	UserID             string    `json:"user_id" db:"user_id"`
	TeamID             string    `json:"team_id" db:"team_id"`
	Quantity           int64     `json:"quantity" db:"quantity"`
	TotalInvestedCents int64     `json:"total_invested_cents" db:"total_invested_cents"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time `json:"updated_at" db:"updated_at"`
}

// Direction of an order.
type Direction string

const (
	DirectionBuy  Direction = "buy"
	DirectionSell Direction = "sell"
)

// Order is an immutable trade record with before/after snapshots of every
// balance the trade touched.
type Order struct {
	ID                    string    `json:"id" db:"id"`
	UserID                string    `json:"user_id" db:"user_id"`
	TeamID                string    `json:"team_id" db:"team_id"`
	Direction             Direction `json:"direction" db:"direction"`
	Shares                int64     `json:"shares" db:"shares"`
	PricePerShareCents    int64     `json:"price_per_share_cents" db:"price_per_share_cents"`
	TotalCents            int64     `json:"total_cents" db:"total_cents"`
	ProportionalCostCents int64     `json:"proportional_cost_cents" db:"proportional_cost_cents"`
	WalletBeforeCents     int64     `json:"wallet_before_cents" db:"wallet_before_cents"`
	WalletAfterCents      int64     `json:"wallet_after_cents" db:"wallet_after_cents"`
	AvailableBefore       int64     `json:"available_before" db:"available_before"`
	AvailableAfter        int64     `json:"available_after" db:"available_after"`
	PositionQtyBefore     int64     `json:"position_qty_before" db:"position_qty_before"`
	PositionQtyAfter      int64     `json:"position_qty_after" db:"position_qty_after"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
}

// TransactionType classifies a wallet transaction.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxPurchase   TransactionType = "purchase"
	TxSale       TransactionType = "sale"
	TxAdjustment TransactionType = "adjustment"
)

// WalletTransaction is an immutable, signed movement of a user's cash.
// Unique per (UserID, IdempotencyKey) when the key is set.
type WalletTransaction struct {
	ID                string          `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	Type              TransactionType `json:"type" db:"type"`
	AmountCents       int64           `json:"amount_cents" db:"amount_cents"` // signed: +credit, -debit
	BalanceAfterCents int64           `json:"balance_after_cents" db:"balance_after_cents"`
	Currency          string          `json:"currency" db:"currency"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty" db:"idempotency_key"`
	Reference         string          `json:"reference,omitempty" db:"reference"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// EntryKind names the event that produced a ledger entry.
type EntryKind string

const (
	KindMatchWin         EntryKind = "match_win"
	KindMatchLoss        EntryKind = "match_loss"
	KindMatchDraw        EntryKind = "match_draw"
	KindTradeBuy         EntryKind = "trade_buy"
	KindTradeSell        EntryKind = "trade_sell"
	KindReplayAdjustment EntryKind = "replay_adjustment"
)

// IsSettlement reports whether the kind is written by match settlement.
func (k EntryKind) IsSettlement() bool {
	return k == KindMatchWin || k == KindMatchLoss || k == KindMatchDraw
}

// LedgerEntry is an append-only record of a value- or ownership-affecting
// event on one team. At most one entry exists per (TeamID, EventID, Kind).
type LedgerEntry struct {
	ID                   string    `json:"id" db:"id"`
	TeamID               string    `json:"team_id" db:"team_id"`
	Kind                 EntryKind `json:"kind" db:"kind"`
	EventID              string    `json:"event_id" db:"event_id"`
	MarketCapBeforeCents int64     `json:"market_cap_before_cents" db:"market_cap_before_cents"`
	MarketCapAfterCents  int64     `json:"market_cap_after_cents" db:"market_cap_after_cents"`
	PriceBeforeCents     int64     `json:"price_before_cents" db:"price_before_cents"`
	PriceAfterCents      int64     `json:"price_after_cents" db:"price_after_cents"`
	TransferCents        int64     `json:"transfer_cents" db:"transfer_cents"` // signed: +gain, -loss
	SharesDelta          int64     `json:"shares_delta" db:"shares_delta"`     // signed change in platform inventory
	CreatedAt            time.Time `json:"created_at" db:"created_at"`
}

// SettlementTransfer records the value moved between two teams by one
// fixture. Draws record a zero amount with empty winner/loser.
type SettlementTransfer struct {
	FixtureID     string    `json:"fixture_id" db:"fixture_id"`
	WinnerTeamID  string    `json:"winner_team_id,omitempty" db:"winner_team_id"`
	LoserTeamID   string    `json:"loser_team_id,omitempty" db:"loser_team_id"`
	AmountCents   int64     `json:"amount_cents" db:"amount_cents"`
	PairSumBefore int64     `json:"pair_sum_before" db:"pair_sum_before"`
	PairSumAfter  int64     `json:"pair_sum_after" db:"pair_sum_after"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Result of a fixture.
type Result string

const (
	ResultPending Result = "pending"
	ResultHomeWin Result = "home_win"
	ResultAwayWin Result = "away_win"
	ResultDraw    Result = "draw"
)

// Valid reports whether r is a known result value.
func (r Result) Valid() bool {
	switch r {
	case ResultPending, ResultHomeWin, ResultAwayWin, ResultDraw:
		return true
	}
	return false
}

// Terminal reports whether r is a final result.
func (r Result) Terminal() bool {
	return r == ResultHomeWin || r == ResultAwayWin || r == ResultDraw
}

// ResultFromScore derives the result of a finished match.
func ResultFromScore(home, away int) Result {
	switch {
	case home > away:
		return ResultHomeWin
	case away > home:
		return ResultAwayWin
	default:
		return ResultDraw
	}
}

// Fixture is a match between two teams. The cap snapshots are written once
// and never modified afterwards.
type Fixture struct {
	ID                   string     `json:"id" db:"id"`
	HomeTeamID           string     `json:"home_team_id" db:"home_team_id"`
	AwayTeamID           string     `json:"away_team_id" db:"away_team_id"`
	KickoffAt            time.Time  `json:"kickoff_at" db:"kickoff_at"`
	HomeScore            *int       `json:"home_score,omitempty" db:"home_score"`
	AwayScore            *int       `json:"away_score,omitempty" db:"away_score"`
	Result               Result     `json:"result" db:"result"`
	HomeCapSnapshotCents *int64     `json:"home_cap_snapshot_cents,omitempty" db:"home_cap_snapshot_cents"`
	AwayCapSnapshotCents *int64     `json:"away_cap_snapshot_cents,omitempty" db:"away_cap_snapshot_cents"`
	SnapshotAt           *time.Time `json:"snapshot_at,omitempty" db:"snapshot_at"`
	SettledAt            *time.Time `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

// HasSnapshot reports whether both pre-match caps have been captured.
func (f *Fixture) HasSnapshot() bool {
	return f.HomeCapSnapshotCents != nil && f.AwayCapSnapshotCents != nil
}

// LeaderboardEntry is one user's row in a weekly ranking.
type LeaderboardEntry struct {
	WeekStart              time.Time       `json:"week_start" db:"week_start"`
	WeekEnd                time.Time       `json:"week_end" db:"week_end"`
	UserID                 string          `json:"user_id" db:"user_id"`
	StartAccountValueCents int64           `json:"start_account_value_cents" db:"start_account_value_cents"`
	EndAccountValueCents   int64           `json:"end_account_value_cents" db:"end_account_value_cents"`
	DepositsInWeekCents    int64           `json:"deposits_in_week_cents" db:"deposits_in_week_cents"`
	WeeklyReturn           decimal.Decimal `json:"weekly_return" db:"weekly_return"`
	Rank                   int             `json:"rank" db:"rank"`
}

// PositionView is a position marked to the current NAV.
type PositionView struct {
	Position
	TeamName           string `json:"team_name"`
	PriceCents         int64  `json:"price_cents"`
	MarketValueCents   int64  `json:"market_value_cents"`
	UnrealizedPnLCents int64  `json:"unrealized_pnl_cents"` // market value - total invested
}

// Portfolio aggregates a user's wallet and marked positions.
type Portfolio struct {
	UserID              string         `json:"user_id"`
	WalletBalanceCents  int64          `json:"wallet_balance_cents"`
	Positions           []PositionView `json:"positions"`
	PortfolioValueCents int64          `json:"portfolio_value_cents"`
	AccountValueCents   int64          `json:"account_value_cents"` // wallet + portfolio
	TotalInvestedCents  int64          `json:"total_invested_cents"`
	UnrealizedPnLCents  int64          `json:"unrealized_pnl_cents"`
}
