// Package store defines the persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache decorator), and in-memory (for testing and local development).
//
// Every mutation goes through InTx. Inside a transaction, rows are locked
// in one global order: fixture, then teams (ascending id), then user.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/teamexchange/market-engine/internal/model"
)

var (
	// ErrTxClosed is returned when a Tx is used after commit or rollback.
	ErrTxClosed = errors.New("store: transaction already closed")

	// ErrLockOrder is returned when a transaction requests locks out of the
	// fixture -> teams -> user order.
	ErrLockOrder = errors.New("store: lock requested out of order")
)

// Store is the persistence interface. Reads outside InTx observe committed
// state only.
type Store interface {
	// --- Teams ---

	// CreateTeam lists a new team.
	CreateTeam(ctx context.Context, team *model.Team) error

	// GetTeam retrieves a team by id.
	GetTeam(ctx context.Context, id string) (*model.Team, error)

	// ListTeams returns all teams ordered by id.
	ListTeams(ctx context.Context) ([]model.Team, error)

	// --- Users ---

	// CreateUser registers a user with a zero wallet.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser retrieves a user by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// ListUsers returns all users ordered by id.
	ListUsers(ctx context.Context) ([]model.User, error)

	// --- Fixtures ---

	// CreateFixture schedules a fixture.
	CreateFixture(ctx context.Context, fixture *model.Fixture) error

	// GetFixture retrieves a fixture by id.
	GetFixture(ctx context.Context, id string) (*model.Fixture, error)

	// ListFixtures returns all fixtures ordered by (kickoff_at, id).
	ListFixtures(ctx context.Context) ([]model.Fixture, error)

	// GetTransfer returns the settlement transfer of a fixture, or nil.
	GetTransfer(ctx context.Context, fixtureID string) (*model.SettlementTransfer, error)

	// --- Position book ---

	// ListPositions returns every open position.
	ListPositions(ctx context.Context) ([]model.Position, error)

	// ListUserPositions returns a user's open positions ordered by team id.
	ListUserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListOrdersByUser returns a user's orders, oldest first.
	ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error)

	// --- Wallet ledger ---

	// ListWalletTransactions returns a user's transactions, oldest first.
	ListWalletTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error)

	// ListWalletTransactionsSince returns all transactions with
	// created_at >= since, oldest first.
	ListWalletTransactionsSince(ctx context.Context, since time.Time) ([]model.WalletTransaction, error)

	// --- Immutable team ledger ---

	// ListLedgerEntriesByTeam returns a team's entries, oldest first.
	ListLedgerEntriesByTeam(ctx context.Context, teamID string) ([]model.LedgerEntry, error)

	// ListLedgerEntriesByEvent returns entries referencing an event.
	ListLedgerEntriesByEvent(ctx context.Context, eventID string) ([]model.LedgerEntry, error)

	// PriceAt returns the team's per-share price in effect at the given
	// instant: the price_after of the latest entry at or before it, else
	// the price_before of the earliest later entry. found is false when
	// the team has no entries.
	PriceAt(ctx context.Context, teamID string, at time.Time) (price int64, found bool, err error)

	// --- Leaderboards ---

	// SaveLeaderboard replaces the stored ranking for a week.
	SaveLeaderboard(ctx context.Context, weekStart time.Time, entries []model.LeaderboardEntry) error

	// GetLeaderboard returns the stored ranking for a week ordered by rank.
	GetLeaderboard(ctx context.Context, weekStart time.Time) ([]model.LeaderboardEntry, error)

	// --- Transactions ---

	// InTx runs fn in one atomic transaction. fn's error (or a commit
	// failure) rolls back every write made through the Tx.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Tx is the locked unit of work handed to InTx callbacks. Locked rows are
// returned as copies; writes become visible to others only on commit.
type Tx interface {
	// LockFixture locks and returns a fixture.
	LockFixture(ctx context.Context, id string) (*model.Fixture, error)

	// LockTeams locks the given teams in ascending id order and returns
	// them keyed by id. A missing team is model.ErrNotFound.
	LockTeams(ctx context.Context, ids ...string) (map[string]*model.Team, error)

	// LockUser locks and returns a user. Must follow any team locks.
	LockUser(ctx context.Context, id string) (*model.User, error)

	UpdateTeam(ctx context.Context, team *model.Team) error
	UpdateUserBalance(ctx context.Context, userID string, balanceCents int64) error
	UpdateFixture(ctx context.Context, fixture *model.Fixture) error

	// GetPosition returns the (user, team) position, or nil if none.
	GetPosition(ctx context.Context, userID, teamID string) (*model.Position, error)
	SavePosition(ctx context.Context, position *model.Position) error
	DeletePosition(ctx context.Context, userID, teamID string) error

	InsertOrder(ctx context.Context, order *model.Order) error

	// FindWalletTransaction returns the transaction with the given
	// idempotency key, or nil.
	FindWalletTransaction(ctx context.Context, userID, key string) (*model.WalletTransaction, error)

	// InsertWalletTransaction appends a transaction; a repeated
	// (user, key) is model.ErrDuplicate.
	InsertWalletTransaction(ctx context.Context, txn *model.WalletTransaction) error

	// InsertLedgerEntry appends an entry; a repeated (team, event, kind)
	// is model.ErrDuplicate.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// LedgerEntriesForEvent returns entries referencing an event.
	LedgerEntriesForEvent(ctx context.Context, eventID string) ([]model.LedgerEntry, error)

	InsertTransfer(ctx context.Context, transfer *model.SettlementTransfer) error
	GetTransfer(ctx context.Context, fixtureID string) (*model.SettlementTransfer, error)

	// ListFixtures returns all fixtures ordered by (kickoff_at, id).
	ListFixtures(ctx context.Context) ([]model.Fixture, error)
}

// positionKey identifies a (user, team) position.
func positionKey(userID, teamID string) string {
	return userID + "|" + teamID
}

// ledgerKey identifies the structural uniqueness of a ledger entry.
func ledgerKey(e *model.LedgerEntry) string {
	return e.TeamID + "|" + e.EventID + "|" + string(e.Kind)
}

// walletKey identifies an idempotent wallet transaction.
func walletKey(userID, key string) string {
	return userID + "|" + key
}
