package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/teamexchange/market-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money is stored as BIGINT cents; the weekly return as NUMERIC.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store. lockTimeout is
// applied to every transaction with SET LOCAL lock_timeout.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// Migrate applies the embedded schema. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// mapErr translates PostgreSQL error codes into the model taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", model.ErrDuplicate, pgErr.ConstraintName)
		case "55P03", "57014", "40P01", "40001": // lock_not_available, query_canceled, deadlock, serialization
			return fmt.Errorf("%w: %s", model.ErrLockTimeout, pgErr.Message)
		case "23503", "23514": // foreign_key_violation, check_violation
			return fmt.Errorf("%w: %s", model.ErrIntegrity, pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", model.ErrLockTimeout, err)
	}
	return err
}

// --- Teams ---

const teamColumns = `id, name, total_shares, available_shares, market_cap_cents, initial_market_cap_cents, created_at`

func scanTeam(row pgx.Row) (*model.Team, error) {
	var t model.Team
	if err := row.Scan(&t.ID, &t.Name, &t.TotalShares, &t.AvailableShares,
		&t.MarketCapCents, &t.InitialMarketCapCents, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) CreateTeam(ctx context.Context, t *model.Team) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO teams (`+teamColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, t.TotalShares, t.AvailableShares,
		t.MarketCapCents, t.InitialMarketCapCents, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create team %s: %w", t.ID, mapErr(err))
	}
	return nil
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	t, err := scanTeam(s.pool.QueryRow(ctx, `SELECT `+teamColumns+` FROM teams WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("team %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get team %s: %w", id, mapErr(err))
	}
	return t, nil
}

func (s *PostgresStore) ListTeams(ctx context.Context) ([]model.Team, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+teamColumns+` FROM teams ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var teams []model.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, *t)
	}
	return teams, rows.Err()
}

// --- Users ---

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, wallet_balance_cents, created_at) VALUES ($1, $2, $3)`,
		u.ID, u.WalletBalanceCents, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, mapErr(err))
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, s.pool, id, "")
}

func getUser(ctx context.Context, q querier, id, suffix string) (*model.User, error) {
	var u model.User
	err := q.QueryRow(ctx,
		`SELECT id, wallet_balance_cents, created_at FROM users WHERE id = $1`+suffix, id).
		Scan(&u.ID, &u.WalletBalanceCents, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("user %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", id, mapErr(err))
	}
	return &u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, wallet_balance_cents, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.WalletBalanceCents, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// --- Fixtures ---

const fixtureColumns = `id, home_team_id, away_team_id, kickoff_at, home_score, away_score, result,
	home_cap_snapshot_cents, away_cap_snapshot_cents, snapshot_at, settled_at, created_at`

func scanFixture(row pgx.Row) (*model.Fixture, error) {
	var f model.Fixture
	var result string
	if err := row.Scan(&f.ID, &f.HomeTeamID, &f.AwayTeamID, &f.KickoffAt,
		&f.HomeScore, &f.AwayScore, &result,
		&f.HomeCapSnapshotCents, &f.AwayCapSnapshotCents,
		&f.SnapshotAt, &f.SettledAt, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.Result = model.Result(result)
	return &f, nil
}

func (s *PostgresStore) CreateFixture(ctx context.Context, f *model.Fixture) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fixtures (`+fixtureColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		f.ID, f.HomeTeamID, f.AwayTeamID, f.KickoffAt, f.HomeScore, f.AwayScore, string(f.Result),
		f.HomeCapSnapshotCents, f.AwayCapSnapshotCents, f.SnapshotAt, f.SettledAt, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create fixture %s: %w", f.ID, mapErr(err))
	}
	return nil
}

func (s *PostgresStore) GetFixture(ctx context.Context, id string) (*model.Fixture, error) {
	return getFixture(ctx, s.pool, id, "")
}

func getFixture(ctx context.Context, q querier, id, suffix string) (*model.Fixture, error) {
	f, err := scanFixture(q.QueryRow(ctx, `SELECT `+fixtureColumns+` FROM fixtures WHERE id = $1`+suffix, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFoundf("fixture %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get fixture %s: %w", id, mapErr(err))
	}
	return f, nil
}

func (s *PostgresStore) ListFixtures(ctx context.Context) ([]model.Fixture, error) {
	return listFixtures(ctx, s.pool)
}

func listFixtures(ctx context.Context, q querier) ([]model.Fixture, error) {
	rows, err := q.Query(ctx, `SELECT `+fixtureColumns+` FROM fixtures ORDER BY kickoff_at, id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var fixtures []model.Fixture
	for rows.Next() {
		f, err := scanFixture(rows)
		if err != nil {
			return nil, err
		}
		fixtures = append(fixtures, *f)
	}
	return fixtures, rows.Err()
}

func (s *PostgresStore) GetTransfer(ctx context.Context, fixtureID string) (*model.SettlementTransfer, error) {
	return getTransfer(ctx, s.pool, fixtureID)
}

func getTransfer(ctx context.Context, q querier, fixtureID string) (*model.SettlementTransfer, error) {
	var tr model.SettlementTransfer
	err := q.QueryRow(ctx,
		`SELECT fixture_id, winner_team_id, loser_team_id, amount_cents, pair_sum_before, pair_sum_after, created_at
		 FROM settlement_transfers WHERE fixture_id = $1`, fixtureID).
		Scan(&tr.FixtureID, &tr.WinnerTeamID, &tr.LoserTeamID, &tr.AmountCents,
			&tr.PairSumBefore, &tr.PairSumAfter, &tr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", fixtureID, mapErr(err))
	}
	return &tr, nil
}

// --- Position book ---

const positionColumns = `id, user_id, team_id, quantity, total_invested_cents, created_at, updated_at`

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	defer rows.Close()
	var out []model.Position
	for rows.Next() {
		var p model.Position
		if err := rows.Scan(&p.ID, &p.UserID, &p.TeamID, &p.Quantity,
			&p.TotalInvestedCents, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+positionColumns+` FROM positions ORDER BY user_id, team_id`)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanPositions(rows)
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY team_id`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanPositions(rows)
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, team_id, direction, shares, price_per_share_cents, total_cents,
		        proportional_cost_cents, wallet_before_cents, wallet_after_cents,
		        available_before, available_after, position_qty_before, position_qty_after, created_at
		 FROM orders WHERE user_id = $1 ORDER BY created_at, seq`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		var o model.Order
		var dir string
		if err := rows.Scan(&o.ID, &o.UserID, &o.TeamID, &dir, &o.Shares, &o.PricePerShareCents,
			&o.TotalCents, &o.ProportionalCostCents, &o.WalletBeforeCents, &o.WalletAfterCents,
			&o.AvailableBefore, &o.AvailableAfter, &o.PositionQtyBefore, &o.PositionQtyAfter,
			&o.CreatedAt); err != nil {
			return nil, err
		}
		o.Direction = model.Direction(dir)
		out = append(out, o)
	}
	return out, rows.Err()
}

// --- Wallet ledger ---

const walletColumns = `id, user_id, type, amount_cents, balance_after_cents, currency,
	COALESCE(idempotency_key, ''), reference, created_at`

func scanWalletTxn(row pgx.Row) (*model.WalletTransaction, error) {
	var w model.WalletTransaction
	var typ string
	if err := row.Scan(&w.ID, &w.UserID, &typ, &w.AmountCents, &w.BalanceAfterCents,
		&w.Currency, &w.IdempotencyKey, &w.Reference, &w.CreatedAt); err != nil {
		return nil, err
	}
	w.Type = model.TransactionType(typ)
	return &w, nil
}

func scanWalletTxns(rows pgx.Rows) ([]model.WalletTransaction, error) {
	defer rows.Close()
	var out []model.WalletTransaction
	for rows.Next() {
		w, err := scanWalletTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListWalletTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+walletColumns+` FROM wallet_transactions WHERE user_id = $1 ORDER BY created_at, seq`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanWalletTxns(rows)
}

func (s *PostgresStore) ListWalletTransactionsSince(ctx context.Context, since time.Time) ([]model.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+walletColumns+` FROM wallet_transactions WHERE created_at >= $1 ORDER BY created_at, seq`, since)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanWalletTxns(rows)
}

// --- Immutable team ledger ---

const ledgerColumns = `id, team_id, kind, event_id, market_cap_before_cents, market_cap_after_cents,
	price_before_cents, price_after_cents, transfer_cents, shares_delta, created_at`

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	defer rows.Close()
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.TeamID, &kind, &e.EventID,
			&e.MarketCapBeforeCents, &e.MarketCapAfterCents,
			&e.PriceBeforeCents, &e.PriceAfterCents,
			&e.TransferCents, &e.SharesDelta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = model.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) ListLedgerEntriesByTeam(ctx context.Context, teamID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+` FROM team_ledger WHERE team_id = $1 ORDER BY created_at, seq`, teamID)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanLedgerEntries(rows)
}

func (s *PostgresStore) ListLedgerEntriesByEvent(ctx context.Context, eventID string) ([]model.LedgerEntry, error) {
	return entriesForEvent(ctx, s.pool, eventID)
}

func entriesForEvent(ctx context.Context, q querier, eventID string) ([]model.LedgerEntry, error) {
	rows, err := q.Query(ctx,
		`SELECT `+ledgerColumns+` FROM team_ledger WHERE event_id = $1 ORDER BY seq`, eventID)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanLedgerEntries(rows)
}

func (s *PostgresStore) PriceAt(ctx context.Context, teamID string, at time.Time) (int64, bool, error) {
	var price int64
	err := s.pool.QueryRow(ctx,
		`SELECT price_after_cents FROM team_ledger
		 WHERE team_id = $1 AND created_at <= $2
		 ORDER BY created_at DESC, seq DESC LIMIT 1`, teamID, at).Scan(&price)
	if err == nil {
		return price, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, mapErr(err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT price_before_cents FROM team_ledger
		 WHERE team_id = $1 AND created_at > $2
		 ORDER BY created_at, seq LIMIT 1`, teamID, at).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, mapErr(err)
	}
	return price, true, nil
}

// --- Leaderboards ---

func (s *PostgresStore) SaveLeaderboard(ctx context.Context, weekStart time.Time, entries []model.LeaderboardEntry) error {
	return s.InTx(ctx, func(t Tx) error {
		tx := t.(*pgTx).tx
		if _, err := tx.Exec(ctx, `DELETE FROM leaderboard_entries WHERE week_start = $1`, weekStart); err != nil {
			return mapErr(err)
		}
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(
				`INSERT INTO leaderboard_entries
				 (week_start, week_end, user_id, start_account_value_cents, end_account_value_cents,
				  deposits_in_week_cents, weekly_return, rank)
				 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8)`,
				e.WeekStart, e.WeekEnd, e.UserID, e.StartAccountValueCents, e.EndAccountValueCents,
				e.DepositsInWeekCents, e.WeeklyReturn.String(), e.Rank,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save leaderboard: %w", mapErr(err))
		}
		return nil
	})
}

// parseWeeklyReturn decodes a stored NUMERIC return.
func parseWeeklyReturn(userID, text string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: weekly return %q for %s: %v", model.ErrIntegrity, text, userID, err)
	}
	return d, nil
}

func (s *PostgresStore) GetLeaderboard(ctx context.Context, weekStart time.Time) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT week_start, week_end, user_id, start_account_value_cents, end_account_value_cents,
		        deposits_in_week_cents, weekly_return::TEXT, rank
		 FROM leaderboard_entries WHERE week_start = $1 ORDER BY rank, user_id`, weekStart)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var ret string
		if err := rows.Scan(&e.WeekStart, &e.WeekEnd, &e.UserID, &e.StartAccountValueCents,
			&e.EndAccountValueCents, &e.DepositsInWeekCents, &ret, &e.Rank); err != nil {
			return nil, err
		}
		if e.WeeklyReturn, err = parseWeeklyReturn(e.UserID, ret); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, model.NotFoundf("leaderboard for week %s", weekKey(weekStart))
	}
	return out, nil
}

// --- Transactions ---

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapErr(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock_timeout: %w", mapErr(err))
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", mapErr(err))
	}
	return nil
}

// pgTx implements Tx over a pgx transaction. Row locks are SELECT ... FOR
// UPDATE and are held until commit or rollback.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockFixture(ctx context.Context, id string) (*model.Fixture, error) {
	return getFixture(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) LockTeams(ctx context.Context, ids ...string) (map[string]*model.Team, error) {
	sorted := sortedUnique(ids)
	out := make(map[string]*model.Team, len(sorted))
	for _, id := range sorted {
		team, err := scanTeam(t.tx.QueryRow(ctx,
			`SELECT `+teamColumns+` FROM teams WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, model.NotFoundf("team %s", id)
		}
		if err != nil {
			return nil, fmt.Errorf("lock team %s: %w", id, mapErr(err))
		}
		out[id] = team
	}
	return out, nil
}

func (t *pgTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, t.tx, id, " FOR UPDATE")
}

func (t *pgTx) UpdateTeam(ctx context.Context, team *model.Team) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE teams SET market_cap_cents = $2, available_shares = $3 WHERE id = $1`,
		team.ID, team.MarketCapCents, team.AvailableShares)
	if err != nil {
		return fmt.Errorf("update team %s: %w", team.ID, mapErr(err))
	}
	return nil
}

func (t *pgTx) UpdateUserBalance(ctx context.Context, userID string, balance int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users SET wallet_balance_cents = $2 WHERE id = $1`, userID, balance)
	if err != nil {
		return fmt.Errorf("update user %s: %w", userID, mapErr(err))
	}
	return nil
}

func (t *pgTx) UpdateFixture(ctx context.Context, f *model.Fixture) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE fixtures
		 SET home_score = $2, away_score = $3, result = $4,
		     home_cap_snapshot_cents = $5, away_cap_snapshot_cents = $6,
		     snapshot_at = $7, settled_at = $8
		 WHERE id = $1`,
		f.ID, f.HomeScore, f.AwayScore, string(f.Result),
		f.HomeCapSnapshotCents, f.AwayCapSnapshotCents, f.SnapshotAt, f.SettledAt)
	if err != nil {
		return fmt.Errorf("update fixture %s: %w", f.ID, mapErr(err))
	}
	return nil
}

func (t *pgTx) GetPosition(ctx context.Context, userID, teamID string) (*model.Position, error) {
	var p model.Position
	err := t.tx.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND team_id = $2`, userID, teamID).
		Scan(&p.ID, &p.UserID, &p.TeamID, &p.Quantity, &p.TotalInvestedCents, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", userID, teamID, mapErr(err))
	}
	return &p, nil
}

func (t *pgTx) SavePosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (`+positionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, team_id) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     total_invested_cents = EXCLUDED.total_invested_cents,
		     updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.TeamID, p.Quantity, p.TotalInvestedCents, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", p.UserID, p.TeamID, mapErr(err))
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, userID, teamID string) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE user_id = $1 AND team_id = $2`, userID, teamID)
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", userID, teamID, mapErr(err))
	}
	return nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO orders (id, user_id, team_id, direction, shares, price_per_share_cents, total_cents,
		        proportional_cost_cents, wallet_before_cents, wallet_after_cents,
		        available_before, available_after, position_qty_before, position_qty_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		o.ID, o.UserID, o.TeamID, string(o.Direction), o.Shares, o.PricePerShareCents, o.TotalCents,
		o.ProportionalCostCents, o.WalletBeforeCents, o.WalletAfterCents,
		o.AvailableBefore, o.AvailableAfter, o.PositionQtyBefore, o.PositionQtyAfter, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, mapErr(err))
	}
	return nil
}

func (t *pgTx) FindWalletTransaction(ctx context.Context, userID, key string) (*model.WalletTransaction, error) {
	w, err := scanWalletTxn(t.tx.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallet_transactions WHERE user_id = $1 AND idempotency_key = $2`,
		userID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find wallet transaction: %w", mapErr(err))
	}
	return w, nil
}

// InsertWalletTransaction uses ON CONFLICT DO NOTHING so a duplicate key
// does not abort the surrounding transaction.
func (t *pgTx) InsertWalletTransaction(ctx context.Context, w *model.WalletTransaction) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO wallet_transactions
		 (id, user_id, type, amount_cents, balance_after_cents, currency, idempotency_key, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)
		 ON CONFLICT DO NOTHING`,
		w.ID, w.UserID, string(w.Type), w.AmountCents, w.BalanceAfterCents, w.Currency,
		w.IdempotencyKey, w.Reference, w.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert wallet transaction: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: wallet transaction %s/%s", model.ErrDuplicate, w.UserID, w.IdempotencyKey)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO team_ledger (`+ledgerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT DO NOTHING`,
		e.ID, e.TeamID, string(e.Kind), e.EventID, e.MarketCapBeforeCents, e.MarketCapAfterCents,
		e.PriceBeforeCents, e.PriceAfterCents, e.TransferCents, e.SharesDelta, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: ledger entry %s", model.ErrDuplicate, ledgerKey(e))
	}
	return nil
}

func (t *pgTx) LedgerEntriesForEvent(ctx context.Context, eventID string) ([]model.LedgerEntry, error) {
	return entriesForEvent(ctx, t.tx, eventID)
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *model.SettlementTransfer) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO settlement_transfers
		 (fixture_id, winner_team_id, loser_team_id, amount_cents, pair_sum_before, pair_sum_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT DO NOTHING`,
		tr.FixtureID, tr.WinnerTeamID, tr.LoserTeamID, tr.AmountCents,
		tr.PairSumBefore, tr.PairSumAfter, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transfer for fixture %s", model.ErrDuplicate, tr.FixtureID)
	}
	return nil
}

func (t *pgTx) GetTransfer(ctx context.Context, fixtureID string) (*model.SettlementTransfer, error) {
	return getTransfer(ctx, t.tx, fixtureID)
}

func (t *pgTx) ListFixtures(ctx context.Context) ([]model.Fixture, error) {
	return listFixtures(ctx, t.tx)
}

func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
