package leaderboard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/leaderboard"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/store"
	"github.com/teamexchange/market-engine/internal/wallet"
)

var (
	internal  = auth.Internal("test")
	weekStart = time.Date(2025, 8, 11, 0, 0, 0, 0, time.UTC)
	weekEnd   = weekStart.AddDate(0, 0, 7)
)

type testEnv struct {
	agg    *leaderboard.Aggregator
	store  *store.MemoryStore
	ledger *wallet.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	if err := ms.CreateTeam(context.Background(), &model.Team{
		ID: "ars", Name: "Arsenal", TotalShares: 1000, AvailableShares: 1000,
		MarketCapCents: 500_000, InitialMarketCapCents: 500_000,
	}); err != nil {
		t.Fatalf("failed to seed team: %v", err)
	}
	return &testEnv{
		agg:    leaderboard.NewAggregator(ms, nil),
		store:  ms,
		ledger: wallet.NewLedger(ms, "USD", nil),
	}
}

func (env *testEnv) addUser(t *testing.T, id string) {
	t.Helper()
	if err := env.store.CreateUser(context.Background(), &model.User{ID: id}); err != nil {
		t.Fatal(err)
	}
}

// post writes a wallet movement at a fixed time.
func (env *testEnv) post(t *testing.T, userID string, typ model.TransactionType, cents int64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	err := env.store.InTx(ctx, func(tx store.Tx) error {
		u, err := tx.LockUser(ctx, userID)
		if err != nil {
			return err
		}
		_, err = env.ledger.Post(ctx, tx, u, wallet.Entry{Type: typ, AmountCents: cents, At: at})
		return err
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
}

func (env *testEnv) hold(t *testing.T, userID string, qty int64) {
	t.Helper()
	ctx := context.Background()
	err := env.store.InTx(ctx, func(tx store.Tx) error {
		return tx.SavePosition(ctx, &model.Position{
			ID: userID + "-ars", UserID: userID, TeamID: "ars", Quantity: qty, TotalInvestedCents: qty * 500,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

// reprice moves ars to a new cap and records the change in the ledger.
func (env *testEnv) reprice(t *testing.T, capCents int64, at time.Time) {
	t.Helper()
	ctx := context.Background()
	err := env.store.InTx(ctx, func(tx store.Tx) error {
		teams, err := tx.LockTeams(ctx, "ars")
		if err != nil {
			return err
		}
		team := teams["ars"]
		before := team.MarketCapCents
		team.MarketCapCents = capCents
		if err := tx.UpdateTeam(ctx, team); err != nil {
			return err
		}
		return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			ID: "e-" + at.Format(time.RFC3339), TeamID: "ars", Kind: model.KindMatchWin,
			EventID: "fx-" + at.Format(time.RFC3339), MarketCapBeforeCents: before, MarketCapAfterCents: capCents,
			PriceBeforeCents: before / 1000, PriceAfterCents: capCents / 1000,
			TransferCents: capCents - before, CreatedAt: at,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGenerate_ExcludesDeposits(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u1")
	// $500 cash plus 100 shares at $5.00 = $1,000 at the week start.
	env.post(t, "u1", model.TxDeposit, 50_000, weekStart.Add(-24*time.Hour))
	env.hold(t, "u1", 100)
	// $50 deposited during the week, shares reprice to $6.00.
	env.post(t, "u1", model.TxDeposit, 5_000, weekStart.Add(24*time.Hour))
	env.reprice(t, 600_000, weekStart.Add(48*time.Hour))
	// Activity after the window does not count.
	env.post(t, "u1", model.TxDeposit, 1_000, weekEnd.Add(time.Hour))

	entries, err := env.agg.Generate(context.Background(), internal, weekStart, weekEnd)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.StartAccountValueCents != 100_000 || e.EndAccountValueCents != 115_000 {
		t.Errorf("expected 100000 -> 115000, got %d -> %d", e.StartAccountValueCents, e.EndAccountValueCents)
	}
	if e.DepositsInWeekCents != 5_000 {
		t.Errorf("expected deposits 5000, got %d", e.DepositsInWeekCents)
	}
	if !e.WeeklyReturn.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("expected return 0.1, got %s", e.WeeklyReturn)
	}
	if e.Rank != 1 {
		t.Errorf("expected rank 1, got %d", e.Rank)
	}
}

func TestGenerate_ZeroStartAccount(t *testing.T) {
	env := newTestEnv(t)
	env.addUser(t, "u1")
	env.post(t, "u1", model.TxDeposit, 10_000, weekStart.Add(time.Hour))

	entries, err := env.agg.Generate(context.Background(), internal, weekStart, weekEnd)
	if err != nil {
		t.Fatal(err)
	}
	if !entries[0].WeeklyReturn.IsZero() || entries[0].StartAccountValueCents != 0 {
		t.Errorf("expected zero return for empty start account, got %+v", entries[0])
	}
}

func TestGenerate_DenseRankAndStorage(t *testing.T) {
	env := newTestEnv(t)
	for _, id := range []string{"alice", "bob", "carol", "dave"} {
		env.addUser(t, id)
		env.post(t, id, model.TxDeposit, 10_000, weekStart.Add(-time.Hour))
	}
	// bob and carol both gain 10%, alice gains 5%, dave loses 20%.
	env.post(t, "bob", model.TxAdjustment, 1_000, weekStart.Add(time.Hour))
	env.post(t, "carol", model.TxAdjustment, 1_000, weekStart.Add(time.Hour))
	env.post(t, "alice", model.TxAdjustment, 500, weekStart.Add(time.Hour))
	env.post(t, "dave", model.TxAdjustment, -2_000, weekStart.Add(time.Hour))

	ctx := context.Background()
	entries, err := env.agg.Generate(ctx, internal, weekStart, weekEnd)
	if err != nil {
		t.Fatal(err)
	}
	want := []struct {
		user string
		rank int
	}{{"bob", 1}, {"carol", 1}, {"alice", 2}, {"dave", 3}}
	for i, w := range want {
		if entries[i].UserID != w.user || entries[i].Rank != w.rank {
			t.Errorf("position %d: expected %s rank %d, got %s rank %d",
				i, w.user, w.rank, entries[i].UserID, entries[i].Rank)
		}
	}

	stored, err := env.agg.Get(ctx, weekStart)
	if err != nil || len(stored) != 4 || stored[0].UserID != "bob" {
		t.Errorf("unexpected stored board %+v (%v)", stored, err)
	}

	// Regeneration replaces the stored week.
	env.post(t, "dave", model.TxAdjustment, 5_000, weekStart.Add(2*time.Hour))
	if _, err := env.agg.Generate(ctx, internal, weekStart, weekEnd); err != nil {
		t.Fatal(err)
	}
	stored, _ = env.agg.Get(ctx, weekStart)
	if stored[0].UserID != "dave" {
		t.Errorf("expected dave to lead after regeneration, got %s", stored[0].UserID)
	}
}

func TestGenerate_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.agg.Generate(ctx, internal, weekEnd, weekStart); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation for inverted window, got %v", err)
	}
	if _, err := env.agg.Generate(ctx, auth.User("u1"), weekStart, weekEnd); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := env.agg.Get(ctx, weekStart.AddDate(0, 0, 7)); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing week, got %v", err)
	}
}
