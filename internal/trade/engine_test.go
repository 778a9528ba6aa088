package trade_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/store"
	"github.com/teamexchange/market-engine/internal/trade"
	"github.com/teamexchange/market-engine/internal/wallet"
)

var internal = auth.Internal("test")

type testEnv struct {
	engine *trade.Engine
	ledger *wallet.Ledger
	store  *store.MemoryStore
}

// newTestEnv lists team "ars" at $5.00/share (cap $5,000 over 1000 shares)
// and registers user "u1" with an empty wallet.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()
	if err := ms.CreateTeam(ctx, &model.Team{
		ID: "ars", Name: "Arsenal", TotalShares: 1000, AvailableShares: 1000,
		MarketCapCents: 500_000, InitialMarketCapCents: 500_000, CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("failed to seed team: %v", err)
	}
	if err := ms.CreateUser(ctx, &model.User{ID: "u1", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("failed to seed user: %v", err)
	}
	ledger := wallet.NewLedger(ms, "USD", nil)
	return &testEnv{engine: trade.NewEngine(ms, ledger, nil), ledger: ledger, store: ms}
}

func (env *testEnv) deposit(t *testing.T, cents int64) {
	t.Helper()
	if _, err := env.ledger.Credit(context.Background(), internal, "u1", cents, "", "USD"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func (env *testEnv) setCap(t *testing.T, capCents int64) {
	t.Helper()
	ctx := context.Background()
	err := env.store.InTx(ctx, func(tx store.Tx) error {
		teams, err := tx.LockTeams(ctx, "ars")
		if err != nil {
			return err
		}
		teams["ars"].MarketCapCents = capCents
		return tx.UpdateTeam(ctx, teams["ars"])
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) balance(t *testing.T) int64 {
	t.Helper()
	u, err := env.store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	return u.WalletBalanceCents
}

func (env *testEnv) team(t *testing.T) *model.Team {
	t.Helper()
	team, err := env.store.GetTeam(context.Background(), "ars")
	if err != nil {
		t.Fatal(err)
	}
	return team
}

func TestBuySell_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := auth.User("u1")
	env.deposit(t, 100_000)

	buy, err := env.engine.Buy(ctx, user, "u1", "ars", 10, 500)
	if err != nil {
		t.Fatalf("Buy: %v", err)
	}
	if !buy.Success {
		t.Fatalf("buy rejected: %+v", buy.Rejection)
	}
	if buy.WalletBalanceCents != 95_000 || env.balance(t) != 95_000 {
		t.Errorf("expected wallet 95000 after buy, got %d", env.balance(t))
	}
	if buy.Position == nil || buy.Position.Quantity != 10 || buy.Position.TotalInvestedCents != 5_000 {
		t.Errorf("unexpected position %+v", buy.Position)
	}
	if env.team(t).AvailableShares != 990 {
		t.Errorf("expected inventory 990, got %d", env.team(t).AvailableShares)
	}

	// Price rises to $6.00.
	env.setCap(t, 600_000)

	sell, err := env.engine.Sell(ctx, user, "u1", "ars", 10, 600)
	if err != nil {
		t.Fatalf("Sell: %v", err)
	}
	if !sell.Success {
		t.Fatalf("sell rejected: %+v", sell.Rejection)
	}
	if env.balance(t) != 101_000 {
		t.Errorf("expected wallet 101000, got %d", env.balance(t))
	}
	if sell.RealizedPnLCents != 1_000 {
		t.Errorf("expected realized gain 1000, got %d", sell.RealizedPnLCents)
	}
	if sell.Position != nil {
		t.Errorf("expected position closed, got %+v", sell.Position)
	}
	if positions, _ := env.store.ListUserPositions(ctx, "u1"); len(positions) != 0 {
		t.Errorf("expected no open positions, got %d", len(positions))
	}
	if env.team(t).AvailableShares != 1000 {
		t.Errorf("expected inventory restored to 1000, got %d", env.team(t).AvailableShares)
	}

	orders, _ := env.store.ListOrdersByUser(ctx, "u1")
	if len(orders) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(orders))
	}
	if orders[1].ProportionalCostCents != 5_000 || orders[1].PositionQtyAfter != 0 {
		t.Errorf("unexpected sell order %+v", orders[1])
	}

	entries, _ := env.store.ListLedgerEntriesByTeam(ctx, "ars")
	var deltas int64
	for _, e := range entries {
		if e.TransferCents != 0 || e.MarketCapBeforeCents != e.MarketCapAfterCents {
			t.Errorf("trade entry moved market cap: %+v", e)
		}
		deltas += e.SharesDelta
	}
	if len(entries) != 2 || deltas != 0 {
		t.Errorf("expected 2 trade entries netting to zero shares, got %d / %d", len(entries), deltas)
	}

	txns, _ := env.store.ListWalletTransactions(ctx, "u1")
	if len(txns) != 3 || txns[1].Type != model.TxPurchase || txns[2].Type != model.TxSale {
		t.Errorf("unexpected wallet transactions %+v", txns)
	}
}

func TestSell_PartialKeepsProportionalCost(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.deposit(t, 100_000)

	if _, err := env.engine.Buy(ctx, internal, "u1", "ars", 3, 500); err != nil {
		t.Fatal(err)
	}
	env.setCap(t, 501_000) // $5.01
	if _, err := env.engine.Buy(ctx, internal, "u1", "ars", 4, 501); err != nil {
		t.Fatal(err)
	}
	// invested = 1500 + 2004 = 3504 over 7 shares.
	res, err := env.engine.Sell(ctx, internal, "u1", "ars", 2, 501)
	if err != nil {
		t.Fatal(err)
	}
	// round(3504 * 2 / 7) = round(1001.14) = 1001
	if res.Order.ProportionalCostCents != 1_001 {
		t.Errorf("expected proportional cost 1001, got %d", res.Order.ProportionalCostCents)
	}
	if res.Position == nil || res.Position.Quantity != 5 || res.Position.TotalInvestedCents != 2_503 {
		t.Errorf("unexpected remaining position %+v", res.Position)
	}
}

func TestTrade_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		sell   bool
		shares int64
		quoted int64
		code   model.RejectionCode
	}{
		{"stale quote above", false, 1, 502, model.RejectStaleQuote},
		{"stale quote below", false, 1, 498, model.RejectStaleQuote},
		{"insufficient funds", false, 201, 500, model.RejectInsufficientFunds},
		{"insufficient inventory", false, 1001, 500, model.RejectInsufficientInventory},
		{"insufficient shares", true, 1, 500, model.RejectInsufficientShares},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.deposit(t, 100_000) // $1,000 buys at most 200 shares
			exec := env.engine.Buy
			if tt.sell {
				exec = env.engine.Sell
			}
			res, err := exec(context.Background(), internal, "u1", "ars", tt.shares, tt.quoted)
			if err != nil {
				t.Fatalf("expected rejection, got error %v", err)
			}
			if res.Success || res.Rejection == nil || res.Rejection.Code != tt.code {
				t.Fatalf("expected %s rejection, got %+v", tt.code, res)
			}
			if env.balance(t) != 100_000 || env.team(t).AvailableShares != 1000 {
				t.Error("rejected trade changed state")
			}
		})
	}
}

func TestTrade_SubCentPriceRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.deposit(t, 1_000)
	if _, err := env.engine.Buy(ctx, internal, "u1", "ars", 2, 500); err != nil {
		t.Fatal(err)
	}
	env.setCap(t, 400) // 400 cents over 1000 shares rounds to 0

	for _, exec := range []func(context.Context, auth.Principal, string, string, int64, int64) (*trade.Result, error){
		env.engine.Buy, env.engine.Sell,
	} {
		res, err := exec(ctx, internal, "u1", "ars", 1, 1)
		if err != nil {
			t.Fatalf("expected rejection, got error %v", err)
		}
		if res.Success || res.Rejection == nil || res.Rejection.Code != model.RejectUnpriced {
			t.Fatalf("expected %s rejection, got %+v", model.RejectUnpriced, res)
		}
	}
	if env.balance(t) != 0 || env.team(t).AvailableShares != 998 {
		t.Error("rejected trade changed state")
	}
}

func TestBuy_QuoteWithinTolerance(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, 100_000)
	for _, quoted := range []int64{499, 500, 501} {
		res, err := env.engine.Buy(context.Background(), internal, "u1", "ars", 1, quoted)
		if err != nil || !res.Success {
			t.Errorf("quote %d: expected fill, got %+v / %v", quoted, res, err)
		}
		if res != nil && res.Order != nil && res.Order.PricePerShareCents != 500 {
			t.Errorf("expected fill at NAV 500, got %d", res.Order.PricePerShareCents)
		}
	}
}

func TestTrade_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.engine.Buy(ctx, internal, "u1", "ars", 0, 500); !errors.Is(err, model.ErrValidation) {
		t.Errorf("zero shares: expected ErrValidation, got %v", err)
	}
	if _, err := env.engine.Buy(ctx, internal, "u1", "bad team", 1, 500); !errors.Is(err, model.ErrValidation) {
		t.Errorf("bad team id: expected ErrValidation, got %v", err)
	}
	if _, err := env.engine.Buy(ctx, internal, "u1", "ghost", 1, 500); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown team: expected ErrNotFound, got %v", err)
	}
	if _, err := env.engine.Buy(ctx, internal, "nobody", "ars", 1, 500); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("unknown user: expected ErrNotFound, got %v", err)
	}
	if _, err := env.engine.Buy(ctx, auth.User("u2"), "u1", "ars", 1, 500); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("other user: expected ErrForbidden, got %v", err)
	}
}

func TestTrade_NotifiesObservers(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, 10_000)

	var got []model.Team
	env.engine.OnTrade(func(_ context.Context, team model.Team, _ *trade.Result) {
		got = append(got, team)
	})
	if _, err := env.engine.Buy(context.Background(), internal, "u1", "ars", 1, 500); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Buy(context.Background(), internal, "u1", "ars", 1, 900); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].AvailableShares != 999 {
		t.Errorf("expected one notification with inventory 999, got %+v", got)
	}
}

func TestPortfolio(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.deposit(t, 100_000)
	if _, err := env.engine.Buy(ctx, internal, "u1", "ars", 10, 500); err != nil {
		t.Fatal(err)
	}
	env.setCap(t, 550_000)

	pf, err := env.engine.Portfolio(ctx, auth.User("u1"), "u1")
	if err != nil {
		t.Fatalf("Portfolio: %v", err)
	}
	if len(pf.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(pf.Positions))
	}
	pv := pf.Positions[0]
	if pv.PriceCents != 550 || pv.MarketValueCents != 5_500 || pv.UnrealizedPnLCents != 500 {
		t.Errorf("unexpected position view %+v", pv)
	}
	if pf.AccountValueCents != 95_000+5_500 {
		t.Errorf("expected account value 100500, got %d", pf.AccountValueCents)
	}

	if _, err := env.engine.Portfolio(ctx, auth.User("u2"), "u1"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}
