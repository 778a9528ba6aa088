package settlement_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/settlement"
	"github.com/teamexchange/market-engine/internal/store"
)

var (
	internal = auth.Internal("test")
	kickoff  = time.Date(2025, 8, 16, 15, 0, 0, 0, time.UTC)
	rate     = decimal.RequireFromString("0.10")
)

func newTestEngine(t *testing.T, floorCents int64) (*settlement.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return settlement.NewEngine(ms, rate, floorCents, nil), ms
}

func seedTeam(t *testing.T, ms *store.MemoryStore, id string, capCents int64) {
	t.Helper()
	err := ms.CreateTeam(context.Background(), &model.Team{
		ID: id, Name: id, TotalShares: 1000, AvailableShares: 1000,
		MarketCapCents: capCents, InitialMarketCapCents: capCents, CreatedAt: kickoff.Add(-72 * time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to seed team: %v", err)
	}
}

// seedFixture creates a fixture that already has a final result. Snapshots
// are optional: pass nil to exercise the fallback path.
func seedFixture(t *testing.T, ms *store.MemoryStore, id, home, away string, result model.Result, at time.Time, snap []int64) {
	t.Helper()
	f := &model.Fixture{ID: id, HomeTeamID: home, AwayTeamID: away, KickoffAt: at, Result: result}
	if snap != nil {
		h, a := snap[0], snap[1]
		f.HomeCapSnapshotCents, f.AwayCapSnapshotCents, f.SnapshotAt = &h, &a, &at
	}
	if err := ms.CreateFixture(context.Background(), f); err != nil {
		t.Fatalf("failed to seed fixture: %v", err)
	}
}

func capOf(t *testing.T, ms *store.MemoryStore, id string) int64 {
	t.Helper()
	team, err := ms.GetTeam(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return team.MarketCapCents
}

func setCap(t *testing.T, ms *store.MemoryStore, id string, capCents int64) {
	t.Helper()
	ctx := context.Background()
	err := ms.InTx(ctx, func(tx store.Tx) error {
		teams, err := tx.LockTeams(ctx, id)
		if err != nil {
			return err
		}
		teams[id].MarketCapCents = capCents
		return tx.UpdateTeam(ctx, teams[id])
	})
	if err != nil {
		t.Fatal(err)
	}
}

// --- Settle ---

func TestSettle_HomeWin(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 500_000)
	seedTeam(t, ms, "che", 500_000)
	seedFixture(t, ms, "f1", "ars", "che", model.ResultHomeWin, kickoff, []int64{500_000, 500_000})

	res, err := e.Settle(context.Background(), internal, "f1")
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !res.Success || res.AlreadySettled || res.Draw || res.SnapshotFallback {
		t.Errorf("unexpected flags %+v", res)
	}
	if res.TransferAmountCents != 50_000 {
		t.Errorf("expected transfer 50000, got %d", res.TransferAmountCents)
	}
	if res.WinnerTeamID != "ars" || res.LoserTeamID != "che" {
		t.Errorf("unexpected winner/loser %s/%s", res.WinnerTeamID, res.LoserTeamID)
	}
	if !res.ConservationVerified {
		t.Error("expected conservation to be verified")
	}
	if capOf(t, ms, "ars") != 550_000 || capOf(t, ms, "che") != 450_000 {
		t.Errorf("expected 550000/450000, got %d/%d", capOf(t, ms, "ars"), capOf(t, ms, "che"))
	}

	entries, _ := ms.ListLedgerEntriesByEvent(context.Background(), "f1")
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}
	for _, entry := range entries {
		switch entry.Kind {
		case model.KindMatchWin:
			if entry.PriceBeforeCents != 500 || entry.PriceAfterCents != 550 || entry.TransferCents != 50_000 {
				t.Errorf("unexpected win entry %+v", entry)
			}
		case model.KindMatchLoss:
			if entry.PriceAfterCents != 450 || entry.TransferCents != -50_000 {
				t.Errorf("unexpected loss entry %+v", entry)
			}
		default:
			t.Errorf("unexpected entry kind %s", entry.Kind)
		}
	}

	tr, _ := ms.GetTransfer(context.Background(), "f1")
	if tr == nil || tr.AmountCents != 50_000 || tr.PairSumBefore != tr.PairSumAfter {
		t.Errorf("unexpected transfer record %+v", tr)
	}
	f, _ := ms.GetFixture(context.Background(), "f1")
	if f.SettledAt == nil {
		t.Error("expected settled_at to be set")
	}
}

func TestSettle_AwayWinUsesSnapshot(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 400_000)
	seedTeam(t, ms, "che", 600_000)
	// Home cap was 500000 at kickoff; later events moved it.
	seedFixture(t, ms, "f1", "ars", "che", model.ResultAwayWin, kickoff, []int64{500_000, 500_000})

	res, err := e.Settle(context.Background(), internal, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if res.TransferAmountCents != 50_000 {
		t.Errorf("expected transfer priced from snapshot (50000), got %d", res.TransferAmountCents)
	}
	if capOf(t, ms, "ars") != 350_000 || capOf(t, ms, "che") != 650_000 {
		t.Errorf("unexpected caps %d/%d", capOf(t, ms, "ars"), capOf(t, ms, "che"))
	}
}

func TestSettle_FloorClamp(t *testing.T) {
	// Loser at $105 with a $100 floor: 10% would be $10.50, clamped to $5.
	e, ms := newTestEngine(t, 10_000)
	seedTeam(t, ms, "win", 20_000)
	seedTeam(t, ms, "lose", 10_500)
	seedFixture(t, ms, "f1", "win", "lose", model.ResultHomeWin, kickoff, []int64{20_000, 10_500})

	res, err := e.Settle(context.Background(), internal, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if res.TransferAmountCents != 500 {
		t.Errorf("expected clamped transfer 500, got %d", res.TransferAmountCents)
	}
	if capOf(t, ms, "lose") != 10_000 {
		t.Errorf("expected loser exactly at floor, got %d", capOf(t, ms, "lose"))
	}
	if capOf(t, ms, "win") != 20_500 {
		t.Errorf("expected winner to gain exactly the clamped amount, got %d", capOf(t, ms, "win"))
	}
}

func TestSettle_LowFloorNoClamp(t *testing.T) {
	e, ms := newTestEngine(t, 1_000)
	seedTeam(t, ms, "win", 20_000)
	seedTeam(t, ms, "lose", 10_500)
	seedFixture(t, ms, "f1", "win", "lose", model.ResultHomeWin, kickoff, []int64{20_000, 10_500})

	res, err := e.Settle(context.Background(), internal, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if res.TransferAmountCents != 1_050 {
		t.Errorf("expected 1050, got %d", res.TransferAmountCents)
	}
	if capOf(t, ms, "lose") != 9_450 {
		t.Errorf("expected loser 9450, got %d", capOf(t, ms, "lose"))
	}
}

func TestSettle_LoserAtFloorTransfersNothing(t *testing.T) {
	e, ms := newTestEngine(t, 10_000)
	seedTeam(t, ms, "win", 20_000)
	seedTeam(t, ms, "lose", 10_000)
	seedFixture(t, ms, "f1", "win", "lose", model.ResultHomeWin, kickoff, []int64{20_000, 10_000})

	res, err := e.Settle(context.Background(), internal, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if res.TransferAmountCents != 0 || capOf(t, ms, "lose") != 10_000 || capOf(t, ms, "win") != 20_000 {
		t.Errorf("expected no transfer, got %d (caps %d/%d)", res.TransferAmountCents, capOf(t, ms, "win"), capOf(t, ms, "lose"))
	}
}

func TestSettle_Draw(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 500_000)
	seedTeam(t, ms, "che", 300_000)
	seedFixture(t, ms, "f1", "ars", "che", model.ResultDraw, kickoff, []int64{500_000, 300_000})

	res, err := e.Settle(context.Background(), internal, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Draw || res.TransferAmountCents != 0 || res.WinnerTeamID != "" {
		t.Errorf("unexpected draw result %+v", res)
	}
	if capOf(t, ms, "ars") != 500_000 || capOf(t, ms, "che") != 300_000 {
		t.Error("draw changed market caps")
	}
	entries, _ := ms.ListLedgerEntriesByEvent(context.Background(), "f1")
	if len(entries) != 2 || entries[0].Kind != model.KindMatchDraw || entries[1].Kind != model.KindMatchDraw {
		t.Errorf("expected two draw entries, got %+v", entries)
	}

	again, err := e.Settle(context.Background(), internal, "f1")
	if err != nil || !again.AlreadySettled || !again.Draw {
		t.Errorf("expected idempotent draw, got %+v (%v)", again, err)
	}
}

func TestSettle_Idempotent(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 500_000)
	seedTeam(t, ms, "che", 500_000)
	seedFixture(t, ms, "f1", "ars", "che", model.ResultHomeWin, kickoff, []int64{500_000, 500_000})
	ctx := context.Background()

	first, err := e.Settle(ctx, internal, "f1")
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Settle(ctx, internal, "f1")
	if err != nil {
		t.Fatalf("second Settle: %v", err)
	}
	if !res.AlreadySettled || res.TransferAmountCents != 50_000 || res.WinnerTeamID != "ars" {
		t.Errorf("unexpected replayed result %+v", res)
	}
	assertSameOutcome(t, first, res)
	if capOf(t, ms, "ars") != 550_000 || capOf(t, ms, "che") != 450_000 {
		t.Error("second settle changed caps")
	}
	entries, _ := ms.ListLedgerEntriesByEvent(ctx, "f1")
	if len(entries) != 2 {
		t.Errorf("expected 2 entries after repeat, got %d", len(entries))
	}
}

func TestSettle_IdempotentAwayWinAndDraw(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	for _, id := range []string{"ars", "che", "liv", "mci"} {
		seedTeam(t, ms, id, 500_000)
	}
	seedFixture(t, ms, "f1", "ars", "che", model.ResultAwayWin, kickoff, []int64{500_000, 500_000})
	seedFixture(t, ms, "f2", "liv", "mci", model.ResultDraw, kickoff, []int64{500_000, 500_000})
	ctx := context.Background()

	for _, id := range []string{"f1", "f2"} {
		first, err := e.Settle(ctx, internal, id)
		if err != nil {
			t.Fatal(err)
		}
		again, err := e.Settle(ctx, internal, id)
		if err != nil {
			t.Fatal(err)
		}
		assertSameOutcome(t, first, again)
	}
}

// assertSameOutcome checks that a repeated settlement reports what the
// first one did, apart from AlreadySettled.
func assertSameOutcome(t *testing.T, first, again *settlement.Result) {
	t.Helper()
	if first.AlreadySettled || !again.AlreadySettled {
		t.Errorf("AlreadySettled: first %v, again %v", first.AlreadySettled, again.AlreadySettled)
	}
	if first.Success != again.Success || first.FixtureID != again.FixtureID ||
		first.TransferAmountCents != again.TransferAmountCents || first.Draw != again.Draw ||
		first.WinnerTeamID != again.WinnerTeamID || first.LoserTeamID != again.LoserTeamID ||
		first.ConservationVerified != again.ConservationVerified || first.SnapshotFallback != again.SnapshotFallback {
		t.Errorf("outcome differs:\nfirst %+v\nagain %+v", first, again)
	}
	if len(first.Entries) != len(again.Entries) {
		t.Fatalf("expected %d entries, got %d", len(first.Entries), len(again.Entries))
	}
	for i := range first.Entries {
		a, b := first.Entries[i], again.Entries[i]
		if a.ID != b.ID || a.TeamID != b.TeamID || a.Kind != b.Kind || a.TransferCents != b.TransferCents ||
			a.MarketCapBeforeCents != b.MarketCapBeforeCents || a.MarketCapAfterCents != b.MarketCapAfterCents {
			t.Errorf("entry %d differs: %+v vs %+v", i, a, b)
		}
	}
}

func TestSettle_SnapshotFallback(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 500_000)
	seedTeam(t, ms, "che", 400_000)
	seedFixture(t, ms, "f1", "ars", "che", model.ResultHomeWin, kickoff, nil)

	res, err := e.Settle(context.Background(), internal, "f1")
	if err != nil {
		t.Fatalf("fallback should be non-fatal: %v", err)
	}
	if !res.SnapshotFallback {
		t.Error("expected SnapshotFallback")
	}
	if res.TransferAmountCents != 40_000 {
		t.Errorf("expected transfer from current cap (40000), got %d", res.TransferAmountCents)
	}
}

func TestSettle_PartialLedgerIsIntegrityError(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 500_000)
	seedTeam(t, ms, "che", 500_000)
	seedFixture(t, ms, "f1", "ars", "che", model.ResultHomeWin, kickoff, []int64{500_000, 500_000})
	ctx := context.Background()

	err := ms.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{ID: "x", TeamID: "ars", EventID: "f1", Kind: model.KindMatchWin})
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.Settle(ctx, internal, "f1")
	if !errors.Is(err, model.ErrIntegrity) {
		t.Errorf("expected ErrIntegrity, got %v", err)
	}
	if capOf(t, ms, "ars") != 500_000 {
		t.Error("failed settlement changed caps")
	}
}

func TestSettle_Errors(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 500_000)
	seedTeam(t, ms, "che", 500_000)
	seedFixture(t, ms, "pending", "ars", "che", model.ResultPending, kickoff, nil)
	ctx := context.Background()

	if _, err := e.Settle(ctx, internal, "pending"); !errors.Is(err, model.ErrValidation) {
		t.Errorf("expected ErrValidation for pending fixture, got %v", err)
	}
	if _, err := e.Settle(ctx, internal, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.Settle(ctx, auth.User("u1"), "pending"); !errors.Is(err, model.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestSettle_NotifiesObservers(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 500_000)
	seedTeam(t, ms, "che", 500_000)
	seedFixture(t, ms, "f1", "ars", "che", model.ResultHomeWin, kickoff, []int64{500_000, 500_000})

	var calls int
	e.OnSettled(func(_ context.Context, r *settlement.Result) { calls++ })

	ctx := context.Background()
	_, _ = e.Settle(ctx, internal, "f1")
	_, _ = e.Settle(ctx, internal, "f1")
	if calls != 1 {
		t.Errorf("expected 1 notification, got %d", calls)
	}
}

// --- Transfer ---

func TestTransfer(t *testing.T) {
	tests := []struct {
		name     string
		snapshot int64
		current  int64
		floor    int64
		want     int64
	}{
		{"ten percent", 500_000, 500_000, 100, 50_000},
		{"rounds half up", 1_005, 1_005, 0, 101},
		{"clamped to floor", 10_500, 10_500, 10_000, 500},
		{"current below snapshot", 500_000, 60_000, 20_000, 40_000},
		{"already below floor", 5_000, 5_000, 10_000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := settlement.Transfer(tt.snapshot, tt.current, rate, tt.floor); got != tt.want {
				t.Errorf("Transfer = %d, want %d", got, tt.want)
			}
		})
	}
}

// --- Replay ---

func TestReplay_DetectsAndRepairsDrift(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 500_000)
	seedTeam(t, ms, "che", 500_000)
	seedTeam(t, ms, "liv", 500_000)
	seedFixture(t, ms, "f1", "ars", "che", model.ResultHomeWin, kickoff, nil)
	seedFixture(t, ms, "f2", "liv", "ars", model.ResultAwayWin, kickoff.Add(24*time.Hour), nil)
	ctx := context.Background()

	for _, id := range []string{"f1", "f2"} {
		if _, err := e.Settle(ctx, internal, id); err != nil {
			t.Fatal(err)
		}
	}

	clean, err := e.Replay(ctx, internal, false)
	if err != nil {
		t.Fatal(err)
	}
	if clean.FixturesReplayed != 2 || len(clean.Drifts) != 0 {
		t.Fatalf("expected clean replay of 2 fixtures, got %+v", clean)
	}

	// Corrupt one cap out of band.
	setCap(t, ms, "che", 444_444)

	dry, err := e.Replay(ctx, internal, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(dry.Drifts) != 1 || dry.Drifts[0].TeamID != "che" || dry.Drifts[0].ReplayedCapCents != 450_000 {
		t.Fatalf("unexpected drifts %+v", dry.Drifts)
	}
	if dry.Applied || capOf(t, ms, "che") != 444_444 {
		t.Error("dry run must not write")
	}

	applied, err := e.Replay(ctx, internal, true)
	if err != nil {
		t.Fatal(err)
	}
	if !applied.Applied || capOf(t, ms, "che") != 450_000 {
		t.Errorf("apply did not repair cap: %d", capOf(t, ms, "che"))
	}
	entries, _ := ms.ListLedgerEntriesByEvent(ctx, applied.RunID)
	if len(entries) != 1 || entries[0].Kind != model.KindReplayAdjustment || entries[0].TransferCents != 5_556 {
		t.Errorf("unexpected adjustment entries %+v", entries)
	}
}

func TestReplay_ReportsSnapshotMismatch(t *testing.T) {
	e, ms := newTestEngine(t, 100)
	seedTeam(t, ms, "ars", 500_000)
	seedTeam(t, ms, "che", 500_000)
	seedFixture(t, ms, "f1", "ars", "che", model.ResultDraw, kickoff, []int64{500_000, 499_999})
	ctx := context.Background()

	if _, err := e.Settle(ctx, internal, "f1"); err != nil {
		t.Fatal(err)
	}
	report, err := e.Replay(ctx, internal, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.SnapshotMismatches) != 1 || report.SnapshotMismatches[0].TeamID != "che" {
		t.Errorf("unexpected mismatches %+v", report.SnapshotMismatches)
	}
}
