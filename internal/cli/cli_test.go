package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/teamexchange/market-engine/internal/app"
	"github.com/teamexchange/market-engine/internal/cli"
	"github.com/teamexchange/market-engine/internal/config"
	"github.com/teamexchange/market-engine/internal/fixture"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/settlement"
	"github.com/teamexchange/market-engine/internal/store"
	"github.com/teamexchange/market-engine/internal/wallet"
)

// memOpener serves every invocation from the same in-memory store.
func memOpener(t *testing.T) (*store.MemoryStore, cli.Opener) {
	t.Helper()
	ms := store.NewMemoryStore()
	cfg := config.Defaults()
	cfg.ServiceName = "marketctl-test"
	cfg.Market.SettlementRate = settlement.DefaultRate
	return ms, func(context.Context) (*app.App, func(), error) {
		return app.New(ms, cfg, nil), func() {}, nil
	}
}

func run(t *testing.T, open cli.Opener, args ...string) (string, error) {
	t.Helper()
	root := cli.NewRootCommand(open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, open cli.Opener, args ...string) string {
	t.Helper()
	out, err := run(t, open, args...)
	if err != nil {
		t.Fatalf("marketctl %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestSeasonWorkflow(t *testing.T) {
	ms, open := memOpener(t)

	mustRun(t, open, "team", "register", "ars", "--name", "Arsenal", "--cap-cents", "500000")
	mustRun(t, open, "team", "register", "che", "--cap-cents", "500000")
	mustRun(t, open, "fixture", "schedule", "f1", "--home", "ars", "--away", "che", "--kickoff", "2024-08-17T14:00:00Z")
	mustRun(t, open, "fixture", "snapshot", "f1")

	out := mustRun(t, open, "fixture", "result", "f1", "0", "3")
	var outcome fixture.Outcome
	if err := json.Unmarshal([]byte(out), &outcome); err != nil {
		t.Fatalf("decode outcome: %v\n%s", err, out)
	}
	if !outcome.Recorded || outcome.Fixture.Result != model.ResultAwayWin {
		t.Errorf("unexpected outcome %+v", outcome)
	}

	ars, _ := ms.GetTeam(context.Background(), "ars")
	che, _ := ms.GetTeam(context.Background(), "che")
	if ars.MarketCapCents != 450_000 || che.MarketCapCents != 550_000 {
		t.Errorf("expected 450000/550000 after settlement, got %d/%d", ars.MarketCapCents, che.MarketCapCents)
	}

	out = mustRun(t, open, "settle", "f1")
	var res settlement.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if !res.AlreadySettled || res.WinnerTeamID != "che" {
		t.Errorf("unexpected settle result %+v", res)
	}

	out = mustRun(t, open, "replay")
	var report settlement.ReplayReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatal(err)
	}
	if report.FixturesReplayed != 1 || len(report.Drifts) != 0 || report.Applied {
		t.Errorf("unexpected replay report %+v", report)
	}

	out = mustRun(t, open, "team", "list")
	if !strings.Contains(out, "ars") || !strings.Contains(out, "4.50") {
		t.Errorf("team list missing repriced ars:\n%s", out)
	}
}

func TestWalletCredit_Idempotent(t *testing.T) {
	_, open := memOpener(t)
	mustRun(t, open, "wallet", "open", "u1")

	for i, wantReplayed := range []bool{false, true} {
		out := mustRun(t, open, "wallet", "credit", "u1", "2500", "--idempotency-key", "promo-1")
		var res wallet.CreditResult
		if err := json.Unmarshal([]byte(out), &res); err != nil {
			t.Fatal(err)
		}
		if res.Replayed != wantReplayed || res.BalanceCents != 2500 {
			t.Errorf("credit #%d: unexpected result %+v", i+1, res)
		}
	}
}

func TestLeaderboardCommands(t *testing.T) {
	_, open := memOpener(t)
	mustRun(t, open, "wallet", "open", "u1")
	mustRun(t, open, "leaderboard", "generate", "2024-08-12")

	out := mustRun(t, open, "leaderboard", "get", "2024-08-12")
	if !strings.Contains(out, "u1") || !strings.Contains(out, "0.000000") {
		t.Errorf("unexpected leaderboard:\n%s", out)
	}
}

func TestCommandErrors(t *testing.T) {
	_, open := memOpener(t)
	tests := []struct {
		name string
		args []string
		is   error
	}{
		{"unknown fixture", []string{"settle", "nope"}, model.ErrNotFound},
		{"bad week", []string{"leaderboard", "get", "last-week"}, model.ErrValidation},
		{"negative score", []string{"fixture", "result", "--", "f1", "-1", "0"}, model.ErrValidation},
		{"missing leaderboard", []string{"leaderboard", "get", "2024-08-12"}, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, open, tt.args...)
			if !errors.Is(err, tt.is) {
				t.Errorf("expected %v, got %v", tt.is, err)
			}
		})
	}

	if _, err := run(t, open, "team", "register", "ars"); err == nil {
		t.Error("expected missing --cap-cents to fail")
	}
}

func TestOpenerFailure(t *testing.T) {
	boom := errors.New("db down")
	open := func(context.Context) (*app.App, func(), error) { return nil, nil, boom }
	if _, err := run(t, open, "migrate"); !errors.Is(err, boom) {
		t.Errorf("expected opener error, got %v", err)
	}
}
