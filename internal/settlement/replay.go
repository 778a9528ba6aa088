package settlement

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/store"
)

func newID() string { return uuid.NewString() }

// TeamDrift is the difference between a team's stored cap and the cap
// obtained by replaying every settled fixture from the season start.
type TeamDrift struct {
	TeamID           string `json:"team_id"`
	CurrentCapCents  int64  `json:"current_cap_cents"`
	ReplayedCapCents int64  `json:"replayed_cap_cents"`
	DriftCents       int64  `json:"drift_cents"` // replayed - current
}

// SnapshotMismatch is a stored pre-match snapshot that differs from the
// cap the replay reached at that fixture.
type SnapshotMismatch struct {
	FixtureID     string `json:"fixture_id"`
	TeamID        string `json:"team_id"`
	StoredCents   int64  `json:"stored_cents"`
	ReplayedCents int64  `json:"replayed_cents"`
}

// ReplayReport summarises a replay run.
type ReplayReport struct {
	RunID              string             `json:"run_id"`
	FixturesReplayed   int                `json:"fixtures_replayed"`
	Drifts             []TeamDrift        `json:"drifts"`
	SnapshotMismatches []SnapshotMismatch `json:"snapshot_mismatches"`
	Applied            bool               `json:"applied"`
	ReplayedAt         time.Time          `json:"replayed_at"`
}

// Fold replays settled fixtures, in (kickoff, id) order, over the given
// opening caps. It returns the final caps and the cap each team had going
// into every fixture, keyed by fixture id then team id.
func Fold(initial map[string]int64, fixtures []model.Fixture, params Params) (map[string]int64, map[string]map[string]int64) {
	caps := make(map[string]int64, len(initial))
	for id, c := range initial {
		caps[id] = c
	}
	ordered := append([]model.Fixture(nil), fixtures...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].KickoffAt.Equal(ordered[j].KickoffAt) {
			return ordered[i].KickoffAt.Before(ordered[j].KickoffAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	pre := make(map[string]map[string]int64)
	for _, f := range ordered {
		if f.SettledAt == nil || !f.Result.Terminal() {
			continue
		}
		home, away := caps[f.HomeTeamID], caps[f.AwayTeamID]
		pre[f.ID] = map[string]int64{f.HomeTeamID: home, f.AwayTeamID: away}

		switch f.Result {
		case model.ResultHomeWin:
			t := Transfer(away, away, params.Rate, params.FloorCents)
			caps[f.HomeTeamID], caps[f.AwayTeamID] = home+t, away-t
		case model.ResultAwayWin:
			t := Transfer(home, home, params.Rate, params.FloorCents)
			caps[f.AwayTeamID], caps[f.HomeTeamID] = away+t, home-t
		}
	}
	return caps, pre
}

// Replay recomputes every team's cap from its opening value. In dry-run
// mode it only reports; with apply it writes the replayed caps and appends
// a replay_adjustment ledger row for every team that drifted.
func (e *Engine) Replay(ctx context.Context, p auth.Principal, apply bool) (*ReplayReport, error) {
	if err := auth.RequireInternal(p, "replay settlements"); err != nil {
		return nil, err
	}
	report := &ReplayReport{RunID: "replay-" + newID(), ReplayedAt: e.now().UTC()}

	if !apply {
		teams, err := e.store.ListTeams(ctx)
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		fixtures, err := e.store.ListFixtures(ctx)
		if err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
		e.fold(report, teams, fixtures)
		return report, nil
	}

	err := e.store.InTx(ctx, func(tx store.Tx) error {
		listed, err := e.store.ListTeams(ctx)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(listed))
		for _, t := range listed {
			ids = append(ids, t.ID)
		}
		locked, err := tx.LockTeams(ctx, ids...)
		if err != nil {
			return err
		}
		teams := make([]model.Team, 0, len(locked))
		for _, id := range ids {
			teams = append(teams, *locked[id])
		}
		fixtures, err := tx.ListFixtures(ctx)
		if err != nil {
			return err
		}
		e.fold(report, teams, fixtures)

		for _, d := range report.Drifts {
			team := locked[d.TeamID]
			capBefore := team.MarketCapCents
			team.MarketCapCents = d.ReplayedCapCents
			if _, err := e.appendEntry(ctx, tx, team, report.RunID, model.KindReplayAdjustment,
				capBefore, d.DriftCents, report.ReplayedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	report.Applied = true
	e.logger.Info("replay applied",
		zap.String("run_id", report.RunID),
		zap.Int("fixtures", report.FixturesReplayed),
		zap.Int("drifted_teams", len(report.Drifts)))
	return report, nil
}

func (e *Engine) fold(report *ReplayReport, teams []model.Team, fixtures []model.Fixture) {
	initial := make(map[string]int64, len(teams))
	current := make(map[string]int64, len(teams))
	for _, t := range teams {
		initial[t.ID] = t.InitialMarketCapCents
		current[t.ID] = t.MarketCapCents
	}

	final, pre := Fold(initial, fixtures, Params{Rate: e.rate, FloorCents: e.floor})
	report.FixturesReplayed = len(pre)

	for _, t := range teams {
		if final[t.ID] != current[t.ID] {
			report.Drifts = append(report.Drifts, TeamDrift{
				TeamID:           t.ID,
				CurrentCapCents:  current[t.ID],
				ReplayedCapCents: final[t.ID],
				DriftCents:       final[t.ID] - current[t.ID],
			})
		}
	}

	for _, f := range fixtures {
		caps, ok := pre[f.ID]
		if !ok || !f.HasSnapshot() {
			continue
		}
		for teamID, stored := range map[string]int64{
			f.HomeTeamID: *f.HomeCapSnapshotCents,
			f.AwayTeamID: *f.AwayCapSnapshotCents,
		} {
			if caps[teamID] != stored {
				report.SnapshotMismatches = append(report.SnapshotMismatches, SnapshotMismatch{
					FixtureID: f.ID, TeamID: teamID, StoredCents: stored, ReplayedCents: caps[teamID],
				})
			}
		}
	}
	sort.Slice(report.SnapshotMismatches, func(i, j int) bool {
		a, b := report.SnapshotMismatches[i], report.SnapshotMismatches[j]
		if a.FixtureID != b.FixtureID {
			return a.FixtureID < b.FixtureID
		}
		return a.TeamID < b.TeamID
	})

	if len(report.Drifts) > 0 || len(report.SnapshotMismatches) > 0 {
		e.logger.Warn("replay found differences",
			zap.String("run_id", report.RunID),
			zap.Int("drifted_teams", len(report.Drifts)),
			zap.Int("snapshot_mismatches", len(report.SnapshotMismatches)))
	}
}

// Params bundles the economic parameters used by Fold.
type Params struct {
	Rate       decimal.Decimal
	FloorCents int64
}
