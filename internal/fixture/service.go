// Package fixture manages the season calendar: listing teams, scheduling
// fixtures, and recording final results.
//
// A fixture's result moves once from pending to a terminal value. Recording
// it captures the pre-match snapshot first when the scheduler has not, and
// then fires the registered result hooks, which trigger settlement.
package fixture

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/money"
	"github.com/teamexchange/market-engine/internal/store"
	"github.com/teamexchange/market-engine/internal/valuation"
)

// ResultHook runs after a result commits. Hooks must tolerate repeats:
// re-recording an unsettled result fires them again.
type ResultHook func(ctx context.Context, f model.Fixture) error

// Service schedules fixtures and records results.
type Service struct {
	store         store.Store
	defaultShares int64
	floor         int64
	logger        *zap.Logger
	now           func() time.Time
	hooks         []ResultHook
}

// NewService creates a fixture service. defaultShares is the share supply
// given to teams registered without one; floorCents is the lowest opening
// cap a team may be listed with.
func NewService(st store.Store, defaultShares, floorCents int64, logger *zap.Logger) *Service {
	if defaultShares <= 0 {
		defaultShares = model.DefaultTotalShares
	}
	return &Service{
		store:         st,
		defaultShares: defaultShares,
		floor:         floorCents,
		logger:        logging.OrNop(logger),
		now:           time.Now,
	}
}

// OnResult registers a hook fired after RecordResult.
func (s *Service) OnResult(h ResultHook) {
	s.hooks = append(s.hooks, h)
}

// NewFixture is the input to Schedule.
type NewFixture struct {
	ID         string    `json:"id"`
	HomeTeamID string    `json:"home_team_id"`
	AwayTeamID string    `json:"away_team_id"`
	KickoffAt  time.Time `json:"kickoff_at"`
}

// Schedule creates a pending fixture between two listed teams.
func (s *Service) Schedule(ctx context.Context, p auth.Principal, in NewFixture) (*model.Fixture, error) {
	if err := auth.RequireInternal(p, "schedule fixture"); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindFixture, in.ID); err != nil {
		return nil, err
	}
	if err := ident.ValidateAll(ident.KindTeam, in.HomeTeamID, in.AwayTeamID); err != nil {
		return nil, err
	}
	if in.HomeTeamID == in.AwayTeamID {
		return nil, model.Validationf("fixture %s has the same home and away team %s", in.ID, in.HomeTeamID)
	}
	if in.KickoffAt.IsZero() {
		return nil, model.Validationf("fixture %s has no kickoff time", in.ID)
	}
	for _, id := range []string{in.HomeTeamID, in.AwayTeamID} {
		if _, err := s.store.GetTeam(ctx, id); err != nil {
			return nil, fmt.Errorf("schedule fixture %s: %w", in.ID, err)
		}
	}

	f := &model.Fixture{
		ID:         in.ID,
		HomeTeamID: in.HomeTeamID,
		AwayTeamID: in.AwayTeamID,
		KickoffAt:  in.KickoffAt.UTC(),
		Result:     model.ResultPending,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateFixture(ctx, f); err != nil {
		return nil, fmt.Errorf("schedule fixture %s: %w", in.ID, err)
	}
	s.logger.Info("fixture scheduled",
		zap.String("fixture_id", f.ID),
		zap.String("home", f.HomeTeamID),
		zap.String("away", f.AwayTeamID),
		zap.Time("kickoff_at", f.KickoffAt))
	return f, nil
}

// Outcome is the result of RecordResult.
type Outcome struct {
	Fixture          model.Fixture `json:"fixture"`
	Recorded         bool          `json:"recorded"` // false when the same result was already stored
	SnapshotCaptured bool          `json:"snapshot_captured"`
	HookErrors       []string      `json:"hook_errors,omitempty"`
}

// RecordResult stores the final score of a fixture. Repeating the stored
// result is a no-op; a different result for a finished fixture is rejected.
func (s *Service) RecordResult(ctx context.Context, p auth.Principal, fixtureID string, homeScore, awayScore int) (*Outcome, error) {
	if err := auth.RequireInternal(p, "record result"); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindFixture, fixtureID); err != nil {
		return nil, err
	}
	if homeScore < 0 || awayScore < 0 {
		return nil, model.Validationf("scores must be non-negative, got %d-%d", homeScore, awayScore)
	}
	result := model.ResultFromScore(homeScore, awayScore)

	out := &Outcome{}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		f, err := tx.LockFixture(ctx, fixtureID)
		if err != nil {
			return err
		}
		if f.Result.Terminal() {
			if f.Result != result || !sameScore(f, homeScore, awayScore) {
				return model.Validationf("fixture %s already finished %s, cannot record %d-%d",
					fixtureID, f.Result, homeScore, awayScore)
			}
			out.Fixture = *f
			return nil
		}

		captured, err := valuation.CaptureLocked(ctx, tx, f, s.now().UTC())
		if err != nil {
			return err
		}
		f.HomeScore, f.AwayScore = &homeScore, &awayScore
		f.Result = result
		if err := tx.UpdateFixture(ctx, f); err != nil {
			return err
		}
		out.Fixture = *f
		out.Recorded = true
		out.SnapshotCaptured = captured
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record result %s: %w", fixtureID, err)
	}

	if out.Recorded {
		s.logger.Info("result recorded",
			zap.String("fixture_id", fixtureID),
			zap.String("result", string(result)),
			zap.Int("home_score", homeScore),
			zap.Int("away_score", awayScore),
			zap.Bool("snapshot_captured", out.SnapshotCaptured))
	}
	if out.Fixture.SettledAt == nil {
		out.HookErrors = s.fire(ctx, out.Fixture)
	}
	return out, nil
}

// fire runs every hook. A failed hook does not undo the recorded result;
// the fixture stays unsettled and a retry fires the hooks again.
func (s *Service) fire(ctx context.Context, f model.Fixture) []string {
	var failed []string
	for _, h := range s.hooks {
		if err := h(ctx, f); err != nil {
			s.logger.Error("result hook failed", zap.String("fixture_id", f.ID), zap.Error(err))
			failed = append(failed, err.Error())
		}
	}
	return failed
}

func sameScore(f *model.Fixture, home, away int) bool {
	// Results recorded without scores match any score with the same outcome.
	if f.HomeScore == nil || f.AwayScore == nil {
		return true
	}
	return *f.HomeScore == home && *f.AwayScore == away
}

// NewTeam is the input to RegisterTeam.
type NewTeam struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	InitialCapCents int64  `json:"initial_market_cap_cents"`
	TotalShares     int64  `json:"total_shares,omitempty"`
}

// RegisterTeam lists a team with its opening cap. All shares start in
// platform inventory.
func (s *Service) RegisterTeam(ctx context.Context, p auth.Principal, in NewTeam) (*model.Team, error) {
	if err := auth.RequireInternal(p, "register team"); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindTeam, in.ID); err != nil {
		return nil, err
	}
	if in.InitialCapCents <= 0 {
		return nil, model.Validationf("initial market cap must be positive, got %d", in.InitialCapCents)
	}
	shares := in.TotalShares
	if shares == 0 {
		shares = s.defaultShares
	}
	if shares < 0 {
		return nil, model.Validationf("total shares must be positive, got %d", shares)
	}
	if in.InitialCapCents < s.floor {
		return nil, model.Validationf("initial market cap %s is below the floor of %s",
			money.Format(in.InitialCapCents), money.Format(s.floor))
	}
	if nav, err := money.NAV(in.InitialCapCents, shares); err != nil || nav == 0 {
		return nil, model.Validationf("initial market cap %s prices %d shares below one cent",
			money.Format(in.InitialCapCents), shares)
	}
	name := in.Name
	if name == "" {
		name = in.ID
	}

	team := &model.Team{
		ID:                    in.ID,
		Name:                  name,
		TotalShares:           shares,
		AvailableShares:       shares,
		MarketCapCents:        in.InitialCapCents,
		InitialMarketCapCents: in.InitialCapCents,
		CreatedAt:             s.now().UTC(),
	}
	if err := s.store.CreateTeam(ctx, team); err != nil {
		return nil, fmt.Errorf("register team %s: %w", in.ID, err)
	}
	s.logger.Info("team registered",
		zap.String("team_id", team.ID),
		zap.Int64("initial_cap_cents", team.InitialMarketCapCents),
		zap.Int64("total_shares", team.TotalShares))
	return team, nil
}
