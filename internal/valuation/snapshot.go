// Package valuation captures teams' market caps at a fixture's kickoff.
// Settlement prices the transfer from these snapshots, so trades made
// after kickoff cannot influence it.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teamexchange/market-engine/internal/auth"
	"github.com/teamexchange/market-engine/internal/ident"
	"github.com/teamexchange/market-engine/internal/logging"
	"github.com/teamexchange/market-engine/internal/metrics"
	"github.com/teamexchange/market-engine/internal/model"
	"github.com/teamexchange/market-engine/internal/store"
)

// Snapshot is the pre-match valuation of a fixture's two teams.
type Snapshot struct {
	FixtureID       string    `json:"fixture_id"`
	HomeCapCents    int64     `json:"home_cap_cents"`
	AwayCapCents    int64     `json:"away_cap_cents"`
	CapturedAt      time.Time `json:"captured_at"`
	AlreadyCaptured bool      `json:"already_captured"`
}

// Snapshotter writes fixture snapshots.
type Snapshotter struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewSnapshotter creates a Snapshotter.
func NewSnapshotter(st store.Store, logger *zap.Logger) *Snapshotter {
	return &Snapshotter{store: st, logger: logging.OrNop(logger), now: time.Now}
}

// Capture stores both teams' current caps on the fixture. Once written a
// snapshot never changes; later calls return it with AlreadyCaptured set.
func (s *Snapshotter) Capture(ctx context.Context, p auth.Principal, fixtureID string) (*Snapshot, error) {
	if err := auth.RequireInternal(p, "capture snapshot"); err != nil {
		return nil, err
	}
	if err := ident.Validate(ident.KindFixture, fixtureID); err != nil {
		return nil, err
	}

	var snap *Snapshot
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		f, err := tx.LockFixture(ctx, fixtureID)
		if err != nil {
			return err
		}
		if f.HasSnapshot() {
			snap = fromFixture(f, true)
			return nil
		}
		if f.SettledAt != nil {
			return model.Validationf("fixture %s is settled and has no snapshot", fixtureID)
		}
		captured, err := CaptureLocked(ctx, tx, f, s.now().UTC())
		if err != nil {
			return err
		}
		snap = fromFixture(f, !captured)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("capture snapshot %s: %w", fixtureID, err)
	}
	if !snap.AlreadyCaptured {
		metrics.SnapshotsCaptured.Inc()
		s.logger.Info("snapshot captured",
			zap.String("fixture_id", fixtureID),
			zap.Int64("home_cap_cents", snap.HomeCapCents),
			zap.Int64("away_cap_cents", snap.AwayCapCents))
	}
	return snap, nil
}

// CaptureDue snapshots every pending fixture whose kickoff is at or before
// now and which has no snapshot yet. Each fixture is captured in its own
// transaction; failures are logged, skipped and returned joined.
func (s *Snapshotter) CaptureDue(ctx context.Context, p auth.Principal, now time.Time) ([]Snapshot, error) {
	if err := auth.RequireInternal(p, "capture due snapshots"); err != nil {
		return nil, err
	}
	fixtures, err := s.store.ListFixtures(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fixtures: %w", err)
	}

	var (
		out  []Snapshot
		errs []error
	)
	for _, f := range fixtures {
		if f.Result != model.ResultPending || f.HasSnapshot() || f.KickoffAt.After(now) {
			continue
		}
		snap, err := s.Capture(ctx, p, f.ID)
		if err != nil {
			s.logger.Error("snapshot failed", zap.String("fixture_id", f.ID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		out = append(out, *snap)
	}
	return out, errors.Join(errs...)
}

// CaptureLocked writes the snapshot of a fixture already locked in tx,
// locking its two teams. It reports false when a snapshot already existed.
func CaptureLocked(ctx context.Context, tx store.Tx, f *model.Fixture, at time.Time) (bool, error) {
	if f.HasSnapshot() {
		return false, nil
	}
	teams, err := tx.LockTeams(ctx, f.HomeTeamID, f.AwayTeamID)
	if err != nil {
		return false, err
	}
	home := teams[f.HomeTeamID].MarketCapCents
	away := teams[f.AwayTeamID].MarketCapCents
	f.HomeCapSnapshotCents = &home
	f.AwayCapSnapshotCents = &away
	f.SnapshotAt = &at
	if err := tx.UpdateFixture(ctx, f); err != nil {
		return false, err
	}
	return true, nil
}

func fromFixture(f *model.Fixture, already bool) *Snapshot {
	snap := &Snapshot{
		FixtureID:       f.ID,
		HomeCapCents:    *f.HomeCapSnapshotCents,
		AwayCapCents:    *f.AwayCapSnapshotCents,
		AlreadyCaptured: already,
	}
	if f.SnapshotAt != nil {
		snap.CapturedAt = *f.SnapshotAt
	}
	return snap
}
