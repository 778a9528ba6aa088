package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teamexchange/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache after
// commit; reads check Redis first then fall back to the primary.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateTeam(ctx context.Context, t *model.Team) error {
	if err := s.Store.CreateTeam(ctx, t); err != nil {
		return err
	}
	s.rdb.Del(ctx, teamsKey)
	s.cache(ctx, teamKey(t.ID), t)
	return nil
}

func (s *CachedStore) SaveLeaderboard(ctx context.Context, weekStart time.Time, entries []model.LeaderboardEntry) error {
	if err := s.Store.SaveLeaderboard(ctx, weekStart, entries); err != nil {
		return err
	}
	s.cache(ctx, leaderboardKey(weekStart), entries)
	return nil
}

// InTx runs fn against the primary and, once committed, drops the cache
// entries of every team the transaction wrote.
func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	ct := &cachedTx{}
	err := s.Store.InTx(ctx, func(tx Tx) error {
		ct.Tx = tx
		return fn(ct)
	})
	if err != nil {
		return err
	}
	if len(ct.teams) > 0 {
		keys := make([]string, 0, len(ct.teams)+1)
		for id := range ct.teams {
			keys = append(keys, teamKey(id))
		}
		keys = append(keys, teamsKey)
		s.rdb.Del(context.WithoutCancel(ctx), keys...)
	}
	return nil
}

// cachedTx records which teams a transaction updated.
type cachedTx struct {
	Tx
	teams map[string]struct{}
}

func (t *cachedTx) UpdateTeam(ctx context.Context, team *model.Team) error {
	if err := t.Tx.UpdateTeam(ctx, team); err != nil {
		return err
	}
	if t.teams == nil {
		t.teams = make(map[string]struct{})
	}
	t.teams[team.ID] = struct{}{}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetTeam(ctx context.Context, id string) (*model.Team, error) {
	var t model.Team
	if s.lookup(ctx, teamKey(id), &t) {
		return &t, nil
	}

	// Cache miss: read from primary.
	team, err := s.Store.GetTeam(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, teamKey(id), team)
	return team, nil
}

func (s *CachedStore) ListTeams(ctx context.Context) ([]model.Team, error) {
	var teams []model.Team
	if s.lookup(ctx, teamsKey, &teams) {
		return teams, nil
	}

	teams, err := s.Store.ListTeams(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, teamsKey, teams)
	return teams, nil
}

func (s *CachedStore) GetLeaderboard(ctx context.Context, weekStart time.Time) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	if s.lookup(ctx, leaderboardKey(weekStart), &entries) {
		return entries, nil
	}

	entries, err := s.Store.GetLeaderboard(ctx, weekStart)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, leaderboardKey(weekStart), entries)
	return entries, nil
}

func (s *CachedStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return s.Store.Ping(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const teamsKey = "teams:all"

func teamKey(id string) string { return fmt.Sprintf("team:%s", id) }
func leaderboardKey(week time.Time) string {
	return fmt.Sprintf("leaderboard:%s", weekKey(week))
}
