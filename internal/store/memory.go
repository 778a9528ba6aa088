package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teamexchange/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take per-row locks (fixture, team, user) that block other
// transactions for the same rows, and stage their writes in a private
// overlay applied atomically on commit.
type MemoryStore struct {
	mu           sync.RWMutex
	teams        map[string]*model.Team
	users        map[string]*model.User
	fixtures     map[string]*model.Fixture
	positions    map[string]*model.Position
	orders       []model.Order
	walletTxns   []model.WalletTransaction
	walletKeys   map[string]int // walletKey -> index in walletTxns
	ledger       []model.LedgerEntry
	ledgerKeys   map[string]struct{}
	transfers    map[string]*model.SettlementTransfer
	leaderboards map[string][]model.LeaderboardEntry

	locks       *lockTable
	lockTimeout time.Duration
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithLockTimeout bounds how long a transaction waits for a row lock.
func WithLockTimeout(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.lockTimeout = d }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		teams:        make(map[string]*model.Team),
		users:        make(map[string]*model.User),
		fixtures:     make(map[string]*model.Fixture),
		positions:    make(map[string]*model.Position),
		walletKeys:   make(map[string]int),
		ledgerKeys:   make(map[string]struct{}),
		transfers:    make(map[string]*model.SettlementTransfer),
		leaderboards: make(map[string][]model.LeaderboardEntry),
		locks:        newLockTable(),
		lockTimeout:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Teams ---

func (s *MemoryStore) CreateTeam(_ context.Context, t *model.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.teams[t.ID]; ok {
		return fmt.Errorf("%w: team %s already exists", model.ErrDuplicate, t.ID)
	}
	// Store a copy to avoid external mutation.
	cp := *t
	s.teams[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTeam(_ context.Context, id string) (*model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.teams[id]
	if !ok {
		return nil, model.NotFoundf("team %s", id)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTeams(_ context.Context) ([]model.Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	teams := make([]model.Team, 0, len(s.teams))
	for _, t := range s.teams {
		teams = append(teams, *t)
	}
	sort.Slice(teams, func(i, j int) bool { return teams[i].ID < teams[j].ID })
	return teams, nil
}

// --- Users ---

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: user %s already exists", model.ErrDuplicate, u.ID)
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, model.NotFoundf("user %s", id)
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]model.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// --- Fixtures ---

func (s *MemoryStore) CreateFixture(_ context.Context, f *model.Fixture) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.fixtures[f.ID]; ok {
		return fmt.Errorf("%w: fixture %s already exists", model.ErrDuplicate, f.ID)
	}
	s.fixtures[f.ID] = cloneFixture(f)
	return nil
}

func (s *MemoryStore) GetFixture(_ context.Context, id string) (*model.Fixture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.fixtures[id]
	if !ok {
		return nil, model.NotFoundf("fixture %s", id)
	}
	return cloneFixture(f), nil
}

func (s *MemoryStore) ListFixtures(_ context.Context) ([]model.Fixture, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedFixtures(nil), nil
}

// sortedFixtures returns committed fixtures, replaced by any staged
// versions, ordered by (kickoff, id). Caller holds s.mu.
func (s *MemoryStore) sortedFixtures(staged map[string]*model.Fixture) []model.Fixture {
	out := make([]model.Fixture, 0, len(s.fixtures))
	for id, f := range s.fixtures {
		if sf, ok := staged[id]; ok {
			f = sf
		}
		out = append(out, *cloneFixture(f))
	}
	sortFixtures(out)
	return out
}

func (s *MemoryStore) GetTransfer(_ context.Context, fixtureID string) (*model.SettlementTransfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, ok := s.transfers[fixtureID]
	if !ok {
		return nil, nil
	}
	cp := *tr
	return &cp, nil
}

// --- Position book ---

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) ListUserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			out = append(out, *p)
		}
	}
	sortPositions(out)
	return out, nil
}

func (s *MemoryStore) ListOrdersByUser(_ context.Context, userID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, nil
}

// --- Wallet ledger ---

func (s *MemoryStore) ListWalletTransactions(_ context.Context, userID string) ([]model.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WalletTransaction
	for _, w := range s.walletTxns {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListWalletTransactionsSince(_ context.Context, since time.Time) ([]model.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.WalletTransaction
	for _, w := range s.walletTxns {
		if !w.CreatedAt.Before(since) {
			out = append(out, w)
		}
	}
	return out, nil
}

// --- Immutable team ledger ---

func (s *MemoryStore) ListLedgerEntriesByTeam(_ context.Context, teamID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.TeamID == teamID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListLedgerEntriesByEvent(_ context.Context, eventID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesForEvent(eventID, nil), nil
}

func (s *MemoryStore) entriesForEvent(eventID string, staged []model.LedgerEntry) []model.LedgerEntry {
	var out []model.LedgerEntry
	for _, e := range s.ledger {
		if e.EventID == eventID {
			out = append(out, e)
		}
	}
	for _, e := range staged {
		if e.EventID == eventID {
			out = append(out, e)
		}
	}
	return out
}

func (s *MemoryStore) PriceAt(_ context.Context, teamID string, at time.Time) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var before, after *model.LedgerEntry
	for i := range s.ledger {
		e := &s.ledger[i]
		if e.TeamID != teamID {
			continue
		}
		if !e.CreatedAt.After(at) {
			// Latest at-or-before wins; insertion order breaks timestamp ties.
			if before == nil || !e.CreatedAt.Before(before.CreatedAt) {
				before = e
			}
			continue
		}
		if after == nil || e.CreatedAt.Before(after.CreatedAt) {
			after = e
		}
	}
	switch {
	case before != nil:
		return before.PriceAfterCents, true, nil
	case after != nil:
		return after.PriceBeforeCents, true, nil
	default:
		return 0, false, nil
	}
}

// --- Leaderboards ---

func (s *MemoryStore) SaveLeaderboard(_ context.Context, weekStart time.Time, entries []model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]model.LeaderboardEntry, len(entries))
	copy(cp, entries)
	s.leaderboards[weekKey(weekStart)] = cp
	return nil
}

func (s *MemoryStore) GetLeaderboard(_ context.Context, weekStart time.Time) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, ok := s.leaderboards[weekKey(weekStart)]
	if !ok {
		return nil, model.NotFoundf("leaderboard for week %s", weekKey(weekStart))
	}
	out := make([]model.LeaderboardEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

// --- Transactions ---

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memTx{
		s:         s,
		teams:     make(map[string]*model.Team),
		users:     make(map[string]*model.User),
		fixtures:  make(map[string]*model.Fixture),
		positions: make(map[string]*model.Position),
		ledgerKey: make(map[string]struct{}),
		walletKey: make(map[string]int),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		tx.closed = true
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.closed = true
		return fmt.Errorf("%w: %v", model.ErrLockTimeout, err)
	}
	tx.commit()
	return nil
}

// lock phases, in required acquisition order.
const (
	phaseNone = iota
	phaseFixture
	phaseTeams
	phaseUser
)

// memTx stages writes against a MemoryStore. Rows are read through the
// overlay first, then from committed state.
type memTx struct {
	s      *MemoryStore
	held   []string
	phase  int
	maxTID string
	closed bool

	teams      map[string]*model.Team
	users      map[string]*model.User
	fixtures   map[string]*model.Fixture
	positions  map[string]*model.Position // nil value marks a deletion
	orders     []model.Order
	walletTxns []model.WalletTransaction
	walletKey  map[string]int
	ledger     []model.LedgerEntry
	ledgerKey  map[string]struct{}
	transfers  []model.SettlementTransfer
}

func (tx *memTx) acquire(ctx context.Context, key string) error {
	for _, h := range tx.held {
		if h == key {
			return nil
		}
	}
	if err := tx.s.locks.acquire(ctx, key, tx.s.lockTimeout); err != nil {
		return err
	}
	tx.held = append(tx.held, key)
	return nil
}

func (tx *memTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.s.locks.release(tx.held[i])
	}
	tx.held = nil
}

func (tx *memTx) enter(phase int) error {
	if tx.closed {
		return ErrTxClosed
	}
	if phase < tx.phase {
		return ErrLockOrder
	}
	tx.phase = phase
	return nil
}

func (tx *memTx) LockFixture(ctx context.Context, id string) (*model.Fixture, error) {
	if err := tx.enter(phaseFixture); err != nil {
		return nil, err
	}
	if err := tx.acquire(ctx, "fixture:"+id); err != nil {
		return nil, err
	}
	if f, ok := tx.fixtures[id]; ok {
		return cloneFixture(f), nil
	}
	tx.s.mu.RLock()
	f, ok := tx.s.fixtures[id]
	tx.s.mu.RUnlock()
	if !ok {
		return nil, model.NotFoundf("fixture %s", id)
	}
	return cloneFixture(f), nil
}

func (tx *memTx) LockTeams(ctx context.Context, ids ...string) (map[string]*model.Team, error) {
	if err := tx.enter(phaseTeams); err != nil {
		return nil, err
	}
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	out := make(map[string]*model.Team, len(sorted))
	for _, id := range sorted {
		if _, dup := out[id]; dup {
			continue
		}
		if _, staged := tx.teams[id]; !staged {
			// New team locks must sort after every team already held.
			if tx.maxTID != "" && id < tx.maxTID {
				return nil, fmt.Errorf("%w: team %s after %s", ErrLockOrder, id, tx.maxTID)
			}
			if err := tx.acquire(ctx, "team:"+id); err != nil {
				return nil, err
			}
			tx.s.mu.RLock()
			t, ok := tx.s.teams[id]
			tx.s.mu.RUnlock()
			if !ok {
				return nil, model.NotFoundf("team %s", id)
			}
			cp := *t
			tx.teams[id] = &cp
			if id > tx.maxTID {
				tx.maxTID = id
			}
		}
		cp := *tx.teams[id]
		out[id] = &cp
	}
	return out, nil
}

func (tx *memTx) LockUser(ctx context.Context, id string) (*model.User, error) {
	if err := tx.enter(phaseUser); err != nil {
		return nil, err
	}
	if u, ok := tx.users[id]; ok {
		cp := *u
		return &cp, nil
	}
	if len(tx.users) > 0 {
		return nil, fmt.Errorf("%w: second user lock %s", ErrLockOrder, id)
	}
	if err := tx.acquire(ctx, "user:"+id); err != nil {
		return nil, err
	}
	tx.s.mu.RLock()
	u, ok := tx.s.users[id]
	tx.s.mu.RUnlock()
	if !ok {
		return nil, model.NotFoundf("user %s", id)
	}
	cp := *u
	tx.users[id] = &cp
	out := cp
	return &out, nil
}

func (tx *memTx) UpdateTeam(_ context.Context, t *model.Team) error {
	if tx.closed {
		return ErrTxClosed
	}
	if _, ok := tx.teams[t.ID]; !ok {
		return fmt.Errorf("%w: team %s not locked", model.ErrIntegrity, t.ID)
	}
	cp := *t
	tx.teams[t.ID] = &cp
	return nil
}

func (tx *memTx) UpdateUserBalance(_ context.Context, userID string, balance int64) error {
	if tx.closed {
		return ErrTxClosed
	}
	u, ok := tx.users[userID]
	if !ok {
		return fmt.Errorf("%w: user %s not locked", model.ErrIntegrity, userID)
	}
	u.WalletBalanceCents = balance
	return nil
}

func (tx *memTx) UpdateFixture(_ context.Context, f *model.Fixture) error {
	if tx.closed {
		return ErrTxClosed
	}
	if !tx.holds("fixture:" + f.ID) {
		return fmt.Errorf("%w: fixture %s not locked", model.ErrIntegrity, f.ID)
	}
	tx.fixtures[f.ID] = cloneFixture(f)
	return nil
}

func (tx *memTx) holds(key string) bool {
	for _, h := range tx.held {
		if h == key {
			return true
		}
	}
	return false
}

func (tx *memTx) GetPosition(_ context.Context, userID, teamID string) (*model.Position, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	key := positionKey(userID, teamID)
	if p, ok := tx.positions[key]; ok {
		if p == nil {
			return nil, nil
		}
		cp := *p
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	p, ok := tx.s.positions[key]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (tx *memTx) SavePosition(_ context.Context, p *model.Position) error {
	if tx.closed {
		return ErrTxClosed
	}
	cp := *p
	tx.positions[positionKey(p.UserID, p.TeamID)] = &cp
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, userID, teamID string) error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.positions[positionKey(userID, teamID)] = nil
	return nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.orders = append(tx.orders, *o)
	return nil
}

func (tx *memTx) FindWalletTransaction(_ context.Context, userID, key string) (*model.WalletTransaction, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	k := walletKey(userID, key)
	if i, ok := tx.walletKey[k]; ok {
		cp := tx.walletTxns[i]
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if i, ok := tx.s.walletKeys[k]; ok {
		cp := tx.s.walletTxns[i]
		return &cp, nil
	}
	return nil, nil
}

func (tx *memTx) InsertWalletTransaction(ctx context.Context, w *model.WalletTransaction) error {
	if tx.closed {
		return ErrTxClosed
	}
	if w.IdempotencyKey != "" {
		existing, err := tx.FindWalletTransaction(ctx, w.UserID, w.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: wallet transaction %s/%s", model.ErrDuplicate, w.UserID, w.IdempotencyKey)
		}
		tx.walletKey[walletKey(w.UserID, w.IdempotencyKey)] = len(tx.walletTxns)
	}
	tx.walletTxns = append(tx.walletTxns, *w)
	return nil
}

func (tx *memTx) InsertLedgerEntry(_ context.Context, e *model.LedgerEntry) error {
	if tx.closed {
		return ErrTxClosed
	}
	k := ledgerKey(e)
	if _, ok := tx.ledgerKey[k]; ok {
		return fmt.Errorf("%w: ledger entry %s", model.ErrDuplicate, k)
	}
	tx.s.mu.RLock()
	_, exists := tx.s.ledgerKeys[k]
	tx.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: ledger entry %s", model.ErrDuplicate, k)
	}
	tx.ledgerKey[k] = struct{}{}
	tx.ledger = append(tx.ledger, *e)
	return nil
}

func (tx *memTx) LedgerEntriesForEvent(_ context.Context, eventID string) ([]model.LedgerEntry, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.entriesForEvent(eventID, tx.ledger), nil
}

func (tx *memTx) InsertTransfer(_ context.Context, tr *model.SettlementTransfer) error {
	if tx.closed {
		return ErrTxClosed
	}
	for _, staged := range tx.transfers {
		if staged.FixtureID == tr.FixtureID {
			return fmt.Errorf("%w: transfer for fixture %s", model.ErrDuplicate, tr.FixtureID)
		}
	}
	tx.s.mu.RLock()
	_, exists := tx.s.transfers[tr.FixtureID]
	tx.s.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: transfer for fixture %s", model.ErrDuplicate, tr.FixtureID)
	}
	tx.transfers = append(tx.transfers, *tr)
	return nil
}

func (tx *memTx) GetTransfer(_ context.Context, fixtureID string) (*model.SettlementTransfer, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	for _, staged := range tx.transfers {
		if staged.FixtureID == fixtureID {
			cp := staged
			return &cp, nil
		}
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	tr, ok := tx.s.transfers[fixtureID]
	if !ok {
		return nil, nil
	}
	cp := *tr
	return &cp, nil
}

func (tx *memTx) ListFixtures(_ context.Context) ([]model.Fixture, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	return tx.s.sortedFixtures(tx.fixtures), nil
}

// commit applies the overlay to the store under a single write lock.
func (tx *memTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range tx.teams {
		s.teams[id] = t
	}
	for id, u := range tx.users {
		s.users[id] = u
	}
	for id, f := range tx.fixtures {
		s.fixtures[id] = f
	}
	for key, p := range tx.positions {
		if p == nil {
			delete(s.positions, key)
			continue
		}
		s.positions[key] = p
	}
	s.orders = append(s.orders, tx.orders...)
	for _, w := range tx.walletTxns {
		if w.IdempotencyKey != "" {
			s.walletKeys[walletKey(w.UserID, w.IdempotencyKey)] = len(s.walletTxns)
		}
		s.walletTxns = append(s.walletTxns, w)
	}
	for _, e := range tx.ledger {
		s.ledgerKeys[ledgerKey(&e)] = struct{}{}
		s.ledger = append(s.ledger, e)
	}
	for i := range tx.transfers {
		tr := tx.transfers[i]
		s.transfers[tr.FixtureID] = &tr
	}
	tx.closed = true
}

// lockTable hands out one exclusive lock per key. A lock is a buffered
// channel of capacity one so waiters can give up on context or timeout.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (lt *lockTable) get(key string) chan struct{} {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ch, ok := lt.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		lt.locks[key] = ch
	}
	return ch
}

func (lt *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	ch := lt.get(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", model.ErrLockTimeout, key, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %s after %s", model.ErrLockTimeout, key, timeout)
	}
}

func (lt *lockTable) release(key string) {
	<-lt.get(key)
}

// --- helpers ---

func cloneFixture(f *model.Fixture) *model.Fixture {
	c := *f
	if f.HomeScore != nil {
		v := *f.HomeScore
		c.HomeScore = &v
	}
	if f.AwayScore != nil {
		v := *f.AwayScore
		c.AwayScore = &v
	}
	if f.HomeCapSnapshotCents != nil {
		v := *f.HomeCapSnapshotCents
		c.HomeCapSnapshotCents = &v
	}
	if f.AwayCapSnapshotCents != nil {
		v := *f.AwayCapSnapshotCents
		c.AwayCapSnapshotCents = &v
	}
	if f.SnapshotAt != nil {
		v := *f.SnapshotAt
		c.SnapshotAt = &v
	}
	if f.SettledAt != nil {
		v := *f.SettledAt
		c.SettledAt = &v
	}
	return &c
}

func sortFixtures(fs []model.Fixture) {
	sort.SliceStable(fs, func(i, j int) bool {
		if !fs[i].KickoffAt.Equal(fs[j].KickoffAt) {
			return fs[i].KickoffAt.Before(fs[j].KickoffAt)
		}
		return fs[i].ID < fs[j].ID
	})
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].UserID != ps[j].UserID {
			return ps[i].UserID < ps[j].UserID
		}
		return ps[i].TeamID < ps[j].TeamID
	})
}

func weekKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
