package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gamblescope/wager-engine/internal/model"
)

// heldPrimary pauses inside GetMarket, after the primary read and before
// the caller sees the result, while afterRead is set.
type heldPrimary struct {
	*MemoryStore

	mu        sync.Mutex
	afterRead func()
}

func (p *heldPrimary) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := p.MemoryStore.GetMarket(ctx, id)
	p.mu.Lock()
	hook := p.afterRead
	p.afterRead = nil
	p.mu.Unlock()
	if hook != nil {
		hook()
	}
	return m, err
}

func newCachedTestStore(t *testing.T) (*CachedStore, *heldPrimary, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := &heldPrimary{MemoryStore: NewMemoryStore()}
	seedAccount(t, primary.MemoryStore, "alice", 100)
	seedAccount(t, primary.MemoryStore, "owner", 0)
	seedMarket(t, primary.MemoryStore, "m1", "owner")
	return NewCachedStore(primary, rdb, time.Minute), primary, mr
}

// placeNext builds the market's next version with one more wager by alice.
func placeNext(t *testing.T, m *model.Market, wagerID string, stake float64) (*model.Market, []BalanceDelta) {
	t.Helper()
	next := m.Clone()
	require.NoError(t, next.AppendWager(model.Wager{
		ID: wagerID, MarketID: m.ID, AccountID: "alice", Side: model.SideAbove, Stake: d(stake), PlacedAt: time.Now().UTC(),
	}))
	next.Version = m.Version + 1
	return next, []BalanceDelta{{AccountID: "alice", Amount: d(-stake)}}
}

func TestCachedStore_ReadsPopulateCache(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newCachedTestStore(t)

	_, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)
	_, err = cs.GetAccount(ctx, "alice")
	require.NoError(t, err)
	_, err = cs.GetOpenExposures(ctx, "alice")
	require.NoError(t, err)

	assert.True(t, mr.Exists("market:m1"))
	assert.True(t, mr.Exists("account:alice"))
	assert.True(t, mr.Exists("exposure:alice"))
}

func TestCachedStore_CommitInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newCachedTestStore(t)

	m, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)
	_, err = cs.GetAccount(ctx, "alice")
	require.NoError(t, err)
	_, err = cs.GetOpenExposures(ctx, "alice")
	require.NoError(t, err)

	next, deltas := placeNext(t, m, "w1", 10)
	require.NoError(t, cs.CommitMarket(ctx, next, m.Version, deltas))

	assert.False(t, mr.Exists("market:m1"))
	assert.False(t, mr.Exists("account:alice"))
	assert.False(t, mr.Exists("exposure:alice"))

	got, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 1, got.WagerCount)

	alice, err := cs.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, alice.Balance.Equal(d(90)))

	exposures, err := cs.GetOpenExposures(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, exposures["m1"].Equal(d(10)))
}

func TestCachedStore_ConflictEvictsStaleEntry(t *testing.T) {
	ctx := context.Background()
	cs, primary, mr := newCachedTestStore(t)

	stale, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)

	// Another node commits straight to the primary; the cache still
	// holds version 1.
	next, deltas := placeNext(t, stale, "w1", 10)
	require.NoError(t, primary.CommitMarket(ctx, next, 1, deltas))

	cached, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, int64(1), cached.Version)

	again, deltas := placeNext(t, cached, "w2", 5)
	err = cs.CommitMarket(ctx, again, cached.Version, deltas)
	require.ErrorIs(t, err, model.ErrConflict)
	assert.False(t, mr.Exists("market:m1"), "a failed commit must drop the stale copy")

	fresh, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), fresh.Version)

	retry, deltas := placeNext(t, fresh, "w2", 5)
	require.NoError(t, cs.CommitMarket(ctx, retry, fresh.Version, deltas))
}

func TestCachedStore_RacingReadDoesNotBlockNextCommit(t *testing.T) {
	ctx := context.Background()
	cs, primary, _ := newCachedTestStore(t)

	v1, err := primary.MemoryStore.GetMarket(ctx, "m1")
	require.NoError(t, err)

	// A reader misses the cache and reads version 1 from the primary.
	// Before it writes that copy back, a commit moves the market to
	// version 2 and clears the key.
	readerHeld := make(chan struct{})
	release := make(chan struct{})
	primary.mu.Lock()
	primary.afterRead = func() {
		close(readerHeld)
		<-release
	}
	primary.mu.Unlock()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		_, _ = cs.GetMarket(ctx, "m1")
	}()
	<-readerHeld

	next, deltas := placeNext(t, v1, "w1", 10)
	require.NoError(t, cs.CommitMarket(ctx, next, 1, deltas))

	close(release)
	<-readerDone

	cached, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cached.Version, "the racing reader re-cached the old copy")

	// Uncached reads go to the primary, so the next commit is built on
	// the current version.
	current, err := Uncached(cs).GetMarket(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, int64(2), current.Version)

	after, deltas := placeNext(t, current, "w2", 5)
	require.NoError(t, cs.CommitMarket(ctx, after, current.Version, deltas))

	got, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
}

func TestCachedStore_FailedCommitEvictsAccounts(t *testing.T) {
	ctx := context.Background()
	cs, _, mr := newCachedTestStore(t)

	m, err := cs.GetMarket(ctx, "m1")
	require.NoError(t, err)
	_, err = cs.GetAccount(ctx, "alice")
	require.NoError(t, err)

	next, deltas := placeNext(t, m, "w1", 500)
	err = cs.CommitMarket(ctx, next, m.Version, deltas)
	require.ErrorIs(t, err, model.ErrInsufficientFunds)
	assert.False(t, mr.Exists("account:alice"))

	alice, err := cs.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, alice.Balance.Equal(d(100)), "nothing was applied")
}

func TestCachedStore_SetPrivilegedInvalidatesAccount(t *testing.T) {
	ctx := context.Background()
	cs, _, _ := newCachedTestStore(t)

	a, err := cs.GetAccount(ctx, "alice")
	require.NoError(t, err)
	require.False(t, a.IsPrivileged)

	require.NoError(t, cs.SetPrivileged(ctx, "alice", true))

	a, err = cs.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, a.IsPrivileged)
}

func TestUncached(t *testing.T) {
	ms := NewMemoryStore()
	assert.Same(t, ms, Uncached(ms))

	inner := NewCachedStore(ms, nil, time.Minute)
	outer := NewCachedStore(inner, nil, time.Minute)
	assert.Same(t, ms, Uncached(outer))
}
