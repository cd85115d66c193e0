package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// A read that races a commit can put an old copy back for up to ttl, so
// code that is about to commit reads through Uncached instead.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.cache(ctx, accountKey(a.ID), a)
	return nil
}

func (s *CachedStore) SetPrivileged(ctx context.Context, id string, privileged bool) error {
	if err := s.primary.SetPrivileged(ctx, id, privileged); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(id))
	return nil
}

func (s *CachedStore) AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (*model.Account, error) {
	a, err := s.primary.AdjustBalance(ctx, id, delta)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(id), a)
	return a, nil
}

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cache(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) CommitMarket(ctx context.Context, m *model.Market, expectedVersion int64, deltas []BalanceDelta) error {
	err := s.primary.CommitMarket(ctx, m, expectedVersion, deltas)

	// Invalidate on failure too: a conflict means the cached copy is old.
	keys := []string{marketKey(m.ID)}
	for _, dl := range deltas {
		keys = append(keys, accountKey(dl.AccountID))
	}
	for _, w := range m.Wagers {
		keys = append(keys, exposureKey(w.AccountID))
	}
	s.rdb.Del(ctx, keys...)
	return err
}

// Primary returns the wrapped store.
func (s *CachedStore) Primary() Store {
	return s.primary
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.lookup(ctx, accountKey(id), &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountKey(id), acct)
	return acct, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.lookup(ctx, marketKey(id), &m) {
		return &m, nil
	}

	// Cache miss: read from primary.
	market, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), market)
	return market, nil
}

func (s *CachedStore) GetOpenExposures(ctx context.Context, accountID string) (map[string]decimal.Decimal, error) {
	var exposures map[string]decimal.Decimal
	if s.lookup(ctx, exposureKey(accountID), &exposures) {
		return exposures, nil
	}

	exposures, err := s.primary.GetOpenExposures(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, exposureKey(accountID), exposures)
	return exposures, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListAccounts(ctx context.Context) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

var _ Layer = (*CachedStore)(nil)

func marketKey(id string) string    { return fmt.Sprintf("market:%s", id) }
func accountKey(id string) string   { return fmt.Sprintf("account:%s", id) }
func exposureKey(uid string) string { return fmt.Sprintf("exposure:%s", uid) }
