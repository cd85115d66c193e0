package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. A single mutex makes every CommitMarket atomic.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	markets  map[string]*model.Market
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*model.Account),
		markets:  make(map[string]*model.Market),
	}
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s already exists", model.ErrValidation, a.ID)
	}
	for _, existing := range s.accounts {
		if existing.Username == a.Username {
			return fmt.Errorf("%w: username %s is taken", model.ErrValidation, a.Username)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.copyAccounts(), nil
}

func (s *MemoryStore) SetPrivileged(_ context.Context, id string, privileged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	a.IsPrivileged = privileged
	return nil
}

func (s *MemoryStore) AdjustBalance(_ context.Context, id string, delta decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return nil, fmt.Errorf("%w: account %s has %s", model.ErrInsufficientFunds, id, a.Balance)
	}
	a.Balance = next
	copy := *a
	return &copy, nil
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s already exists", model.ErrValidation, m.ID)
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.copyMarkets(), nil
}

func (s *MemoryStore) CommitMarket(_ context.Context, m *model.Market, expectedVersion int64, deltas []BalanceDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.markets[m.ID]
	if !ok {
		return fmt.Errorf("%w: market %s", model.ErrNotFound, m.ID)
	}
	if current.Version != expectedVersion {
		return fmt.Errorf("%w: market %s at version %d, expected %d",
			model.ErrConflict, m.ID, current.Version, expectedVersion)
	}

	// Validate everything before touching anything.
	merged := MergeDeltas(deltas)
	next := make([]decimal.Decimal, len(merged))
	for i, dl := range merged {
		a, ok := s.accounts[dl.AccountID]
		if !ok {
			return fmt.Errorf("%w: account %s", model.ErrNotFound, dl.AccountID)
		}
		next[i] = a.Balance.Add(dl.Amount)
		if next[i].IsNegative() {
			return fmt.Errorf("%w: account %s has %s", model.ErrInsufficientFunds, dl.AccountID, a.Balance)
		}
	}

	for i, dl := range merged {
		s.accounts[dl.AccountID].Balance = next[i]
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

// GetOpenExposures sums the account's stakes per open market.
func (s *MemoryStore) GetOpenExposures(_ context.Context, accountID string) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exposures := make(map[string]decimal.Decimal)
	for _, m := range s.markets {
		if m.Status != model.StatusOpen {
			continue
		}
		for _, w := range m.Wagers {
			if w.AccountID == accountID {
				exposures[m.ID] = exposures[m.ID].Add(w.Stake)
			}
		}
	}
	return exposures, nil
}

// Export copies both collections under one read lock, so the result is a
// consistent cut: no commit lands between the accounts and the markets.
func (s *MemoryStore) Export() ([]model.Account, []model.Market) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.copyAccounts(), s.copyMarkets()
}

// copyAccounts returns accounts oldest first. Caller holds s.mu.
func (s *MemoryStore) copyAccounts() []model.Account {
	accounts := make([]model.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, *a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		if accounts[i].CreatedAt.Equal(accounts[j].CreatedAt) {
			return accounts[i].ID < accounts[j].ID
		}
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	return accounts
}

// copyMarkets returns markets newest first. Caller holds s.mu.
func (s *MemoryStore) copyMarkets() []model.Market {
	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].ID < markets[j].ID
		}
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets
}

// Restore replaces the store's contents, used when loading a snapshot.
func (s *MemoryStore) Restore(accounts []model.Account, markets []model.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*model.Account, len(accounts))
	for i := range accounts {
		a := accounts[i]
		s.accounts[a.ID] = &a
	}
	s.markets = make(map[string]*model.Market, len(markets))
	for i := range markets {
		m := markets[i].Clone()
		m.Recompute()
		s.markets[m.ID] = m
	}
}
