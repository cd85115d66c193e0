// Package store defines the persistence interface for the wager engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process development).
package store

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/model"
)

// BalanceDelta is a signed change to one account's balance.
type BalanceDelta struct {
	AccountID string
	Amount    decimal.Decimal
}

// Store is the persistence interface. Every method is safe for concurrent
// use. Returned records are copies; mutating them does not touch storage.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account. Usernames are unique.
	CreateAccount(ctx context.Context, a *model.Account) error

	// GetAccount retrieves an account by ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// ListAccounts returns all accounts ordered by creation time.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// SetPrivileged grants or revokes administrative rights.
	SetPrivileged(ctx context.Context, id string, privileged bool) error

	// AdjustBalance atomically adds delta to an account's balance and
	// returns the updated account. Fails with ErrInsufficientFunds and
	// leaves the balance untouched if the result would be negative.
	AdjustBalance(ctx context.Context, id string, delta decimal.Decimal) (*model.Account, error)

	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarket retrieves a market with its wagers and payouts.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// CommitMarket is the single atomic mutation path for markets. It
	// applies every balance delta and replaces the stored market with m,
	// provided the stored version still equals expectedVersion. Either all
	// of it happens or none of it does:
	//   - version mismatch         → model.ErrConflict
	//   - unknown account in delta → model.ErrNotFound
	//   - a balance would go < 0   → model.ErrInsufficientFunds
	CommitMarket(ctx context.Context, m *model.Market, expectedVersion int64, deltas []BalanceDelta) error

	// --- Exposure queries ---

	// GetOpenExposures returns, per open market, the total an account has
	// staked on it.
	GetOpenExposures(ctx context.Context, accountID string) (map[string]decimal.Decimal, error)
}

// Layer is implemented by stores that wrap another one, such as a cache.
type Layer interface {
	Primary() Store
}

// Uncached peels every Layer off st. Reads taken under a market lock go
// through it, so a stale cache entry never feeds CommitMarket.
func Uncached(st Store) Store {
	for {
		l, ok := st.(Layer)
		if !ok {
			return st
		}
		st = l.Primary()
	}
}

// MergeDeltas sums deltas per account and orders them by ascending
// account ID, the lock order every implementation follows.
func MergeDeltas(deltas []BalanceDelta) []BalanceDelta {
	sums := make(map[string]decimal.Decimal, len(deltas))
	for _, dl := range deltas {
		sums[dl.AccountID] = sums[dl.AccountID].Add(dl.Amount)
	}
	merged := make([]BalanceDelta, 0, len(sums))
	for id, amt := range sums {
		merged = append(merged, BalanceDelta{AccountID: id, Amount: amt})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].AccountID < merged[j].AccountID })
	return merged
}
