// Package model defines the core domain types shared across the wager engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two outcomes of a market.
type Side string

const (
	SideAbove Side = "ABOVE"
	SideBelow Side = "BELOW"
)

// Valid reports whether s is ABOVE or BELOW.
func (s Side) Valid() bool {
	return s == SideAbove || s == SideBelow
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideAbove {
		return SideBelow
	}
	return SideAbove
}

// ParseSide accepts the canonical names plus the "higher"/"lower" and
// "over"/"under" spellings used by clients.
func ParseSide(v string) (Side, error) {
	switch v {
	case "ABOVE", "above", "higher", "over":
		return SideAbove, nil
	case "BELOW", "below", "lower", "under":
		return SideBelow, nil
	}
	return "", fmt.Errorf("%w: side must be ABOVE or BELOW, got %q", ErrValidation, v)
}

// Status is the lifecycle state of a market.
type Status string

const (
	StatusOpen    Status = "open"
	StatusSettled Status = "settled"
	StatusVoided  Status = "voided"
)

// Terminal reports whether no further mutation is allowed.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusVoided
}

// Account is a participant's spendable balance.
type Account struct {
	ID           string          `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	IsPrivileged bool            `json:"is_privileged" db:"is_privileged"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Wager is a single stake placed by one account on one side of one market.
// Once created, wagers are never modified.
type Wager struct {
	ID        string          `json:"id" db:"id"`
	MarketID  string          `json:"market_id" db:"market_id"`
	AccountID string          `json:"account_id" db:"account_id"`
	Side      Side            `json:"side" db:"side"`
	Stake     decimal.Decimal `json:"stake" db:"stake"`
	PlacedAt  time.Time       `json:"placed_at" db:"placed_at"`
}

// Payout is the amount credited to one winning wager at settlement.
type Payout struct {
	WagerID       string          `json:"wager_id" db:"wager_id"`
	AccountID     string          `json:"account_id" db:"account_id"`
	Stake         decimal.Decimal `json:"stake" db:"stake"`
	Profit        decimal.Decimal `json:"profit" db:"profit"`
	TotalCredited decimal.Decimal `json:"total_credited" db:"total_credited"`
}

// Metadata describes the test a market is about.
type Metadata struct {
	Subject     string `json:"subject"`
	TestName    string `json:"test_name"`
	Description string `json:"description,omitempty"`
}

// Market is one proposition ("score on X will be above threshold Y")
// together with every wager placed against it.
type Market struct {
	ID             string          `json:"id" db:"id"`
	OwnerAccountID string          `json:"owner_account_id" db:"owner_account_id"`
	Threshold      decimal.Decimal `json:"threshold" db:"threshold"`
	Metadata
	Status Status  `json:"status" db:"status"`
	Wagers []Wager `json:"wagers"`

	// Cached totals, recomputed from Wagers on every append.
	AboveTotal decimal.Decimal `json:"above_total" db:"above_total"`
	BelowTotal decimal.Decimal `json:"below_total" db:"below_total"`
	TotalPot   decimal.Decimal `json:"total_pot" db:"total_pot"`
	WagerCount int             `json:"wager_count" db:"wager_count"`

	RevealedValue *decimal.Decimal `json:"revealed_value,omitempty" db:"revealed_value"`
	WinningSide   Side             `json:"winning_side,omitempty" db:"winning_side"`
	Payouts       []Payout         `json:"payouts,omitempty"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	SettledAt *time.Time `json:"settled_at,omitempty" db:"settled_at"`
	VoidedAt  *time.Time `json:"voided_at,omitempty" db:"voided_at"`

	// Version increments on every committed mutation.
	Version int64 `json:"version" db:"version"`
}

// AppendWager adds w to an open market and refreshes the cached totals.
func (m *Market) AppendWager(w Wager) error {
	if m.Status != StatusOpen {
		return fmt.Errorf("%w: market %s is %s", ErrInvalidState, m.ID, m.Status)
	}
	m.Wagers = append(m.Wagers, w)
	m.Recompute()
	return nil
}

// Recompute derives the side totals, pot and wager count from Wagers.
func (m *Market) Recompute() {
	above, below := decimal.Zero, decimal.Zero
	for _, w := range m.Wagers {
		if w.Side == SideAbove {
			above = above.Add(w.Stake)
		} else {
			below = below.Add(w.Stake)
		}
	}
	m.AboveTotal = above
	m.BelowTotal = below
	m.TotalPot = above.Add(below)
	m.WagerCount = len(m.Wagers)
}

// SideTotal returns the amount staked on side.
func (m *Market) SideTotal(side Side) decimal.Decimal {
	if side == SideAbove {
		return m.AboveTotal
	}
	return m.BelowTotal
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (m *Market) Clone() *Market {
	c := *m
	c.Wagers = append([]Wager(nil), m.Wagers...)
	c.Payouts = append([]Payout(nil), m.Payouts...)
	if m.RevealedValue != nil {
		v := *m.RevealedValue
		c.RevealedValue = &v
	}
	if m.SettledAt != nil {
		t := *m.SettledAt
		c.SettledAt = &t
	}
	if m.VoidedAt != nil {
		t := *m.VoidedAt
		c.VoidedAt = &t
	}
	return &c
}

// Snapshot returns the read-only projection handed to collaborators.
func (m *Market) Snapshot() MarketSnapshot {
	c := m.Clone()
	if c.Wagers == nil {
		c.Wagers = []Wager{}
	}
	return MarketSnapshot{
		ID:             c.ID,
		OwnerAccountID: c.OwnerAccountID,
		Threshold:      c.Threshold,
		Metadata:       c.Metadata,
		Status:         c.Status,
		AboveTotal:     c.AboveTotal,
		BelowTotal:     c.BelowTotal,
		TotalPot:       c.TotalPot,
		WagerCount:     c.WagerCount,
		Wagers:         c.Wagers,
		RevealedValue:  c.RevealedValue,
		WinningSide:    c.WinningSide,
		Payouts:        c.Payouts,
		CreatedAt:      c.CreatedAt,
		SettledAt:      c.SettledAt,
		VoidedAt:       c.VoidedAt,
	}
}

// MarketSnapshot is a read-only projection of a Market.
type MarketSnapshot struct {
	ID             string          `json:"id"`
	OwnerAccountID string          `json:"owner_account_id"`
	Threshold      decimal.Decimal `json:"threshold"`
	Metadata
	Status        Status           `json:"status"`
	AboveTotal    decimal.Decimal  `json:"above_total"`
	BelowTotal    decimal.Decimal  `json:"below_total"`
	TotalPot      decimal.Decimal  `json:"total_pot"`
	WagerCount    int              `json:"wager_count"`
	Wagers        []Wager          `json:"wagers"`
	RevealedValue *decimal.Decimal `json:"revealed_value,omitempty"`
	WinningSide   Side             `json:"winning_side,omitempty"`
	Payouts       []Payout         `json:"payouts,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	SettledAt     *time.Time       `json:"settled_at,omitempty"`
	VoidedAt      *time.Time       `json:"voided_at,omitempty"`
}

// SettlementResult reports how a market's pot was distributed.
type SettlementResult struct {
	MarketID      string          `json:"market_id"`
	RevealedValue decimal.Decimal `json:"revealed_value"`
	WinningSide   Side            `json:"winning_side"`
	WinningTotal  decimal.Decimal `json:"winning_total"`
	LosingTotal   decimal.Decimal `json:"losing_total"`
	Payouts       []Payout        `json:"payouts"`
	// Unallocated is the part of the losing pool left over after each
	// profit was truncated to the payout scale.
	Unallocated decimal.Decimal `json:"unallocated"`
	SettledAt   time.Time       `json:"settled_at"`
}

// Refund is one stake returned by a void.
type Refund struct {
	WagerID   string          `json:"wager_id"`
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}
