// Package ledger owns account balances. Deposits and withdrawals go
// straight to the store; debits, payouts and refunds tied to a market are
// built here as deltas and applied by the store in the same commit as the
// market change.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/events"
	"github.com/gamblescope/wager-engine/internal/metrics"
	"github.com/gamblescope/wager-engine/internal/model"
	"github.com/gamblescope/wager-engine/internal/store"
)

const maxUsernameLen = 64

// Ledger is safe for concurrent use.
type Ledger struct {
	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger. bus may be nil.
func New(st store.Store, bus *events.Bus) *Ledger {
	return &Ledger{
		store:  st,
		bus:    bus,
		logger: slog.Default().With("component", "ledger"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open registers a new account with a zero balance.
func (l *Ledger) Open(ctx context.Context, username string) (*model.Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", model.ErrValidation)
	}
	if utf8.RuneCountInString(username) > maxUsernameLen {
		return nil, fmt.Errorf("%w: username longer than %d characters", model.ErrValidation, maxUsernameLen)
	}

	a := &model.Account{
		ID:        uuid.New().String(),
		Username:  username,
		Balance:   decimal.Zero,
		CreatedAt: l.now(),
	}
	if err := l.store.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("open account: %w", err)
	}

	l.logger.Info("account opened", "account", a.ID, "username", a.Username)
	l.publish(events.AccountCreated, a)
	return a, nil
}

// SeedAdmin makes sure a privileged account with the given id exists. An
// existing account keeps its balance and is only promoted if needed.
func (l *Ledger) SeedAdmin(ctx context.Context, id, username string, balance decimal.Decimal) (*model.Account, error) {
	if id == "" || strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: admin id and username are required", model.ErrValidation)
	}
	if balance.IsNegative() {
		return nil, fmt.Errorf("%w: admin balance must be >= 0", model.ErrInvalidAmount)
	}

	existing, err := l.store.GetAccount(ctx, id)
	switch {
	case err == nil:
		if !existing.IsPrivileged {
			if err := l.store.SetPrivileged(ctx, id, true); err != nil {
				return nil, fmt.Errorf("promote admin: %w", err)
			}
			existing.IsPrivileged = true
		}
		return existing, nil
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("seed admin: %w", err)
	}

	a := &model.Account{
		ID:           id,
		Username:     strings.TrimSpace(username),
		Balance:      balance,
		IsPrivileged: true,
		CreatedAt:    l.now(),
	}
	if err := l.store.CreateAccount(ctx, a); err != nil {
		return nil, fmt.Errorf("seed admin: %w", err)
	}
	l.logger.Info("admin seeded", "account", a.ID, "balance", balance.String())
	return a, nil
}

// Deposit credits amount (> 0) to the account.
func (l *Ledger) Deposit(ctx context.Context, id string, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit must be > 0", model.ErrInvalidAmount)
	}
	a, err := l.store.AdjustBalance(ctx, id, amount)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	metrics.LedgerOps.WithLabelValues("deposit").Inc()
	l.logger.Info("deposit", "account", id, "amount", amount.String(), "balance", a.Balance.String())
	l.publish(events.AccountUpdated, a)
	return a, nil
}

// Withdraw debits amount (> 0). The balance never goes below zero.
func (l *Ledger) Withdraw(ctx context.Context, id string, amount decimal.Decimal) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdrawal must be > 0", model.ErrInvalidAmount)
	}
	a, err := l.store.AdjustBalance(ctx, id, amount.Neg())
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	metrics.LedgerOps.WithLabelValues("withdraw").Inc()
	l.logger.Info("withdraw", "account", id, "amount", amount.String(), "balance", a.Balance.String())
	l.publish(events.AccountUpdated, a)
	return a, nil
}

// Get returns one account.
func (l *Ledger) Get(ctx context.Context, id string) (*model.Account, error) {
	return l.store.GetAccount(ctx, id)
}

// List returns every account, oldest first.
func (l *Ledger) List(ctx context.Context) ([]model.Account, error) {
	return l.store.ListAccounts(ctx)
}

// RequirePrivileged fails with ErrPermission unless actorID is a
// privileged account.
func (l *Ledger) RequirePrivileged(ctx context.Context, actorID string) error {
	return RequirePrivileged(ctx, l.store, actorID)
}

// RequirePrivileged checks actorID against st. An empty or unknown actor
// is a permission failure, not a lookup failure.
func RequirePrivileged(ctx context.Context, st store.Store, actorID string) error {
	if actorID == "" {
		return fmt.Errorf("%w: no acting account", model.ErrPermission)
	}
	a, err := st.GetAccount(ctx, actorID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return fmt.Errorf("%w: unknown acting account %s", model.ErrPermission, actorID)
		}
		return err
	}
	if !a.IsPrivileged {
		return fmt.Errorf("%w: account %s is not privileged", model.ErrPermission, actorID)
	}
	return nil
}

// Grant makes targetID privileged. Only a privileged actor may grant.
func (l *Ledger) Grant(ctx context.Context, requestedBy, targetID string) (*model.Account, error) {
	if err := l.RequirePrivileged(ctx, requestedBy); err != nil {
		return nil, err
	}
	if err := l.store.SetPrivileged(ctx, targetID, true); err != nil {
		return nil, fmt.Errorf("grant: %w", err)
	}
	a, err := l.store.GetAccount(ctx, targetID)
	if err != nil {
		return nil, err
	}
	l.logger.Info("privilege granted", "account", targetID, "by", requestedBy)
	l.publish(events.AccountUpdated, a)
	return a, nil
}

func (l *Ledger) publish(kind events.Kind, a *model.Account) {
	cp := *a
	l.bus.Publish(events.Event{Kind: kind, AccountID: a.ID, Account: &cp, At: l.now()})
}

// Debit is the delta for a stake leaving an account. amount must be > 0.
func Debit(accountID string, amount decimal.Decimal) (store.BalanceDelta, error) {
	if !amount.IsPositive() {
		return store.BalanceDelta{}, fmt.Errorf("%w: debit must be > 0, got %s", model.ErrInvalidAmount, amount)
	}
	return store.BalanceDelta{AccountID: accountID, Amount: amount.Neg()}, nil
}

// Payout is the delta crediting a winner. amount may be zero.
func Payout(accountID string, amount decimal.Decimal) (store.BalanceDelta, error) {
	if amount.IsNegative() {
		return store.BalanceDelta{}, fmt.Errorf("%w: payout must be >= 0, got %s", model.ErrInvalidAmount, amount)
	}
	return store.BalanceDelta{AccountID: accountID, Amount: amount}, nil
}

// Refund is the delta returning a stake. amount must be > 0.
func Refund(accountID string, amount decimal.Decimal) (store.BalanceDelta, error) {
	if !amount.IsPositive() {
		return store.BalanceDelta{}, fmt.Errorf("%w: refund must be > 0, got %s", model.ErrInvalidAmount, amount)
	}
	return store.BalanceDelta{AccountID: accountID, Amount: amount}, nil
}
