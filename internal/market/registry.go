// Package market owns the lifecycle of wagering markets: creation, wager
// placement, settlement and voiding. Every mutation takes the market's
// lock, builds the next version of the market plus the balance deltas it
// implies, and hands both to the store as one atomic commit. Events are
// published only after that commit succeeds.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/events"
	"github.com/gamblescope/wager-engine/internal/exposure"
	"github.com/gamblescope/wager-engine/internal/ledger"
	"github.com/gamblescope/wager-engine/internal/lock"
	"github.com/gamblescope/wager-engine/internal/metrics"
	"github.com/gamblescope/wager-engine/internal/model"
	"github.com/gamblescope/wager-engine/internal/pricing"
	"github.com/gamblescope/wager-engine/internal/proposition"
	"github.com/gamblescope/wager-engine/internal/store"
)

// Options tunes a Registry. The zero value is usable.
type Options struct {
	// Limiter caps stakes per account. Nil disables limits.
	Limiter *exposure.Limiter
	// LockTimeout bounds how long an operation waits for a market lock.
	LockTimeout time.Duration
	Logger      *slog.Logger
	// Now is the clock; tests pin it.
	Now func() time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	store       store.Store
	fresh       store.Store // no cache layer; reads that feed a commit
	locker      lock.Locker
	bus         *events.Bus
	limiter     *exposure.Limiter
	lockTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewRegistry wires a Registry. A nil locker falls back to an in-process
// KeyedMutex; a nil bus drops events.
func NewRegistry(st store.Store, locker lock.Locker, bus *events.Bus, opts Options) *Registry {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		store:       st,
		fresh:       store.Uncached(st),
		locker:      locker,
		bus:         bus,
		limiter:     opts.Limiter,
		lockTimeout: opts.LockTimeout,
		logger:      opts.Logger.With("component", "market"),
		now:         opts.Now,
	}
}

// Placement is the outcome of an accepted wager.
type Placement struct {
	Wager model.Wager `json:"wager"`
	// Quote is the estimate at the moment of placement, against the
	// totals before this stake.
	Quote  pricing.Quote        `json:"quote"`
	Market model.MarketSnapshot `json:"market"`
}

// VoidResult is the outcome of voiding one market.
type VoidResult struct {
	Market  model.MarketSnapshot `json:"market"`
	Refunds []model.Refund       `json:"refunds"`
}

// CreateMarket opens a new market owned by ownerID.
func (r *Registry) CreateMarket(ctx context.Context, ownerID string, threshold decimal.Decimal, meta model.Metadata) (model.MarketSnapshot, error) {
	meta, err := proposition.Validate(threshold, meta)
	if err != nil {
		return model.MarketSnapshot{}, err
	}
	if _, err := r.store.GetAccount(ctx, ownerID); err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("market owner: %w", err)
	}

	m := &model.Market{
		ID:             uuid.New().String(),
		OwnerAccountID: ownerID,
		Threshold:      threshold,
		Metadata:       meta,
		Status:         model.StatusOpen,
		CreatedAt:      r.now(),
		Version:        1,
	}
	m.Recompute()

	if err := r.store.CreateMarket(ctx, m); err != nil {
		return model.MarketSnapshot{}, fmt.Errorf("create market: %w", err)
	}

	metrics.ActiveMarkets.Inc()
	r.logger.Info("market created",
		"market", m.ID,
		"owner", ownerID,
		"title", proposition.Title(threshold, meta),
	)

	snap := m.Snapshot()
	r.publish(events.Event{Kind: events.MarketCreated, MarketID: m.ID, AccountID: ownerID, Market: &snap})
	return snap, nil
}

// GetMarket returns a read-only snapshot.
func (r *Registry) GetMarket(ctx context.Context, id string) (model.MarketSnapshot, error) {
	m, err := r.store.GetMarket(ctx, id)
	if err != nil {
		return model.MarketSnapshot{}, err
	}
	return m.Snapshot(), nil
}

// ListMarkets returns every market, newest first.
func (r *Registry) ListMarkets(ctx context.Context) ([]model.MarketSnapshot, error) {
	return r.list(ctx, func(*model.Market) bool { return true })
}

// ListOpenMarkets returns the markets still accepting wagers, newest first.
func (r *Registry) ListOpenMarkets(ctx context.Context) ([]model.MarketSnapshot, error) {
	return r.list(ctx, func(m *model.Market) bool { return m.Status == model.StatusOpen })
}

func (r *Registry) list(ctx context.Context, keep func(*model.Market) bool) ([]model.MarketSnapshot, error) {
	markets, err := r.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	out := make([]model.MarketSnapshot, 0, len(markets))
	for i := range markets {
		if keep(&markets[i]) {
			out = append(out, markets[i].Snapshot())
		}
	}
	return out, nil
}

// Quote prices a hypothetical stake without changing anything.
func (r *Registry) Quote(ctx context.Context, marketID string, side model.Side, stake decimal.Decimal) (pricing.Quote, error) {
	if err := validateWager(side, stake); err != nil {
		return pricing.Quote{}, err
	}
	m, err := r.store.GetMarket(ctx, marketID)
	if err != nil {
		return pricing.Quote{}, err
	}
	if m.Status != model.StatusOpen {
		return pricing.Quote{}, fmt.Errorf("%w: market %s is %s", model.ErrInvalidState, m.ID, m.Status)
	}
	return quote(m, side, stake)
}

// PlaceWager debits stake from accountID and appends the wager to the
// market in a single commit.
func (r *Registry) PlaceWager(ctx context.Context, marketID, accountID string, side model.Side, stake decimal.Decimal) (*Placement, error) {
	if err := validateWager(side, stake); err != nil {
		return nil, err
	}

	start := time.Now()
	var placed *Placement
	err := r.withMarketLock(ctx, marketID, func(ctx context.Context) error {
		m, err := r.fresh.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.StatusOpen {
			return fmt.Errorf("%w: market %s is %s", model.ErrInvalidState, m.ID, m.Status)
		}

		// The open-exposure cap sums across markets, so the market lock
		// alone does not cover it.
		if r.limiter.SpansMarkets() {
			unlock, err := r.lockKey(ctx, "account:"+accountID)
			if err != nil {
				return fmt.Errorf("%w: account %s is busy: %w", model.ErrConflict, accountID, err)
			}
			defer unlock()
		}

		acct, err := r.fresh.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if acct.ID == m.OwnerAccountID {
			return fmt.Errorf("%w: account %s owns market %s", model.ErrSelfWager, acct.ID, m.ID)
		}
		if acct.Balance.LessThan(stake) {
			return fmt.Errorf("%w: balance %s, stake %s", model.ErrInsufficientFunds, acct.Balance, stake)
		}

		if r.limiter.Enabled() {
			exposures, err := r.fresh.GetOpenExposures(ctx, accountID)
			if err != nil {
				return fmt.Errorf("load exposures: %w", err)
			}
			if err := r.limiter.CheckLimit(m.ID, stake, exposures); err != nil {
				metrics.LimitRejections.WithLabelValues(exposure.LimitName(err)).Inc()
				return err
			}
		}

		q, err := quote(m, side, stake)
		if err != nil {
			return err
		}

		debit, err := ledger.Debit(accountID, stake)
		if err != nil {
			return err
		}

		w := model.Wager{
			ID:        uuid.New().String(),
			MarketID:  m.ID,
			AccountID: accountID,
			Side:      side,
			Stake:     stake,
			PlacedAt:  r.now(),
		}
		next := m.Clone()
		if err := next.AppendWager(w); err != nil {
			return err
		}
		next.Version = m.Version + 1

		if err := r.commit(ctx, next, m.Version, []store.BalanceDelta{debit}); err != nil {
			return err
		}

		placed = &Placement{Wager: w, Quote: q, Market: next.Snapshot()}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.WagersTotal.WithLabelValues(string(side)).Inc()
	metrics.WagerLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	stakeF, _ := stake.Float64()
	metrics.StakeVolume.WithLabelValues(string(side)).Add(stakeF)

	r.logger.Info("wager placed",
		"wager", placed.Wager.ID,
		"market", marketID,
		"account", accountID,
		"side", side,
		"stake", stake.String(),
		"quoted_profit", placed.Quote.Profit.String(),
		"pot", placed.Market.TotalPot.String(),
	)
	r.publish(events.Event{
		Kind:      events.WagerPlaced,
		MarketID:  marketID,
		AccountID: accountID,
		Market:    &placed.Market,
	})
	return placed, nil
}

// VoidMarket cancels an open market and refunds every stake. Only a
// privileged account may void.
func (r *Registry) VoidMarket(ctx context.Context, marketID, requestedBy string) (*VoidResult, error) {
	if err := r.requirePrivileged(ctx, requestedBy); err != nil {
		return nil, err
	}
	return r.void(ctx, marketID, requestedBy)
}

// ClearMarkets voids every open market, or only those owned by ownerID
// when it is non-empty. Each market is voided in its own commit; the
// first failure stops the sweep and the count reports how many were
// voided before it.
func (r *Registry) ClearMarkets(ctx context.Context, requestedBy, ownerID string) (int, error) {
	if err := r.requirePrivileged(ctx, requestedBy); err != nil {
		return 0, err
	}

	open, err := r.ListOpenMarkets(ctx)
	if err != nil {
		return 0, err
	}

	voided := 0
	for _, m := range open {
		if ownerID != "" && m.OwnerAccountID != ownerID {
			continue
		}
		if _, err := r.void(ctx, m.ID, requestedBy); err != nil {
			// Settled or voided since the listing.
			if errors.Is(err, model.ErrInvalidState) {
				continue
			}
			return voided, fmt.Errorf("clear markets: %s: %w", m.ID, err)
		}
		voided++
	}

	r.logger.Info("markets cleared", "by", requestedBy, "owner", ownerID, "voided", voided)
	return voided, nil
}

func (r *Registry) void(ctx context.Context, marketID, requestedBy string) (*VoidResult, error) {
	var res *VoidResult
	err := r.withMarketLock(ctx, marketID, func(ctx context.Context) error {
		m, err := r.fresh.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status != model.StatusOpen {
			return fmt.Errorf("%w: market %s is %s", model.ErrInvalidState, m.ID, m.Status)
		}

		refunds := make([]model.Refund, 0, len(m.Wagers))
		deltas := make([]store.BalanceDelta, 0, len(m.Wagers))
		for _, w := range m.Wagers {
			dl, err := ledger.Refund(w.AccountID, w.Stake)
			if err != nil {
				return fmt.Errorf("%w: wager %s: %w", model.ErrRefund, w.ID, err)
			}
			deltas = append(deltas, dl)
			refunds = append(refunds, model.Refund{WagerID: w.ID, AccountID: w.AccountID, Amount: w.Stake})
		}

		now := r.now()
		next := m.Clone()
		next.Status = model.StatusVoided
		next.VoidedAt = &now
		next.Version = m.Version + 1

		if err := r.commit(ctx, next, m.Version, deltas); err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("%w: %w", model.ErrRefund, err)
			}
			return err
		}
		res = &VoidResult{Market: next.Snapshot(), Refunds: refunds}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.VoidsTotal.Inc()
	metrics.ActiveMarkets.Dec()
	r.logger.Info("market voided",
		"market", marketID,
		"by", requestedBy,
		"refunds", len(res.Refunds),
		"pot", res.Market.TotalPot.String(),
	)
	r.publish(events.Event{
		Kind:      events.MarketVoided,
		MarketID:  marketID,
		AccountID: requestedBy,
		Market:    &res.Market,
		Refunds:   res.Refunds,
	})
	return res, nil
}

// Subscribe registers h on the change feed.
func (r *Registry) Subscribe(h events.Handler) (cancel func()) {
	if r.bus == nil {
		return func() {}
	}
	return r.bus.Subscribe(h)
}

// RefreshMetrics resets gauges from the store, used after startup or a
// snapshot restore.
func (r *Registry) RefreshMetrics(ctx context.Context) error {
	open, err := r.ListOpenMarkets(ctx)
	if err != nil {
		return err
	}
	metrics.ActiveMarkets.Set(float64(len(open)))
	return nil
}

// --- helpers ---

// withMarketLock runs fn holding the market's lock. An account lock, when
// needed, is only ever taken inside a market lock, never the other way
// round.
func (r *Registry) withMarketLock(ctx context.Context, marketID string, fn func(context.Context) error) error {
	unlock, err := r.lockKey(ctx, "market:"+marketID)
	if err != nil {
		return fmt.Errorf("%w: market %s is busy: %w", model.ErrConflict, marketID, err)
	}
	defer unlock()
	return fn(ctx)
}

func (r *Registry) lockKey(ctx context.Context, key string) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	return r.locker.Lock(lockCtx, key)
}

func (r *Registry) commit(ctx context.Context, next *model.Market, expected int64, deltas []store.BalanceDelta) error {
	err := r.store.CommitMarket(ctx, next, expected, deltas)
	if errors.Is(err, model.ErrConflict) {
		metrics.CommitConflicts.Inc()
		r.logger.Warn("market commit conflict", "market", next.ID, "expected_version", expected)
	}
	return err
}

func (r *Registry) requirePrivileged(ctx context.Context, actorID string) error {
	return ledger.RequirePrivileged(ctx, r.store, actorID)
}

func (r *Registry) publish(e events.Event) {
	if e.At.IsZero() {
		e.At = r.now()
	}
	r.bus.Publish(e)
}

func validateWager(side model.Side, stake decimal.Decimal) error {
	if !side.Valid() {
		return fmt.Errorf("%w: side must be ABOVE or BELOW, got %q", model.ErrValidation, side)
	}
	if !stake.IsPositive() {
		return fmt.Errorf("%w: stake must be > 0, got %s", model.ErrValidation, stake)
	}
	if !stake.Equal(stake.Truncate(pricing.Scale)) {
		return fmt.Errorf("%w: stake has more than %d decimal places", model.ErrValidation, pricing.Scale)
	}
	return nil
}

func quote(m *model.Market, side model.Side, stake decimal.Decimal) (pricing.Quote, error) {
	q, err := pricing.QuoteWager(m.AboveTotal, m.BelowTotal, side, stake)
	if err != nil {
		return pricing.Quote{}, fmt.Errorf("%w: %w", model.ErrValidation, err)
	}
	return q, nil
}
