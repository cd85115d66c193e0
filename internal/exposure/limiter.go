// Package exposure enforces optional stake limits per account.
//
// Three caps apply to every wager, each disabled when zero:
//   - MaxStake: the size of a single wager
//   - MaxPerMarket: an account's total stake in one market
//   - MaxOpenExposure: an account's total stake across all open markets
package exposure

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/model"
)

var (
	// ErrStakeLimitExceeded is returned when one wager is larger than
	// MaxStake.
	ErrStakeLimitExceeded = fmt.Errorf("%w: single stake limit exceeded", model.ErrExposureLimit)

	// ErrMarketLimitExceeded is returned when a wager would push the
	// account's stake in one market beyond MaxPerMarket.
	ErrMarketLimitExceeded = fmt.Errorf("%w: per-market exposure limit exceeded", model.ErrExposureLimit)

	// ErrOpenLimitExceeded is returned when a wager would push the
	// account's stake across all open markets beyond MaxOpenExposure.
	ErrOpenLimitExceeded = fmt.Errorf("%w: open exposure limit exceeded", model.ErrExposureLimit)
)

// Limiter holds the configured caps. The zero value allows everything.
type Limiter struct {
	MaxStake        decimal.Decimal
	MaxPerMarket    decimal.Decimal
	MaxOpenExposure decimal.Decimal
}

// NewLimiter creates a limiter. Pass decimal.Zero to disable a cap.
func NewLimiter(maxStake, maxPerMarket, maxOpenExposure decimal.Decimal) *Limiter {
	return &Limiter{
		MaxStake:        maxStake,
		MaxPerMarket:    maxPerMarket,
		MaxOpenExposure: maxOpenExposure,
	}
}

// Enabled reports whether any cap is set. The registry skips the exposure
// query entirely when none is.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.MaxStake.IsPositive() || l.MaxPerMarket.IsPositive() || l.MaxOpenExposure.IsPositive())
}

// SpansMarkets reports whether MaxOpenExposure is set. That cap sums
// stakes across markets, so callers must serialize an account's wagers
// for it to hold.
func (l *Limiter) SpansMarkets() bool {
	return l != nil && l.MaxOpenExposure.IsPositive()
}

// CheckLimit validates a new stake on marketID against the account's
// existing open exposures (market ID → amount staked).
func (l *Limiter) CheckLimit(
	marketID string,
	stake decimal.Decimal,
	existingExposures map[string]decimal.Decimal,
) error {
	if l == nil {
		return nil
	}

	// 1. Single stake.
	if l.MaxStake.IsPositive() && stake.GreaterThan(l.MaxStake) {
		return fmt.Errorf("%w: %s > %s", ErrStakeLimitExceeded, stake, l.MaxStake)
	}

	// 2. Per market.
	inMarket := existingExposures[marketID].Add(stake)
	if l.MaxPerMarket.IsPositive() && inMarket.GreaterThan(l.MaxPerMarket) {
		return fmt.Errorf("%w: %s > %s", ErrMarketLimitExceeded, inMarket, l.MaxPerMarket)
	}

	// 3. Across every open market.
	if l.MaxOpenExposure.IsPositive() {
		total := stake
		for _, exp := range existingExposures {
			total = total.Add(exp)
		}
		if total.GreaterThan(l.MaxOpenExposure) {
			return fmt.Errorf("%w: %s > %s", ErrOpenLimitExceeded, total, l.MaxOpenExposure)
		}
	}

	return nil
}

// LimitName returns a short label for the cap err tripped, for metrics.
func LimitName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrStakeLimitExceeded):
		return "stake"
	case errors.Is(err, ErrMarketLimitExceeded):
		return "market"
	case errors.Is(err, ErrOpenLimitExceeded):
		return "open"
	}
	return "other"
}
