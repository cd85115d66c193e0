package exposure

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewLimiter(d(100), d(500), d(2000))

	err := limiter.CheckLimit("m1", d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_StakeExceeded(t *testing.T) {
	limiter := NewLimiter(d(100), decimal.Zero, decimal.Zero)

	err := limiter.CheckLimit("m1", d(100.01), nil)
	if !errors.Is(err, ErrStakeLimitExceeded) {
		t.Errorf("expected ErrStakeLimitExceeded, got %v", err)
	}
	if !errors.Is(err, model.ErrExposureLimit) {
		t.Errorf("limit errors should classify as ErrExposureLimit, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, d(500), decimal.Zero)

	// Existing 450 + new 100 = 550 > 500.
	existing := map[string]decimal.Decimal{"m1": d(450)}

	err := limiter.CheckLimit("m1", d(100), existing)
	if !errors.Is(err, ErrMarketLimitExceeded) {
		t.Errorf("expected ErrMarketLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_PerMarketIgnoresOtherMarkets(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, d(500), decimal.Zero)

	existing := map[string]decimal.Decimal{"m2": d(450)}

	err := limiter.CheckLimit("m1", d(100), existing)
	if err != nil {
		t.Errorf("other markets should not count toward the per-market cap, got %v", err)
	}
}

func TestCheckLimit_OpenExposureExceeded(t *testing.T) {
	limiter := NewLimiter(decimal.Zero, decimal.Zero, d(1000))

	existing := make(map[string]decimal.Decimal)
	for i := 0; i < 9; i++ {
		existing[string(rune('a'+i))] = d(100)
	}

	// 9 × 100 = 900 open. Adding 150 → 1050 > 1000.
	err := limiter.CheckLimit("z", d(150), existing)
	if !errors.Is(err, ErrOpenLimitExceeded) {
		t.Errorf("expected ErrOpenLimitExceeded, got %v", err)
	}

	// Exactly at the cap is allowed.
	if err := limiter.CheckLimit("z", d(100), existing); err != nil {
		t.Errorf("stake reaching the cap exactly should pass, got %v", err)
	}
}

func TestCheckLimit_ZeroValueAllowsEverything(t *testing.T) {
	var limiter Limiter
	if limiter.Enabled() {
		t.Error("zero limiter should report disabled")
	}
	if err := limiter.CheckLimit("m1", d(1e9), map[string]decimal.Decimal{"m1": d(1e9)}); err != nil {
		t.Errorf("zero limiter should allow everything, got %v", err)
	}

	var nilLimiter *Limiter
	if err := nilLimiter.CheckLimit("m1", d(1), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}

func TestLimitName(t *testing.T) {
	limiter := NewLimiter(d(10), d(20), d(30))
	cases := map[string]error{
		"stake":  limiter.CheckLimit("m", d(11), nil),
		"market": limiter.CheckLimit("m", d(10), map[string]decimal.Decimal{"m": d(15)}),
		"open":   limiter.CheckLimit("m", d(10), map[string]decimal.Decimal{"x": d(25)}),
		"":       nil,
	}
	for want, err := range cases {
		if got := LimitName(err); got != want {
			t.Errorf("LimitName(%v) = %q, want %q", err, got, want)
		}
	}
}

func TestSpansMarkets(t *testing.T) {
	var nilLimiter *Limiter
	if nilLimiter.SpansMarkets() {
		t.Error("nil limiter should not span markets")
	}
	if NewLimiter(d(10), d(20), decimal.Zero).SpansMarkets() {
		t.Error("per-stake and per-market caps stay within one market")
	}
	if !NewLimiter(decimal.Zero, decimal.Zero, d(30)).SpansMarkets() {
		t.Error("an open exposure cap spans markets")
	}
}
