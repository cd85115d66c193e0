package market

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/events"
	"github.com/gamblescope/wager-engine/internal/ledger"
	"github.com/gamblescope/wager-engine/internal/metrics"
	"github.com/gamblescope/wager-engine/internal/model"
	"github.com/gamblescope/wager-engine/internal/pricing"
	"github.com/gamblescope/wager-engine/internal/proposition"
	"github.com/gamblescope/wager-engine/internal/store"
)

// Settle reveals the outcome of an open market and pays the winners.
//
// The revealed value is compared with the threshold (a tie goes to
// BELOW). Each winning wager is credited its stake plus a share of the
// losing pool proportional to its stake; losers get nothing further. The
// credits, the status change and the stored result are one commit, so a
// market pays out at most once.
//
// requestedBy must be a privileged account or the market's owner.
func (r *Registry) Settle(ctx context.Context, marketID string, revealedValue decimal.Decimal, requestedBy string) (*model.SettlementResult, error) {
	var res *model.SettlementResult
	var snap model.MarketSnapshot

	err := r.withMarketLock(ctx, marketID, func(ctx context.Context) error {
		m, err := r.fresh.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if err := r.canSettle(ctx, m, requestedBy); err != nil {
			return err
		}
		if err := proposition.ValidateScore(revealedValue); err != nil {
			return fmt.Errorf("%w: revealed value must be between 0 and 100, got %s", model.ErrValidation, revealedValue)
		}
		if m.Status != model.StatusOpen {
			return fmt.Errorf("%w: market %s is %s", model.ErrInvalidState, m.ID, m.Status)
		}

		winning := pricing.WinningSide(m.Threshold, revealedValue)
		dist := pricing.Distribute(m.Wagers, winning)

		deltas := make([]store.BalanceDelta, 0, len(dist.Payouts))
		for _, p := range dist.Payouts {
			dl, err := ledger.Payout(p.AccountID, p.TotalCredited)
			if err != nil {
				return err
			}
			deltas = append(deltas, dl)
		}

		now := r.now()
		revealed := revealedValue
		next := m.Clone()
		next.Status = model.StatusSettled
		next.RevealedValue = &revealed
		next.WinningSide = winning
		next.Payouts = dist.Payouts
		next.SettledAt = &now
		next.Version = m.Version + 1

		if err := r.commit(ctx, next, m.Version, deltas); err != nil {
			return err
		}

		res = &model.SettlementResult{
			MarketID:      m.ID,
			RevealedValue: revealedValue,
			WinningSide:   winning,
			WinningTotal:  dist.WinningTotal,
			LosingTotal:   dist.LosingTotal,
			Payouts:       dist.Payouts,
			Unallocated:   dist.Unallocated,
			SettledAt:     now,
		}
		snap = next.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}

	credited := decimal.Zero
	for _, p := range res.Payouts {
		credited = credited.Add(p.TotalCredited)
	}
	creditedF, _ := credited.Float64()
	metrics.SettlementsTotal.WithLabelValues(string(res.WinningSide)).Inc()
	metrics.PayoutVolume.Add(creditedF)
	metrics.ActiveMarkets.Dec()

	r.logger.Info("market settled",
		"market", marketID,
		"by", requestedBy,
		"revealed", revealedValue.String(),
		"winning_side", res.WinningSide,
		"winners", len(res.Payouts),
		"credited", credited.String(),
		"unallocated", res.Unallocated.String(),
	)
	r.publish(events.Event{
		Kind:       events.MarketSettled,
		MarketID:   marketID,
		AccountID:  requestedBy,
		Market:     &snap,
		Settlement: res,
	})
	return res, nil
}

func (r *Registry) canSettle(ctx context.Context, m *model.Market, actorID string) error {
	if actorID != "" && actorID == m.OwnerAccountID {
		return nil
	}
	if err := r.requirePrivileged(ctx, actorID); err != nil {
		return fmt.Errorf("settle %s: only the owner or an admin may reveal: %w", m.ID, err)
	}
	return nil
}
