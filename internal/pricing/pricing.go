// Package pricing implements the proportional-share (pari-mutuel) payout
// rules for binary ABOVE/BELOW markets.
//
// Two formulas live here and they are deliberately different:
//   - Quote prices a proposed stake against the totals known right now,
//     with the stake added to its own side: stake / (sideTotal + stake).
//   - Distribute splits the losing pool at settlement using the final
//     winning-side total, which already contains every winning stake.
//
// A quote is an instantaneous estimate, not a locked price. Later wagers
// on the same side dilute it and later wagers on the other side grow it.
//
// All monetary values use shopspring/decimal, never float64.
// Every function is pure and depends only on side totals, never on the
// order in which wagers arrived.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/gamblescope/wager-engine/internal/model"
)

var (
	// ErrInvalidStake is returned when a stake is zero or negative.
	ErrInvalidStake = errors.New("pricing: stake must be positive")

	// ErrInvalidSide is returned for anything other than ABOVE or BELOW.
	ErrInvalidSide = errors.New("pricing: side must be ABOVE or BELOW")

	// Scale is the number of decimal places profits are truncated to.
	// Truncation never pays out more than the losing pool holds.
	Scale int32 = 8
)

// Quote is the payout a proposed wager would receive if its side won and
// no further wagers arrived.
type Quote struct {
	Side          model.Side      `json:"side"`
	Stake         decimal.Decimal `json:"stake"`
	SideTotal     decimal.Decimal `json:"side_total"`
	OppositeTotal decimal.Decimal `json:"opposite_total"`
	Profit        decimal.Decimal `json:"profit"`
	TotalIfWin    decimal.Decimal `json:"total_if_win"`
}

// QuoteWager prices stake on side given the current side totals.
// If nothing is staked on the opposite side the quoted profit is zero:
// there is no opposing pool to draw from yet.
func QuoteWager(aboveTotal, belowTotal decimal.Decimal, side model.Side, stake decimal.Decimal) (Quote, error) {
	if !side.Valid() {
		return Quote{}, ErrInvalidSide
	}
	if !stake.IsPositive() {
		return Quote{}, ErrInvalidStake
	}

	sideTotal, oppositeTotal := aboveTotal, belowTotal
	if side == model.SideBelow {
		sideTotal, oppositeTotal = belowTotal, aboveTotal
	}

	profit := decimal.Zero
	if oppositeTotal.IsPositive() {
		profit = share(stake, sideTotal.Add(stake), oppositeTotal)
	}

	return Quote{
		Side:          side,
		Stake:         stake,
		SideTotal:     sideTotal,
		OppositeTotal: oppositeTotal,
		Profit:        profit,
		TotalIfWin:    stake.Add(profit),
	}, nil
}

// WinningSide resolves a revealed value against the threshold. Only a
// value strictly greater than the threshold wins ABOVE; a tie is BELOW.
func WinningSide(threshold, revealed decimal.Decimal) model.Side {
	if revealed.GreaterThan(threshold) {
		return model.SideAbove
	}
	return model.SideBelow
}

// SettlementProfit is the profit owed to one winning stake:
// stake / winningTotal * losingTotal, or zero when either pool is empty.
func SettlementProfit(stake, winningTotal, losingTotal decimal.Decimal) decimal.Decimal {
	if !winningTotal.IsPositive() || !losingTotal.IsPositive() {
		return decimal.Zero
	}
	return share(stake, winningTotal, losingTotal)
}

// Distribution is the outcome of splitting a market's pot.
type Distribution struct {
	WinningSide  model.Side
	WinningTotal decimal.Decimal
	LosingTotal  decimal.Decimal
	Payouts      []model.Payout
	Unallocated  decimal.Decimal
}

// Distribute computes a payout for every wager on the winning side. Each
// winner gets back its stake plus its proportional share of the losing
// pool. With an empty losing pool winners get exactly their stake back.
// Losing wagers get nothing; their stakes were debited when placed.
func Distribute(wagers []model.Wager, winning model.Side) Distribution {
	winTotal, loseTotal := decimal.Zero, decimal.Zero
	for _, w := range wagers {
		if w.Side == winning {
			winTotal = winTotal.Add(w.Stake)
		} else {
			loseTotal = loseTotal.Add(w.Stake)
		}
	}

	dist := Distribution{
		WinningSide:  winning,
		WinningTotal: winTotal,
		LosingTotal:  loseTotal,
		Payouts:      []model.Payout{},
	}

	paid := decimal.Zero
	for _, w := range wagers {
		if w.Side != winning {
			continue
		}
		profit := SettlementProfit(w.Stake, winTotal, loseTotal)
		paid = paid.Add(profit)
		dist.Payouts = append(dist.Payouts, model.Payout{
			WagerID:       w.ID,
			AccountID:     w.AccountID,
			Stake:         w.Stake,
			Profit:        profit,
			TotalCredited: w.Stake.Add(profit),
		})
	}

	if winTotal.IsPositive() {
		dist.Unallocated = loseTotal.Sub(paid)
	} else {
		// Nobody backed the winning side; the losing pool stays unpaid.
		dist.Unallocated = loseTotal
	}
	return dist
}

// share computes part / whole * pool, truncated to Scale. The
// multiplication happens before the division to keep exact results
// (100/100*300 = 300) exact.
func share(part, whole, pool decimal.Decimal) decimal.Decimal {
	return part.Mul(pool).DivRound(whole, Scale+4).Truncate(Scale)
}
