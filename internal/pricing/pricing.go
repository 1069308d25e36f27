package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// NextMinBid returns the minimum acceptable next bid for an item. Before any
// paid bid exists the ask price is the floor; afterwards the current price
// plus the room's bid-up percentage, rounded to 2 decimals. Fixed-price rooms
// use a bid-up of 0, so the ask price never moves.
func NextMinBid(askPrice, currentPrice, minBidUpPct float64) float64 {
	if currentPrice == 0 {
		return round2(decimal.NewFromFloat(askPrice))
	}
	next := decimal.NewFromFloat(currentPrice).
		Mul(decimal.NewFromFloat(1).Add(decimal.NewFromFloat(minBidUpPct).Div(decimal.NewFromInt(100))))
	return round2(next)
}

// TimeLeft returns the remaining auction time, clamped at zero. An item with
// zero time left must be treated as inactive regardless of its stored flag.
func TimeLeft(expiresAt, now time.Time) time.Duration {
	left := expiresAt.Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// SplitFee splits a winning amount into the platform fee and the seller
// payout. The fee is floored so rounding never overpays the platform.
func SplitFee(amountSat int64, feePct float64) (feeSat, payoutSat int64) {
	fee := decimal.NewFromInt(amountSat).
		Mul(decimal.NewFromFloat(feePct)).
		Div(decimal.NewFromInt(100)).
		Floor()
	feeSat = fee.IntPart()
	return feeSat, amountSat - feeSat
}

func round2(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}
