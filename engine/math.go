// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"math/big"

	"github.com/holiman/uint256"
)

// liquidationPrice computes the price at which a leveraged position's loss
// consumes its margin (spec §3 invariant 6): for a long,
// open_price * lev / (lev + 1); for a short, open_price * (lev + 1) / lev.
// Computed once at open and never recomputed.
func liquidationPrice(openPrice *uint256.Int, leverage uint8, isLong bool) *uint256.Int {
	lev := uint256.NewInt(uint64(leverage))
	one := uint256.NewInt(1)
	if isLong {
		num := new(uint256.Int).Mul(openPrice, lev)
		den := new(uint256.Int).Add(lev, one)
		return new(uint256.Int).Div(num, den)
	}
	num := new(uint256.Int).Mul(openPrice, new(uint256.Int).Add(lev, one))
	return new(uint256.Int).Div(num, lev)
}

// pnl computes the signed profit/loss of a position between openPrice and
// closePrice (spec §4.D). PnL arithmetic is carried out in *big.Int to
// avoid any risk of 256-bit overflow on Δprice * size * leverage, per the
// integer-range guidance in spec §9.
func pnl(openPrice, closePrice, sizeUSD *uint256.Int, leverage uint8, isLong bool) *big.Int {
	open := openPrice.ToBig()
	close := closePrice.ToBig()
	size := sizeUSD.ToBig()
	lev := big.NewInt(int64(leverage))

	var delta *big.Int
	if isLong {
		delta = new(big.Int).Sub(close, open)
	} else {
		delta = new(big.Int).Sub(open, close)
	}

	num := new(big.Int).Mul(delta, size)
	num.Mul(num, lev)
	return num.Div(num, open)
}

// closeMargin derives the collateral returned to the trader on close from
// the signed pnl (spec §4.D): size_usd + pnl when pnl ≥ 0, or size_usd −
// |pnl| clamped to zero on underflow (a total loss never returns a
// negative amount).
func closeMargin(sizeUSD *uint256.Int, signedPnl *big.Int) *uint256.Int {
	size := sizeUSD.ToBig()
	result := new(big.Int).Add(size, signedPnl)
	if result.Sign() < 0 {
		result.SetInt64(0)
	}
	out, overflow := uint256.FromBig(result)
	if overflow {
		// size_usd + pnl can exceed 256 bits only for an extreme profit;
		// treat it as the max representable value.
		return new(uint256.Int).SetAllOne()
	}
	return out
}

// tolerancePredicate reports whether diff*10_000 ≤ price*tolerance, the
// sweep's trigger condition (spec §4.E). tolerance is expressed in basis-
// point-of-basis-point units (default 10, capped at 100).
func tolerancePredicate(price, target *uint256.Int, tolerance uint64) bool {
	diff := absDiff(price, target)
	lhs, lhsOverflow := new(uint256.Int).MulOverflow(diff, uint256.NewInt(10_000))
	rhs, rhsOverflow := new(uint256.Int).MulOverflow(price, uint256.NewInt(tolerance))
	if lhsOverflow || rhsOverflow {
		return false
	}
	return lhs.Cmp(rhs) <= 0
}

// negativeSizeUSD returns -size_usd as a signed PnL, the liquidation case's
// Closed.pnl (spec §4.E): the trader's entire margin is lost.
func negativeSizeUSD(sizeUSD *uint256.Int) *big.Int {
	return new(big.Int).Neg(sizeUSD.ToBig())
}

func absDiff(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) >= 0 {
		return new(uint256.Int).Sub(a, b)
	}
	return new(uint256.Int).Sub(b, a)
}
