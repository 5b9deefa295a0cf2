// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types defines the data model of the perpetual trading engine:
// listed assets, open positions, pending limit orders, the closed-trade
// log, and the bucket-index entry shared by the three bucket families.
package types

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
)

// BucketKind selects one of the three logical bucket-index families.
type BucketKind uint8

const (
	// BucketSLTP indexes Open positions by their stop-loss/take-profit
	// trigger price.
	BucketSLTP BucketKind = iota
	// BucketLimit indexes pending Orders by their limit fill price.
	BucketLimit
	// BucketLiq indexes Open positions by their liquidation price.
	BucketLiq
)

func (k BucketKind) String() string {
	switch k {
	case BucketSLTP:
		return "SLTP"
	case BucketLimit:
		return "LIMIT"
	case BucketLiq:
		return "LIQ"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether k is one of the three defined bucket kinds.
func (k BucketKind) Valid() bool {
	return k == BucketSLTP || k == BucketLimit || k == BucketLiq
}

// TargetKind selects which of a position's two optional triggers
// UpdateTarget is repositioning.
type TargetKind uint8

const (
	TargetStopLoss TargetKind = iota
	TargetTakeProfit
)

// AssetType partitions listed assets into market-open classes. A single
// "market closed" flag per class lets the admin halt an entire class (e.g.
// equities) without touching the others (e.g. crypto).
type AssetType uint8

const (
	AssetTypeCrypto AssetType = iota
	AssetTypeForex
	AssetTypeEquity
	AssetTypeCommodity
)

// AssetInfo is the configuration of a tradable pair, recorded at listing.
// FundingRate and Spread change through SetFundingRate/SetSpread, and
// listing the same index again replaces the record. bucket_size is the
// price-quantization granule used to derive every BucketEntry's bucket id
// for that asset.
type AssetInfo struct {
	AssetIndex  uint64
	BucketSize  *uint256.Int
	AssetType   AssetType
	FundingRate *uint256.Int // basis points, view-only (see DESIGN.md)
	Spread      *uint256.Int // basis points, view-only (see DESIGN.md)
}

// BucketID returns price / bucket_size (integer division), the canonical
// bucket identifier for a given price under this asset's granule.
func (a *AssetInfo) BucketID(price *uint256.Int) uint64 {
	if a.BucketSize == nil || a.BucketSize.IsZero() {
		return 0
	}
	q := new(uint256.Int).Div(price, a.BucketSize)
	return q.Uint64()
}

// Open is a live leveraged position. size_usd is the margin deposited in
// unit-token minor units, not notional exposure; notional = size_usd *
// leverage.
type Open struct {
	ID               uint64
	Trader           common.Address
	AssetIndex       uint64
	IsLong           bool
	Leverage         uint8
	OpenPrice        *uint256.Int
	SizeUSD          *uint256.Int
	Timestamp        int64
	SLBucketID       uint64
	TPBucketID       uint64
	LiqBucketID      uint64
	StopLossPrice    *uint256.Int // zero means "not set"
	TakeProfitPrice  *uint256.Int // zero means "not set"
	LiquidationPrice *uint256.Int
}

// Live reports whether the position still has margin posted. A zero
// SizeUSD is the engine-wide convention for "already finalized."
func (o *Open) Live() bool {
	return o != nil && o.SizeUSD != nil && o.SizeUSD.Sign() > 0
}

// HasStopLoss reports whether a non-zero stop-loss is registered.
func (o *Open) HasStopLoss() bool {
	return o.StopLossPrice != nil && o.StopLossPrice.Sign() > 0
}

// HasTakeProfit reports whether a non-zero take-profit is registered.
func (o *Open) HasTakeProfit() bool {
	return o.TakeProfitPrice != nil && o.TakeProfitPrice.Sign() > 0
}

// Order is a pending limit order awaiting executor fill at near-price.
type Order struct {
	ID            uint64
	Trader        common.Address
	AssetIndex    uint64
	IsLong        bool
	Leverage      uint8
	OrderPrice    *uint256.Int
	SizeUSD       *uint256.Int
	Timestamp     int64
	StopLoss      *uint256.Int
	TakeProfit    *uint256.Int
	LimitBucketID uint64
}

// Live reports whether the order still has margin posted.
func (o *Order) Live() bool {
	return o != nil && o.SizeUSD != nil && o.SizeUSD.Sign() > 0
}

// HasStopLoss reports whether a non-zero stop-loss was requested.
func (o *Order) HasStopLoss() bool {
	return o.StopLoss != nil && o.StopLoss.Sign() > 0
}

// HasTakeProfit reports whether a non-zero take-profit was requested.
func (o *Order) HasTakeProfit() bool {
	return o.TakeProfit != nil && o.TakeProfit.Sign() > 0
}

// Closed is an immutable append-only record of a finished trade, written
// once per trader on close, SL/TP touch, or liquidation.
type Closed struct {
	AssetIndex uint64
	IsLong     bool
	Leverage   uint8
	OpenPrice  *uint256.Int
	ClosePrice *uint256.Int
	SizeUSD    *uint256.Int
	OpenTS     int64
	CloseTS    int64
	PnL        *big.Int
}

// BucketEntry is the tuple stored in a bucket: the owning entity's id and
// the price that triggers it.
type BucketEntry struct {
	ID          uint64
	TargetPrice *uint256.Int
}
