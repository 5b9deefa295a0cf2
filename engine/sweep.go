// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/perpcore/types"
)

// sweepKind names one of the three executor sweep variants for metrics
// labeling and log messages.
type sweepKind string

const (
	sweepOrders sweepKind = "orders"
	sweepSLTP   sweepKind = "sltp"
	sweepLiq    sweepKind = "liq"
)

// neighbourhood returns the three buckets {b-1, b, b+1} to scan for a
// given price's quantized bucket b (spec §4.E). The ±1 window is mandatory
// — an entry whose target sits just across a bucket boundary from price
// would otherwise be missed.
func neighbourhood(b uint64) []uint64 {
	if b == 0 {
		return []uint64{0, 1}
	}
	return []uint64{b - 1, b, b + 1}
}

// ExecuteOrders implements execute_orders (spec §4.E): scans the LIMIT
// buckets in the ±1 neighbourhood of each asserted price and promotes
// every triggered, still-live order into an Open at its own order_price
// (not the oracle price).
func (e *Engine) ExecuteOrders(caller common.Address, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isExecutor(caller) {
		return types.ErrNotAuthorized
	}

	start := time.Now()
	defer func() { e.metrics.SweepDuration.WithLabelValues(string(sweepOrders)).Observe(time.Since(start).Seconds()) }()

	assertions, err := e.oracle.Verify(proof)
	if err != nil {
		return err
	}

	tolerance := e.store.Tolerance()
	for _, a := range assertions {
		asset, ok := e.store.GetAsset(a.PairID)
		if !ok || a.Price == nil || a.Price.IsZero() {
			continue
		}
		b := asset.BucketID(a.Price)
		for _, nb := range neighbourhood(b) {
			entries := e.store.GetBucket(types.BucketLimit, a.PairID, nb)
			e.metrics.SweepEntriesSeen.WithLabelValues(string(sweepOrders)).Add(float64(len(entries)))
			for _, entry := range entries {
				if !tolerancePredicate(a.Price, entry.TargetPrice, tolerance) {
					continue
				}
				o := e.store.GetOrderByID(entry.ID)
				if !o.Live() {
					continue
				}
				if err := e.promoteOrder(&o, asset); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// promoteOrder fills a triggered order into a live Open at its own
// order_price, then tears the order down.
func (e *Engine) promoteOrder(o *types.Order, asset types.AssetInfo) error {
	liq := liquidationPrice(o.OrderPrice, o.Leverage, o.IsLong)

	liqBucket := asset.BucketID(liq)
	var slBucket, tpBucket uint64
	hasSL := o.HasStopLoss()
	hasTP := o.HasTakeProfit()
	if hasSL {
		slBucket = asset.BucketID(o.StopLoss)
	}
	if hasTP {
		tpBucket = asset.BucketID(o.TakeProfit)
	}

	open := types.Open{
		Trader:           o.Trader,
		AssetIndex:       o.AssetIndex,
		IsLong:           o.IsLong,
		Leverage:         o.Leverage,
		OpenPrice:        new(uint256.Int).Set(o.OrderPrice),
		SizeUSD:          new(uint256.Int).Set(o.SizeUSD),
		Timestamp:        time.Now().Unix(),
		SLBucketID:       slBucket,
		TPBucketID:       tpBucket,
		LiqBucketID:      liqBucket,
		LiquidationPrice: liq,
		StopLossPrice:    uint256.NewInt(0),
		TakeProfitPrice:  uint256.NewInt(0),
	}
	if hasSL {
		open.StopLossPrice = new(uint256.Int).Set(o.StopLoss)
	}
	if hasTP {
		open.TakeProfitPrice = new(uint256.Int).Set(o.TakeProfit)
	}

	id, err := e.store.StoreOpen(e.self, open)
	if err != nil {
		return err
	}
	if err := e.store.AddToBucket(e.self, types.BucketLiq, o.AssetIndex, liqBucket, id, liq); err != nil {
		return err
	}
	if hasSL {
		if err := e.store.AddToBucket(e.self, types.BucketSLTP, o.AssetIndex, slBucket, id, o.StopLoss); err != nil {
			return err
		}
	}
	if hasTP {
		if err := e.store.AddToBucket(e.self, types.BucketSLTP, o.AssetIndex, tpBucket, id, o.TakeProfit); err != nil {
			return err
		}
	}

	if err := e.store.RemoveFromBucket(e.self, types.BucketLimit, o.AssetIndex, o.LimitBucketID, o.ID); err != nil {
		return err
	}
	if err := e.store.RemoveOrder(e.self, o.Trader, o.ID); err != nil {
		return err
	}

	e.metrics.OrdersFilled.Inc()
	e.log.Info("order filled", "order", o.ID, "open", id, "trader", o.Trader)
	return nil
}

// CloseAllOnTargets implements close_all_on_targets (spec §4.E): scans
// the SLTP buckets in the ±1 neighbourhood of each asserted price and
// finalizes every triggered, still-live position at the oracle price.
func (e *Engine) CloseAllOnTargets(caller common.Address, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isExecutor(caller) {
		return types.ErrNotAuthorized
	}

	start := time.Now()
	defer func() { e.metrics.SweepDuration.WithLabelValues(string(sweepSLTP)).Observe(time.Since(start).Seconds()) }()

	assertions, err := e.oracle.Verify(proof)
	if err != nil {
		return err
	}

	tolerance := e.store.Tolerance()
	for _, a := range assertions {
		asset, ok := e.store.GetAsset(a.PairID)
		if !ok || a.Price == nil || a.Price.IsZero() {
			continue
		}
		b := asset.BucketID(a.Price)
		for _, nb := range neighbourhood(b) {
			entries := e.store.GetBucket(types.BucketSLTP, a.PairID, nb)
			e.metrics.SweepEntriesSeen.WithLabelValues(string(sweepSLTP)).Add(float64(len(entries)))
			for _, entry := range entries {
				if !tolerancePredicate(a.Price, entry.TargetPrice, tolerance) {
					continue
				}
				o := e.store.GetOpenByID(entry.ID)
				if !o.Live() {
					continue
				}
				// op.Trader is used as the authoritative trader for
				// settlement and the Closed record (spec §9 "Finalizer
				// trader attribution" bug-fix), never an ambient caller.
				signedPnl := pnl(o.OpenPrice, a.Price, o.SizeUSD, o.Leverage, o.IsLong)
				margin := closeMargin(o.SizeUSD, signedPnl)
				if err := e.finalizeOpen(&o, a.Price, margin, signedPnl); err != nil {
					return err
				}
				e.metrics.ClosesTotal.WithLabelValues(reasonFor(entry, o)).Inc()
			}
		}
	}
	return nil
}

// reasonFor labels a target-triggered close as stop_loss or take_profit
// depending on which of the position's two registered prices matches the
// triggering bucket entry.
func reasonFor(entry types.BucketEntry, o types.Open) string {
	if o.HasStopLoss() && entry.TargetPrice.Cmp(o.StopLossPrice) == 0 {
		return "stop_loss"
	}
	if o.HasTakeProfit() && entry.TargetPrice.Cmp(o.TakeProfitPrice) == 0 {
		return "take_profit"
	}
	return "target"
}

// LiquidatePositions implements liquidate_positions (spec §4.E): scans
// the LIQ buckets in the ±1 neighbourhood of each asserted price and
// liquidates every triggered, still-live position as a total loss of
// margin.
func (e *Engine) LiquidatePositions(caller common.Address, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isExecutor(caller) {
		return types.ErrNotAuthorized
	}

	start := time.Now()
	defer func() { e.metrics.SweepDuration.WithLabelValues(string(sweepLiq)).Observe(time.Since(start).Seconds()) }()

	assertions, err := e.oracle.Verify(proof)
	if err != nil {
		return err
	}

	tolerance := e.store.Tolerance()
	for _, a := range assertions {
		asset, ok := e.store.GetAsset(a.PairID)
		if !ok || a.Price == nil || a.Price.IsZero() {
			continue
		}
		b := asset.BucketID(a.Price)
		for _, nb := range neighbourhood(b) {
			entries := e.store.GetBucket(types.BucketLiq, a.PairID, nb)
			e.metrics.SweepEntriesSeen.WithLabelValues(string(sweepLiq)).Add(float64(len(entries)))
			for _, entry := range entries {
				if !tolerancePredicate(a.Price, entry.TargetPrice, tolerance) {
					continue
				}
				o := e.store.GetOpenByID(entry.ID)
				if !o.Live() {
					continue
				}
				zero := uint256.NewInt(0)
				signedPnl := negativeSizeUSD(o.SizeUSD)
				if err := e.finalizeOpen(&o, a.Price, zero, signedPnl); err != nil {
					return err
				}
				e.metrics.LiquidationsTotal.Inc()
			}
		}
	}
	return nil
}
