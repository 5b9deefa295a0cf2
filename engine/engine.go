// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package engine validates trader intents, computes liquidation price and
// PnL, drives the Order → Open → Closed state machine, and applies each
// call's Storage and Vault effects while holding one engine lock. A call
// that fails part-way returns the error without undoing the Storage or
// Vault effects it already applied. It is the only component permitted to
// call Storage writes and Vault settlement.
package engine

import (
	"math/big"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/perpcore/metrics"
	"github.com/luxfi/perpcore/oracle"
	"github.com/luxfi/perpcore/storage"
	"github.com/luxfi/perpcore/types"
	"github.com/luxfi/perpcore/vault"
)

// minSizeUSD is the minimum margin a position or order may post: 10 units
// at the unit token's six-decimal scale (spec §4.D).
var minSizeUSD = uint256.NewInt(10_000_000)

const (
	minLeverage = 1
	maxLeverage = 100
	maxTolerance = 100
)

// Engine is the single mutation authority over Storage and Vault. A coarse
// mutex serializes every top-level call, which both implements the
// single-threaded concurrency target of spec §5 and makes the exact
// effect ordering inside each operation safe regardless of callback
// re-entrancy from the Vault adapter.
type Engine struct {
	mu sync.Mutex

	store  *storage.Store
	vault  vault.Adapter
	oracle oracle.Adapter
	log    log.Logger
	metrics *metrics.Collector

	self      common.Address // principal the engine presents to Storage/Vault
	admin     common.Address
	executors map[common.Address]bool
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default test logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithMetrics overrides the default no-scrape metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithExecutors seeds the set of addresses authorized to call executor-only
// operations (set_funding_rate, set_spread, set_tolerance, the three
// sweeps).
func WithExecutors(addrs ...common.Address) Option {
	return func(e *Engine) {
		for _, a := range addrs {
			e.executors[a] = true
		}
	}
}

// New constructs an Engine. self is the principal the engine presents to
// store and vaultAdapter when calling their mutating methods — it must
// match the core address store was constructed with. admin is the sole
// address authorized for set_market_open and list_asset.
func New(self, admin common.Address, store *storage.Store, vaultAdapter vault.Adapter, oracleAdapter oracle.Adapter, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		vault:     vaultAdapter,
		oracle:    oracleAdapter,
		log:       log.NewTestLogger(log.InfoLevel),
		metrics:   metrics.Noop(),
		self:      self,
		admin:     admin,
		executors: make(map[common.Address]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) isAdmin(caller common.Address) bool {
	return caller == e.admin
}

func (e *Engine) isExecutor(caller common.Address) bool {
	return caller == e.admin || e.executors[caller]
}

// --- Admin / executor surface -------------------------------------------

// ListAsset registers idx as tradable. Admin-only.
func (e *Engine) ListAsset(caller common.Address, idx uint64, bucketSize *uint256.Int, assetType types.AssetType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isAdmin(caller) {
		return types.ErrNotAuthorized
	}
	return e.store.ListAsset(e.self, idx, bucketSize, assetType)
}

// SetMarketOpen toggles trading for an asset class. Admin-only.
func (e *Engine) SetMarketOpen(caller common.Address, assetType types.AssetType, open bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isAdmin(caller) {
		return types.ErrNotAuthorized
	}
	return e.store.SetMarketOpen(e.self, assetType, open)
}

// SetFundingRate stores a view-only funding rate (spec §9 — funding is
// stored but never accrued by the core). Executor-only.
func (e *Engine) SetFundingRate(caller common.Address, idx uint64, rate *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isExecutor(caller) {
		return types.ErrNotAuthorized
	}
	if rate.Cmp(uint256.NewInt(1000)) > 0 {
		return types.ErrInvalidSLTP
	}
	return e.store.SetFundingRate(e.self, idx, rate)
}

// SetSpread stores a view-only spread. Executor-only.
func (e *Engine) SetSpread(caller common.Address, idx uint64, spread *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isExecutor(caller) {
		return types.ErrNotAuthorized
	}
	if spread.Cmp(uint256.NewInt(1000)) > 0 {
		return types.ErrInvalidSLTP
	}
	return e.store.SetSpread(e.self, idx, spread)
}

// SetTolerance sets the sweep's basis-point-of-basis-point tolerance,
// capped at 100 (1%). Executor-only.
func (e *Engine) SetTolerance(caller common.Address, v uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isExecutor(caller) {
		return types.ErrNotAuthorized
	}
	if v > maxTolerance {
		return types.ErrToleranceTooHigh
	}
	return e.store.SetTolerance(e.self, v)
}

// --- Shared preconditions -------------------------------------------------

func (e *Engine) checkAssetTradable(assetIdx uint64) (types.AssetInfo, error) {
	asset, ok := e.store.GetAsset(assetIdx)
	if !ok {
		return types.AssetInfo{}, types.ErrAssetNotListed
	}
	if !e.store.IsMarketOpen(asset.AssetType) {
		return types.AssetInfo{}, types.ErrMarketClosed
	}
	return asset, nil
}

func checkLeverage(lev uint8) error {
	if lev < minLeverage || lev > maxLeverage {
		return types.ErrInvalidLeverage
	}
	return nil
}

func checkSize(size *uint256.Int) error {
	if size == nil || size.Cmp(minSizeUSD) < 0 {
		return types.ErrMinSize
	}
	return nil
}

// validateOpenSLTP enforces the per-side SL/TP geometry at open time
// (spec §4.D): long positions require sl in [liq, price] and tp > price;
// short positions require sl in [price, liq] and tp < price. A zero value
// means "not set" and skips its own check.
func validateOpenSLTP(isLong bool, price, liq, sl, tp *uint256.Int) error {
	if sl != nil && sl.Sign() > 0 {
		if isLong {
			if sl.Cmp(liq) < 0 || sl.Cmp(price) > 0 {
				return types.ErrInvalidSLTP
			}
		} else {
			if sl.Cmp(price) < 0 || sl.Cmp(liq) > 0 {
				return types.ErrInvalidSLTP
			}
		}
	}
	if tp != nil && tp.Sign() > 0 {
		if isLong {
			if tp.Cmp(price) <= 0 {
				return types.ErrInvalidSLTP
			}
		} else {
			if tp.Cmp(price) >= 0 {
				return types.ErrInvalidSLTP
			}
		}
	}
	return nil
}

// validateOrderSLTP enforces the geometric constraint for a pending limit
// order when both SL and TP are given (spec §4.D): long requires
// sl < order_price < tp; short requires tp < order_price < sl.
func validateOrderSLTP(isLong bool, orderPrice, sl, tp *uint256.Int) error {
	hasSL := sl != nil && sl.Sign() > 0
	hasTP := tp != nil && tp.Sign() > 0
	if !hasSL || !hasTP {
		return nil
	}
	if isLong {
		if !(sl.Cmp(orderPrice) < 0 && orderPrice.Cmp(tp) < 0) {
			return types.ErrInvalidSLTP
		}
	} else {
		if !(tp.Cmp(orderPrice) < 0 && orderPrice.Cmp(sl) < 0) {
			return types.ErrInvalidSLTP
		}
	}
	return nil
}

func sideLabel(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}

// --- Trader-facing operations --------------------------------------------

// OpenPosition implements open_position (spec §4.D). Checks-effects-
// interactions: every precondition that can fail — asset/leverage/size
// bounds, proof verification, price lookup, SL/TP validation — is resolved
// before vault.DepositMargin runs, the same discipline PlaceOrder already
// follows. Failing any of them leaves vault state untouched (spec §7).
func (e *Engine) OpenPosition(trader common.Address, assetIdx uint64, proof []byte, isLong bool, lev uint8, sizeUSD, slPrice, tpPrice *uint256.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	asset, err := e.checkAssetTradable(assetIdx)
	if err != nil {
		return 0, err
	}
	if err := checkLeverage(lev); err != nil {
		return 0, err
	}
	if err := checkSize(sizeUSD); err != nil {
		return 0, err
	}

	assertions, err := e.oracle.Verify(proof)
	if err != nil {
		return 0, err
	}
	price, err := oracle.FindPrice(assertions, assetIdx)
	if err != nil {
		return 0, err
	}

	liq := liquidationPrice(price, lev, isLong)

	if err := validateOpenSLTP(isLong, price, liq, slPrice, tpPrice); err != nil {
		return 0, err
	}

	if err := e.vault.DepositMargin(trader, sizeUSD); err != nil {
		return 0, types.ErrTransferFailed
	}

	liqBucket := asset.BucketID(liq)
	var slBucket, tpBucket uint64
	hasSL := slPrice != nil && slPrice.Sign() > 0
	hasTP := tpPrice != nil && tpPrice.Sign() > 0
	if hasSL {
		slBucket = asset.BucketID(slPrice)
	}
	if hasTP {
		tpBucket = asset.BucketID(tpPrice)
	}

	open := types.Open{
		Trader:           trader,
		AssetIndex:       assetIdx,
		IsLong:           isLong,
		Leverage:         lev,
		OpenPrice:        new(uint256.Int).Set(price),
		SizeUSD:          new(uint256.Int).Set(sizeUSD),
		Timestamp:        time.Now().Unix(),
		SLBucketID:       slBucket,
		TPBucketID:       tpBucket,
		LiqBucketID:      liqBucket,
		LiquidationPrice: liq,
	}
	if hasSL {
		open.StopLossPrice = new(uint256.Int).Set(slPrice)
	} else {
		open.StopLossPrice = uint256.NewInt(0)
	}
	if hasTP {
		open.TakeProfitPrice = new(uint256.Int).Set(tpPrice)
	} else {
		open.TakeProfitPrice = uint256.NewInt(0)
	}

	id, err := e.store.StoreOpen(e.self, open)
	if err != nil {
		return 0, err
	}

	if err := e.store.AddToBucket(e.self, types.BucketLiq, assetIdx, liqBucket, id, liq); err != nil {
		return 0, err
	}
	if hasSL {
		if err := e.store.AddToBucket(e.self, types.BucketSLTP, assetIdx, slBucket, id, slPrice); err != nil {
			return 0, err
		}
	}
	if hasTP {
		if err := e.store.AddToBucket(e.self, types.BucketSLTP, assetIdx, tpBucket, id, tpPrice); err != nil {
			return 0, err
		}
	}

	e.metrics.OpensTotal.WithLabelValues(sideLabel(isLong)).Inc()
	e.log.Info("position opened", "id", id, "trader", trader, "asset", assetIdx, "long", isLong, "lev", lev)
	return id, nil
}

// ClosePosition implements close_position (spec §4.D). Only the recorded
// trader may close.
func (e *Engine) ClosePosition(caller common.Address, openID uint64, proof []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.store.GetOpenByID(openID)
	if !o.Live() {
		if o.ID == 0 {
			return types.ErrPositionNotFound
		}
		return types.ErrPositionAlreadyClosed
	}
	if caller != o.Trader {
		return types.ErrNotPositionOwner
	}

	assertions, err := e.oracle.Verify(proof)
	if err != nil {
		return err
	}
	closePrice, err := oracle.FindPrice(assertions, o.AssetIndex)
	if err != nil {
		return err
	}

	signedPnl := pnl(o.OpenPrice, closePrice, o.SizeUSD, o.Leverage, o.IsLong)
	margin := closeMargin(o.SizeUSD, signedPnl)

	if err := e.finalizeOpen(&o, closePrice, margin, signedPnl); err != nil {
		return err
	}
	e.metrics.ClosesTotal.WithLabelValues("trader").Inc()
	return nil
}

// finalizeOpen performs the shared close/SL-TP/liquidation tail: settle
// the vault, remove every bucket membership, erase the Open, and append a
// Closed record. Callers have already computed closePrice/margin/signedPnl
// appropriately for their finalization reason.
func (e *Engine) finalizeOpen(o *types.Open, closePrice, margin *uint256.Int, signedPnl *big.Int) error {
	if err := e.vault.SettleMargin(o.Trader, o.SizeUSD, margin); err != nil {
		return types.ErrTransferFailed
	}

	if err := e.store.RemoveFromBucket(e.self, types.BucketLiq, o.AssetIndex, o.LiqBucketID, o.ID); err != nil {
		return err
	}
	if o.HasStopLoss() {
		if err := e.store.RemoveFromBucket(e.self, types.BucketSLTP, o.AssetIndex, o.SLBucketID, o.ID); err != nil {
			return err
		}
	}
	if o.HasTakeProfit() {
		if err := e.store.RemoveFromBucket(e.self, types.BucketSLTP, o.AssetIndex, o.TPBucketID, o.ID); err != nil {
			return err
		}
	}

	if err := e.store.RemoveOpen(e.self, o.Trader, o.ID); err != nil {
		return err
	}

	closed := types.Closed{
		AssetIndex: o.AssetIndex,
		IsLong:     o.IsLong,
		Leverage:   o.Leverage,
		OpenPrice:  o.OpenPrice,
		ClosePrice: closePrice,
		SizeUSD:    o.SizeUSD,
		OpenTS:     o.Timestamp,
		CloseTS:    time.Now().Unix(),
		PnL:        signedPnl,
	}
	return e.store.AppendClosed(e.self, o.Trader, closed)
}

// PlaceOrder implements place_order (spec §4.D). No oracle price is
// consulted at placement.
func (e *Engine) PlaceOrder(trader common.Address, assetIdx uint64, isLong bool, lev uint8, orderPrice, sizeUSD, sl, tp *uint256.Int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	asset, err := e.checkAssetTradable(assetIdx)
	if err != nil {
		return 0, err
	}
	if err := checkLeverage(lev); err != nil {
		return 0, err
	}
	if err := checkSize(sizeUSD); err != nil {
		return 0, err
	}
	if err := validateOrderSLTP(isLong, orderPrice, sl, tp); err != nil {
		return 0, err
	}

	if err := e.vault.DepositMargin(trader, sizeUSD); err != nil {
		return 0, types.ErrTransferFailed
	}

	bucket := asset.BucketID(orderPrice)
	order := types.Order{
		Trader:        trader,
		AssetIndex:    assetIdx,
		IsLong:        isLong,
		Leverage:      lev,
		OrderPrice:    new(uint256.Int).Set(orderPrice),
		SizeUSD:       new(uint256.Int).Set(sizeUSD),
		Timestamp:     time.Now().Unix(),
		LimitBucketID: bucket,
	}
	if sl != nil && sl.Sign() > 0 {
		order.StopLoss = new(uint256.Int).Set(sl)
	} else {
		order.StopLoss = uint256.NewInt(0)
	}
	if tp != nil && tp.Sign() > 0 {
		order.TakeProfit = new(uint256.Int).Set(tp)
	} else {
		order.TakeProfit = uint256.NewInt(0)
	}

	id, err := e.store.StoreOrder(e.self, order)
	if err != nil {
		return 0, err
	}
	if err := e.store.AddToBucket(e.self, types.BucketLimit, assetIdx, bucket, id, orderPrice); err != nil {
		return 0, err
	}

	e.metrics.OrdersPlaced.Inc()
	e.log.Info("order placed", "id", id, "trader", trader, "asset", assetIdx)
	return id, nil
}

// CancelOrder implements cancel_order (spec §4.D). Only the order's
// original trader may cancel — authorization is by o.Trader, the
// cryptographically authenticated caller identity, not by any forwarded
// ambient-call heuristic (spec §9 "cancel_order authorization").
func (e *Engine) CancelOrder(caller common.Address, orderID uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.store.GetOrderByID(orderID)
	if !o.Live() {
		return types.ErrPositionNotFound
	}
	if caller != o.Trader {
		return types.ErrNotPositionOwner
	}

	if err := e.vault.SettleMargin(o.Trader, o.SizeUSD, o.SizeUSD); err != nil {
		return types.ErrTransferFailed
	}
	if err := e.store.RemoveFromBucket(e.self, types.BucketLimit, o.AssetIndex, o.LimitBucketID, o.ID); err != nil {
		return err
	}
	if err := e.store.RemoveOrder(e.self, o.Trader, o.ID); err != nil {
		return err
	}

	e.metrics.OrdersCancelled.Inc()
	e.log.Info("order cancelled", "id", orderID, "trader", caller)
	return nil
}

// UpdateTarget implements update_target (spec §4.D): the trader moves
// their SL or TP, subject to the same per-side geometry open_position
// enforces.
func (e *Engine) UpdateTarget(caller common.Address, openID uint64, kind types.TargetKind, newPrice *uint256.Int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.store.GetOpenByID(openID)
	if !o.Live() {
		return types.ErrPositionNotFound
	}
	if caller != o.Trader {
		return types.ErrNotPositionOwner
	}
	if kind != types.TargetStopLoss && kind != types.TargetTakeProfit {
		return types.ErrInvalidTargetType
	}

	asset, ok := e.store.GetAsset(o.AssetIndex)
	if !ok {
		return types.ErrAssetNotListed
	}

	sl, tp := o.StopLossPrice, o.TakeProfitPrice
	if kind == types.TargetStopLoss {
		sl = newPrice
	} else {
		tp = newPrice
	}
	if err := validateOpenSLTP(o.IsLong, o.OpenPrice, o.LiquidationPrice, sl, tp); err != nil {
		return err
	}

	newBucket := asset.BucketID(newPrice)
	return e.store.UpdatePositionTarget(e.self, openID, kind, newBucket, newPrice)
}

// BalanceOf exposes the trader's current vault balance as a read view.
func (e *Engine) BalanceOf(trader common.Address) *uint256.Int {
	return e.vault.BalanceOf(trader)
}
