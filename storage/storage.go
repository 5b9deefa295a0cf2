// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package storage owns positions, orders, closed-trade history, and the
// three bucket indices described in spec §3-§4.A. It performs no business
// validation of its own — only the structural invariants (bucket-kind
// validity, presence on remove) — and accepts mutations from a single
// principal, the Engine's address, mirroring the "core" authorization
// convention dex's manager structs (VaultManager, MarginEngine) enforce via
// their own call sites.
package storage

import (
	"sync"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	log "github.com/luxfi/log"

	"github.com/luxfi/perpcore/types"
)

type bucketKey struct {
	kind   types.BucketKind
	asset  uint64
	bucket uint64
}

// Store is the single mutation authority for the engine's persisted state
// (spec §6 "Persisted state layout"). All fields are guarded by mu.
type Store struct {
	mu sync.RWMutex

	log  log.Logger
	sink Sink

	core common.Address // the only principal allowed to call mutating methods

	nextOpenID  uint64
	nextOrderID uint64

	opens  map[uint64]*types.Open
	orders map[uint64]*types.Order

	userOpenIDs  map[common.Address][]uint64
	userOrderIDs map[common.Address][]uint64
	userCloseds  map[common.Address][]types.Closed

	buckets map[bucketKey][]types.BucketEntry

	assets        map[uint64]types.AssetInfo
	isAssetListed map[uint64]bool
	marketOpen    map[types.AssetType]bool

	priceTolerance uint64 // basis-point-of-basis-point, default 10, capped 100
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default test logger.
func WithLogger(l log.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithSink overrides the default no-op event sink.
func WithSink(sink Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// New creates a Store whose mutating methods accept calls only from core
// (the Engine's address).
func New(core common.Address, opts ...Option) *Store {
	s := &Store{
		log:            log.NewTestLogger(log.InfoLevel),
		sink:           NoopSink{},
		core:           core,
		opens:          make(map[uint64]*types.Open),
		orders:         make(map[uint64]*types.Order),
		userOpenIDs:    make(map[common.Address][]uint64),
		userOrderIDs:   make(map[common.Address][]uint64),
		userCloseds:    make(map[common.Address][]types.Closed),
		buckets:        make(map[bucketKey][]types.BucketEntry),
		assets:         make(map[uint64]types.AssetInfo),
		isAssetListed:  make(map[uint64]bool),
		marketOpen:     make(map[types.AssetType]bool),
		priceTolerance: 10,
		nextOpenID:     1,
		nextOrderID:    1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) authorize(caller common.Address) error {
	if caller != s.core {
		return types.ErrNotAuthorized
	}
	return nil
}

// --- Asset registry ---------------------------------------------------

// ListAsset registers idx as tradable with the given bucket granule and
// market class. Listing an idx that is already listed replaces its whole
// record, resetting its funding rate and spread; a repeat listing is not
// rejected.
func (s *Store) ListAsset(caller common.Address, idx uint64, bucketSize *uint256.Int, assetType types.AssetType) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[idx] = types.AssetInfo{
		AssetIndex:  idx,
		BucketSize:  new(uint256.Int).Set(bucketSize),
		AssetType:   assetType,
		FundingRate: uint256.NewInt(0),
		Spread:      uint256.NewInt(0),
	}
	s.isAssetListed[idx] = true
	s.log.Info("asset listed", "asset", idx, "bucketSize", bucketSize.String(), "assetType", assetType)
	return nil
}

// SetMarketOpen toggles trading for an entire asset class.
func (s *Store) SetMarketOpen(caller common.Address, assetType types.AssetType, open bool) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marketOpen[assetType] = open
	return nil
}

// SetFundingRate stores a view-only funding rate for idx (see DESIGN.md
// Open Question 2 — no accrual sweep reads this back).
func (s *Store) SetFundingRate(caller common.Address, idx uint64, rate *uint256.Int) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[idx]
	if !ok {
		return types.ErrAssetNotListed
	}
	a.FundingRate = new(uint256.Int).Set(rate)
	s.assets[idx] = a
	return nil
}

// SetSpread stores a view-only spread for idx.
func (s *Store) SetSpread(caller common.Address, idx uint64, spread *uint256.Int) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[idx]
	if !ok {
		return types.ErrAssetNotListed
	}
	a.Spread = new(uint256.Int).Set(spread)
	s.assets[idx] = a
	return nil
}

// SetTolerance sets the basis-point-of-basis-point tolerance used by the
// sweep's trigger predicate.
func (s *Store) SetTolerance(caller common.Address, v uint64) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceTolerance = v
	return nil
}

// GetAsset returns the listed asset, or the zero value and false.
func (s *Store) GetAsset(idx uint64) (types.AssetInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assets[idx]
	return a, ok
}

// IsAssetListed reports whether idx was registered via ListAsset.
func (s *Store) IsAssetListed(idx uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isAssetListed[idx]
}

// IsMarketOpen reports whether assetType's class is currently tradable.
func (s *Store) IsMarketOpen(assetType types.AssetType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marketOpen[assetType]
}

// Tolerance returns the current price_tolerance value.
func (s *Store) Tolerance() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.priceTolerance
}

// --- Opens --------------------------------------------------------------

// StoreOpen assigns the next open id, inserts it, and records trader
// ownership. Callers (the Engine) are responsible for bucket registration.
func (s *Store) StoreOpen(caller common.Address, o types.Open) (uint64, error) {
	if err := s.authorize(caller); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextOpenID
	s.nextOpenID++
	o.ID = id
	s.opens[id] = &o
	s.userOpenIDs[o.Trader] = append(s.userOpenIDs[o.Trader], id)

	s.log.Info("open stored", "id", id, "trader", o.Trader, "asset", o.AssetIndex)
	s.sink.Emit(Event{Kind: EventOpenStored, ID: id, Trader: o.Trader, AssetIndex: o.AssetIndex})
	return id, nil
}

// RemoveOpen erases the Open and swap-pops its id out of the trader's id
// list. A missing id is a no-op, never an error (spec §4.A): callers that
// need to know whether it existed must check GetOpenByID first.
func (s *Store) RemoveOpen(caller common.Address, trader common.Address, id uint64) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.opens[id]; !ok {
		return nil
	}
	delete(s.opens, id)
	s.userOpenIDs[trader] = swapPopID(s.userOpenIDs[trader], id)

	s.log.Info("open removed", "id", id, "trader", trader)
	s.sink.Emit(Event{Kind: EventOpenRemoved, ID: id, Trader: trader})
	return nil
}

// GetOpenByID returns the stored Open, or the zero value if absent (the
// caller detects absence via ID == 0 or !Live()).
func (s *Store) GetOpenByID(id uint64) types.Open {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.opens[id]
	if !ok {
		return types.Open{}
	}
	return *o
}

// GetUserOpenIDs lists the ids of every Open owned by trader.
func (s *Store) GetUserOpenIDs(trader common.Address) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, len(s.userOpenIDs[trader]))
	copy(out, s.userOpenIDs[trader])
	return out
}

// --- Orders ---------------------------------------------------------------

// StoreOrder assigns the next order id (a counter disjoint from opens),
// inserts it, and records trader ownership.
func (s *Store) StoreOrder(caller common.Address, o types.Order) (uint64, error) {
	if err := s.authorize(caller); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextOrderID
	s.nextOrderID++
	o.ID = id
	s.orders[id] = &o
	s.userOrderIDs[o.Trader] = append(s.userOrderIDs[o.Trader], id)

	s.log.Info("order stored", "id", id, "trader", o.Trader, "asset", o.AssetIndex)
	s.sink.Emit(Event{Kind: EventOrderStored, ID: id, Trader: o.Trader, AssetIndex: o.AssetIndex})
	return id, nil
}

// RemoveOrder erases the Order and swap-pops its id out of the trader's id
// list. A missing id is a no-op.
func (s *Store) RemoveOrder(caller common.Address, trader common.Address, id uint64) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return nil
	}
	delete(s.orders, id)
	s.userOrderIDs[trader] = swapPopID(s.userOrderIDs[trader], id)

	s.log.Info("order removed", "id", id, "trader", trader)
	s.sink.Emit(Event{Kind: EventOrderRemoved, ID: id, Trader: trader})
	return nil
}

// GetOrderByID returns the stored Order, or the zero value if absent.
func (s *Store) GetOrderByID(id uint64) types.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return types.Order{}
	}
	return *o
}

// GetUserOrderIDs lists the ids of every Order owned by trader.
func (s *Store) GetUserOrderIDs(trader common.Address) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, len(s.userOrderIDs[trader]))
	copy(out, s.userOrderIDs[trader])
	return out
}

// --- Closed trade log -----------------------------------------------------

// AppendClosed appends an immutable Closed record for trader.
func (s *Store) AppendClosed(caller common.Address, trader common.Address, c types.Closed) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userCloseds[trader] = append(s.userCloseds[trader], c)

	s.log.Info("closed stored", "trader", trader, "asset", c.AssetIndex, "closeTs", c.CloseTS, "pnl", c.PnL.String())
	s.sink.Emit(Event{Kind: EventClosedStored, Trader: trader, AssetIndex: c.AssetIndex, CloseTS: c.CloseTS, PnL: c.PnL})
	return nil
}

// GetUserCloseds returns trader's closed-trade history, oldest first.
func (s *Store) GetUserCloseds(trader common.Address) []types.Closed {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Closed, len(s.userCloseds[trader]))
	copy(out, s.userCloseds[trader])
	return out
}

// --- Buckets ----------------------------------------------------------

// AddToBucket appends an entry to (kind, asset, bucket). Fails only if kind
// is not one of the three defined bucket kinds.
func (s *Store) AddToBucket(caller common.Address, kind types.BucketKind, asset uint64, bucket uint64, id uint64, target *uint256.Int) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	if !kind.Valid() {
		return types.ErrInvalidBucketType
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{kind: kind, asset: asset, bucket: bucket}
	s.buckets[key] = append(s.buckets[key], types.BucketEntry{ID: id, TargetPrice: new(uint256.Int).Set(target)})

	s.sink.Emit(Event{Kind: EventBucketUpdated, ID: id, AssetIndex: asset, BucketKind: kind, BucketID: bucket, TargetPrice: target})
	return nil
}

// RemoveFromBucket swap-pop removes the first entry in (kind, asset,
// bucket) whose ID matches id. Fails only if kind is invalid; a missing id
// within a valid bucket is a silent no-op (mirrors RemoveOpen/RemoveOrder).
func (s *Store) RemoveFromBucket(caller common.Address, kind types.BucketKind, asset uint64, bucket uint64, id uint64) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	if !kind.Valid() {
		return types.ErrInvalidBucketType
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{kind: kind, asset: asset, bucket: bucket}
	entries := s.buckets[key]
	for i, e := range entries {
		if e.ID == id {
			last := len(entries) - 1
			entries[i] = entries[last]
			s.buckets[key] = entries[:last]
			return nil
		}
	}
	return nil
}

// GetBucket returns a snapshot copy of (kind, asset, bucket), safe to
// iterate independently of subsequent mutations.
func (s *Store) GetBucket(kind types.BucketKind, asset uint64, bucket uint64) []types.BucketEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.buckets[bucketKey{kind: kind, asset: asset, bucket: bucket}]
	out := make([]types.BucketEntry, len(entries))
	copy(out, entries)
	return out
}

// UpdatePositionTarget moves an Open's SL or TP bucket membership from its
// current bucket to newBucket, and patches both the position's bucket id
// and its stored trigger price in the same write (DESIGN.md Open Question
// 1 — the teacher-source behavior of patching only the bucket id is
// treated as a defect and fixed here).
func (s *Store) UpdatePositionTarget(caller common.Address, id uint64, kind types.TargetKind, newBucket uint64, newPrice *uint256.Int) error {
	if err := s.authorize(caller); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.opens[id]
	if !ok {
		return types.ErrPositionNotFound
	}

	var bk types.BucketKind = types.BucketSLTP
	var oldBucket uint64
	switch kind {
	case types.TargetStopLoss:
		oldBucket = o.SLBucketID
	case types.TargetTakeProfit:
		oldBucket = o.TPBucketID
	default:
		return types.ErrInvalidTargetType
	}

	key := bucketKey{kind: bk, asset: o.AssetIndex, bucket: oldBucket}
	entries := s.buckets[key]
	for i, e := range entries {
		if e.ID == id {
			last := len(entries) - 1
			entries[i] = entries[last]
			s.buckets[key] = entries[:last]
			break
		}
	}

	newKey := bucketKey{kind: bk, asset: o.AssetIndex, bucket: newBucket}
	s.buckets[newKey] = append(s.buckets[newKey], types.BucketEntry{ID: id, TargetPrice: new(uint256.Int).Set(newPrice)})

	switch kind {
	case types.TargetStopLoss:
		o.SLBucketID = newBucket
		o.StopLossPrice = new(uint256.Int).Set(newPrice)
	case types.TargetTakeProfit:
		o.TPBucketID = newBucket
		o.TakeProfitPrice = new(uint256.Int).Set(newPrice)
	}

	s.sink.Emit(Event{Kind: EventBucketUpdated, ID: id, AssetIndex: o.AssetIndex, BucketKind: bk, BucketID: newBucket, TargetPrice: newPrice})
	return nil
}

func swapPopID(ids []uint64, id uint64) []uint64 {
	for i, v := range ids {
		if v == id {
			last := len(ids) - 1
			ids[i] = ids[last]
			return ids[:last]
		}
	}
	return ids
}
