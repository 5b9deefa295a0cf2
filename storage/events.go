// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package storage

import (
	"math/big"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"

	"github.com/luxfi/perpcore/types"
)

// EventKind names one of the six lifecycle events the storage layer emits
// (spec §6 "Events"), the engine's external observability contract.
type EventKind string

const (
	EventOpenStored    EventKind = "OpenStored"
	EventOrderStored   EventKind = "OrderStored"
	EventOpenRemoved   EventKind = "OpenRemoved"
	EventOrderRemoved  EventKind = "OrderRemoved"
	EventClosedStored  EventKind = "ClosedStored"
	EventBucketUpdated EventKind = "BucketUpdated"
)

// Event is the single struct shape used for every emitted event; only the
// fields relevant to Kind are populated.
type Event struct {
	Kind        EventKind
	ID          uint64
	Trader      common.Address
	AssetIndex  uint64
	CloseTS     int64
	PnL         *big.Int
	BucketKind  types.BucketKind
	BucketID    uint64
	TargetPrice *uint256.Int
}

// Sink receives lifecycle events as they are emitted. Implementations must
// not block or re-enter the Store (events are emitted while the Store's
// lock is held).
type Sink interface {
	Emit(Event)
}

// NoopSink discards every event; the default when no sink is configured.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(Event) {}

// RecordingSink appends every event it receives, for test assertions.
type RecordingSink struct {
	Events []Event
}

// Emit implements Sink.
func (r *RecordingSink) Emit(e Event) {
	r.Events = append(r.Events, e)
}
