// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import "errors"

// Error kinds shared between storage and engine (spec §7). Each precondition
// violation fails its operation with exactly one of these, leaving observable
// state unchanged.
var (
	ErrNotAuthorized       = errors.New("not authorized")
	ErrAssetNotListed      = errors.New("asset not listed")
	ErrMarketClosed        = errors.New("market closed")
	ErrInvalidLeverage     = errors.New("invalid leverage")
	ErrMinSize             = errors.New("size below minimum")
	ErrInvalidSLTP         = errors.New("invalid stop-loss/take-profit")
	ErrPriceNotInProof     = errors.New("price not in proof")
	ErrPriceZero           = errors.New("price is zero")
	ErrPositionNotFound    = errors.New("position not found")
	ErrNotPositionOwner    = errors.New("not position owner")
	ErrPositionAlreadyClosed = errors.New("position already closed")
	ErrInvalidTargetType   = errors.New("invalid target type")
	ErrToleranceTooHigh    = errors.New("tolerance too high")
	ErrTransferFailed      = errors.New("vault transfer failed")
	ErrInsufficientMargin  = errors.New("insufficient margin")
	ErrInvalidBucketType   = errors.New("invalid bucket type")
)
