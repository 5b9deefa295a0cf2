// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package oracle defines the proof-verification interface the engine
// consumes (spec §4.C) and a reference ECDSA-signed-bundle adapter. The
// adapter signs and verifies a blake3 digest of the encoded bundle body;
// its signature recovery follows the standard
// go-ethereum-style ECDSA-over-secp256k1 signing/recovery convention.
package oracle

import (
	"encoding/binary"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"
	"github.com/zeebo/blake3"

	"github.com/luxfi/perpcore/types"
)

// PriceAssertion is one (pair_id, price, decimals) tuple out of a verified
// proof. decimals is carried for future use; the engine assumes a uniform
// price scale per asset (spec §4.C).
type PriceAssertion struct {
	PairID   uint64
	Price    *uint256.Int
	Decimals uint8
}

// Adapter verifies a proof blob and returns the set of price assertions it
// attests to. A single call is made per executor action. Malformed proofs
// fail verification; the caller surfaces the error as-is.
type Adapter interface {
	Verify(proof []byte) ([]PriceAssertion, error)
}

// Bundle is the wire shape an ECDSAAdapter expects to find packed into the
// proof blob: a sequence of (pair_id, price, decimals) tuples signed as a
// single blake3 digest by one of the configured executor keys.
type Bundle struct {
	Assertions []PriceAssertion
	Signature  []byte // 65-byte [R || S || V] recoverable signature
}

const assertionSize = 8 + 32 + 1 // pair_id + price(32 BE bytes) + decimals

// ECDSAAdapter verifies bundles signed by one of a fixed set of executor
// keys, recovering the signer's address from the signature and checking
// it against an allow-list — the same recover-then-allow-list pattern used
// to authenticate off-chain signed exchange actions.
type ECDSAAdapter struct {
	allowed map[common.Address]bool
}

// NewECDSAAdapter returns an adapter that accepts bundles signed by any of
// executors.
func NewECDSAAdapter(executors ...common.Address) *ECDSAAdapter {
	allowed := make(map[common.Address]bool, len(executors))
	for _, e := range executors {
		allowed[e] = true
	}
	return &ECDSAAdapter{allowed: allowed}
}

// Verify implements Adapter. proof is the msgpack-free wire encoding
// produced by EncodeBundle: a 2-byte assertion count, assertionSize bytes
// per assertion, then a trailing 65-byte signature over the blake3 digest
// of everything preceding it.
func (a *ECDSAAdapter) Verify(proof []byte) ([]PriceAssertion, error) {
	if len(proof) < 2+65 {
		return nil, fmt.Errorf("oracle: proof too short: %d bytes", len(proof))
	}
	count := binary.BigEndian.Uint16(proof[:2])
	bodyLen := 2 + int(count)*assertionSize
	if len(proof) != bodyLen+65 {
		return nil, fmt.Errorf("oracle: proof length mismatch for %d assertions", count)
	}
	body := proof[:bodyLen]
	sig := proof[len(body):]

	digest := digestOf(body)
	pub, err := crypto.SigToPub(digest[:], sig)
	if err != nil {
		return nil, fmt.Errorf("oracle: recover signer: %w", err)
	}
	signer := crypto.PubkeyToAddress(*pub)
	if !a.allowed[signer] {
		return nil, fmt.Errorf("oracle: signer %s is not an authorized executor", signer.Hex())
	}

	out := make([]PriceAssertion, 0, count)
	off := 2
	for i := uint16(0); i < count; i++ {
		chunk := body[off : off+assertionSize]
		pairID := binary.BigEndian.Uint64(chunk[:8])
		price := new(uint256.Int).SetBytes(chunk[8:40])
		decimals := chunk[40]
		out = append(out, PriceAssertion{PairID: pairID, Price: price, Decimals: decimals})
		off += assertionSize
	}
	return out, nil
}

// EncodeBundle packs assertions into the wire format Verify expects and
// signs the resulting digest with signer. It exists primarily to build
// fixtures for tests and local executor tooling.
func EncodeBundle(assertions []PriceAssertion, sign func(digest [32]byte) ([]byte, error)) ([]byte, error) {
	if len(assertions) > 0xFFFF {
		return nil, fmt.Errorf("oracle: too many assertions: %d", len(assertions))
	}
	body := make([]byte, 2, 2+len(assertions)*assertionSize)
	binary.BigEndian.PutUint16(body, uint16(len(assertions)))
	for _, a := range assertions {
		var chunk [assertionSize]byte
		binary.BigEndian.PutUint64(chunk[:8], a.PairID)
		priceBytes := a.Price.Bytes32()
		copy(chunk[8:40], priceBytes[:])
		chunk[40] = a.Decimals
		body = append(body, chunk[:]...)
	}

	digest := digestOf(body)
	sig, err := sign(digest)
	if err != nil {
		return nil, err
	}
	return append(body, sig...), nil
}

func digestOf(body []byte) [32]byte {
	h := blake3.New()
	h.Write(body)
	var digest [32]byte
	h.Digest().Read(digest[:])
	return digest
}

// FindPrice returns the price asserted for pairID, or ErrPriceNotInProof
// if the verified set does not contain it (spec §7).
func FindPrice(assertions []PriceAssertion, pairID uint64) (*uint256.Int, error) {
	for _, a := range assertions {
		if a.PairID == pairID {
			if a.Price == nil || a.Price.IsZero() {
				return nil, types.ErrPriceZero
			}
			return a.Price, nil
		}
	}
	return nil, types.ErrPriceNotInProof
}
