// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package oracle

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/crypto"

	"github.com/luxfi/perpcore/types"
)

func TestECDSAAdapter_VerifyAcceptsAllowedSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	signerAddr := crypto.PubkeyToAddress(key.PublicKey)

	assertions := []PriceAssertion{
		{PairID: 7, Price: uint256.NewInt(2_000_000_000), Decimals: 6},
	}
	proof, err := EncodeBundle(assertions, func(digest [32]byte) ([]byte, error) {
		return crypto.Sign(digest[:], key)
	})
	if err != nil {
		t.Fatalf("EncodeBundle failed: %v", err)
	}

	adapter := NewECDSAAdapter(signerAddr)
	out, err := adapter.Verify(proof)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(out) != 1 || out[0].PairID != 7 {
		t.Fatalf("unexpected assertions: %+v", out)
	}
	if out[0].Price.Cmp(uint256.NewInt(2_000_000_000)) != 0 {
		t.Fatalf("price mismatch: %s", out[0].Price.String())
	}
}

func TestECDSAAdapter_VerifyRejectsUnauthorizedSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	otherKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	assertions := []PriceAssertion{{PairID: 1, Price: uint256.NewInt(100), Decimals: 6}}
	proof, err := EncodeBundle(assertions, func(digest [32]byte) ([]byte, error) {
		return crypto.Sign(digest[:], key)
	})
	if err != nil {
		t.Fatalf("EncodeBundle failed: %v", err)
	}

	adapter := NewECDSAAdapter(crypto.PubkeyToAddress(otherKey.PublicKey))
	if _, err := adapter.Verify(proof); err == nil {
		t.Fatal("expected verification to fail for an unauthorized signer")
	}
}

func TestECDSAAdapter_VerifyRejectsTruncatedProof(t *testing.T) {
	adapter := NewECDSAAdapter()
	if _, err := adapter.Verify([]byte{0x00}); err == nil {
		t.Fatal("expected truncated proof to fail verification")
	}
}

func TestFindPrice(t *testing.T) {
	assertions := []PriceAssertion{
		{PairID: 1, Price: uint256.NewInt(100)},
		{PairID: 2, Price: uint256.NewInt(200)},
	}
	p, err := FindPrice(assertions, 2)
	if err != nil {
		t.Fatalf("FindPrice failed: %v", err)
	}
	if p.Cmp(uint256.NewInt(200)) != 0 {
		t.Fatalf("expected 200, got %s", p.String())
	}

	if _, err := FindPrice(assertions, 99); err != types.ErrPriceNotInProof {
		t.Fatalf("expected ErrPriceNotInProof, got %v", err)
	}
}

func TestFindPrice_ZeroPrice(t *testing.T) {
	assertions := []PriceAssertion{{PairID: 1, Price: uint256.NewInt(0)}}
	if _, err := FindPrice(assertions, 1); err != types.ErrPriceZero {
		t.Fatalf("expected ErrPriceZero, got %v", err)
	}
}
