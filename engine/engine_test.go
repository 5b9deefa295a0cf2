// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package engine

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/holiman/uint256"
	"github.com/luxfi/geth/common"
	"github.com/luxfi/geth/crypto"

	"github.com/luxfi/perpcore/oracle"
	"github.com/luxfi/perpcore/storage"
	"github.com/luxfi/perpcore/types"
	"github.com/luxfi/perpcore/vault"
)

var (
	testSelf   = common.HexToAddress("0x1010101010101010101010101010101010101010")
	testAdmin  = common.HexToAddress("0x2020202020202020202020202020202020202020")
	testTrader = common.HexToAddress("0x3030303030303030303030303030303030303030")
)

// testHarness wires a fresh Store/Vault/ECDSAAdapter behind an Engine and
// exposes an oracleKey to sign proofs with, mirroring the executor's role.
type testHarness struct {
	engine    *Engine
	store     *storage.Store
	vault     *vault.InMemory
	oracleKey *ecdsaKeyHandle
}

type ecdsaKeyHandle struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	s := storage.New(testSelf)
	v := vault.NewInMemory()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	executorAddr := crypto.PubkeyToAddress(key.PublicKey)
	o := oracle.NewECDSAAdapter(executorAddr)

	eng := New(testSelf, testAdmin, s, v, o, WithExecutors(executorAddr))

	if err := eng.ListAsset(testAdmin, 7, uint256.NewInt(1_000_000), types.AssetTypeCrypto); err != nil {
		t.Fatalf("ListAsset failed: %v", err)
	}
	if err := eng.SetMarketOpen(testAdmin, types.AssetTypeCrypto, true); err != nil {
		t.Fatalf("SetMarketOpen failed: %v", err)
	}

	return &testHarness{
		engine:    eng,
		store:     s,
		vault:     v,
		oracleKey: &ecdsaKeyHandle{key: key, addr: executorAddr},
	}
}

func (h *testHarness) proof(t *testing.T, pairID uint64, price uint64) []byte {
	t.Helper()
	p, err := oracle.EncodeBundle([]oracle.PriceAssertion{
		{PairID: pairID, Price: uint256.NewInt(price), Decimals: 6},
	}, func(digest [32]byte) ([]byte, error) {
		return crypto.Sign(digest[:], h.oracleKey.key)
	})
	if err != nil {
		t.Fatalf("EncodeBundle failed: %v", err)
	}
	return p
}

func TestEngine_OpenCloseBasicLong(t *testing.T) {
	h := newHarness(t)

	proofOpen := h.proof(t, 7, 2_000_000_000)
	id, err := h.engine.OpenPosition(testTrader, 7, proofOpen, true, 10, uint256.NewInt(100_000_000), nil, nil)
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}

	proofClose := h.proof(t, 7, 2_200_000_000)
	if err := h.engine.ClosePosition(testTrader, id, proofClose); err != nil {
		t.Fatalf("ClosePosition failed: %v", err)
	}

	history := h.store.GetUserCloseds(testTrader)
	if len(history) != 1 {
		t.Fatalf("expected 1 closed record, got %d", len(history))
	}
	if history[0].PnL.Cmp(bigFromInt64(100_000_000)) != 0 {
		t.Fatalf("expected pnl +100_000_000, got %s", history[0].PnL.String())
	}
}

func TestEngine_ShortLiquidation(t *testing.T) {
	h := newHarness(t)

	proofOpen := h.proof(t, 7, 2_000_000_000)
	id, err := h.engine.OpenPosition(testTrader, 7, proofOpen, false, 10, uint256.NewInt(100_000_000), nil, nil)
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}

	o := h.store.GetOpenByID(id)
	wantLiq := uint256.NewInt(2_200_000_000)
	if o.LiquidationPrice.Cmp(wantLiq) != 0 {
		t.Fatalf("expected liq price 2_200_000_000, got %s", o.LiquidationPrice.String())
	}

	if err := h.engine.SetTolerance(h.oracleKey.addr, 10); err != nil {
		t.Fatalf("SetTolerance failed: %v", err)
	}

	proofLiq := h.proof(t, 7, 2_200_500_000)
	if err := h.engine.LiquidatePositions(h.oracleKey.addr, proofLiq); err != nil {
		t.Fatalf("LiquidatePositions failed: %v", err)
	}

	if h.store.GetOpenByID(id).Live() {
		t.Fatal("position should be liquidated")
	}
	history := h.store.GetUserCloseds(testTrader)
	if len(history) != 1 || history[0].PnL.Cmp(bigFromInt64(-100_000_000)) != 0 {
		t.Fatalf("expected pnl -100_000_000, got %+v", history)
	}
	if bal := h.vault.BalanceOf(testTrader); bal.Sign() != 0 {
		t.Fatalf("liquidated trader should keep nothing, got balance %s", bal.String())
	}
}

func TestEngine_OrderFillToOpen(t *testing.T) {
	h := newHarness(t)

	orderID, err := h.engine.PlaceOrder(testTrader, 7, true, 5, uint256.NewInt(1_950_000_000), uint256.NewInt(50_000_000), uint256.NewInt(1_900_000_000), uint256.NewInt(2_100_000_000))
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}

	proofFill := h.proof(t, 7, 1_950_100_000)
	if err := h.engine.ExecuteOrders(h.oracleKey.addr, proofFill); err != nil {
		t.Fatalf("ExecuteOrders failed: %v", err)
	}

	if h.store.GetOrderByID(orderID).Live() {
		t.Fatal("order should be gone after fill")
	}

	ids := h.store.GetUserOpenIDs(testTrader)
	if len(ids) != 1 {
		t.Fatalf("expected 1 open, got %d", len(ids))
	}
	o := h.store.GetOpenByID(ids[0])
	if o.OpenPrice.Cmp(uint256.NewInt(1_950_000_000)) != 0 {
		t.Fatalf("expected open price 1_950_000_000 (order price), got %s", o.OpenPrice.String())
	}
	wantLiq := uint256.NewInt(1_625_000_000)
	if o.LiquidationPrice.Cmp(wantLiq) != 0 {
		t.Fatalf("expected liq 1_625_000_000, got %s", o.LiquidationPrice.String())
	}
}

func TestEngine_CancelOrderRefundsMargin(t *testing.T) {
	h := newHarness(t)

	before := h.vault.BalanceOf(testTrader)
	orderID, err := h.engine.PlaceOrder(testTrader, 7, true, 5, uint256.NewInt(1_950_000_000), uint256.NewInt(10_000_000), nil, nil)
	if err != nil {
		t.Fatalf("PlaceOrder failed: %v", err)
	}
	if err := h.engine.CancelOrder(testTrader, orderID); err != nil {
		t.Fatalf("CancelOrder failed: %v", err)
	}
	after := h.vault.BalanceOf(testTrader)
	if before.Cmp(after) != 0 {
		t.Fatalf("expected net-zero vault flow, before=%s after=%s", before.String(), after.String())
	}
	if h.store.GetOrderByID(orderID).Live() {
		t.Fatal("order should be gone after cancel")
	}
}

func TestEngine_OpenPosition_InvalidSLTPLeavesVaultUntouched(t *testing.T) {
	h := newHarness(t)

	before := h.vault.BalanceOf(testTrader)
	proof := h.proof(t, 7, 2_000_000_000)
	// long tp must be > price; 1_000_000_000 is below it.
	_, err := h.engine.OpenPosition(testTrader, 7, proof, true, 10, uint256.NewInt(100_000_000), nil, uint256.NewInt(1_000_000_000))
	if err != types.ErrInvalidSLTP {
		t.Fatalf("expected ErrInvalidSLTP, got %v", err)
	}
	after := h.vault.BalanceOf(testTrader)
	if before.Cmp(after) != 0 {
		t.Fatalf("expected vault balance unchanged on rejected open, before=%s after=%s", before.String(), after.String())
	}
	if len(h.store.GetUserOpenIDs(testTrader)) != 0 {
		t.Fatal("no Open should be stored on rejected open")
	}
}

func TestEngine_OpenPosition_PriceNotInProofLeavesVaultUntouched(t *testing.T) {
	h := newHarness(t)

	before := h.vault.BalanceOf(testTrader)
	// proof asserts a price for pair 99, but the asset being opened is 7.
	proof := h.proof(t, 99, 2_000_000_000)
	_, err := h.engine.OpenPosition(testTrader, 7, proof, true, 10, uint256.NewInt(100_000_000), nil, nil)
	if err != types.ErrPriceNotInProof {
		t.Fatalf("expected ErrPriceNotInProof, got %v", err)
	}
	after := h.vault.BalanceOf(testTrader)
	if before.Cmp(after) != 0 {
		t.Fatalf("expected vault balance unchanged on rejected open, before=%s after=%s", before.String(), after.String())
	}
}

func TestEngine_OpenPosition_ZeroPriceLeavesVaultUntouched(t *testing.T) {
	h := newHarness(t)

	before := h.vault.BalanceOf(testTrader)
	proof := h.proof(t, 7, 0)
	_, err := h.engine.OpenPosition(testTrader, 7, proof, true, 10, uint256.NewInt(100_000_000), nil, nil)
	if err != types.ErrPriceZero {
		t.Fatalf("expected ErrPriceZero, got %v", err)
	}
	after := h.vault.BalanceOf(testTrader)
	if before.Cmp(after) != 0 {
		t.Fatalf("expected vault balance unchanged on rejected open, before=%s after=%s", before.String(), after.String())
	}
}

func TestEngine_LeverageBoundaries(t *testing.T) {
	h := newHarness(t)
	proof := h.proof(t, 7, 2_000_000_000)

	if _, err := h.engine.OpenPosition(testTrader, 7, proof, true, 0, uint256.NewInt(100_000_000), nil, nil); err != types.ErrInvalidLeverage {
		t.Fatalf("expected ErrInvalidLeverage for lev=0, got %v", err)
	}
	if _, err := h.engine.OpenPosition(testTrader, 7, proof, true, 101, uint256.NewInt(100_000_000), nil, nil); err != types.ErrInvalidLeverage {
		t.Fatalf("expected ErrInvalidLeverage for lev=101, got %v", err)
	}
	if _, err := h.engine.OpenPosition(testTrader, 7, proof, true, 1, uint256.NewInt(100_000_000), nil, nil); err != nil {
		t.Fatalf("expected lev=1 to succeed, got %v", err)
	}
	if _, err := h.engine.OpenPosition(testTrader, 7, proof, true, 100, uint256.NewInt(100_000_000), nil, nil); err != nil {
		t.Fatalf("expected lev=100 to succeed, got %v", err)
	}
}

func TestEngine_SizeBoundaries(t *testing.T) {
	h := newHarness(t)
	proof := h.proof(t, 7, 2_000_000_000)

	if _, err := h.engine.OpenPosition(testTrader, 7, proof, true, 10, uint256.NewInt(9_999_999), nil, nil); err != types.ErrMinSize {
		t.Fatalf("expected ErrMinSize, got %v", err)
	}
	if _, err := h.engine.OpenPosition(testTrader, 7, proof, true, 10, uint256.NewInt(10_000_000), nil, nil); err != nil {
		t.Fatalf("expected size=10_000_000 to succeed, got %v", err)
	}
}

func TestEngine_DoubleTriggerSafety(t *testing.T) {
	h := newHarness(t)

	// A long position whose SL and TP buckets both fall inside the ±1
	// neighbourhood window of a single oracle price. The SL bucket (1999)
	// is scanned first; finalizing the position there also removes its TP
	// entry from bucket 2001, so the later scan of that bucket no longer
	// sees the id and the position is closed exactly once.
	openProof := h.proof(t, 7, 2_000_000_000)
	id, err := h.engine.OpenPosition(testTrader, 7, openProof, true, 10, uint256.NewInt(100_000_000), uint256.NewInt(1_999_000_000), uint256.NewInt(2_001_000_000))
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}

	triggerProof := h.proof(t, 7, 2_000_000_000)
	if err := h.engine.CloseAllOnTargets(h.oracleKey.addr, triggerProof); err != nil {
		t.Fatalf("CloseAllOnTargets failed: %v", err)
	}
	if h.store.GetOpenByID(id).Live() {
		t.Fatal("position should be closed once its SL or TP bucket triggers")
	}
	history := h.store.GetUserCloseds(testTrader)
	if len(history) != 1 {
		t.Fatalf("expected exactly 1 closed record despite appearing in two triggered buckets, got %d", len(history))
	}

	// The sweep order per scenario 6 is close_all_on_targets then
	// liquidate_positions: by the time liquidate runs, the position has
	// already been erased from every bucket including LIQ, so the scan
	// finds nothing to (re-)finalize.
	if err := h.engine.LiquidatePositions(h.oracleKey.addr, triggerProof); err != nil {
		t.Fatalf("LiquidatePositions should not error once the entry is already gone: %v", err)
	}
	if len(h.store.GetUserCloseds(testTrader)) != 1 {
		t.Fatalf("liquidation must not add a second closed record for the same id")
	}
}

func TestEngine_NotPositionOwnerCannotClose(t *testing.T) {
	h := newHarness(t)
	openProof := h.proof(t, 7, 2_000_000_000)
	id, err := h.engine.OpenPosition(testTrader, 7, openProof, true, 10, uint256.NewInt(100_000_000), nil, nil)
	if err != nil {
		t.Fatalf("OpenPosition failed: %v", err)
	}

	stranger := common.HexToAddress("0x4040404040404040404040404040404040404040")
	closeProof := h.proof(t, 7, 2_100_000_000)
	if err := h.engine.ClosePosition(stranger, id, closeProof); err != types.ErrNotPositionOwner {
		t.Fatalf("expected ErrNotPositionOwner, got %v", err)
	}
}

func bigFromInt64(v int64) *big.Int {
	return big.NewInt(v)
}
