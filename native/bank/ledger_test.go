package bank_test

import (
	"errors"
	"math/big"
	"testing"

	"bountyescrow/core/state"
	"bountyescrow/native/bank"
	"bountyescrow/storage"
)

func newLedger(t *testing.T) (*bank.Ledger, *state.Manager) {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	mgr := state.NewManager(db)
	return bank.NewLedger(mgr), mgr
}

func addr(fill byte) [20]byte {
	var a [20]byte
	for i := range a {
		a[i] = fill
	}
	return a
}

func TestLedgerMintAndTransfer(t *testing.T) {
	ledger, mgr := newLedger(t)
	alice, bob := addr(0x01), addr(0x02)

	if err := ledger.Mint(alice, big.NewInt(1_000)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := ledger.Transfer(alice, bob, big.NewInt(400)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	aliceBal, _ := ledger.Balance(alice)
	bobBal, _ := ledger.Balance(bob)
	if aliceBal.Cmp(big.NewInt(600)) != 0 || bobBal.Cmp(big.NewInt(400)) != 0 {
		t.Fatalf("unexpected balances alice=%s bob=%s", aliceBal, bobBal)
	}
	supply, err := ledger.Supply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("unexpected supply %s", supply)
	}
}

func TestLedgerTransferInsufficient(t *testing.T) {
	ledger, _ := newLedger(t)
	alice, bob := addr(0x01), addr(0x02)
	if err := ledger.Mint(alice, big.NewInt(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	err := ledger.Transfer(alice, bob, big.NewInt(11))
	if !errors.Is(err, bank.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	bal, _ := ledger.Balance(alice)
	if bal.Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("balance changed on failed transfer: %s", bal)
	}
}

func TestLedgerRejectsNonPositive(t *testing.T) {
	ledger, _ := newLedger(t)
	if err := ledger.Transfer(addr(1), addr(2), big.NewInt(0)); !errors.Is(err, bank.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := ledger.Mint(addr(1), big.NewInt(-5)); !errors.Is(err, bank.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestLedgerRollbackDiscardsTransfer(t *testing.T) {
	ledger, mgr := newLedger(t)
	alice, bob := addr(0x01), addr(0x02)
	if err := ledger.Mint(alice, big.NewInt(50)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := ledger.Transfer(alice, bob, big.NewInt(50)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	mgr.Rollback()
	bal, _ := ledger.Balance(bob)
	if bal.Sign() != 0 {
		t.Fatalf("expected rollback to discard credit, got %s", bal)
	}
}

func TestLedgerOverflow(t *testing.T) {
	ledger, _ := newLedger(t)
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	if err := ledger.Mint(addr(1), huge); !errors.Is(err, bank.ErrBalanceOverflow) {
		t.Fatalf("expected ErrBalanceOverflow, got %v", err)
	}
}
