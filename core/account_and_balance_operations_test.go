package core

import (
	"math/big"
	"testing"
)

func newTestLedgerForAccounts(t *testing.T) *Ledger {
	t.Helper()
	led, err := NewLedger(LedgerConfig{WALPath: t.TempDir() + "/ledger.wal"})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return led
}

func TestAccountManagerCreateAndBalance(t *testing.T) {
	led := newTestLedgerForAccounts(t)
	am := NewAccountManager(led)
	addr := Destination{ID: [32]byte{1}}

	if err := am.CreateAccount(addr); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	bal, err := am.Balance(addr)
	if err != nil {
		t.Fatalf("Balance returned error: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("expected balance 0, got %s", bal)
	}

	if err := am.CreateAccount(addr); err == nil {
		t.Fatalf("expected error when creating existing account")
	}
}

func TestAccountManagerTransferAndDelete(t *testing.T) {
	led := newTestLedgerForAccounts(t)
	am := NewAccountManager(led)

	src := Destination{ID: [32]byte{2}}
	dst := Destination{ID: [32]byte{3}}

	if err := am.CreateAccount(src); err != nil {
		t.Fatalf("CreateAccount src failed: %v", err)
	}
	if err := am.CreateAccount(dst); err != nil {
		t.Fatalf("CreateAccount dst failed: %v", err)
	}

	acct, err := led.StateDB().GetAccount(src)
	if err != nil {
		t.Fatalf("get src account: %v", err)
	}
	acct.Balance = big.NewInt(100)
	led.StateDB().PutAccount(src, acct)

	if err := am.Transfer(src, dst, big.NewInt(40)); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	srcBal, err := am.Balance(src)
	if err != nil {
		t.Fatalf("src balance: %v", err)
	}
	if srcBal.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("src expected 60, got %s", srcBal)
	}
	dstBal, err := am.Balance(dst)
	if err != nil {
		t.Fatalf("dst balance: %v", err)
	}
	if dstBal.Cmp(big.NewInt(40)) != 0 {
		t.Fatalf("dst expected 40, got %s", dstBal)
	}

	if err := am.DeleteAccount(src); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if err := am.DeleteAccount(src); err == nil {
		t.Fatalf("expected error deleting already-destroyed account")
	}
}
