package core

import (
	"math/big"
	"testing"
)

func newTestLedgerForCoin(t *testing.T) *Ledger {
	t.Helper()
	led, err := NewLedger(LedgerConfig{WALPath: t.TempDir() + "/ledger.wal"})
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return led
}

// TestBlockRewardAt verifies the halving schedule for block rewards.
func TestBlockRewardAt(t *testing.T) {
	r0 := BlockRewardAt(0)
	if r0.Cmp(InitialReward) != 0 {
		t.Fatalf("expected %s got %s", InitialReward.String(), r0.String())
	}
	half := new(big.Int).Rsh(new(big.Int).Set(InitialReward), 1)
	r1 := BlockRewardAt(RewardHalvingPeriod)
	if r1.Cmp(half) != 0 {
		t.Fatalf("expected %s got %s", half.String(), r1.String())
	}
	quarter := new(big.Int).Rsh(new(big.Int).Set(InitialReward), 2)
	r2 := BlockRewardAt(RewardHalvingPeriod * 2)
	if r2.Cmp(quarter) != 0 {
		t.Fatalf("expected %s got %s", quarter.String(), r2.String())
	}
}

// TestCoinMintAndBurn ensures minting and burning adjust supply correctly.
func TestCoinMintAndBurn(t *testing.T) {
	led := newTestLedgerForCoin(t)
	c, err := NewCoin(led)
	if err != nil {
		t.Fatalf("NewCoin failed: %v", err)
	}
	addr := Destination{ID: [32]byte{1}}
	if err := c.Mint(addr, big.NewInt(100)); err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if got := c.TotalSupply(); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("TotalSupply=%s want 100", got)
	}
	if bal := c.BalanceOf(addr); bal.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("Balance=%s want 100", bal)
	}
	if err := c.Burn(addr, big.NewInt(40)); err != nil {
		t.Fatalf("Burn failed: %v", err)
	}
	if got := c.TotalSupply(); got.Cmp(big.NewInt(60)) != 0 {
		t.Fatalf("TotalSupply=%s want 60", got)
	}
}

// TestCoinMintExceedsCap verifies minting beyond MaxSupply is rejected.
func TestCoinMintExceedsCap(t *testing.T) {
	led := newTestLedgerForCoin(t)
	c, err := NewCoin(led)
	if err != nil {
		t.Fatalf("NewCoin failed: %v", err)
	}
	c.totalMinted = new(big.Int).Set(MaxSupply)
	addr := Destination{ID: [32]byte{2}}
	if err := c.Mint(addr, big.NewInt(1)); err == nil {
		t.Fatalf("expected cap error")
	}
}
