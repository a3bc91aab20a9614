package core

import (
	"os"
	"path/filepath"
	"testing"
)

func tmpLedgerConfig(t *testing.T, genesis *Block) LedgerConfig {
	t.Helper()
	dir := t.TempDir()
	return LedgerConfig{
		WALPath:          filepath.Join(dir, "wal.log"),
		SnapshotPath:     filepath.Join(dir, "snap.json"),
		SnapshotInterval: 1000, // large to avoid snapshot during tests
		GenesisBlock:     genesis,
		ArchivePath:      filepath.Join(dir, "archive.gz"),
	}
}

func TestNewLedgerInit(t *testing.T) {
	tests := []struct {
		name       string
		genesis    *Block
		wantBlocks int
	}{
		{"Empty", nil, 0},
		{"WithGenesis", &Block{Header: BlockHeader{Number: 0, Type: BlockGenesis}}, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tmpLedgerConfig(t, tc.genesis)
			led, err := NewLedger(cfg)
			if err != nil {
				t.Fatalf("init err: %v", err)
			}
			if len(led.Blocks) != tc.wantBlocks {
				t.Fatalf("blocks=%d want %d", len(led.Blocks), tc.wantBlocks)
			}
		})
	}
}

func TestAddBlockHeightMismatch(t *testing.T) {
	genesis := &Block{Header: BlockHeader{Number: 0, Type: BlockGenesis}}
	cfg := tmpLedgerConfig(t, genesis)
	led, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("init err: %v", err)
	}

	bad := &Block{Header: BlockHeader{Number: 2, Type: BlockPrimary}}
	if err := led.AddBlock(bad); err == nil {
		t.Fatalf("expected height mismatch error")
	}
}

func TestLedgerBalanceTransfer(t *testing.T) {
	cfg := tmpLedgerConfig(t, nil)
	led, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("init err: %v", err)
	}

	src := Destination{ID: [32]byte{0xAA}}
	dst := Destination{ID: [32]byte{0xBB}}

	acct, err := led.StateDB().GetAccount(src)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	acct.Balance = NewAmount(500)
	led.StateDB().PutAccount(src, acct)

	if err := led.Transfer(src, dst, NewAmount(200)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if led.BalanceOf(dst).Cmp(NewAmount(200)) != 0 {
		t.Fatalf("dst balance mismatch: %s", led.BalanceOf(dst))
	}
	if led.BalanceOf(src).Cmp(NewAmount(300)) != 0 {
		t.Fatalf("src balance mismatch: %s", led.BalanceOf(src))
	}
}

func TestFlatStateRoundTrip(t *testing.T) {
	cfg := tmpLedgerConfig(t, nil)
	led, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("init err: %v", err)
	}
	if err := led.SetState([]byte("foo"), []byte("bar")); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, err := led.GetState([]byte("foo"))
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if string(got) != "bar" {
		t.Fatalf("state mismatch: %q", got)
	}
}

func TestPruneArchivesBlocks(t *testing.T) {
	genesis := &Block{Header: BlockHeader{Number: 0, Type: BlockGenesis}}
	cfg := tmpLedgerConfig(t, genesis)
	cfg.PruneInterval = 2
	led, err := NewLedger(cfg)
	if err != nil {
		t.Fatalf("ledger init: %v", err)
	}

	// add blocks 1,2,3 - block 0 should be pruned
	for i := 1; i <= 3; i++ {
		blk := &Block{Header: BlockHeader{Number: uint64(i)}}
		if err := led.AddBlock(blk); err != nil {
			t.Fatalf("add block %d: %v", i, err)
		}
	}

	if got := len(led.Blocks); got != 2 {
		t.Fatalf("expected 2 blocks after prune, got %d", got)
	}

	info, err := os.Stat(cfg.ArchivePath)
	if err != nil {
		t.Fatalf("archive stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("archive file empty")
	}
}
