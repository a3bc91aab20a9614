package core

import (
	"path/filepath"
	"testing"
)

// sealedChain seals n linear primary blocks (genesis plus n-1 extensions)
// onto a fresh block log / verify log pair rooted at dir, the same path
// chainmanager.go's StorageNewBlock drives Seal through.
func sealedChain(t *testing.T, dir string, n int) []*Block {
	t.Helper()
	bl, err := OpenBlockLog(filepath.Join(dir, "blocklog"), DefaultChunkSize)
	if err != nil {
		t.Fatalf("open block log: %v", err)
	}
	defer bl.Close()
	vl, err := OpenVerifyLog(filepath.Join(dir, "verify.log"))
	if err != nil {
		t.Fatalf("open verify log: %v", err)
	}
	defer vl.Close()

	trie := NewTrieDB()
	var blocks []*Block
	var prevHash Hash
	var prevRoots Roots
	for i := 0; i < n; i++ {
		var state *StateDB
		blockType := BlockPrimary
		if i == 0 {
			state = NewStateDB(trie, Hash{}, Hash{}, Hash{}, Hash{})
			blockType = BlockGenesis
		} else {
			state = NewStateDBFromRoots(trie, prevRoots)
		}
		blk := &Block{Header: BlockHeader{Version: 1, Type: blockType, Number: uint64(i), HashPrev: prevHash}}
		roots, receipts, _, err := ExecuteBlock(state, blk)
		if err != nil {
			t.Fatalf("execute block %d: %v", i, err)
		}
		blk.Header.HashStateRoot = CompositeStateRoot(roots)
		blk.Header.HashReceiptsRoot = ReceiptsRoot(receipts)
		blk.Header.HashMerkleRoot = blk.MerkleRoot()

		if _, err := Seal(bl, vl, blk); err != nil {
			t.Fatalf("seal block %d: %v", i, err)
		}

		blocks = append(blocks, blk)
		prevHash = blk.Hash()
		prevRoots = roots
	}
	return blocks
}

func TestRecoverReplaysCleanChain(t *testing.T) {
	dir := t.TempDir()
	blocks := sealedChain(t, dir, 3)

	led, bl, vl, report, err := Recover(dir, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	defer bl.Close()
	defer vl.Close()

	if report.BlocksReplayed != 3 {
		t.Fatalf("blocks replayed = %d, want 3", report.BlocksReplayed)
	}
	if report.TruncatedAt != -1 {
		t.Fatalf("truncated at = %d, want -1 (clean chain)", report.TruncatedAt)
	}
	if led.LastHeight() != 2 {
		t.Fatalf("last height = %d, want 2", led.LastHeight())
	}
	for i, want := range blocks {
		got, err := led.GetBlock(uint64(i))
		if err != nil {
			t.Fatalf("get block %d: %v", i, err)
		}
		if got.Hash() != want.Hash() {
			t.Fatalf("replayed block %d hash mismatch", i)
		}
	}
}

func TestRecoverTruncatesCorruptTailAndStopsReplay(t *testing.T) {
	dir := t.TempDir()
	sealedChain(t, dir, 4)

	// Tamper with the verify-chain record for the last block so its SelfCRC
	// no longer validates.
	vl, err := OpenVerifyLog(filepath.Join(dir, "verify.log"))
	if err != nil {
		t.Fatalf("open verify log: %v", err)
	}
	n, err := vl.Len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	last, err := vl.At(n - 1)
	if err != nil {
		t.Fatalf("at %d: %v", n-1, err)
	}
	last.BlockHash[0] ^= 0xFF
	if _, err := vl.f.WriteAt(last.encode(), int64(n-1)*verifyRecordSize); err != nil {
		t.Fatalf("tamper last record: %v", err)
	}
	vl.Close()

	led, bl, vl2, report, err := Recover(dir, nil)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	defer bl.Close()
	defer vl2.Close()

	if report.TruncatedAt != n-1 {
		t.Fatalf("truncated at = %d, want %d", report.TruncatedAt, n-1)
	}
	if report.BlocksReplayed != n-1 {
		t.Fatalf("blocks replayed = %d, want %d", report.BlocksReplayed, n-1)
	}
	if led.LastHeight() != uint64(n-2) {
		t.Fatalf("last height = %d, want %d", led.LastHeight(), n-2)
	}
}
