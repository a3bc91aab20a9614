package core

import (
	"os"
	"path/filepath"
	"testing"
)

func testBlock(number uint64, seed byte) *Block {
	var prev Hash
	prev[0] = seed
	return &Block{
		Header: BlockHeader{
			Version:          1,
			Type:             BlockPrimary,
			Number:           number,
			HashPrev:         prev,
			HashStateRoot:    Hash{seed, 1},
			HashReceiptsRoot: Hash{seed, 2},
		},
	}
}

func TestBlockLogAppendAndReadAt(t *testing.T) {
	bl, err := OpenBlockLog(filepath.Join(t.TempDir(), "blocklog"), DefaultChunkSize)
	if err != nil {
		t.Fatalf("open block log: %v", err)
	}
	defer bl.Close()

	blk := testBlock(1, 0x11)
	loc, _, err := bl.Append(blk)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, _, err := bl.ReadAt(loc)
	if err != nil {
		t.Fatalf("read at: %v", err)
	}
	if got.Hash() != blk.Hash() {
		t.Fatalf("read-back block hash mismatch")
	}
}

func TestBlockLogWalkReplaysInOrder(t *testing.T) {
	bl, err := OpenBlockLog(filepath.Join(t.TempDir(), "blocklog"), DefaultChunkSize)
	if err != nil {
		t.Fatalf("open block log: %v", err)
	}
	defer bl.Close()

	var want []Hash
	for i := uint64(0); i < 5; i++ {
		blk := testBlock(i, byte(i)+1)
		if _, _, err := bl.Append(blk); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		want = append(want, blk.Hash())
	}

	var got []Hash
	if err := bl.Walk(func(loc BlockLogLocation, blk *Block, crc uint32) error {
		got = append(got, blk.Hash())
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("walked %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d hash mismatch", i)
		}
	}
}

func TestBlockLogDetectsCorruption(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "blocklog")
	bl, err := OpenBlockLog(dir, DefaultChunkSize)
	if err != nil {
		t.Fatalf("open block log: %v", err)
	}
	loc, _, err := bl.Append(testBlock(0, 0x42))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	bl.Close()

	path := bl.chunkPath(loc.Chunk)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read chunk file: %v", err)
	}
	// Flip a byte inside the payload (past the 4-byte length header) so the
	// stored CRC no longer matches.
	raw[5] ^= 0xFF
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("write corrupted chunk: %v", err)
	}

	bl2, err := OpenBlockLog(dir, DefaultChunkSize)
	if err != nil {
		t.Fatalf("reopen block log: %v", err)
	}
	defer bl2.Close()
	if _, _, err := bl2.ReadAt(loc); err == nil {
		t.Fatalf("expected corrupted record to be rejected by its CRC")
	}
}

func TestBlockLogRollsChunks(t *testing.T) {
	// A tiny chunk size forces every append past the first to roll to a new
	// chunk file.
	bl, err := OpenBlockLog(filepath.Join(t.TempDir(), "blocklog"), 64)
	if err != nil {
		t.Fatalf("open block log: %v", err)
	}
	defer bl.Close()

	var locs []BlockLogLocation
	for i := uint64(0); i < 4; i++ {
		loc, _, err := bl.Append(testBlock(i, byte(i)+1))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		locs = append(locs, loc)
	}

	seen := map[uint32]bool{}
	for _, loc := range locs {
		seen[loc.Chunk] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expected appends to span more than one chunk, got chunks %v", seen)
	}
}
