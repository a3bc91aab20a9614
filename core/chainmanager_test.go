package core

import (
	"encoding/binary"
	"testing"
)

func newTestChainManager(t *testing.T) *ChainManager {
	t.Helper()
	cm, err := NewChainManager(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("new chain manager: %v", err)
	}
	return cm
}

// sealTestBlock executes txs against state positioned at parentRoots (or a
// fresh trie if origin is true) the same way a real sealer would, then fills
// in the header fields a StorageNewBlock caller is expected to have already
// computed. Returns the sealed block plus the roots it committed, so the
// caller can chain further blocks off of it.
func sealTestBlock(t *testing.T, trie *TrieDB, parentRoots Roots, origin bool, number uint64, prevHash Hash, txs []*Transaction) (*Block, Roots) {
	t.Helper()
	var state *StateDB
	blockType := BlockPrimary
	if origin {
		state = NewStateDB(trie, Hash{}, Hash{}, Hash{}, Hash{})
		blockType = BlockGenesis
	} else {
		state = NewStateDBFromRoots(trie, parentRoots)
	}

	blk := &Block{Header: BlockHeader{
		Version:  1,
		Type:     blockType,
		Number:   number,
		HashPrev: prevHash,
	}, Vtx: txs}

	roots, receipts, _, err := ExecuteBlock(state, blk)
	if err != nil {
		t.Fatalf("seal block %d: %v", number, err)
	}
	blk.Header.HashStateRoot = CompositeStateRoot(roots)
	blk.Header.HashReceiptsRoot = ReceiptsRoot(receipts)
	blk.Header.HashMerkleRoot = blk.MerkleRoot()
	return blk, roots
}

func mintTx(to Destination, amount int64) *Transaction {
	return &Transaction{
		TxType:       TxStake,
		From:         Destination{ID: [32]byte{0xF0}},
		To:           to,
		HasTo:        true,
		Amount:       NewAmount(amount),
		GasPrice:     NewAmount(0),
		GasLimit:     30_000,
		DataSections: map[DataTag][]byte{},
	}
}

func transferTx(from, to Destination, amount int64) *Transaction {
	return &Transaction{
		TxType:       TxToken,
		From:         from,
		To:           to,
		HasTo:        true,
		Amount:       NewAmount(amount),
		GasPrice:     NewAmount(1),
		GasLimit:     30_000,
		DataSections: map[DataTag][]byte{},
	}
}

func TestChainManagerLinearExtend(t *testing.T) {
	cm := newTestChainManager(t)
	primary := cm.Primary()
	trie := primary.Ledger.Trie()

	src := Destination{ID: [32]byte{0x01}}
	dst := Destination{ID: [32]byte{0x02}}

	genesis, gRoots := sealTestBlock(t, trie, Roots{}, true, 0, Hash{}, []*Transaction{mintTx(src, 100_000)})
	if err := cm.StorageNewBlock(PrimaryForkID, genesis); err != nil {
		t.Fatalf("ingest genesis: %v", err)
	}

	next, _ := sealTestBlock(t, trie, gRoots, false, 1, genesis.Hash(), []*Transaction{transferTx(src, dst, 1_000)})
	if err := cm.StorageNewBlock(PrimaryForkID, next); err != nil {
		t.Fatalf("ingest block 1: %v", err)
	}

	if got := primary.Ledger.LastHeight(); got != 1 {
		t.Fatalf("last height = %d, want 1", got)
	}
	tip, err := primary.Tip()
	if err != nil {
		t.Fatalf("tip: %v", err)
	}
	if tip.Hash() != next.Hash() {
		t.Fatalf("tip mismatch")
	}

	node := primary.index[next.Hash()]
	if node == nil {
		t.Fatalf("block 1 not indexed")
	}
	state := NewStateDBFromRoots(trie, node.Roots)
	acc, err := state.GetAccount(dst)
	if err != nil {
		t.Fatalf("get dst account: %v", err)
	}
	if acc.Balance.Cmp(NewAmount(1_000)) != 0 {
		t.Fatalf("dst balance = %s, want 1000", acc.Balance)
	}
}

func TestChainManagerRejectsBadStateRoot(t *testing.T) {
	cm := newTestChainManager(t)
	primary := cm.Primary()
	trie := primary.Ledger.Trie()

	genesis, _ := sealTestBlock(t, trie, Roots{}, true, 0, Hash{}, nil)
	genesis.Header.HashStateRoot[0] ^= 0xFF // corrupt the declared root
	if err := cm.StorageNewBlock(PrimaryForkID, genesis); err == nil {
		t.Fatalf("expected state root mismatch to be rejected")
	}
}

func TestChainManagerReorgSwitchesToHeavierFork(t *testing.T) {
	cm := newTestChainManager(t)
	primary := cm.Primary()
	trie := primary.Ledger.Trie()
	src := Destination{ID: [32]byte{0x01}}

	genesis, gRoots := sealTestBlock(t, trie, Roots{}, true, 0, Hash{}, []*Transaction{mintTx(src, 100_000)})
	if err := cm.StorageNewBlock(PrimaryForkID, genesis); err != nil {
		t.Fatalf("ingest genesis: %v", err)
	}

	// Branch A: one block.
	a1, _ := sealTestBlock(t, trie, gRoots, false, 1, genesis.Hash(), nil)
	if err := cm.StorageNewBlock(PrimaryForkID, a1); err != nil {
		t.Fatalf("ingest A1: %v", err)
	}
	if primary.Ledger.LastHeight() != 1 {
		t.Fatalf("expected branch A canonical at height 1")
	}

	// Branch B: two blocks off the same genesis, strictly more chainTrust
	// (two unit-weight blocks beat one).
	b1, bRoots := sealTestBlock(t, trie, gRoots, false, 1, genesis.Hash(), []*Transaction{transferTx(src, Destination{ID: [32]byte{0x03}}, 10)})
	if err := cm.StorageNewBlock(PrimaryForkID, b1); err != nil {
		t.Fatalf("ingest B1: %v", err)
	}
	// Still tied at height 1 with A1 (equal trust, different content) —
	// spec step 4 switches on ties too, so B1 should already be canonical.
	if tip, _ := primary.Tip(); tip.Hash() != b1.Hash() {
		t.Fatalf("expected B1 to win the height-1 tie")
	}

	b2, _ := sealTestBlock(t, trie, bRoots, false, 2, b1.Hash(), nil)
	if err := cm.StorageNewBlock(PrimaryForkID, b2); err != nil {
		t.Fatalf("ingest B2: %v", err)
	}

	if got := primary.Ledger.LastHeight(); got != 2 {
		t.Fatalf("last height = %d, want 2 (branch B should be canonical)", got)
	}
	blk2, err := primary.Ledger.GetBlock(2)
	if err != nil {
		t.Fatalf("get block 2: %v", err)
	}
	if blk2.Hash() != b2.Hash() {
		t.Fatalf("canonical block 2 is not B2")
	}
	blk1, err := primary.Ledger.GetBlock(1)
	if err != nil {
		t.Fatalf("get block 1: %v", err)
	}
	if blk1.Hash() != b1.Hash() {
		t.Fatalf("canonical block 1 should be B1, not A1")
	}
}

func TestScanForkCreationsDecodesAndCancels(t *testing.T) {
	var data [4]byte
	binary.BigEndian.PutUint32(data[:], 42)
	forkData := append(data[:], []byte("sidechain")...)

	create := &Transaction{
		TxType:       TxToken,
		From:         Destination{ID: [32]byte{0x01}},
		To:           ForkTemplateAddress,
		HasTo:        true,
		Amount:       NewAmount(0),
		DataSections: map[DataTag][]byte{DataForkData: forkData},
	}
	blk := &Block{Vtx: []*Transaction{create}}

	descs := scanForkCreations(blk)
	if len(descs) != 1 || descs[0].ChainID != 42 || descs[0].Name != "sidechain" {
		t.Fatalf("unexpected descriptors: %+v", descs)
	}

	cancel := &Transaction{TxType: TxToken, From: ForkTemplateAddress, HasTo: false}
	blkCancelled := &Block{Vtx: []*Transaction{create, cancel}}
	if got := scanForkCreations(blkCancelled); got != nil {
		t.Fatalf("expected cancellation to void fork creation, got %+v", got)
	}
}

func TestChainManagerRegisterForkFromBlock(t *testing.T) {
	cm := newTestChainManager(t)
	primary := cm.Primary()
	trie := primary.Ledger.Trie()

	genesis, gRoots := sealTestBlock(t, trie, Roots{}, true, 0, Hash{}, nil)
	if err := cm.StorageNewBlock(PrimaryForkID, genesis); err != nil {
		t.Fatalf("ingest genesis: %v", err)
	}

	var data [4]byte
	binary.BigEndian.PutUint32(data[:], 7)
	forkData := append(data[:], []byte("testfork")...)
	create := &Transaction{
		TxType:       TxToken,
		From:         Destination{ID: [32]byte{0x01}},
		To:           ForkTemplateAddress,
		HasTo:        true,
		Amount:       NewAmount(0),
		GasPrice:     NewAmount(0),
		GasLimit:     30_000,
		DataSections: map[DataTag][]byte{DataForkData: forkData},
	}

	next, _ := sealTestBlock(t, trie, gRoots, false, 1, genesis.Hash(), []*Transaction{create})
	if err := cm.StorageNewBlock(PrimaryForkID, next); err != nil {
		t.Fatalf("ingest block with fork creation: %v", err)
	}

	fork, ok := cm.Fork("testfork")
	if !ok {
		t.Fatalf("expected fork %q to be registered", "testfork")
	}
	if fork.ChainID != 7 {
		t.Fatalf("fork chain id = %d, want 7", fork.ChainID)
	}
	tip, err := fork.Tip()
	if err != nil {
		t.Fatalf("fork tip: %v", err)
	}
	if tip.Header.RefPrimary != next.Hash() {
		t.Fatalf("fork origin not pinned to triggering primary block")
	}
}
