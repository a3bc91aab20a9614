package core

import "testing"

func newExecutorTestState() *StateDB {
	return NewStateDB(NewTrieDB(), Hash{}, Hash{}, Hash{}, Hash{})
}

func TestExecuteTransactionPlainTransfer(t *testing.T) {
	state := newExecutorTestState()
	src := Destination{ID: [32]byte{0x01}}
	dst := Destination{ID: [32]byte{0x02}}
	srcAcc, _ := state.GetAccount(src)
	srcAcc.Balance = NewAmount(100_000)
	state.PutAccount(src, srcAcc)

	tx := &Transaction{
		TxType:       TxToken,
		From:         src,
		To:           dst,
		HasTo:        true,
		Amount:       NewAmount(1_000),
		GasPrice:     NewAmount(2),
		GasLimit:     30_000,
		DataSections: map[DataTag][]byte{},
	}
	res, err := ExecuteTransaction(state, tx, 1, 0)
	if err != nil {
		t.Fatalf("execute transaction: %v", err)
	}
	if res.Receipt.Status != ReceiptStatusSuccess {
		t.Fatalf("receipt status = %d, want success", res.Receipt.Status)
	}

	gotSrc, err := state.GetAccount(src)
	if err != nil {
		t.Fatalf("get src: %v", err)
	}
	fee := int64(2 * 21_000)
	wantSrc := int64(100_000) - 1_000 - fee
	if gotSrc.Balance.Cmp(NewAmount(wantSrc)) != 0 {
		t.Fatalf("src balance = %s, want %d", gotSrc.Balance, wantSrc)
	}

	gotDst, err := state.GetAccount(dst)
	if err != nil {
		t.Fatalf("get dst: %v", err)
	}
	if gotDst.Balance.Cmp(NewAmount(1_000)) != 0 {
		t.Fatalf("dst balance = %s, want 1000", gotDst.Balance)
	}
}

func TestExecuteTransactionRejectsInsufficientFunds(t *testing.T) {
	state := newExecutorTestState()
	src := Destination{ID: [32]byte{0x01}}
	dst := Destination{ID: [32]byte{0x02}}
	srcAcc, _ := state.GetAccount(src)
	srcAcc.Balance = NewAmount(500)
	state.PutAccount(src, srcAcc)

	tx := &Transaction{
		TxType:       TxToken,
		From:         src,
		To:           dst,
		HasTo:        true,
		Amount:       NewAmount(1_000),
		GasPrice:     NewAmount(0),
		GasLimit:     30_000,
		DataSections: map[DataTag][]byte{},
	}
	if _, err := ExecuteTransaction(state, tx, 1, 0); err == nil {
		t.Fatalf("expected transfer exceeding balance to be rejected")
	}
}

func TestExecuteTransactionRejectsGasBelowIntrinsic(t *testing.T) {
	state := newExecutorTestState()
	src := Destination{ID: [32]byte{0x01}}
	srcAcc, _ := state.GetAccount(src)
	srcAcc.Balance = NewAmount(10_000)
	state.PutAccount(src, srcAcc)

	tx := &Transaction{
		TxType:       TxToken,
		From:         src,
		To:           Destination{ID: [32]byte{0x02}},
		HasTo:        true,
		Amount:       NewAmount(1),
		GasPrice:     NewAmount(1),
		GasLimit:     100, // below the 21000 intrinsic cost
		DataSections: map[DataTag][]byte{},
	}
	if _, err := ExecuteTransaction(state, tx, 1, 0); err == nil {
		t.Fatalf("expected gas limit below intrinsic cost to be rejected")
	}
}

func TestExecuteTransactionMintCreditsRecipient(t *testing.T) {
	state := newExecutorTestState()
	proposer := Destination{ID: [32]byte{0x01}}
	miner := Destination{ID: [32]byte{0xF0}}

	tx := &Transaction{
		TxType:       TxStake,
		From:         miner,
		To:           proposer,
		HasTo:        true,
		Amount:       NewAmount(50_000),
		GasPrice:     NewAmount(0),
		GasLimit:     30_000,
		DataSections: map[DataTag][]byte{},
	}
	if _, err := ExecuteTransaction(state, tx, 1, 0); err != nil {
		t.Fatalf("execute mint transaction: %v", err)
	}

	acc, err := state.GetAccount(proposer)
	if err != nil {
		t.Fatalf("get proposer account: %v", err)
	}
	if acc.Balance.Cmp(NewAmount(50_000)) != 0 {
		t.Fatalf("proposer balance = %s, want 50000", acc.Balance)
	}
}

// TestExecuteBlockSettlesPledgeRedemptionAtFinalHeight covers executor.go's
// block-level pledge-redemption sweep: a pledge vote record whose
// FinalHeight lands exactly on the executed block's height is paid out from
// its escrow to its holder, even when the block carries no transactions
// naming that pledge.
func TestExecuteBlockSettlesPledgeRedemptionAtFinalHeight(t *testing.T) {
	state := newExecutorTestState()
	owner := Destination{ID: [32]byte{0x01}}
	delegate := Destination{ID: [32]byte{0x02}}
	addr := derivePledgeAddress(delegate, owner, 1, 1, 0)

	escrow, _ := state.GetAccount(addr)
	escrow.Balance = NewAmount(5_000)
	state.PutAccount(addr, escrow)

	ownerAcc, _ := state.GetAccount(owner)
	ownerAcc.Balance = NewAmount(0)
	state.PutAccount(owner, ownerAcc)

	const finalHeight = 216_000
	state.PutVote(addr, &VoteRecord{
		Kind:        VoteKindPledge,
		Holder:      owner,
		Delegate:    delegate,
		PledgeType:  1,
		Cycles:      1,
		Amount:      NewAmount(5_000),
		FinalHeight: finalHeight,
	})

	blk := &Block{Header: BlockHeader{Version: 1, Type: BlockPrimary, Number: finalHeight}}
	if _, _, _, err := ExecuteBlock(state, blk); err != nil {
		t.Fatalf("execute block: %v", err)
	}

	gotOwner, err := state.GetAccount(owner)
	if err != nil {
		t.Fatalf("get owner account: %v", err)
	}
	if gotOwner.Balance.Cmp(NewAmount(5_000)) != 0 {
		t.Fatalf("owner balance = %s, want 5000 after pledge redemption", gotOwner.Balance)
	}

	rec, err := state.GetVote(addr)
	if err != nil {
		t.Fatalf("get vote after redemption: %v", err)
	}
	if rec.Amount.Sign() != 0 {
		t.Fatalf("pledge record amount = %s, want 0 after redemption", rec.Amount)
	}
}

// TestExecuteBlockDeterministicStateRoot covers spec §8 property 8:
// re-executing the same block from the same parent root yields the same
// composite state root.
func TestExecuteBlockDeterministicStateRoot(t *testing.T) {
	trie := NewTrieDB()
	src := Destination{ID: [32]byte{0x01}}
	dst := Destination{ID: [32]byte{0x02}}

	build := func() Roots {
		state := NewStateDB(trie, Hash{}, Hash{}, Hash{}, Hash{})
		srcAcc, _ := state.GetAccount(src)
		srcAcc.Balance = NewAmount(100_000)
		state.PutAccount(src, srcAcc)
		roots, err := state.Commit()
		if err != nil {
			t.Fatalf("commit funding state: %v", err)
		}
		return roots
	}
	parentRoots := build()

	runBlock := func() Roots {
		state := NewStateDBFromRoots(trie, parentRoots)
		tx := &Transaction{
			TxType:       TxToken,
			From:         src,
			To:           dst,
			HasTo:        true,
			Amount:       NewAmount(1_000),
			GasPrice:     NewAmount(1),
			GasLimit:     30_000,
			DataSections: map[DataTag][]byte{},
		}
		blk := &Block{Header: BlockHeader{Version: 1, Type: BlockPrimary, Number: 1}, Vtx: []*Transaction{tx}}
		roots, _, _, err := ExecuteBlock(state, blk)
		if err != nil {
			t.Fatalf("execute block: %v", err)
		}
		return roots
	}

	first := runBlock()
	second := runBlock()
	if CompositeStateRoot(first) != CompositeStateRoot(second) {
		t.Fatalf("replaying the same block from the same parent root produced different state roots")
	}
}
