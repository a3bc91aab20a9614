package core

import "testing"

func newTestStateDB() *StateDB {
	return NewStateDB(NewTrieDB(), Hash{}, Hash{}, Hash{}, Hash{})
}

func TestStateDBAccountReadYourOwnWrites(t *testing.T) {
	state := newTestStateDB()
	d := Destination{ID: [32]byte{0x01}}

	acc, err := state.GetAccount(d)
	if err != nil {
		t.Fatalf("get fresh account: %v", err)
	}
	if acc.Balance.Sign() != 0 {
		t.Fatalf("fresh account balance = %s, want 0", acc.Balance)
	}

	acc.Balance = NewAmount(500)
	state.PutAccount(d, acc)

	got, err := state.GetAccount(d)
	if err != nil {
		t.Fatalf("get account after put: %v", err)
	}
	if got.Balance.Cmp(NewAmount(500)) != 0 {
		t.Fatalf("balance = %s, want 500", got.Balance)
	}
}

func TestStateDBAccountSurvivesCommitAndReopen(t *testing.T) {
	trie := NewTrieDB()
	state := NewStateDB(trie, Hash{}, Hash{}, Hash{}, Hash{})
	d := Destination{ID: [32]byte{0x02}}
	acc, _ := state.GetAccount(d)
	acc.Balance = NewAmount(1_234)
	state.PutAccount(d, acc)

	roots, err := state.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened := NewStateDBFromRoots(trie, roots)
	got, err := reopened.GetAccount(d)
	if err != nil {
		t.Fatalf("get account from reopened state: %v", err)
	}
	if got.Balance.Cmp(NewAmount(1_234)) != 0 {
		t.Fatalf("reopened balance = %s, want 1234", got.Balance)
	}
}

func TestStateDBCodeRoundTrip(t *testing.T) {
	state := newTestStateDB()
	code := []byte{0x60, 0x01, 0x60, 0x00, 0x55}
	h := state.PutCode(code)

	got, err := state.GetCode(h)
	if err != nil {
		t.Fatalf("get code: %v", err)
	}
	if string(got) != string(code) {
		t.Fatalf("code = %x, want %x", got, code)
	}

	if _, err := state.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, err = state.GetCode(h)
	if err != nil {
		t.Fatalf("get code after commit: %v", err)
	}
	if string(got) != string(code) {
		t.Fatalf("code after commit = %x, want %x", got, code)
	}
}

func TestStateDBStorageFoldsIntoAccountRoot(t *testing.T) {
	trie := NewTrieDB()
	state := NewStateDB(trie, Hash{}, Hash{}, Hash{}, Hash{})
	d := Destination{ID: [32]byte{0x03}}
	slot := Hash{0x01}
	value := Hash{0xAB}

	state.SetState(d, slot, value)
	got, err := state.GetState(d, slot)
	if err != nil {
		t.Fatalf("get state before commit: %v", err)
	}
	if got != value {
		t.Fatalf("pre-commit state = %x, want %x", got, value)
	}

	// Touching storage requires the account itself to exist in dirtyAccounts
	// for Commit to fold the storage root into it.
	acc, _ := state.GetAccount(d)
	state.PutAccount(d, acc)

	roots, err := state.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	reopened := NewStateDBFromRoots(trie, roots)
	got, err = reopened.GetState(d, slot)
	if err != nil {
		t.Fatalf("get state after reopen: %v", err)
	}
	if got != value {
		t.Fatalf("post-commit state = %x, want %x", got, value)
	}
}

func TestStateDBVoteRoundTrip(t *testing.T) {
	state := newTestStateDB()
	addr := Destination{ID: [32]byte{0x04}}
	rec := &VoteRecord{Kind: VoteKindPledge, Holder: addr, Amount: NewAmount(100), FinalHeight: 500}
	state.PutVote(addr, rec)

	got, err := state.GetVote(addr)
	if err != nil {
		t.Fatalf("get vote: %v", err)
	}
	if got.FinalHeight != 500 || got.Amount.Cmp(NewAmount(100)) != 0 {
		t.Fatalf("vote = %+v, want FinalHeight=500 Amount=100", got)
	}
}

func TestStateDBWalkVotesSeesDirtyAndCommittedRecords(t *testing.T) {
	trie := NewTrieDB()
	state := NewStateDB(trie, Hash{}, Hash{}, Hash{}, Hash{})

	committed := Destination{ID: [32]byte{0x05}}
	state.PutVote(committed, &VoteRecord{Kind: VoteKindDelegate, Holder: committed, Amount: NewAmount(1)})
	roots, err := state.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	next := NewStateDBFromRoots(trie, roots)
	dirty := Destination{ID: [32]byte{0x06}}
	next.PutVote(dirty, &VoteRecord{Kind: VoteKindUser, Holder: dirty, Amount: NewAmount(2)})

	seen := map[Destination]VoteKind{}
	if err := next.WalkVotes(func(addr Destination, v *VoteRecord) error {
		seen[addr] = v.Kind
		return nil
	}); err != nil {
		t.Fatalf("walk votes: %v", err)
	}

	if seen[committed] != VoteKindDelegate {
		t.Fatalf("missing/incorrect committed record: %+v", seen)
	}
	if seen[dirty] != VoteKindUser {
		t.Fatalf("missing/incorrect dirty record: %+v", seen)
	}
	if len(seen) != 2 {
		t.Fatalf("walked %d records, want 2", len(seen))
	}
}

func TestStateDBWalkVotesDirtyOverridesCommitted(t *testing.T) {
	trie := NewTrieDB()
	state := NewStateDB(trie, Hash{}, Hash{}, Hash{}, Hash{})
	addr := Destination{ID: [32]byte{0x07}}
	state.PutVote(addr, &VoteRecord{Kind: VoteKindDelegate, Holder: addr, Amount: NewAmount(1)})
	roots, err := state.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	next := NewStateDBFromRoots(trie, roots)
	next.PutVote(addr, &VoteRecord{Kind: VoteKindPledge, Holder: addr, Amount: NewAmount(99)})

	var kinds []VoteKind
	if err := next.WalkVotes(func(_ Destination, v *VoteRecord) error {
		kinds = append(kinds, v.Kind)
		return nil
	}); err != nil {
		t.Fatalf("walk votes: %v", err)
	}
	if len(kinds) != 1 || kinds[0] != VoteKindPledge {
		t.Fatalf("walked kinds = %v, want exactly [VoteKindPledge] (the staged write must shadow the committed one)", kinds)
	}
}

func TestStateDBTxLocationAndReceiptRoundTrip(t *testing.T) {
	state := newTestStateDB()
	txid := Hash{0x01}
	state.PutTxLocation(txid, TxLocation{BlockNumber: 7, TxIndex: 2})
	loc, found, err := state.GetTxLocation(txid)
	if err != nil || !found {
		t.Fatalf("get tx location = (found=%v, err=%v)", found, err)
	}
	if loc.BlockNumber != 7 || loc.TxIndex != 2 {
		t.Fatalf("tx location = %+v, want {7 2}", loc)
	}

	receipt := &Receipt{TxID: txid, Status: ReceiptStatusSuccess}
	state.PutReceipt(receipt)
	got, found, err := state.GetReceipt(txid)
	if err != nil || !found {
		t.Fatalf("get receipt = (found=%v, err=%v)", found, err)
	}
	if got.Status != ReceiptStatusSuccess {
		t.Fatalf("receipt status = %d, want success", got.Status)
	}
}

func TestStateDBAddressTxWalkInInclusionOrder(t *testing.T) {
	state := newTestStateDB()
	addr := Destination{ID: [32]byte{0x08}}
	txA := Hash{0xAA}
	txB := Hash{0xBB}
	state.IndexAddressTx(addr, txA, TxLocation{BlockNumber: 1, TxIndex: 0})
	state.IndexAddressTx(addr, txB, TxLocation{BlockNumber: 2, TxIndex: 0})

	var got []Hash
	if err := state.WalkAddressTx(addr, func(txid Hash) error {
		got = append(got, txid)
		return nil
	}); err != nil {
		t.Fatalf("walk address tx: %v", err)
	}
	if len(got) != 2 || got[0] != txA || got[1] != txB {
		t.Fatalf("walked %v, want [%x %x] in inclusion order", got, txA, txB)
	}
}

func TestStateDBVoteRewardAccumulates(t *testing.T) {
	state := newTestStateDB()
	holder := Destination{ID: [32]byte{0x09}}

	if err := state.AddVoteReward(holder, NewAmount(100)); err != nil {
		t.Fatalf("add vote reward: %v", err)
	}
	if err := state.AddVoteReward(holder, NewAmount(50)); err != nil {
		t.Fatalf("add vote reward: %v", err)
	}

	got, err := state.GetVoteReward(holder)
	if err != nil {
		t.Fatalf("get vote reward: %v", err)
	}
	if got.Cmp(NewAmount(150)) != 0 {
		t.Fatalf("accumulated vote reward = %s, want 150", got)
	}
}

func TestCompositeStateRootChangesWithEachSubRoot(t *testing.T) {
	base := Roots{}
	baseHash := CompositeStateRoot(base)

	variants := []Roots{
		{Accounts: Hash{0x01}},
		{Code: Hash{0x01}},
		{Storage: Hash{0x01}},
		{Vote: Hash{0x01}},
		{TxIndex: Hash{0x01}},
		{Receipt: Hash{0x01}},
		{AddressTx: Hash{0x01}},
		{VoteReward: Hash{0x01}},
	}
	seen := map[Hash]bool{baseHash: true}
	for i, r := range variants {
		h := CompositeStateRoot(r)
		if seen[h] {
			t.Fatalf("variant %d produced a composite root colliding with an earlier root", i)
		}
		seen[h] = true
	}
}

func TestBigToHashAndHashToBigRoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, 255, 65536, 1_000_000_007} {
		h := BigToHash(NewAmount(v))
		got := HashToBig(h)
		if got.Cmp(NewAmount(v)) != 0 {
			t.Fatalf("round trip %d -> %x -> %s", v, h, got)
		}
	}
}
