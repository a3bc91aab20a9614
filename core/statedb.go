package core

import (
	"encoding/binary"
	"encoding/json"
	"math/big"
	"sync"
)

// statedb.go layers typed accessors over the raw TrieDB, one sub-trie per
// concern (spec §4.2): accounts, contract storage (folded into the owning
// account record, below), contract code, delegate votes, tx index,
// receipt-by-txid, address->tx, and vote-reward ledgers each get their own
// namespaced root so a reader can prove one concern without touching
// another. Block-by-number is instead a flat ledger-level index maintained
// by the chain manager (see blockNumberKey, chainmanager.go) since it is
// fork-scoped bookkeeping rather than consensus-critical state.

// StateDB is the block executor's view onto world state: every write stages
// into an in-memory overlay; Commit folds the overlay into the trie and
// returns the composite state root (CompositeStateRoot) stored in the block
// header.
type StateDB struct {
	mu sync.Mutex

	trie *TrieDB

	accountsRoot   Hash
	codeRoot       Hash
	storageRoot    Hash // reserved composite root slot; real storage lives folded into AccountState.StorageRoot
	voteRoot       Hash
	txIndexRoot    Hash
	receiptRoot    Hash
	addressTxRoot  Hash
	voteRewardRoot Hash

	dirtyAccounts map[Destination]*AccountState
	dirtyCode     map[Hash][]byte
	dirtyStorage  map[Destination]map[Hash][]byte
	dirtyVotes    map[Destination]*VoteRecord

	dirtyTxIndex    map[Hash]TxLocation
	dirtyReceipts   map[Hash]*Receipt
	dirtyAddressTx  map[string]Hash // pre-formatted addressTxKey -> txid
	dirtyVoteReward map[Destination]*Amount

	logs      []Log
	transfers []Transfer
}

// VoteKind distinguishes the four record shapes the function contract
// (function_contract.go) stores in the vote sub-trie, keyed by the record's
// derived template address rather than by the account that owns it.
type VoteKind uint8

const (
	VoteKindDelegate VoteKind = iota
	VoteKindUser
	VoteKindPledge
	VoteKindFunctionAddr
)

// VoteRecord tracks one staking-style relationship: a delegate vote, a user
// vote, a pledge, or (VoteKindFunctionAddr) a reserved function-address
// table entry. Only the fields relevant to Kind are populated; unused
// numeric fields are left zero rather than split into four structs so
// function_contract.go's handlers share one GetVote/PutVote accessor pair.
type VoteRecord struct {
	Kind        VoteKind
	Holder      Destination // sender/owner who placed the vote, pledge, or table edit
	Delegate    Destination // delegate mint address, or (VoteKindFunctionAddr) the stored address
	RewardMode  uint32      // userVote rewardMode / delegateVote rewardRatio
	PledgeType  uint32
	Cycles      uint32
	Nonce       uint32
	Amount      *Amount
	FinalHeight uint64 // 0 = unlimited lock; redeemable once blockHeight >= FinalHeight (delegate votes: once blockHeight+1 >= FinalHeight)
	Locked      bool   // setFunctionAddress's disableFutureModify
}

// TxLocation pinpoints where a transaction landed once included in a block,
// the tx-index layer's value (spec §4.2 "Tx-index").
type TxLocation struct {
	BlockNumber uint64
	TxIndex     uint32
}

// Roots is the full set of sub-roots a StateDB composes into one block state
// root; StateDB.Commit returns one of these and CompositeStateRoot folds it.
type Roots struct {
	Accounts   Hash
	Code       Hash
	Storage    Hash
	Vote       Hash
	TxIndex    Hash
	Receipt    Hash
	AddressTx  Hash
	VoteReward Hash
}

func NewStateDB(trie *TrieDB, accountsRoot, codeRoot, storageRoot, voteRoot Hash) *StateDB {
	return &StateDB{
		trie:            trie,
		accountsRoot:    accountsRoot,
		codeRoot:        codeRoot,
		storageRoot:     storageRoot,
		voteRoot:        voteRoot,
		dirtyAccounts:   make(map[Destination]*AccountState),
		dirtyCode:       make(map[Hash][]byte),
		dirtyStorage:    make(map[Destination]map[Hash][]byte),
		dirtyVotes:      make(map[Destination]*VoteRecord),
		dirtyTxIndex:    make(map[Hash]TxLocation),
		dirtyReceipts:   make(map[Hash]*Receipt),
		dirtyAddressTx:  make(map[string]Hash),
		dirtyVoteReward: make(map[Destination]*Amount),
	}
}

// NewStateDBFromRoots reopens a StateDB at a previously committed Roots
// value, used by the chain manager when switching the active fork (spec §8
// property 9: reorg correctness) and by recovery.go when resuming at the
// last verified block.
func NewStateDBFromRoots(trie *TrieDB, r Roots) *StateDB {
	s := NewStateDB(trie, r.Accounts, r.Code, r.Storage, r.Vote)
	s.txIndexRoot = r.TxIndex
	s.receiptRoot = r.Receipt
	s.addressTxRoot = r.AddressTx
	s.voteRewardRoot = r.VoteReward
	return s
}

func (s *StateDB) GetAccount(d Destination) (*AccountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.dirtyAccounts[d]; ok {
		return a, nil
	}
	raw, found, err := s.trie.Retrieve(s.accountsRoot, d.Bytes())
	if err != nil {
		return nil, err
	}
	if !found {
		return NewAccountState(), nil
	}
	var a AccountState
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, NewChainError(ErrDbCorrupt, "StateDB.GetAccount", err)
	}
	return &a, nil
}

func (s *StateDB) PutAccount(d Destination, a *AccountState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtyAccounts[d] = a
}

func (s *StateDB) GetCode(codeHash Hash) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.dirtyCode[codeHash]; ok {
		return c, nil
	}
	raw, found, err := s.trie.Retrieve(s.codeRoot, codeHash[:])
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return raw, nil
}

func (s *StateDB) PutCode(code []byte) Hash {
	h := keccak256(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtyCode[h] = code
	return h
}

// storageKey is the slot hash itself; distinct accounts do not alias because
// each account's slots live in its own sub-trie under its StorageRoot.
func storageKey(slot Hash) []byte { return slot[:] }

func (s *StateDB) GetState(account Destination, slot Hash) (Hash, error) {
	s.mu.Lock()
	if m, ok := s.dirtyStorage[account]; ok {
		if v, ok := m[slot]; ok {
			s.mu.Unlock()
			var h Hash
			copy(h[:], v)
			return h, nil
		}
	}
	s.mu.Unlock()

	acct, err := s.GetAccount(account)
	if err != nil {
		return Hash{}, err
	}
	raw, found, err := s.trie.Retrieve(acct.StorageRoot, storageKey(slot))
	if err != nil {
		return Hash{}, err
	}
	if !found {
		return Hash{}, nil
	}
	var h Hash
	copy(h[:], raw)
	return h, nil
}

func (s *StateDB) SetState(account Destination, slot, value Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.dirtyStorage[account]
	if !ok {
		m = make(map[Hash][]byte)
		s.dirtyStorage[account] = m
	}
	m[slot] = value[:]
}

func (s *StateDB) GetVote(holder Destination) (*VoteRecord, error) {
	s.mu.Lock()
	if v, ok := s.dirtyVotes[holder]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()
	raw, found, err := s.trie.Retrieve(s.voteRoot, holder.Bytes())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	var v VoteRecord
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, NewChainError(ErrDbCorrupt, "StateDB.GetVote", err)
	}
	return &v, nil
}

func (s *StateDB) PutVote(holder Destination, v *VoteRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtyVotes[holder] = v
}

// WalkVotes visits every vote record reachable this block: first the
// not-yet-committed entries staged this block, then every previously
// committed entry the current block hasn't touched, in that order. Used by
// executor.go's pledge-redemption sweep (spec §4.4.2) which must see a
// pledge's just-staged FinalHeight as well as pledges committed in earlier
// blocks.
func (s *StateDB) WalkVotes(fn func(addr Destination, v *VoteRecord) error) error {
	s.mu.Lock()
	visited := make(map[Destination]bool, len(s.dirtyVotes))
	dirty := make([]struct {
		addr Destination
		v    *VoteRecord
	}, 0, len(s.dirtyVotes))
	for addr, v := range s.dirtyVotes {
		visited[addr] = true
		dirty = append(dirty, struct {
			addr Destination
			v    *VoteRecord
		}{addr, v})
	}
	root := s.voteRoot
	s.mu.Unlock()

	for _, d := range dirty {
		if err := fn(d.addr, d.v); err != nil {
			return err
		}
	}
	return s.trie.Walk(root, WalkOptions{}, func(key, value []byte) error {
		addr, ok := DestinationFromBytes(key)
		if !ok || visited[addr] {
			return nil
		}
		var v VoteRecord
		if err := json.Unmarshal(value, &v); err != nil {
			return NewChainError(ErrDbCorrupt, "StateDB.WalkVotes", err)
		}
		return fn(addr, &v)
	})
}

//---------------------------------------------------------------------
// Tx-index / receipt-by-txid / address-tx / vote-reward layers (§4.2)
//---------------------------------------------------------------------

// PutTxLocation records where txid landed, queryable by RPC/explorer code
// without replaying the whole block.
func (s *StateDB) PutTxLocation(txid Hash, loc TxLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtyTxIndex[txid] = loc
}

func (s *StateDB) GetTxLocation(txid Hash) (TxLocation, bool, error) {
	s.mu.Lock()
	if loc, ok := s.dirtyTxIndex[txid]; ok {
		s.mu.Unlock()
		return loc, true, nil
	}
	s.mu.Unlock()
	raw, found, err := s.trie.Retrieve(s.txIndexRoot, txid[:])
	if err != nil || !found {
		return TxLocation{}, false, err
	}
	var loc TxLocation
	if err := json.Unmarshal(raw, &loc); err != nil {
		return TxLocation{}, false, NewChainError(ErrDbCorrupt, "StateDB.GetTxLocation", err)
	}
	return loc, true, nil
}

// PutReceipt indexes a receipt by its transaction id for point lookups,
// independent of the per-block Merkle receipts root in the block header.
func (s *StateDB) PutReceipt(r *Receipt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtyReceipts[r.TxID] = r
}

func (s *StateDB) GetReceipt(txid Hash) (*Receipt, bool, error) {
	s.mu.Lock()
	if r, ok := s.dirtyReceipts[txid]; ok {
		s.mu.Unlock()
		return r, true, nil
	}
	s.mu.Unlock()
	raw, found, err := s.trie.Retrieve(s.receiptRoot, txid[:])
	if err != nil || !found {
		return nil, false, err
	}
	var r Receipt
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, NewChainError(ErrDbCorrupt, "StateDB.GetReceipt", err)
	}
	return &r, true, nil
}

// addressTxKey orders an address's transactions by (blockNumber, txIndex) so
// Walk(addressTxRoot, WalkOptions{Prefix: addr.Bytes()}) yields them in
// inclusion order and supports BeginKey-based pagination.
func addressTxKey(addr Destination, loc TxLocation) []byte {
	key := append([]byte{}, addr.Bytes()...)
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], loc.BlockNumber)
	binary.BigEndian.PutUint32(b[8:], loc.TxIndex)
	return append(key, b[:]...)
}

// IndexAddressTx records that addr was touched (as sender or receiver) by
// txid at loc, for the "transactions by address" explorer query.
func (s *StateDB) IndexAddressTx(addr Destination, txid Hash, loc TxLocation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtyAddressTx[string(addressTxKey(addr, loc))] = txid
}

// WalkAddressTx visits every tx id recorded against addr in inclusion order.
func (s *StateDB) WalkAddressTx(addr Destination, fn func(txid Hash) error) error {
	return s.trie.Walk(s.addressTxRoot, WalkOptions{Prefix: addr.Bytes()}, func(_ []byte, value []byte) error {
		var h Hash
		copy(h[:], value)
		return fn(h)
	})
}

// AddVoteReward accumulates a delegate-reward payout against holder's
// vote-reward ledger entry, separate from the plain balance so a client can
// distinguish "paid out as a transfer" from "accrued as vote reward" (spec
// §8 property 10: vote unlock accounting).
func (s *StateDB) AddVoteReward(holder Destination, amount *Amount) error {
	cur, err := s.GetVoteReward(holder)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.dirtyVoteReward[holder] = new(big.Int).Add(cur, amount)
	s.mu.Unlock()
	return nil
}

func (s *StateDB) GetVoteReward(holder Destination) (*Amount, error) {
	s.mu.Lock()
	if v, ok := s.dirtyVoteReward[holder]; ok {
		s.mu.Unlock()
		return new(big.Int).Set(v), nil
	}
	s.mu.Unlock()
	raw, found, err := s.trie.Retrieve(s.voteRewardRoot, holder.Bytes())
	if err != nil {
		return nil, err
	}
	if !found {
		return big.NewInt(0), nil
	}
	var h Hash
	copy(h[:], raw)
	return HashToBig(h), nil
}

func (s *StateDB) AddLog(l Log)           { s.logs = append(s.logs, l) }
func (s *StateDB) AddTransfer(t Transfer) { s.transfers = append(s.transfers, t) }
func (s *StateDB) Logs() []Log            { return s.logs }
func (s *StateDB) Transfers() []Transfer  { return s.transfers }

// Commit folds every staged write into the trie and returns the sub-roots
// that together make up CompositeStateRoot (and hence
// Block.Header.HashStateRoot).
func (s *StateDB) Commit() (Roots, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	out := Roots{
		Accounts:   s.accountsRoot,
		Code:       s.codeRoot,
		Storage:    s.storageRoot,
		Vote:       s.voteRoot,
		TxIndex:    s.txIndexRoot,
		Receipt:    s.receiptRoot,
		AddressTx:  s.addressTxRoot,
		VoteReward: s.voteRewardRoot,
	}

	// Contract/account storage folds into the owning account record before
	// the account trie is written, so HashStateRoot transitively commits to
	// every contract's storage without a separate top-level storage trie.
	accountKV := make(map[string][]byte, len(s.dirtyAccounts))
	for d, a := range s.dirtyAccounts {
		if slots := s.dirtyStorage[d]; len(slots) > 0 {
			storageKV := make(map[string][]byte, len(slots))
			for slot, val := range slots {
				storageKV[string(storageKey(slot))] = val
			}
			a.StorageRoot, err = s.trie.Add(a.StorageRoot, storageKV)
			if err != nil {
				return Roots{}, err
			}
		}
		raw, merr := json.Marshal(a)
		if merr != nil {
			return Roots{}, merr
		}
		accountKV[string(d.Bytes())] = raw
	}
	out.Accounts, err = s.trie.Add(out.Accounts, accountKV)
	if err != nil {
		return Roots{}, err
	}

	codeKV := make(map[string][]byte, len(s.dirtyCode))
	for h, code := range s.dirtyCode {
		codeKV[string(h[:])] = code
	}
	out.Code, err = s.trie.Add(out.Code, codeKV)
	if err != nil {
		return Roots{}, err
	}

	voteKV := make(map[string][]byte, len(s.dirtyVotes))
	for holder, v := range s.dirtyVotes {
		raw, merr := json.Marshal(v)
		if merr != nil {
			return Roots{}, merr
		}
		voteKV[string(holder.Bytes())] = raw
	}
	out.Vote, err = s.trie.Add(out.Vote, voteKV)
	if err != nil {
		return Roots{}, err
	}

	txIndexKV := make(map[string][]byte, len(s.dirtyTxIndex))
	for txid, loc := range s.dirtyTxIndex {
		raw, _ := json.Marshal(loc)
		txIndexKV[string(txid[:])] = raw
	}
	out.TxIndex, err = s.trie.Add(out.TxIndex, txIndexKV)
	if err != nil {
		return Roots{}, err
	}

	receiptKV := make(map[string][]byte, len(s.dirtyReceipts))
	for txid, r := range s.dirtyReceipts {
		raw, merr := json.Marshal(r)
		if merr != nil {
			return Roots{}, merr
		}
		receiptKV[string(txid[:])] = raw
	}
	out.Receipt, err = s.trie.Add(out.Receipt, receiptKV)
	if err != nil {
		return Roots{}, err
	}

	addressTxKV := make(map[string][]byte, len(s.dirtyAddressTx))
	for key, txid := range s.dirtyAddressTx {
		addressTxKV[key] = append([]byte{}, txid[:]...)
	}
	out.AddressTx, err = s.trie.Add(out.AddressTx, addressTxKV)
	if err != nil {
		return Roots{}, err
	}

	voteRewardKV := make(map[string][]byte, len(s.dirtyVoteReward))
	for holder, amt := range s.dirtyVoteReward {
		voteRewardKV[string(holder.Bytes())] = BigToHash(amt)[:]
	}
	out.VoteReward, err = s.trie.Add(out.VoteReward, voteRewardKV)
	if err != nil {
		return Roots{}, err
	}

	s.accountsRoot, s.codeRoot, s.voteRoot = out.Accounts, out.Code, out.Vote
	s.txIndexRoot, s.receiptRoot, s.addressTxRoot, s.voteRewardRoot = out.TxIndex, out.Receipt, out.AddressTx, out.VoteReward
	s.dirtyAccounts = make(map[Destination]*AccountState)
	s.dirtyCode = make(map[Hash][]byte)
	s.dirtyStorage = make(map[Destination]map[Hash][]byte)
	s.dirtyVotes = make(map[Destination]*VoteRecord)
	s.dirtyTxIndex = make(map[Hash]TxLocation)
	s.dirtyReceipts = make(map[Hash]*Receipt)
	s.dirtyAddressTx = make(map[string]Hash)
	s.dirtyVoteReward = make(map[Destination]*Amount)
	return out, nil
}

// CompositeStateRoot combines every sub-root into the single hash stored in
// the block header, the same way the teacher chain folds several logical
// trees into one externally-visible root.
func CompositeStateRoot(r Roots) Hash {
	buf := make([]byte, 0, 256)
	buf = append(buf, r.Accounts[:]...)
	buf = append(buf, r.Code[:]...)
	buf = append(buf, r.Storage[:]...)
	buf = append(buf, r.Vote[:]...)
	buf = append(buf, r.TxIndex[:]...)
	buf = append(buf, r.Receipt[:]...)
	buf = append(buf, r.AddressTx[:]...)
	buf = append(buf, r.VoteReward[:]...)
	return keccak256(buf)
}

// BigToHash packs a big.Int into a left-padded 32-byte Hash, matching EVM
// storage-slot value conventions.
func BigToHash(v *big.Int) Hash {
	var h Hash
	b := v.Bytes()
	copy(h[32-len(b):], b)
	return h
}

// HashToBig reconstructs a big.Int from a storage-slot Hash.
func HashToBig(h Hash) *big.Int { return new(big.Int).SetBytes(h[:]) }

// blockNumberKey namespaces the flat ledger-level block-by-number index
// maintained by the chain manager (chainmanager.go) on the Ledger's
// StateRW-independent KVStore; this index is fork-scoped bookkeeping, not
// consensus-critical state, so it intentionally lives outside the trie.
func blockNumberKey(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return append([]byte("blk:"), b[:]...)
}
