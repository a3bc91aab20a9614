package core

// triedb.go layers two optional behaviours on top of the content-addressed
// node store in trie.go: a bounded LRU front for the hot node set (§5 "in-
// memory caches (bounded LRU, per-fork)"), and a staged-vs-commit write mode
// so the block executor can build a candidate root for a not-yet-final block
// without mutating the durable node store until the block is actually
// accepted (spec §4.1's cache-then-commit two-phase API, grounded in
// original_source's triedb_tests.cpp).

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// cachedNodeStore fronts a backing trieNodeStore with a bounded LRU: reads
// check the cache first, writes always go to the backing store (which never
// evicts) and populate the cache opportunistically. A miss in the cache is
// never a correctness issue, only a performance one.
type cachedNodeStore struct {
	backing trieNodeStore
	cache   *lru.Cache[Hash, *trieNode]
}

func newCachedNodeStore(backing trieNodeStore, capacity int) *cachedNodeStore {
	c, err := lru.New[Hash, *trieNode](capacity)
	if err != nil {
		// Only returns an error for capacity <= 0; fall back to a minimal
		// one-entry cache rather than propagating a constructor error up
		// through NewTrieDBWithCache's simpler signature.
		c, _ = lru.New[Hash, *trieNode](1)
	}
	return &cachedNodeStore{backing: backing, cache: c}
}

func (s *cachedNodeStore) Get(h Hash) (*trieNode, bool) {
	if n, ok := s.cache.Get(h); ok {
		return n, true
	}
	n, ok := s.backing.Get(h)
	if ok {
		s.cache.Add(h, n)
	}
	return n, ok
}

func (s *cachedNodeStore) Put(n *trieNode) Hash {
	h := s.backing.Put(n)
	s.cache.Add(h, n)
	return h
}

// DefaultTrieCacheSize bounds the per-fork hot node set kept in memory; tuned
// small enough that a handful of concurrently-tracked forks (chainmanager.go)
// stay within a modest memory budget.
const DefaultTrieCacheSize = 8192

// NewTrieDBWithCache constructs a TrieDB whose node store is fronted by a
// bounded LRU cache of the given capacity, for use by long-running nodes
// tracking a large state trie; NewTrieDB (no cache) remains the right choice
// for short-lived tests.
func NewTrieDBWithCache(capacity int) *TrieDB {
	if capacity <= 0 {
		capacity = DefaultTrieCacheSize
	}
	return &TrieDB{
		store:    newCachedNodeStore(newMemTrieNodeStore(), capacity),
		prevRoot: make(map[Hash]Hash),
	}
}

//---------------------------------------------------------------------
// Staged (cache-then-commit) writes
//---------------------------------------------------------------------

// overlayNodeStore collects writes in memory without touching the parent
// store; reads fall through to the parent for nodes the overlay hasn't
// shadowed.
type overlayNodeStore struct {
	parent trieNodeStore
	staged map[Hash]*trieNode
}

func (s *overlayNodeStore) Get(h Hash) (*trieNode, bool) {
	if n, ok := s.staged[h]; ok {
		return n, true
	}
	return s.parent.Get(h)
}

func (s *overlayNodeStore) Put(n *trieNode) Hash {
	h := n.hash()
	if _, exists := s.staged[h]; !exists {
		s.staged[h] = n
	}
	return h
}

// StagedTrie accumulates root transitions against a base TrieDB without
// writing anything durable until Commit is called; Discard drops the
// staged writes with no effect on the base trie. The block executor uses
// this to build and verify a candidate state root before the enclosing
// block is accepted (spec §4.4 step 6, §8 property 8).
type StagedTrie struct {
	base     *TrieDB
	overlay  *overlayNodeStore
	pendingP map[Hash]Hash // child root -> parent root, merged into base.prevRoot on Commit
}

// Stage opens a new staged write session against db.
func (db *TrieDB) Stage() *StagedTrie {
	return &StagedTrie{
		base:     db,
		overlay:  &overlayNodeStore{parent: db.store, staged: make(map[Hash]*trieNode)},
		pendingP: make(map[Hash]Hash),
	}
}

// Add applies a batch write inside the stage, returning the candidate root.
// Nothing here is visible to the base TrieDB until Commit.
func (st *StagedTrie) Add(root Hash, kv map[string][]byte) (Hash, error) {
	tmp := &TrieDB{store: st.overlay, prevRoot: make(map[Hash]Hash)}
	newRoot, err := tmp.Add(root, kv)
	if err != nil {
		return Hash{}, err
	}
	for child, parent := range tmp.prevRoot {
		st.pendingP[child] = parent
	}
	return newRoot, nil
}

// Retrieve reads through the stage's overlay, seeing both staged and
// already-committed nodes.
func (st *StagedTrie) Retrieve(root Hash, key []byte) ([]byte, bool, error) {
	tmp := &TrieDB{store: st.overlay, prevRoot: st.pendingP}
	return tmp.Retrieve(root, key)
}

// Commit folds every staged node and prev-root audit entry into the base
// TrieDB, making them durable and retrievable like any other committed root.
func (st *StagedTrie) Commit() {
	for h, n := range st.overlay.staged {
		st.base.store.Put(n)
		_ = h // the store recomputes and must agree; content-addressing guarantees it does
	}
	st.base.mu.Lock()
	for child, parent := range st.pendingP {
		st.base.prevRoot[child] = parent
	}
	st.base.mu.Unlock()
}

// Discard abandons every staged write; the base TrieDB is left untouched.
func (st *StagedTrie) Discard() {
	st.overlay.staged = nil
	st.pendingP = nil
}
