package core

import "testing"

func TestTrieDBWithCacheMatchesUncachedReads(t *testing.T) {
	cached := NewTrieDBWithCache(4)
	root, err := cached.AddOne(emptyRoot, []byte("key"), []byte("value"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	got, found, err := cached.Retrieve(root, []byte("key"))
	if err != nil || !found || string(got) != "value" {
		t.Fatalf("retrieve = (%q, %v, %v)", got, found, err)
	}

	// A second read must hit the LRU front rather than the backing store and
	// still return the same value.
	got, found, err = cached.Retrieve(root, []byte("key"))
	if err != nil || !found || string(got) != "value" {
		t.Fatalf("second retrieve = (%q, %v, %v)", got, found, err)
	}
}

func TestTrieDBWithCacheDefaultsCapacity(t *testing.T) {
	db := NewTrieDBWithCache(0)
	if db == nil {
		t.Fatalf("NewTrieDBWithCache(0) returned nil")
	}
	if _, err := db.AddOne(emptyRoot, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("add: %v", err)
	}
}

func TestStagedTrieCommitAppliesToBase(t *testing.T) {
	base := NewTrieDB()
	baseRoot, err := base.AddOne(emptyRoot, []byte("existing"), []byte("old"))
	if err != nil {
		t.Fatalf("seed base: %v", err)
	}

	stage := base.Stage()
	stagedRoot, err := stage.Add(baseRoot, map[string][]byte{"new": []byte("staged")})
	if err != nil {
		t.Fatalf("stage add: %v", err)
	}

	// The base trie must not see the staged key until Commit.
	if _, found, err := base.Retrieve(stagedRoot, []byte("new")); err == nil || found {
		t.Fatalf("base resolved the staged root before Commit (found=%v, err=%v), want a missing-node error", found, err)
	}

	stage.Commit()

	got, found, err := base.Retrieve(stagedRoot, []byte("new"))
	if err != nil || !found || string(got) != "staged" {
		t.Fatalf("base retrieve after Commit = (%q, %v, %v)", got, found, err)
	}
	got, found, err = base.Retrieve(stagedRoot, []byte("existing"))
	if err != nil || !found || string(got) != "old" {
		t.Fatalf("base retrieve of pre-existing key after Commit = (%q, %v, %v)", got, found, err)
	}
}

func TestStagedTrieDiscardLeavesBaseUntouched(t *testing.T) {
	base := NewTrieDB()
	baseRoot, err := base.AddOne(emptyRoot, []byte("existing"), []byte("old"))
	if err != nil {
		t.Fatalf("seed base: %v", err)
	}

	stage := base.Stage()
	stagedRoot, err := stage.Add(baseRoot, map[string][]byte{"new": []byte("staged")})
	if err != nil {
		t.Fatalf("stage add: %v", err)
	}
	stage.Discard()

	if _, found, err := base.Retrieve(stagedRoot, []byte("new")); err == nil || found {
		t.Fatalf("base retrieve after Discard = (found=%v, err=%v), want a missing-node error", found, err)
	}
	got, found, err := base.Retrieve(baseRoot, []byte("existing"))
	if err != nil || !found || string(got) != "old" {
		t.Fatalf("base retrieve of pre-existing key after Discard = (%q, %v, %v)", got, found, err)
	}
}

func TestStagedTrieRetrieveSeesBaseAndStagedNodes(t *testing.T) {
	base := NewTrieDB()
	baseRoot, err := base.AddOne(emptyRoot, []byte("existing"), []byte("old"))
	if err != nil {
		t.Fatalf("seed base: %v", err)
	}

	stage := base.Stage()
	stagedRoot, err := stage.Add(baseRoot, map[string][]byte{"new": []byte("staged")})
	if err != nil {
		t.Fatalf("stage add: %v", err)
	}

	got, found, err := stage.Retrieve(stagedRoot, []byte("existing"))
	if err != nil || !found || string(got) != "old" {
		t.Fatalf("staged retrieve of base key = (%q, %v, %v)", got, found, err)
	}
	got, found, err = stage.Retrieve(stagedRoot, []byte("new"))
	if err != nil || !found || string(got) != "staged" {
		t.Fatalf("staged retrieve of staged key = (%q, %v, %v)", got, found, err)
	}
}
