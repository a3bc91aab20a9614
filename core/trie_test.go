package core

import "testing"

func TestTrieAddAndRetrieveRoundTrip(t *testing.T) {
	trie := NewTrieDB()
	root, err := trie.AddOne(emptyRoot, []byte("alpha"), []byte("one"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	got, found, err := trie.Retrieve(root, []byte("alpha"))
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !found || string(got) != "one" {
		t.Fatalf("retrieve = (%q, %v), want (\"one\", true)", got, found)
	}

	if _, found, err := trie.Retrieve(root, []byte("missing")); err != nil || found {
		t.Fatalf("retrieve missing key = (found=%v, err=%v), want (false, nil)", found, err)
	}
}

func TestTrieAddIsOrderIndependentAndBatched(t *testing.T) {
	trie := NewTrieDB()
	kv := map[string][]byte{
		"alpha": []byte("1"),
		"bravo": []byte("2"),
		"kilo":  []byte("3"),
	}
	batchRoot, err := trie.Add(emptyRoot, kv)
	if err != nil {
		t.Fatalf("batch add: %v", err)
	}

	sequential := NewTrieDB()
	root := emptyRoot
	for _, k := range []string{"bravo", "kilo", "alpha"} {
		root, err = sequential.AddOne(root, []byte(k), kv[k])
		if err != nil {
			t.Fatalf("sequential add %s: %v", k, err)
		}
	}

	for k, want := range kv {
		gotBatch, _, err := trie.Retrieve(batchRoot, []byte(k))
		if err != nil {
			t.Fatalf("retrieve batch %s: %v", k, err)
		}
		gotSeq, _, err := sequential.Retrieve(root, []byte(k))
		if err != nil {
			t.Fatalf("retrieve sequential %s: %v", k, err)
		}
		if string(gotBatch) != string(want) || string(gotSeq) != string(want) {
			t.Fatalf("key %s: batch=%q sequential=%q want=%q", k, gotBatch, gotSeq, want)
		}
	}
	if batchRoot != root {
		t.Fatalf("batch root %s != sequentially-inserted root %s, insertion order should not affect the root", batchRoot.Hex(), root.Hex())
	}
}

func TestTrieUpdateOverwritesValue(t *testing.T) {
	trie := NewTrieDB()
	root, err := trie.AddOne(emptyRoot, []byte("key"), []byte("v1"))
	if err != nil {
		t.Fatalf("add v1: %v", err)
	}
	root, err = trie.AddOne(root, []byte("key"), []byte("v2"))
	if err != nil {
		t.Fatalf("add v2: %v", err)
	}
	got, found, err := trie.Retrieve(root, []byte("key"))
	if err != nil || !found {
		t.Fatalf("retrieve: (%q, %v, %v)", got, found, err)
	}
	if string(got) != "v2" {
		t.Fatalf("retrieve = %q, want v2", got)
	}
}

func TestTrieStructuralSharingAcrossRoots(t *testing.T) {
	trie := NewTrieDB()
	rootA, err := trie.AddOne(emptyRoot, []byte("shared"), []byte("same"))
	if err != nil {
		t.Fatalf("add shared: %v", err)
	}
	rootB, err := trie.AddOne(rootA, []byte("only-in-b"), []byte("b"))
	if err != nil {
		t.Fatalf("add only-in-b: %v", err)
	}

	// rootA must still resolve "shared" and must NOT see "only-in-b": the
	// earlier root is untouched by writes layered on top of it.
	got, found, err := trie.Retrieve(rootA, []byte("shared"))
	if err != nil || !found || string(got) != "same" {
		t.Fatalf("rootA retrieve shared = (%q, %v, %v)", got, found, err)
	}
	if _, found, err := trie.Retrieve(rootA, []byte("only-in-b")); err != nil || found {
		t.Fatalf("rootA should not see a key written after it was produced")
	}

	got, found, err = trie.Retrieve(rootB, []byte("shared"))
	if err != nil || !found || string(got) != "same" {
		t.Fatalf("rootB retrieve shared = (%q, %v, %v)", got, found, err)
	}

	prev, ok := trie.PrevRoot(rootB)
	if !ok || prev != rootA {
		t.Fatalf("PrevRoot(rootB) = (%s, %v), want (%s, true)", prev.Hex(), ok, rootA.Hex())
	}
}

func TestTrieWalkVisitsInKeyOrderAndHonorsOptions(t *testing.T) {
	trie := NewTrieDB()
	root := emptyRoot
	var err error
	for _, k := range []string{"b", "a", "c", "ab"} {
		root, err = trie.AddOne(root, []byte(k), []byte(k))
		if err != nil {
			t.Fatalf("add %s: %v", k, err)
		}
	}

	var ascending []string
	if err := trie.Walk(root, WalkOptions{}, func(key, value []byte) error {
		ascending = append(ascending, string(key))
		return nil
	}); err != nil {
		t.Fatalf("walk: %v", err)
	}
	want := []string{"a", "ab", "b", "c"}
	if len(ascending) != len(want) {
		t.Fatalf("walked %v, want %v", ascending, want)
	}
	for i := range want {
		if ascending[i] != want[i] {
			t.Fatalf("walked %v, want %v", ascending, want)
		}
	}

	var descending []string
	if err := trie.Walk(root, WalkOptions{Reverse: true}, func(key, value []byte) error {
		descending = append(descending, string(key))
		return nil
	}); err != nil {
		t.Fatalf("reverse walk: %v", err)
	}
	for i := range want {
		if descending[i] != want[len(want)-1-i] {
			t.Fatalf("reverse walked %v, want reverse of %v", descending, want)
		}
	}

	var prefixed []string
	if err := trie.Walk(root, WalkOptions{Prefix: []byte("a")}, func(key, value []byte) error {
		prefixed = append(prefixed, string(key))
		return nil
	}); err != nil {
		t.Fatalf("prefix walk: %v", err)
	}
	if len(prefixed) != 2 || prefixed[0] != "a" || prefixed[1] != "ab" {
		t.Fatalf("prefix walk = %v, want [a ab]", prefixed)
	}
}

func TestTrieCheckNodeDetectsHashMismatch(t *testing.T) {
	trie := NewTrieDB()
	root, err := trie.AddOne(emptyRoot, []byte("key"), []byte("value"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := trie.CheckNode(root); err != nil {
		t.Fatalf("CheckNode on an untampered node: %v", err)
	}

	node, ok := trie.store.Get(root)
	if !ok {
		t.Fatalf("node for root not found")
	}
	node.Value.Payload = []byte("tampered")
	if err := trie.CheckNode(root); err == nil {
		t.Fatalf("expected CheckNode to reject a node whose content no longer hashes to its claimed key")
	}
}
