package search

import (
	"reflect"
	"testing"
)

func TestTokenize(t *testing.T) {
	trie := NewTrie(nil)

	tokens := trie.Tokenize("The neural-network trains; the network REPEATS, x y!")
	want := []string{"neural", "network", "trains", "repeats"}
	if !reflect.DeepEqual(tokens, want) {
		t.Errorf("got %v, want %v", tokens, want)
	}
}

func TestTokenize_Bounds(t *testing.T) {
	trie := NewTrie(nil)

	long := make([]byte, 60)
	for i := range long {
		long[i] = 'a'
	}

	tokens := trie.Tokenize("x ab " + string(long))
	if !reflect.DeepEqual(tokens, []string{"ab"}) {
		t.Errorf("bounds not applied: %v", tokens)
	}
}

func TestExact(t *testing.T) {
	trie := NewTrie(nil)
	trie.IndexText("f1", "t1", "neural network training")
	trie.IndexText("f2", "t1", "baking sourdough bread")

	if got := trie.Exact("network", "t1"); !reflect.DeepEqual(got, []string{"f1"}) {
		t.Errorf("expected [f1], got %v", got)
	}
	if got := trie.Exact("sourdough", "t1"); !reflect.DeepEqual(got, []string{"f2"}) {
		t.Errorf("expected [f2], got %v", got)
	}
	if got := trie.Exact("missing", "t1"); got != nil {
		t.Errorf("expected nil for absent token, got %v", got)
	}
}

func TestExact_TenantScoped(t *testing.T) {
	trie := NewTrie(nil)
	trie.IndexText("f1", "t1", "shared token")
	trie.IndexText("f2", "t2", "shared token")

	if got := trie.Exact("shared", "t1"); !reflect.DeepEqual(got, []string{"f1"}) {
		t.Errorf("tenant scope leaked: %v", got)
	}
	if got := trie.Exact("shared", "t2"); !reflect.DeepEqual(got, []string{"f2"}) {
		t.Errorf("tenant scope leaked: %v", got)
	}
}

func TestAutocomplete_FrequencyThenLexical(t *testing.T) {
	trie := NewTrie(nil)
	trie.IndexText("f1", "t1", "training trains")
	trie.IndexText("f2", "t1", "training transit")
	trie.IndexText("f3", "t1", "training")

	got := trie.Autocomplete("tra", "t1", 10)
	if len(got) != 3 {
		t.Fatalf("expected 3 suggestions, got %d: %v", len(got), got)
	}
	// "training" appears in 3 sources; the other two tie at 1 and sort
	// lexicographically.
	if got[0].Token != "training" || got[0].Frequency != 3 {
		t.Errorf("expected training first, got %+v", got[0])
	}
	if got[1].Token != "trains" || got[2].Token != "transit" {
		t.Errorf("tie break wrong: %v", got)
	}
}

func TestAutocomplete_Limit(t *testing.T) {
	trie := NewTrie(nil)
	trie.IndexText("f1", "t1", "alpha alabaster albatross alchemy")

	got := trie.Autocomplete("al", "t1", 2)
	if len(got) != 2 {
		t.Errorf("expected 2 suggestions, got %d", len(got))
	}
}

func TestFuzzy(t *testing.T) {
	trie := NewTrie(nil)
	trie.IndexText("f1", "t1", "network networks neural")

	got := trie.Fuzzy("netwrk", 2)
	if len(got) == 0 || got[0] != "network" {
		t.Fatalf("expected network as nearest, got %v", got)
	}

	// Far-away tokens stay out.
	for _, tok := range got {
		if tok == "neural" {
			t.Error("neural is beyond 2 edits of netwrk")
		}
	}
}

func TestFuzzy_CapAtTwo(t *testing.T) {
	trie := NewTrie(nil)
	trie.IndexText("f1", "t1", "abcdef")

	// Even with an absurd budget requested, the cap holds: abcdef is 3
	// edits from abc.
	if got := trie.Fuzzy("abc", 10); len(got) != 0 {
		t.Errorf("edit cap not enforced: %v", got)
	}
}

func TestRemoveSource(t *testing.T) {
	trie := NewTrie(nil)
	trie.IndexText("f1", "t1", "unique shared")
	trie.IndexText("f2", "t1", "shared")

	trie.RemoveSource("f1")

	if got := trie.Exact("unique", "t1"); got != nil {
		t.Errorf("expected unique to be gone, got %v", got)
	}
	if got := trie.Exact("shared", "t1"); !reflect.DeepEqual(got, []string{"f2"}) {
		t.Errorf("expected shared to survive for f2, got %v", got)
	}
}

func TestRemoveSource_PrunesNodes(t *testing.T) {
	trie := NewTrie(nil)
	trie.IndexText("f1", "t1", "solitary")

	if trie.TokenCount() != 1 {
		t.Fatalf("expected 1 token, got %d", trie.TokenCount())
	}
	trie.RemoveSource("f1")
	if trie.TokenCount() != 0 {
		t.Errorf("expected empty trie, got %d tokens", trie.TokenCount())
	}
	if got := trie.Autocomplete("s", "t1", 10); len(got) != 0 {
		t.Errorf("pruning left suggestions: %v", got)
	}
}

func TestReindexReplacesPostings(t *testing.T) {
	trie := NewTrie(nil)
	trie.IndexText("f1", "t1", "original content here")

	// A reindex removes the old postings before adding the new ones.
	trie.RemoveSource("f1")
	trie.IndexText("f1", "t1", "replacement words")

	if got := trie.Exact("original", "t1"); got != nil {
		t.Errorf("stale token survived reindex: %v", got)
	}
	if got := trie.Exact("replacement", "t1"); !reflect.DeepEqual(got, []string{"f1"}) {
		t.Errorf("new token missing: %v", got)
	}
}
