package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/wallflower-bot/wallflower/internal/kv"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	return New(kv.NewMemory(), nil, opts)
}

func TestShortTermEviction(t *testing.T) {
	s := newTestStore(t, Options{MaxHistory: 20})

	for i := 0; i < 25; i++ {
		if err := s.AppendShortTerm("u1", "", "user", fmt.Sprintf("msg %d", i), ""); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	turns, err := s.History("u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 20 {
		t.Fatalf("history length = %d, want 20", len(turns))
	}
	// Oldest five evicted, order preserved.
	if turns[0].Content != "msg 5" {
		t.Errorf("first turn = %q, want msg 5", turns[0].Content)
	}
	if turns[19].Content != "msg 24" {
		t.Errorf("last turn = %q, want msg 24", turns[19].Content)
	}
}

func TestGroupTurnsShareWindowAndAreLabelled(t *testing.T) {
	s := newTestStore(t, Options{})

	if err := s.AppendShortTerm("alice", "g1", "user", "hi", "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendShortTerm("bob", "g1", "user", "hey", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendShortTerm("alice", "g1", "assistant", "hello both", "Bot"); err != nil {
		t.Fatal(err)
	}

	turns, err := s.History("anyone", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 3 {
		t.Fatalf("group window has %d turns, want 3", len(turns))
	}
	if turns[0].Content != "[Alice]: hi" {
		t.Errorf("turn 0 = %q, want nickname label", turns[0].Content)
	}
	if turns[1].Content != "[bob]: hey" {
		t.Errorf("turn 1 = %q, want sender id fallback label", turns[1].Content)
	}
	if turns[2].Content != "hello both" {
		t.Errorf("assistant turn = %q, should not be labelled", turns[2].Content)
	}
}

func TestClearSession(t *testing.T) {
	s := newTestStore(t, Options{})
	if err := s.AppendShortTerm("u1", "", "user", "hello", ""); err != nil {
		t.Fatal(err)
	}
	if err := s.ClearSession("u1", ""); err != nil {
		t.Fatal(err)
	}
	turns, err := s.History("u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 0 {
		t.Errorf("history after clear has %d turns", len(turns))
	}
}

func TestLongTermDedup(t *testing.T) {
	s := newTestStore(t, Options{})

	stored, err := s.AddLongTermFact("u1", "用户喜欢猫", nil)
	if err != nil || !stored {
		t.Fatalf("first insert = %v, %v", stored, err)
	}

	// Substring of an existing fact is a duplicate.
	stored, err = s.AddLongTermFact("u1", "喜欢猫", nil)
	if err != nil {
		t.Fatal(err)
	}
	if stored {
		t.Error("substring fact should be dropped as duplicate")
	}

	// Superstring containing an existing fact is also a duplicate.
	stored, err = s.AddLongTermFact("u1", "这个用户喜欢猫和狗", nil)
	if err != nil {
		t.Fatal(err)
	}
	if stored {
		t.Error("containing fact should be dropped as duplicate")
	}

	// Case-insensitive.
	if stored, _ := s.AddLongTermFact("u1", "Likes Jazz", nil); !stored {
		t.Fatal("unrelated fact rejected")
	}
	if stored, _ := s.AddLongTermFact("u1", "likes jazz", nil); stored {
		t.Error("case-variant duplicate stored")
	}

	facts, err := s.Facts("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) != 2 {
		t.Errorf("fact count = %d, want 2", len(facts))
	}
}

func TestLongTermBudgetTrim(t *testing.T) {
	// Budget of 1000 estimated tokens keeps the 5 most recent facts.
	s := newTestStore(t, Options{FactBudget: 1000})

	for i := 0; i < 12; i++ {
		if _, err := s.AddLongTermFact("u1", fmt.Sprintf("fact-%02d", i), nil); err != nil {
			t.Fatal(err)
		}
	}

	facts, err := s.Facts("u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) > 10 {
		t.Fatalf("fact count %d exceeds budget-derived cap", len(facts))
	}
	last := facts[len(facts)-1]
	if last.Content != "fact-11" {
		t.Errorf("most recent fact = %q, want fact-11", last.Content)
	}
}

func TestDeleteFact(t *testing.T) {
	s := newTestStore(t, Options{})
	s.AddLongTermFact("u1", "keep me", nil)
	s.AddLongTermFact("u1", "drop it", nil)

	if ok, _ := s.DeleteFact("u1", 5); ok {
		t.Error("delete out of range reported true")
	}
	if ok, _ := s.DeleteFact("u1", 1); !ok {
		t.Error("delete in range reported false")
	}
	facts, _ := s.Facts("u1")
	if len(facts) != 1 || facts[0].Content != "keep me" {
		t.Errorf("facts after delete = %+v", facts)
	}
}

func TestGroupFactRegions(t *testing.T) {
	s := newTestStore(t, Options{SenderBucketCap: 3, SharedContextCap: 2})

	for i := 0; i < 5; i++ {
		if err := s.AddGroupFact("g1", "alice", fmt.Sprintf("alice fact %d", i), false); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 4; i++ {
		if err := s.AddGroupFact("g1", "alice", fmt.Sprintf("shared %d", i), true); err != nil {
			t.Fatal(err)
		}
	}

	sender, shared, err := s.GroupContext("g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(sender) != 3 {
		t.Errorf("sender bucket = %d entries, want 3 (capped)", len(sender))
	}
	if sender[0].Content != "alice fact 2" {
		t.Errorf("oldest kept sender entry = %q", sender[0].Content)
	}
	if len(shared) != 2 {
		t.Errorf("shared context = %d entries, want 2 (capped)", len(shared))
	}
}

func TestSearchRegionsAndCap(t *testing.T) {
	s := newTestStore(t, Options{})

	s.AddLongTermFact("alice", "alice likes tea", nil)
	s.AddGroupFact("g1", "alice", "alice drinks tea at noon", false)
	s.AddGroupFact("g1", "bob", "bob hoards tea", false)
	s.AddGroupFact("g1", "alice", "tea tuesday is a group event", true)

	hits, err := s.Search("alice", "tea", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 3 {
		t.Fatalf("search returned %d hits, want 3", len(hits))
	}
	sources := map[string]bool{}
	for _, h := range hits {
		sources[h.Source] = true
		if h.Source == SourceGroupSender && strings.Contains(h.Content, "bob") {
			t.Error("search leaked another sender's bucket")
		}
	}
	for _, want := range []string{SourceLongTerm, SourceGroupSender, SourceGroupContext} {
		if !sources[want] {
			t.Errorf("missing hits from region %s", want)
		}
	}

	// Private search ignores group regions.
	hits, err = s.Search("alice", "tea", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Source != SourceLongTerm {
		t.Errorf("private search hits = %+v", hits)
	}

	// Result cap.
	for i := 0; i < 15; i++ {
		s.AddLongTermFact("carol", fmt.Sprintf("coffee note %02d", i), nil)
	}
	hits, _ = s.Search("carol", "coffee", "")
	if len(hits) != 10 {
		t.Errorf("search returned %d hits, want cap of 10", len(hits))
	}
}

func TestSummarize(t *testing.T) {
	s := newTestStore(t, Options{})
	s.AddLongTermFact("alice", "likes tea", nil)
	s.AddGroupFact("g1", "alice", "afternoon person", false)
	s.AddGroupFact("g1", "alice", "group meets fridays", true)

	sum, err := s.Summarize("alice", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.LongTermFacts != 1 || sum.SenderEntries != 1 || sum.SharedContext != 1 {
		t.Errorf("summary = %+v", sum)
	}
}
