package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wallflower-bot/wallflower/internal/kv"
)

func seedDialogue(t *testing.T, s *Store, userID, groupID string) {
	t.Helper()
	if err := s.AppendShortTerm(userID, groupID, "user", "my birthday is next friday", "Alice"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendShortTerm(userID, groupID, "assistant", "noted, I'll remember that", ""); err != nil {
		t.Fatal(err)
	}
}

func TestExtractorTwoStage(t *testing.T) {
	s := New(kv.NewMemory(), nil, Options{})
	e := NewExtractor(s, nil)

	worthCalls, extractCalls := 0, 0
	e.SetFuncs(
		func(ctx context.Context, dialogue string) (bool, error) {
			worthCalls++
			if !strings.Contains(dialogue, "user: my birthday") {
				t.Errorf("dialogue missing user turn: %q", dialogue)
			}
			return true, nil
		},
		func(ctx context.Context, dialogue string) ([]string, error) {
			extractCalls++
			return []string{"信息：下周五生日", "", "  "}, nil
		},
	)

	seedDialogue(t, s, "alice", "")
	saved, err := e.Run(context.Background(), "alice", "", ModeMixed)
	if err != nil {
		t.Fatal(err)
	}
	if saved != 1 {
		t.Errorf("saved = %d, want 1 (blank lines skipped)", saved)
	}
	if worthCalls != 1 || extractCalls != 1 {
		t.Errorf("stage calls = %d worth, %d extract", worthCalls, extractCalls)
	}

	facts, _ := s.Facts("alice")
	if len(facts) != 1 || facts[0].Content != "信息：下周五生日" {
		t.Errorf("persisted facts = %+v", facts)
	}
}

func TestExtractorNotWorthSkipsExtraction(t *testing.T) {
	s := New(kv.NewMemory(), nil, Options{})
	e := NewExtractor(s, nil)

	extractCalled := false
	e.SetFuncs(
		func(ctx context.Context, dialogue string) (bool, error) { return false, nil },
		func(ctx context.Context, dialogue string) ([]string, error) {
			extractCalled = true
			return []string{"should not happen"}, nil
		},
	)

	seedDialogue(t, s, "alice", "")
	saved, err := e.Run(context.Background(), "alice", "", ModeMixed)
	if err != nil || saved != 0 {
		t.Errorf("Run = %d, %v; want 0, nil", saved, err)
	}
	if extractCalled {
		t.Error("extractor ran despite negative worth judgment")
	}
}

func TestExtractorJudgeFailureIsConservative(t *testing.T) {
	s := New(kv.NewMemory(), nil, Options{})
	e := NewExtractor(s, nil)
	e.SetFuncs(
		func(ctx context.Context, dialogue string) (bool, error) {
			return false, errors.New("timeout")
		},
		func(ctx context.Context, dialogue string) ([]string, error) {
			t.Error("extract called after judge failure")
			return nil, nil
		},
	)

	seedDialogue(t, s, "alice", "")
	saved, err := e.Run(context.Background(), "alice", "", ModeMixed)
	if err != nil {
		t.Errorf("judge failure should not surface: %v", err)
	}
	if saved != 0 {
		t.Errorf("saved = %d after judge failure", saved)
	}
}

func TestExtractorDedupesAcrossRuns(t *testing.T) {
	s := New(kv.NewMemory(), nil, Options{})
	e := NewExtractor(s, nil)
	e.SetFuncs(
		func(ctx context.Context, dialogue string) (bool, error) { return true, nil },
		func(ctx context.Context, dialogue string) ([]string, error) {
			return []string{"喜好：不吃辣"}, nil
		},
	)

	seedDialogue(t, s, "alice", "")
	if saved, _ := e.Run(context.Background(), "alice", "", ModeMixed); saved != 1 {
		t.Fatalf("first run saved %d", saved)
	}
	if saved, _ := e.Run(context.Background(), "alice", "", ModeMixed); saved != 0 {
		t.Error("second run stored a duplicate fact")
	}
}

func TestExtractorGroupRouting(t *testing.T) {
	s := New(kv.NewMemory(), nil, Options{})
	e := NewExtractor(s, nil)
	e.SetFuncs(
		func(ctx context.Context, dialogue string) (bool, error) { return true, nil },
		func(ctx context.Context, dialogue string) ([]string, error) {
			return []string{"习惯：早上跑步", "规则：群里禁止刷屏"}, nil
		},
	)

	seedDialogue(t, s, "alice", "g1")

	// Mixed mode: personal + sender bucket, group-scoped line also to
	// shared context.
	if _, err := e.Run(context.Background(), "alice", "g1", ModeMixed); err != nil {
		t.Fatal(err)
	}
	sender, shared, err := s.GroupContext("g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(sender) != 2 {
		t.Errorf("sender bucket = %d entries, want 2", len(sender))
	}
	if len(shared) != 1 || !strings.Contains(shared[0].Content, "规则") {
		t.Errorf("shared context = %+v, want the group-scoped line only", shared)
	}

	// Sender-only mode: no shared context writes.
	s2 := New(kv.NewMemory(), nil, Options{})
	e2 := NewExtractor(s2, nil)
	e2.SetFuncs(
		func(ctx context.Context, dialogue string) (bool, error) { return true, nil },
		func(ctx context.Context, dialogue string) ([]string, error) {
			return []string{"规则：群里禁止刷屏"}, nil
		},
	)
	seedDialogue(t, s2, "alice", "g2")
	if _, err := e2.Run(context.Background(), "alice", "g2", ModeSenderOnly); err != nil {
		t.Fatal(err)
	}
	_, shared2, _ := s2.GroupContext("g2", "alice")
	if len(shared2) != 0 {
		t.Errorf("sender_only mode wrote shared context: %+v", shared2)
	}
}

func TestExtractorSharedContextOnePerRun(t *testing.T) {
	s := New(kv.NewMemory(), nil, Options{})
	e := NewExtractor(s, nil)
	e.SetFuncs(
		func(ctx context.Context, dialogue string) (bool, error) { return true, nil },
		func(ctx context.Context, dialogue string) ([]string, error) {
			return []string{"规则：群里禁止刷屏", "活动：周六爬山", "注意：明天停电"}, nil
		},
	)

	seedDialogue(t, s, "alice", "g1")
	if _, err := e.Run(context.Background(), "alice", "g1", ModeMixed); err != nil {
		t.Fatal(err)
	}
	_, shared, err := s.GroupContext("g1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	// Every line is group-scoped, but only the first one may reach the
	// shared pool in a single run.
	if len(shared) != 1 || !strings.Contains(shared[0].Content, "规则") {
		t.Errorf("shared context = %+v, want only the first group-scoped line", shared)
	}
}

func TestExtractorUnwiredIsNoop(t *testing.T) {
	s := New(kv.NewMemory(), nil, Options{})
	e := NewExtractor(s, nil)
	seedDialogue(t, s, "alice", "")
	saved, err := e.Run(context.Background(), "alice", "", ModeMixed)
	if err != nil || saved != 0 {
		t.Errorf("Run without funcs = %d, %v", saved, err)
	}
}
