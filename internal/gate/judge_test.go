package gate

import (
	"context"
	"errors"
	"testing"

	"github.com/wallflower-bot/wallflower/internal/llm"
)

// cannedClient returns a fixed completion or error.
type cannedClient struct {
	out string
	err error
}

func (c *cannedClient) Chat(context.Context, []llm.Message, llm.Options) (string, error) {
	return c.out, c.err
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		out  string
		want bool
	}{
		{"reply", true},
		{"Reply", true},
		{" reply.\n", true},
		{"no-reply", false},
		{"no_reply", false},
		{"No", false},
		{"回复", true},
		{"不回复", false},
		{"", false},
		{"maybe", false},
		{"I think you should probably not", false},
	}
	for _, tt := range tests {
		if got := ParseVerdict(tt.out); got != tt.want {
			t.Errorf("ParseVerdict(%q) = %v, want %v", tt.out, got, tt.want)
		}
	}
}

func TestLLMJudgeFailureMeansNo(t *testing.T) {
	j := NewLLMJudge(&cannedClient{err: errors.New("deadline exceeded")}, nil)

	ok, err := j.ShouldReply(context.Background(), nil, "hello?", "Wally")
	if err != nil {
		t.Errorf("judge failure surfaced as error: %v", err)
	}
	if ok {
		t.Error("judge failure should decide no")
	}

	ok, err = j.ShouldContinue(context.Background(), nil, "Wally")
	if err != nil || ok {
		t.Errorf("ShouldContinue on failure = %v, %v; want false, nil", ok, err)
	}
}

func TestLLMJudgeParsesVerdict(t *testing.T) {
	j := NewLLMJudge(&cannedClient{out: "reply"}, nil)
	ok, err := j.ShouldReply(context.Background(), []llm.Message{
		{Role: llm.RoleUser, Content: "[Alice]: is anyone into chess?"},
	}, "is anyone into chess?", "Wally")
	if err != nil || !ok {
		t.Errorf("ShouldReply = %v, %v; want true, nil", ok, err)
	}
}

func TestKeywordJudgeFallback(t *testing.T) {
	k := &KeywordJudge{Keywords: []string{"Wally", "猫"}}

	tests := []struct {
		message string
		want    bool
	}{
		{"Wally are you there", true},
		{"我家的猫今天很乖", true},
		{"nothing relevant", false},
		{"", false},
	}
	for _, tt := range tests {
		ok, err := k.ShouldReply(context.Background(), nil, tt.message, "Wally")
		if err != nil {
			t.Fatalf("ShouldReply(%q): %v", tt.message, err)
		}
		if ok != tt.want {
			t.Errorf("ShouldReply(%q) = %v, want %v", tt.message, ok, tt.want)
		}
	}

	if ok, _ := k.ShouldContinue(context.Background(), nil, "Wally"); ok {
		t.Error("keyword fallback should never continue a conversation")
	}
}
