package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewOpenAIDefaults(t *testing.T) {
	c := NewOpenAI(OpenAIConfig{APIKey: "sk-test"}, nil)

	if c.cfg.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", c.cfg.Model)
	}
	if c.cfg.Temperature != 0.7 {
		t.Errorf("temperature = %v, want 0.7", c.cfg.Temperature)
	}
	if c.cfg.MaxTokens != 2000 {
		t.Errorf("max tokens = %d, want 2000", c.cfg.MaxTokens)
	}
	if c.cfg.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", c.cfg.Timeout)
	}
}

func TestNewOpenAIKeepsExplicitConfig(t *testing.T) {
	c := NewOpenAI(OpenAIConfig{
		APIKey:      "sk-test",
		Model:       "qwen-max",
		Temperature: 0.1,
		MaxTokens:   100,
		Timeout:     5 * time.Second,
	}, nil)

	if c.cfg.Model != "qwen-max" || c.cfg.Temperature != 0.1 || c.cfg.MaxTokens != 100 {
		t.Errorf("explicit config overwritten: %+v", c.cfg)
	}
}

func TestChatAgainstCompatibleEndpoint(t *testing.T) {
	var gotModel string
	var gotMessages int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		gotModel, _ = req["model"].(string)
		if msgs, ok := req["messages"].([]any); ok {
			gotMessages = len(msgs)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"choices": [{"message": {"role": "assistant", "content": "hello there"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{
		BaseURL: srv.URL,
		APIKey:  "sk-test",
		Model:   "test-model",
	}, nil)

	out, err := c.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, Options{})
	if err != nil {
		t.Fatalf("Chat error: %v", err)
	}
	if out != "hello there" {
		t.Errorf("Chat = %q, want %q", out, "hello there")
	}
	if gotModel != "test-model" {
		t.Errorf("request model = %q, want test-model", gotModel)
	}
	if gotMessages != 2 {
		t.Errorf("request messages = %d, want 2", gotMessages)
	}
}

func TestChatEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	c := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, APIKey: "sk-test"}, nil)
	if _, err := c.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{}); err == nil {
		t.Fatal("expected an error for empty choices")
	}
}
