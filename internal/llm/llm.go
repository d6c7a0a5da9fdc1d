// Package llm provides the language-model collaborator interface and
// its OpenAI-compatible implementation. Three callers share it: the
// dialogue responder, the reply/continuation judge, and the memory
// extractor. Each passes its own temperature and output budget.
package llm

import "context"

// Roles for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single completion call. Zero values fall back to
// the client's defaults.
type Options struct {
	Temperature float32
	MaxTokens   int
}

// Client is the interface all model providers implement. Chat must
// honor ctx cancellation; callers bound every request with a timeout
// and treat a timeout as a conservative "no".
type Client interface {
	Chat(ctx context.Context, messages []Message, opts Options) (string, error)
}
