package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/wallflower-bot/wallflower/internal/llm"
)

// Judge decides whether to engage with a message, and whether to keep
// a conversation going after a reply. Implementations must be safe to
// call concurrently and must treat their own failures as "no".
type Judge interface {
	ShouldReply(ctx context.Context, history []llm.Message, message, botName string) (bool, error)
	ShouldContinue(ctx context.Context, history []llm.Message, botName string) (bool, error)
}

// judgeTurns is how much transcript the judge sees.
const judgeTurns = 8

// LLMJudge asks a language model for a binary reply/no-reply verdict.
type LLMJudge struct {
	client  llm.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewLLMJudge creates a judge over the given model client.
func NewLLMJudge(client llm.Client, logger *slog.Logger) *LLMJudge {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMJudge{
		client:  client,
		logger:  logger,
		timeout: 15 * time.Second,
	}
}

// SetTimeout bounds each judge call.
func (j *LLMJudge) SetTimeout(d time.Duration) {
	j.timeout = d
}

func transcript(history []llm.Message) string {
	if len(history) > judgeTurns {
		history = history[len(history)-judgeTurns:]
	}
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// ShouldReply asks the model whether the bot should respond to the
// candidate message. Timeouts and malformed output are treated as
// "no" — a noisy judge must never cause a flood, and a dead one must
// never crash the pipeline.
func (j *LLMJudge) ShouldReply(ctx context.Context, history []llm.Message, message, botName string) (bool, error) {
	mentionNote := ""
	if botName != "" && strings.Contains(message, botName) {
		mentionNote = fmt.Sprintf("Someone mentioned you (%s) by name.\n", botName)
	}

	prompt := fmt.Sprintf(`You are an ordinary member of a chat group, not an assistant. You stay quiet unless there is a clear reason to speak: a question aimed at you, your name coming up, a topic you know well, or a chance for a short natural remark. You never respond to bare greetings, stickers, or one-word acknowledgements.

Recent conversation:
%s
Latest message:
%s
%s
Respond with exactly one token: "reply" or "no-reply". No explanation.`, transcript(history), message, mentionNote)

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	out, err := j.client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		llm.Options{Temperature: 0.2, MaxTokens: 10})
	if err != nil {
		j.logger.Warn("reply judge call failed", "error", err)
		return false, nil
	}

	verdict := ParseVerdict(out)
	j.logger.Debug("reply judge verdict", "reply", verdict, "raw", strings.TrimSpace(out))
	return verdict, nil
}

// ShouldContinue asks the model whether the thread that followed the
// bot's reply warrants one more message.
func (j *LLMJudge) ShouldContinue(ctx context.Context, history []llm.Message, botName string) (bool, error) {
	prompt := fmt.Sprintf(`You are an ordinary member of a chat group. You just sent a message, and the conversation below followed. Decide whether the newest messages respond to you or carry your topic forward — if they do, one more short reply is natural; if the thread has moved on or died, stay quiet.

Conversation:
%s
Respond with exactly one token: "reply" or "no-reply". No explanation.`, transcript(history))

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	out, err := j.client.Chat(ctx, []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		llm.Options{Temperature: 0.2, MaxTokens: 10})
	if err != nil {
		j.logger.Warn("continuation judge call failed", "error", err)
		return false, nil
	}
	return ParseVerdict(out), nil
}

// ParseVerdict extracts the binary decision from judge output. The
// prompt demands a literal token; anything that is not recognizably
// an affirmative "reply" is treated as no.
func ParseVerdict(out string) bool {
	token := strings.ToLower(strings.TrimSpace(out))
	token = strings.Trim(token, `"'.!`)
	if token == "" {
		return false
	}
	if strings.HasPrefix(token, "no") || strings.Contains(token, "不回复") {
		return false
	}
	return strings.Contains(token, "reply") || strings.Contains(token, "回复")
}

// KeywordJudge is the deterministic fallback when no judge model is
// configured: engage only when a listed keyword appears in the
// message. Continuation is never approved without a model.
type KeywordJudge struct {
	Keywords []string
}

// ShouldReply reports whether any configured keyword occurs in the
// message.
func (k *KeywordJudge) ShouldReply(_ context.Context, _ []llm.Message, message, _ string) (bool, error) {
	for _, kw := range k.Keywords {
		if kw != "" && strings.Contains(message, kw) {
			return true, nil
		}
	}
	return false, nil
}

// ShouldContinue always declines.
func (k *KeywordJudge) ShouldContinue(context.Context, []llm.Message, string) (bool, error) {
	return false, nil
}
