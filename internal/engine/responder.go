package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wallflower-bot/wallflower/internal/llm"
	"github.com/wallflower-bot/wallflower/internal/memory"
)

const (
	// historyWindow is how many recent turns the model sees.
	historyWindow = 15
	// factWindow is how many long-term facts are folded into the prompt.
	factWindow = 10
)

// Responder assembles the dialogue prompt and produces a reply. The
// prompt stacks persona, scene, memory context, and the recent
// short-term window.
type Responder struct {
	store       *memory.Store
	client      llm.Client
	persona     string
	botNickname string
	opts        llm.Options
	logger      *slog.Logger
}

// NewResponder creates a responder. persona may be empty; the scene
// prompt alone still anchors the model.
func NewResponder(store *memory.Store, client llm.Client, persona, botNickname string, opts llm.Options, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{
		store:       store,
		client:      client,
		persona:     persona,
		botNickname: botNickname,
		opts:        opts,
		logger:      logger,
	}
}

// Respond generates a reply for the session's current state. The
// inbound message is already in the short-term window; images are
// cached attachment references folded in as context.
func (r *Responder) Respond(ctx context.Context, userID, groupID, senderNickname string, images []string) (string, error) {
	msgs, err := r.assemble(userID, groupID, senderNickname, images)
	if err != nil {
		return "", err
	}
	out, err := r.client.Chat(ctx, msgs, r.opts)
	if err != nil {
		return "", fmt.Errorf("dialogue completion: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// FollowUp generates a continuation reply from the current window,
// with no new inbound message of its own.
func (r *Responder) FollowUp(ctx context.Context, userID, groupID string) (string, error) {
	msgs, err := r.assemble(userID, groupID, "", nil)
	if err != nil {
		return "", err
	}
	out, err := r.client.Chat(ctx, msgs, r.opts)
	if err != nil {
		return "", fmt.Errorf("follow-up completion: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func (r *Responder) assemble(userID, groupID, senderNickname string, images []string) ([]llm.Message, error) {
	var msgs []llm.Message

	if r.persona != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: r.persona})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: r.scenePrompt(groupID, senderNickname)})

	if mem := r.memoryContext(userID, groupID); mem != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: mem})
	}
	if len(images) > 0 {
		var b strings.Builder
		b.WriteString("The latest message came with attached images:\n")
		for i, url := range images {
			fmt.Fprintf(&b, "[image %d]: %s\n", i+1, url)
		}
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: b.String()})
	}

	turns, err := r.store.History(userID, groupID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(turns) > historyWindow {
		turns = turns[len(turns)-historyWindow:]
	}
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}
	return msgs, nil
}

func (r *Responder) scenePrompt(groupID, senderNickname string) string {
	var b strings.Builder
	if groupID != "" {
		b.WriteString("This is a group chat. You are an ordinary member; join naturally and do not respond to everything.")
	} else {
		b.WriteString("This is a private chat. Speak freely but stay natural.")
	}
	if senderNickname != "" {
		fmt.Fprintf(&b, " The person you are talking to is called %q.", senderNickname)
	}
	b.WriteString(" Reply with the message body only, without prefixing your own name.")
	return b.String()
}

// memoryContext folds recent long-term facts and group memory into a
// system message. Read failures degrade to no context rather than
// blocking the reply.
func (r *Responder) memoryContext(userID, groupID string) string {
	var b strings.Builder

	facts, err := r.store.Facts(userID)
	if err != nil {
		r.logger.Warn("facts unavailable for prompt", "user", userID, "error", err)
	} else if len(facts) > 0 {
		if len(facts) > factWindow {
			facts = facts[len(facts)-factWindow:]
		}
		b.WriteString("Things you remember about this person:\n")
		for _, f := range facts {
			b.WriteString("- " + f.Content + "\n")
		}
	}

	if groupID != "" {
		sender, shared, err := r.store.GroupContext(groupID, userID)
		if err != nil {
			r.logger.Warn("group context unavailable for prompt", "group", groupID, "error", err)
		} else {
			if len(shared) > 0 {
				b.WriteString("Group context everyone shares:\n")
				for _, e := range shared {
					b.WriteString("- " + e.Content + "\n")
				}
			}
			if len(sender) > 0 {
				b.WriteString("Things you remember about them in this group:\n")
				for _, e := range sender {
					b.WriteString("- " + e.Content + "\n")
				}
			}
		}
	}

	return strings.TrimSpace(b.String())
}
