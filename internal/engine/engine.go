// Package engine orchestrates the inbound message pipeline: length
// and enablement checks, image caching, short-term memory, the reply
// gate, fact extraction, rate limiting, reply generation, delivery,
// and post-reply continuation watching.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/wallflower-bot/wallflower/internal/config"
	"github.com/wallflower-bot/wallflower/internal/events"
	"github.com/wallflower-bot/wallflower/internal/gate"
	"github.com/wallflower-bot/wallflower/internal/llm"
	"github.com/wallflower-bot/wallflower/internal/memory"
	"github.com/wallflower-bot/wallflower/internal/ratelimit"
	"github.com/wallflower-bot/wallflower/internal/session"
	"github.com/wallflower-bot/wallflower/internal/ttlcache"
)

// imageTTL is how long cached attachment references stay usable
// before they silently expire.
const imageTTL = 60 * time.Second

// InboundMessage is one normalized message from a platform adapter.
type InboundMessage struct {
	Text           string `json:"text"`
	SenderID       string `json:"sender_id"`
	GroupID        string `json:"group_id"` // empty for private chats
	SenderNickname string `json:"sender_nickname"`
	Platform       string `json:"platform"`
	// Mentions holds the user IDs @-mentioned in the message.
	Mentions []string `json:"mentions,omitempty"`
	// Attachments holds image URLs attached to the message.
	Attachments []string  `json:"attachments,omitempty"`
	IsCommand   bool      `json:"is_command,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sender delivers replies back to the platform. targetType is "user"
// for private chats and "group" for group chats.
type Sender interface {
	Send(ctx context.Context, platform, targetType, targetID, text string) error
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Gate      *gate.Gate
	Judge     gate.Judge
	Memory    *memory.Store
	Extractor *memory.Extractor
	Counters  *session.Counters
	Limiter   *ratelimit.Limiter
	Flags     *Flags
	Responder *Responder
	Sender    Sender
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Engine runs the message pipeline.
type Engine struct {
	cfg       *config.Config
	gate      *gate.Gate
	judge     gate.Judge
	store     *memory.Store
	extractor *memory.Extractor
	counters  *session.Counters
	limiter   *ratelimit.Limiter
	flags     *Flags
	responder *Responder
	sender    Sender
	bus       *events.Bus
	logger    *slog.Logger

	images *ttlcache.Cache[[]string]

	// pollDelay is the continuation watcher's tick; shortened in tests.
	pollDelay time.Duration

	watchMu  sync.Mutex
	watchers map[session.Key]watchHandle
}

// New creates an engine.
func New(cfg *config.Config, d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		gate:      d.Gate,
		judge:     d.Judge,
		store:     d.Memory,
		extractor: d.Extractor,
		counters:  d.Counters,
		limiter:   d.Limiter,
		flags:     d.Flags,
		responder: d.Responder,
		sender:    d.Sender,
		bus:       d.Bus,
		logger:    logger,
		images:    ttlcache.New[[]string](),
		pollDelay: 2 * time.Second,
		watchers:  make(map[session.Key]watchHandle),
	}
}

// Flags exposes the per-session enablement store.
func (e *Engine) Flags() *Flags { return e.flags }

func (e *Engine) botNickname() string {
	if len(e.cfg.BotNicknames) > 0 {
		return e.cfg.BotNicknames[0]
	}
	return ""
}

func (e *Engine) isBotMention(mentions []string) bool {
	for _, m := range mentions {
		for _, id := range e.cfg.BotIDs {
			if m == id {
				return true
			}
		}
	}
	return false
}

// HandleMessage runs one message through the pipeline. It returns an
// error only when reply generation itself fails; drops and suppressed
// decisions are normal outcomes.
func (e *Engine) HandleMessage(ctx context.Context, msg InboundMessage) error {
	text := strings.TrimSpace(msg.Text)
	key := session.Resolve(msg.SenderID, msg.GroupID)

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      events.KindMessageReceived,
		Data:      map[string]any{"session": key.String(), "sender": msg.SenderID, "message_len": utf8.RuneCountInString(text)},
	})

	if e.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(text) > e.cfg.MaxMessageLength {
		e.drop(key, "too_long")
		return nil
	}
	if !e.flags.Enabled(key) {
		e.drop(key, "ai_disabled")
		return nil
	}

	if len(msg.Attachments) > 0 {
		cached, _ := e.images.Get(key.String())
		e.images.Put(key.String(), append(cached, msg.Attachments...), imageTTL)
	}
	if text == "" {
		if len(msg.Attachments) == 0 {
			return nil
		}
		text = "[image]"
	}

	mentioned := e.isBotMention(msg.Mentions)
	stored := text
	if mentioned {
		if nick := e.botNickname(); nick != "" {
			// Rewrite the raw @ marker into a readable mention so the
			// model sees who was addressed.
			stored = strings.Replace(text, "@", "@"+nick, 1)
		}
	}
	if err := e.store.AppendShortTerm(msg.SenderID, msg.GroupID, llm.RoleUser, stored, msg.SenderNickname); err != nil {
		e.logger.Warn("short-term append failed", "session", key.String(), "error", err)
	}

	decision := e.gate.Decide(ctx, gate.Request{
		Text:      text,
		SenderID:  msg.SenderID,
		GroupID:   msg.GroupID,
		Mentioned: mentioned,
		IsCommand: msg.IsCommand,
		AIEnabled: true,
	})
	// Recorded after the decision so the silence rule measures the gap
	// to the previous message, not to this one.
	e.counters.NoteInbound(key)

	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGate,
		Kind:      events.KindDecision,
		Data:      map[string]any{"session": key.String(), "decision": decision.String()},
	})

	if !decision.Engaged() {
		e.logger.Debug("suppressed", "session", key.String())
		return nil
	}
	e.logger.Info("engaging", "session", key.String(), "decision", decision.String())

	e.runExtraction(ctx, msg.SenderID, msg.GroupID)

	estimated := ratelimit.EstimateTokens(text) * 2
	if !e.limiter.Admit(key.String(), estimated) {
		e.logger.Debug("rate limited", "session", key.String(), "estimated_tokens", estimated)
		return nil
	}

	cached, _ := e.images.Get(key.String())
	reply, err := e.responder.Respond(ctx, msg.SenderID, msg.GroupID, msg.SenderNickname, cached)
	if err != nil {
		return fmt.Errorf("generate reply for %s: %w", key.String(), err)
	}
	if reply == "" {
		return nil
	}

	e.deliver(ctx, msg.Platform, key, reply)

	if err := e.store.AppendShortTerm(msg.SenderID, msg.GroupID, llm.RoleAssistant, reply, e.botNickname()); err != nil {
		e.logger.Warn("assistant turn append failed", "session", key.String(), "error", err)
	}
	e.counters.NoteReply(key)
	e.images.Delete(key.String())

	if msg.GroupID != "" && e.cfg.Continue.Enabled {
		e.startWatch(msg)
	}
	return nil
}

// runExtraction performs the two-stage fact extraction before the
// reply is generated. Best-effort: failures are logged only.
func (e *Engine) runExtraction(ctx context.Context, userID, groupID string) {
	if e.extractor == nil {
		return
	}
	mode := memory.Mode(e.cfg.GroupMemoryMode(groupID))
	n, err := e.extractor.Run(ctx, userID, groupID, mode)
	if err != nil {
		e.logger.Warn("fact extraction failed", "user", userID, "error", err)
		return
	}
	if n > 0 {
		e.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceMemory,
			Kind:      events.KindFactsSaved,
			Data:      map[string]any{"user": userID, "count": n},
		})
	}
}

// deliver sends the reply. A send failure is logged and published but
// does not unwind the pipeline: counters and history still record the
// reply, so the gate's pacing stays honest about what the bot tried
// to say.
func (e *Engine) deliver(ctx context.Context, platform string, key session.Key, reply string) {
	targetType, targetID := "user", key.ID
	if key.Kind == session.KindGroup {
		targetType = "group"
	}
	if err := e.sender.Send(ctx, platform, targetType, targetID, reply); err != nil {
		e.logger.Warn("send failed", "session", key.String(), "error", err)
		e.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceEngine,
			Kind:      events.KindSendFailed,
			Data:      map[string]any{"session": key.String(), "error": err.Error()},
		})
		return
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      events.KindReplySent,
		Data:      map[string]any{"session": key.String(), "reply_len": utf8.RuneCountInString(reply)},
	})
}

func (e *Engine) drop(key session.Key, reason string) {
	e.logger.Debug("message dropped", "session", key.String(), "reason", reason)
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceEngine,
		Kind:      events.KindMessageDropped,
		Data:      map[string]any{"session": key.String(), "reason": reason},
	})
}
