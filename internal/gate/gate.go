// Package gate implements the engage/suppress decision for each
// inbound message. Private chats and active-mode sessions go straight
// to the judge; groups in ambient ("stalker") mode run a fixed rule
// cascade whose order is load-bearing — reordering it changes the
// bot's observable reply frequency.
package gate

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/wallflower-bot/wallflower/internal/activemode"
	"github.com/wallflower-bot/wallflower/internal/llm"
	"github.com/wallflower-bot/wallflower/internal/memory"
	"github.com/wallflower-bot/wallflower/internal/session"
)

// Decision is the outcome of one gate evaluation.
type Decision int

const (
	// Suppressed means no reply is produced.
	Suppressed Decision = iota
	// EngagedByCommand means the message is a command and bypasses
	// all throttling.
	EngagedByCommand
	// EngagedByJudge means the judge approved a reply.
	EngagedByJudge
	// EngagedByAmbientRule means an ambient-mode rule fired.
	EngagedByAmbientRule
)

// String renders the decision for logs.
func (d Decision) String() string {
	switch d {
	case EngagedByCommand:
		return "engaged_command"
	case EngagedByJudge:
		return "engaged_judge"
	case EngagedByAmbientRule:
		return "engaged_ambient"
	default:
		return "suppressed"
	}
}

// Engaged reports whether the decision produces a reply.
func (d Decision) Engaged() bool {
	return d != Suppressed
}

// Request carries the per-message inputs to a decision.
type Request struct {
	Text      string
	SenderID  string
	GroupID   string // empty for private chats
	Mentioned bool   // the bot was @-mentioned
	IsCommand bool   // recognized command prefix
	AIEnabled bool
}

// Config holds the gate's tunables.
type Config struct {
	StalkerEnabled            bool
	DefaultProbability        float64
	MentionProbability        float64
	KeywordProbability        float64
	QuestionProbability       float64
	MinMessagesBetweenReplies int
	MaxRepliesPerHour         int
	SilenceThreshold          time.Duration
	MinReplyInterval          time.Duration
	ReplyKeywords             []string
	BotName                   string
}

// HistorySource supplies the transcript the judge sees.
type HistorySource interface {
	History(userID, groupID string) ([]memory.Turn, error)
}

// Gate is the reply decision state machine.
type Gate struct {
	cfg      Config
	counters *session.Counters
	active   *activemode.Manager
	history  HistorySource
	judge    Judge
	logger   *slog.Logger
	now      func() time.Time

	rollMu sync.Mutex
	roll   func() float64
}

// New creates a gate. rng drives the probabilistic ambient rules and
// is injected so tests can script every branch; nil falls back to a
// time-seeded source.
func New(cfg Config, counters *session.Counters, active *activemode.Manager, history HistorySource, judge Judge, rng *rand.Rand, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Gate{
		cfg:      cfg,
		counters: counters,
		active:   active,
		history:  history,
		judge:    judge,
		logger:   logger,
		now:      time.Now,
		roll:     rng.Float64,
	}
}

func (g *Gate) rollOnce() float64 {
	g.rollMu.Lock()
	defer g.rollMu.Unlock()
	return g.roll()
}

// Decide evaluates one message. First match wins: disabled sessions
// are suppressed, commands always engage, private and active-mode
// sessions consult the judge, and only ambient-enabled groups reach
// the probabilistic cascade. The judge call happens outside any
// counter lock.
func (g *Gate) Decide(ctx context.Context, req Request) Decision {
	if !req.AIEnabled {
		return Suppressed
	}
	if req.IsCommand {
		return EngagedByCommand
	}

	key := session.Resolve(req.SenderID, req.GroupID)

	if req.GroupID == "" {
		return g.judgePath(ctx, req, key)
	}
	if g.active.Active(key) {
		return g.judgePath(ctx, req, key)
	}
	if !g.cfg.StalkerEnabled {
		return g.judgePath(ctx, req, key)
	}
	return g.ambientPath(ctx, req, key)
}

// judgePath builds a compact transcript and asks the judge. Even an
// approving judge is overridden by the minimum reply interval, which
// keeps a noisy judge from flooding the session.
func (g *Gate) judgePath(ctx context.Context, req Request, key session.Key) Decision {
	turns, err := g.history.History(req.SenderID, req.GroupID)
	if err != nil {
		g.logger.Warn("history unavailable for judge", "session", key.String(), "error", err)
		turns = nil
	}

	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		msgs = append(msgs, llm.Message{Role: t.Role, Content: t.Content})
	}

	message := req.Text
	if req.Mentioned && g.cfg.BotName != "" {
		message = "@" + g.cfg.BotName + " " + message
	}

	approve, err := g.judge.ShouldReply(ctx, msgs, message, g.cfg.BotName)
	if err != nil {
		g.logger.Warn("judge failed, suppressing", "session", key.String(), "error", err)
		return Suppressed
	}
	if !approve {
		return Suppressed
	}

	if last := g.counters.LastReply(key); !last.IsZero() {
		if g.now().Sub(last) < g.cfg.MinReplyInterval {
			g.logger.Debug("reply interval too short, suppressing judge approval",
				"session", key.String(), "min_interval", g.cfg.MinReplyInterval)
			return Suppressed
		}
	}
	return EngagedByJudge
}

// ambientPath runs the stalker-mode rule cascade. Order matters:
// the hourly cap is a pure check up front; mentions short-circuit
// everything after them; a long-silent group hands the call to the
// judge instead of rolling dice; the spacing counter only gates the
// final default roll.
func (g *Gate) ambientPath(ctx context.Context, req Request, key session.Key) Decision {
	// 1. Hourly cap — checked, not consumed.
	if !g.counters.HourlyBudgetAvailable(key, g.cfg.MaxRepliesPerHour) {
		g.logger.Debug("hourly reply cap reached", "session", key.String())
		return Suppressed
	}

	// 2. Mention or name-call: one roll decides either way.
	mentioned := req.Mentioned
	if !mentioned && g.cfg.BotName != "" && strings.Contains(req.Text, g.cfg.BotName) {
		mentioned = true
	}
	if mentioned {
		if g.rollOnce() < g.cfg.MentionProbability {
			return g.engageAmbient(key, EngagedByAmbientRule)
		}
		g.logger.Debug("mentioned but lost the roll", "session", key.String())
		return Suppressed
	}

	// 3. Keyword match (falls through on a lost roll).
	if g.matchesKeyword(req.Text) && g.rollOnce() < g.cfg.KeywordProbability {
		return g.engageAmbient(key, EngagedByAmbientRule)
	}

	// 4. Silence break: a long-quiet group disables pure chance and
	// defers to the judge.
	if g.cfg.SilenceThreshold > 0 && g.counters.SilenceDuration(key) > g.cfg.SilenceThreshold {
		g.logger.Debug("silence threshold passed, deferring to judge", "session", key.String())
		if g.judgePath(ctx, req, key) == EngagedByJudge {
			return g.engageAmbient(key, EngagedByJudge)
		}
		return Suppressed
	}

	// 5. Question heuristic (falls through on a lost roll).
	if isQuestion(req.Text) && g.rollOnce() < g.cfg.QuestionProbability {
		return g.engageAmbient(key, EngagedByAmbientRule)
	}

	// 6. Minimum spacing between ambient rolls.
	if g.counters.AmbientSpacing(key) < g.cfg.MinMessagesBetweenReplies {
		g.counters.BumpAmbientSpacing(key)
		return Suppressed
	}

	// 7. The default low-probability roll. The spacing counter resets
	// whatever the outcome.
	g.counters.ResetAmbientSpacing(key)
	if g.rollOnce() < g.cfg.DefaultProbability {
		return g.engageAmbient(key, EngagedByAmbientRule)
	}
	return Suppressed
}

// engageAmbient finalizes an engaging ambient outcome: consume one
// unit of hourly budget and reset the spacing counter. The consume is
// atomic, so a concurrent engagement cannot push past the cap — if we
// lose that race, suppress after all.
func (g *Gate) engageAmbient(key session.Key, d Decision) Decision {
	if !g.counters.TryConsumeHourlyBudget(key, g.cfg.MaxRepliesPerHour) {
		g.logger.Debug("hourly budget lost to concurrent engagement", "session", key.String())
		return Suppressed
	}
	g.counters.ResetAmbientSpacing(key)
	return d
}

func (g *Gate) matchesKeyword(text string) bool {
	for _, kw := range g.cfg.ReplyKeywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// questionSuffixes are interrogative particles that mark a question
// without punctuation.
var questionSuffixes = []string{"吗", "呢", "么"}

// isQuestion is a cheap interrogative heuristic: question marks
// anywhere, or an interrogative particle ending the message.
func isQuestion(text string) bool {
	if strings.ContainsAny(text, "?？") {
		return true
	}
	trimmed := strings.TrimSpace(text)
	for _, suffix := range questionSuffixes {
		if strings.HasSuffix(trimmed, suffix) {
			return true
		}
	}
	return false
}
