package memory

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Mode controls how group facts are routed.
type Mode string

const (
	// ModeMixed writes the sender's personal layer and, for
	// group-scoped facts, the shared context.
	ModeMixed Mode = "mixed"
	// ModeSenderOnly writes only the sender's personal-in-group layer.
	ModeSenderOnly Mode = "sender_only"
)

// WorthFunc is the classifier gate: it asks the model whether the
// recent exchange is worth remembering at all. This keeps the noisy
// default case (most chit-chat) to one cheap binary call.
type WorthFunc func(ctx context.Context, dialogue string) (bool, error)

// ExtractFunc asks the model to emit zero or more "type: content"
// fact lines from the dialogue. Wired from the composition root with
// the actual LLM client.
type ExtractFunc func(ctx context.Context, dialogue string) ([]string, error)

// sharedContextMarkers route an extracted fact into the group shared
// context when it concerns the whole group rather than one sender.
var sharedContextMarkers = []string{
	"群", "规则", "注意", "禁止", "活动", "约定",
	"rule", "everyone", "event", "notice",
}

// Extractor runs the two-stage judge-then-extract pipeline after an
// exchange. Fully best-effort: failures are logged and the
// conversation continues without the fact.
type Extractor struct {
	store   *Store
	worth   WorthFunc
	extract ExtractFunc
	logger  *slog.Logger
	timeout time.Duration

	windowTurns int // turns summarized per run
}

// NewExtractor creates a fact extractor over the memory store.
func NewExtractor(store *Store, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		store:       store,
		logger:      logger,
		timeout:     30 * time.Second,
		windowTurns: 15,
	}
}

// SetFuncs wires the two LLM stages.
func (e *Extractor) SetFuncs(worth WorthFunc, extract ExtractFunc) {
	e.worth = worth
	e.extract = extract
}

// SetTimeout bounds each LLM stage.
func (e *Extractor) SetTimeout(d time.Duration) {
	e.timeout = d
}

// Run extracts facts from the session's recent turns and persists the
// accepted ones. Dedup happens at insert time inside the store. The
// returned count is how many facts were newly stored.
func (e *Extractor) Run(ctx context.Context, userID, groupID string, mode Mode) (int, error) {
	if e.worth == nil || e.extract == nil {
		return 0, nil
	}

	turns, err := e.store.History(userID, groupID)
	if err != nil {
		e.logger.Warn("extraction skipped, history unavailable", "error", err)
		return 0, nil
	}
	if len(turns) == 0 {
		return 0, nil
	}
	if len(turns) > e.windowTurns {
		turns = turns[len(turns)-e.windowTurns:]
	}

	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	dialogue := b.String()

	wctx, cancel := context.WithTimeout(ctx, e.timeout)
	worth, err := e.worth(wctx, dialogue)
	cancel()
	if err != nil {
		// Timeout or failure means "don't extract".
		e.logger.Warn("worth-remembering judge failed", "error", err)
		return 0, nil
	}
	if !worth {
		e.logger.Debug("exchange not worth remembering", "user", userID)
		return 0, nil
	}

	ectx, cancel := context.WithTimeout(ctx, e.timeout)
	lines, err := e.extract(ectx, dialogue)
	cancel()
	if err != nil {
		e.logger.Warn("fact extraction failed", "error", err)
		return 0, nil
	}

	saved := 0
	sharedSaved := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		stored, err := e.store.AddLongTermFact(userID, line, []string{"auto"})
		if err != nil {
			e.logger.Warn("failed to persist fact", "user", userID, "error", err)
			continue
		}
		if stored {
			saved++
		}

		if groupID == "" {
			continue
		}
		if err := e.store.AddGroupFact(groupID, userID, line, false); err != nil {
			e.logger.Warn("failed to persist group fact", "group", groupID, "error", err)
		}
		// Only one shared-context entry per extraction run, to keep a
		// single chatty exchange from flooding the group's shared pool.
		if mode == ModeMixed && !sharedSaved && isSharedContext(line) {
			if err := e.store.AddGroupFact(groupID, userID, line, true); err != nil {
				e.logger.Warn("failed to persist shared context", "group", groupID, "error", err)
			} else {
				sharedSaved = true
			}
		}
	}

	if saved > 0 {
		e.logger.Info("long-term facts saved", "user", userID, "count", saved)
	}
	return saved, nil
}

// isSharedContext reports whether a fact line concerns the group at
// large.
func isSharedContext(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range sharedContextMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
