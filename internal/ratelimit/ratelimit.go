// Package ratelimit provides a per-session sliding-window token budget
// for language model usage, plus the cheap token estimation heuristic
// that feeds it.
package ratelimit

import (
	"log/slog"
	"sync"
	"time"
	"unicode"
)

// window tracks token spend for one session inside the current window.
type window struct {
	tokensUsed int
	start      time.Time
}

// Limiter caps estimated token spend per session within a sliding
// window. Check-then-add is atomic per call; a denied call never
// mutates state, so a burst that trips the limit does not extend it.
type Limiter struct {
	maxTokens int
	period    time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// New creates a limiter allowing maxTokens per period per session.
func New(maxTokens int, period time.Duration, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		maxTokens: maxTokens,
		period:    period,
		logger:    logger,
		windows:   make(map[string]*window),
		now:       time.Now,
	}
}

// Admit reports whether the session may spend the estimated tokens.
// A fresh or lapsed window is reset to the new spend and allowed; an
// over-budget request is denied without touching the window.
func (l *Limiter) Admit(session string, estimatedTokens int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[session]
	if !ok || now.Sub(w.start) > l.period {
		l.windows[session] = &window{tokensUsed: estimatedTokens, start: now}
		return true
	}

	if w.tokensUsed+estimatedTokens > l.maxTokens {
		l.logger.Warn("rate limit exceeded",
			"session", session,
			"window_tokens", w.tokensUsed,
			"estimated", estimatedTokens,
			"max_tokens", l.maxTokens)
		return false
	}

	w.tokensUsed += estimatedTokens
	return true
}

// EstimateTokens approximates the token cost of text without calling
// any model. Wide scripts (CJK) tokenize denser than Latin text, so
// they are weighted separately: ~0.7 tokens per han rune, ~0.25 per
// anything else. Never returns less than 1.
func EstimateTokens(text string) int {
	han := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) {
			han++
		} else {
			other++
		}
	}
	est := int(float64(han)*0.7 + float64(other)*0.25)
	if est < 1 {
		return 1
	}
	return est
}
