package engine

import (
	"fmt"
	"log/slog"

	"github.com/wallflower-bot/wallflower/internal/kv"
	"github.com/wallflower-bot/wallflower/internal/session"
)

// Flags tracks per-session AI enablement in the durable store, so a
// disabled session stays disabled across restarts. Sessions default
// to enabled.
type Flags struct {
	kv     kv.Store
	logger *slog.Logger
}

// NewFlags creates a flag store backed by kv.
func NewFlags(store kv.Store, logger *slog.Logger) *Flags {
	if logger == nil {
		logger = slog.Default()
	}
	return &Flags{kv: store, logger: logger}
}

func flagKey(k session.Key) string {
	return "ai_enabled:" + k.String()
}

// Enabled reports whether AI replies are on for the session. A missing
// record or a read error defaults to enabled; a broken store should
// not silence the bot.
func (f *Flags) Enabled(k session.Key) bool {
	var enabled bool
	found, err := f.kv.Get(flagKey(k), &enabled)
	if err != nil {
		f.logger.Warn("flag read failed, assuming enabled", "session", k.String(), "error", err)
		return true
	}
	if !found {
		return true
	}
	return enabled
}

// Enable turns AI replies on for the session.
func (f *Flags) Enable(k session.Key) error {
	if err := f.kv.Put(flagKey(k), true); err != nil {
		return fmt.Errorf("enable %s: %w", k.String(), err)
	}
	return nil
}

// Disable turns AI replies off for the session.
func (f *Flags) Disable(k session.Key) error {
	if err := f.kv.Put(flagKey(k), false); err != nil {
		return fmt.Errorf("disable %s: %w", k.String(), err)
	}
	return nil
}
