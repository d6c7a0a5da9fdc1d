// Package activemode manages time-boxed "engaged" overrides. While a
// grant is live the reply gate skips ambient throttling for that
// session and consults the judge directly. Grants expire lazily on
// read via the underlying TTL cache.
package activemode

import (
	"log/slog"
	"sort"
	"time"

	"github.com/wallflower-bot/wallflower/internal/session"
	"github.com/wallflower-bot/wallflower/internal/ttlcache"
)

// Grant records the parameters of one active-mode grant.
type Grant struct {
	Duration time.Duration
}

// Status describes one live grant for listing.
type Status struct {
	Session   session.Key
	Remaining time.Duration
}

// Manager tracks active-mode grants per session.
type Manager struct {
	grants *ttlcache.Cache[Grant]
	logger *slog.Logger
}

// New creates a grant manager.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		grants: ttlcache.New[Grant](),
		logger: logger,
	}
}

// NewWithClock creates a grant manager on the given clock.
func NewWithClock(logger *slog.Logger, now func() time.Time) *Manager {
	m := New(logger)
	m.grants = ttlcache.NewWithClock[Grant](now)
	return m
}

// Grant enables active mode for the session. Re-granting overwrites
// any existing grant, last write wins.
func (m *Manager) Grant(k session.Key, d time.Duration) {
	m.grants.Put(k.String(), Grant{Duration: d}, d)
	m.logger.Info("active mode enabled", "session", k.String(), "duration", d)
}

// Revoke disables active mode for the session. Reports whether a live
// grant was removed.
func (m *Manager) Revoke(k session.Key) bool {
	removed := m.grants.Delete(k.String())
	if removed {
		m.logger.Info("active mode disabled", "session", k.String())
	}
	return removed
}

// Active reports whether the session currently holds a live grant.
// An expired grant is dropped on this check.
func (m *Manager) Active(k session.Key) bool {
	_, ok := m.grants.Get(k.String())
	return ok
}

// Remaining returns the time left on the session's grant.
func (m *Manager) Remaining(k session.Key) (time.Duration, bool) {
	return m.grants.Remaining(k.String())
}

// ListActive returns all sessions with live grants, longest remaining
// first.
func (m *Manager) ListActive() []Status {
	var out []Status
	for key := range m.grants.Snapshot() {
		k := session.ParseKey(key)
		if left, ok := m.grants.Remaining(k.String()); ok {
			out = append(out, Status{Session: k, Remaining: left})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remaining > out[j].Remaining })
	return out
}
