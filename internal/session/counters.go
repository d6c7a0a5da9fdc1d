package session

import (
	"sync"
	"time"
)

// hourWindow is the rolling window for the reply budget.
const hourWindow = time.Hour

// state holds the mutable counters for one session. Created lazily on
// first access and kept for the life of the process.
type state struct {
	ambientSpacing int // messages seen since the last ambient roll
	hourlyReplies  int
	hourStart      time.Time
	lastReplyAt    time.Time
	lastInboundAt  time.Time
}

// Counters is the registry of per-session counter state. All methods
// are safe for concurrent use; each read-modify-write runs under one
// lock so check-then-increment sequences cannot interleave. Nothing
// here ever calls out to the network.
type Counters struct {
	mu     sync.Mutex
	states map[Key]*state
	now    func() time.Time
}

// NewCounters creates an empty counter registry.
func NewCounters() *Counters {
	return &Counters{
		states: make(map[Key]*state),
		now:    time.Now,
	}
}

func (c *Counters) get(k Key) *state {
	st, ok := c.states[k]
	if !ok {
		st = &state{}
		c.states[k] = st
	}
	return st
}

// NoteInbound records that a message arrived in the session. This is
// the silence tracker: call it after the gate decision so the
// decision sees the gap to the previous message, not to the one being
// decided.
func (c *Counters) NoteInbound(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(k).lastInboundAt = c.now()
}

// NoteReply records that a reply was produced for the session. It is
// called on every reply attempt, delivered or not, so a failing
// adapter cannot cause immediate retries.
func (c *Counters) NoteReply(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(k).lastReplyAt = c.now()
}

// LastReply returns when the session last received a reply, or the
// zero time if it never has.
func (c *Counters) LastReply(k Key) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(k).lastReplyAt
}

// SilenceDuration returns how long the session has been quiet before
// the current moment. Zero if no message has ever been seen.
func (c *Counters) SilenceDuration(k Key) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.get(k)
	if st.lastInboundAt.IsZero() {
		return 0
	}
	return c.now().Sub(st.lastInboundAt)
}

// rollHour resets the hourly counter if its window has lapsed. Caller
// holds the lock. Lazy rollover: no background timer, always
// consistent with the latest check.
func (c *Counters) rollHour(st *state) {
	now := c.now()
	if st.hourStart.IsZero() || now.Sub(st.hourStart) > hourWindow {
		st.hourlyReplies = 0
		st.hourStart = now
	}
}

// HourlyBudgetAvailable reports whether the session still has reply
// budget this hour. A pure check: nothing is consumed.
func (c *Counters) HourlyBudgetAvailable(k Key, maxPerHour int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.get(k)
	c.rollHour(st)
	return st.hourlyReplies < maxPerHour
}

// TryConsumeHourlyBudget atomically checks and consumes one unit of
// the hourly reply budget. Consumption happens only here, on an
// actual engagement, never on a mere check — and because check and
// increment share the lock, two concurrent engagements cannot push
// the counter past maxPerHour.
func (c *Counters) TryConsumeHourlyBudget(k Key, maxPerHour int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.get(k)
	c.rollHour(st)
	if st.hourlyReplies >= maxPerHour {
		return false
	}
	st.hourlyReplies++
	return true
}

// HourlyReplies returns the replies consumed in the current window.
func (c *Counters) HourlyReplies(k Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.get(k)
	c.rollHour(st)
	return st.hourlyReplies
}

// AmbientSpacing returns the number of messages seen since the last
// ambient probability roll.
func (c *Counters) AmbientSpacing(k Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(k).ambientSpacing
}

// BumpAmbientSpacing increments the spacing counter and returns the
// new value.
func (c *Counters) BumpAmbientSpacing(k Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.get(k)
	st.ambientSpacing++
	return st.ambientSpacing
}

// ResetAmbientSpacing zeroes the spacing counter. Called once the
// spacing threshold is reached, whatever the roll outcome.
func (c *Counters) ResetAmbientSpacing(k Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.get(k).ambientSpacing = 0
}
