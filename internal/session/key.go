// Package session provides session identity resolution and per-session
// conversation counters. A session is the unit of throttling and state:
// group chats share one session across all members, private chats get
// one session per user.
package session

import "strings"

// Kind distinguishes private and group sessions.
type Kind string

const (
	KindPrivate Kind = "private"
	KindGroup   Kind = "group"
)

// Key is the canonical identity of a conversation session.
type Key struct {
	Kind Kind
	ID   string
}

// Resolve maps a (user, optional group) pair to its session key.
// A group ID always wins: every member of a group shares the same
// session, and the user ID is ignored.
func Resolve(userID, groupID string) Key {
	if groupID != "" {
		return Key{Kind: KindGroup, ID: groupID}
	}
	return Key{Kind: KindPrivate, ID: userID}
}

// String renders the key in the "group:123" / "user:42" form used for
// storage keys and log output.
func (k Key) String() string {
	if k.Kind == KindGroup {
		return "group:" + k.ID
	}
	return "user:" + k.ID
}

// ParseKey is the inverse of String. Unprefixed input is treated as a
// private session ID.
func ParseKey(s string) Key {
	if rest, ok := strings.CutPrefix(s, "group:"); ok {
		return Key{Kind: KindGroup, ID: rest}
	}
	if rest, ok := strings.CutPrefix(s, "user:"); ok {
		return Key{Kind: KindPrivate, ID: rest}
	}
	return Key{Kind: KindPrivate, ID: s}
}
