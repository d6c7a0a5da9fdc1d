// Package memory maintains the layered conversational memory: a
// rolling short-term window per session, durable long-term facts per
// user, and group memory split into per-sender buckets and a shared
// context. Everything durable lives in the kv collaborator; the store
// serializes writers per subject so concurrent extractions cannot
// trim or dedupe over each other.
package memory

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/wallflower-bot/wallflower/internal/kv"
	"github.com/wallflower-bot/wallflower/internal/session"
)

// Turn is one entry in a session's short-term window.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Fact is a durable long-term statement about a user.
type Fact struct {
	Content    string    `json:"content"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Importance float64   `json:"importance"`
}

// Entry is one item in a group memory region.
type Entry struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// userMemory is the persisted long-term document for one user.
type userMemory struct {
	LongTerm  []Fact    `json:"long_term"`
	UpdatedAt time.Time `json:"updated_at"`
}

// groupMemory is the persisted document for one group.
type groupMemory struct {
	Sender        map[string][]Entry `json:"sender_memory"`
	SharedContext []Entry            `json:"shared_context"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Search hit sources.
const (
	SourceLongTerm     = "long_term"
	SourceGroupSender  = "group_sender"
	SourceGroupContext = "group_context"
)

// SearchHit is one match from Search, tagged with the region it came
// from.
type SearchHit struct {
	Source    string    `json:"source"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Summary holds per-subject memory counts.
type Summary struct {
	LongTermFacts int
	SenderEntries int
	SharedContext int
}

const maxSearchHits = 10

// Options tunes the store's capacity bounds. Zero values take the
// defaults below.
type Options struct {
	MaxHistory       int // short-term window cap (default 20)
	FactBudget       int // estimated token budget for long-term facts (default 10000)
	SenderBucketCap  int // per-sender group entries (default 10)
	SharedContextCap int // group shared-context entries (default 20)
}

// Store is the layered memory store.
type Store struct {
	kv     kv.Store
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	// One lock per subject key keeps read-modify-write cycles against
	// the kv collaborator single-writer.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a memory store over the given kv collaborator.
func New(store kv.Store, logger *slog.Logger, opts Options) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 20
	}
	if opts.FactBudget <= 0 {
		opts.FactBudget = 10000
	}
	if opts.SenderBucketCap <= 0 {
		opts.SenderBucketCap = 10
	}
	if opts.SharedContextCap <= 0 {
		opts.SharedContextCap = 20
	}
	return &Store{
		kv:     store,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// subjectLock returns the mutex guarding one subject's documents.
func (s *Store) subjectLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func sessionDocKey(userID, groupID string) string {
	return "session:" + session.Resolve(userID, groupID).String()
}

func userDocKey(userID string) string {
	return "user:" + userID + ":memory"
}

func groupDocKey(groupID string) string {
	return "group:" + groupID + ":memory"
}

// AppendShortTerm appends a turn to the session's rolling window and
// trims it to the cap. In a group, all members share one window and
// user turns are prefixed with the sender's label so the model can
// tell them apart.
func (s *Store) AppendShortTerm(userID, groupID, role, content, nickname string) error {
	key := sessionDocKey(userID, groupID)
	lock := s.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	var turns []Turn
	if _, err := s.kv.Get(key, &turns); err != nil {
		return fmt.Errorf("load session %q: %w", key, err)
	}

	if groupID != "" && role == llmRoleUser {
		label := nickname
		if label == "" {
			label = userID
		}
		content = "[" + label + "]: " + content
	}

	turns = append(turns, Turn{Role: role, Content: content, Timestamp: s.now()})
	if len(turns) > s.opts.MaxHistory {
		turns = turns[len(turns)-s.opts.MaxHistory:]
	}

	return s.kv.Put(key, turns)
}

const llmRoleUser = "user"

// History returns the session's short-term window, oldest first.
func (s *Store) History(userID, groupID string) ([]Turn, error) {
	var turns []Turn
	if _, err := s.kv.Get(sessionDocKey(userID, groupID), &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// ClearSession drops the session's short-term window.
func (s *Store) ClearSession(userID, groupID string) error {
	key := sessionDocKey(userID, groupID)
	lock := s.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()
	return s.kv.Put(key, []Turn{})
}

// containsEither reports whether one string contains the other,
// case-insensitive. This is the dedup test for long-term facts: a new
// fact that restates an existing one (or is restated by it) is a
// duplicate.
func containsEither(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	return strings.Contains(la, lb) || strings.Contains(lb, la)
}

// AddLongTermFact appends a fact to the user's long-term memory unless
// an existing fact already covers it. Reports whether the fact was
// stored. The fact list is trimmed to the size budget, keeping the
// most recent entries.
func (s *Store) AddLongTermFact(userID, content string, tags []string) (bool, error) {
	key := userDocKey(userID)
	lock := s.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	var mem userMemory
	if _, err := s.kv.Get(key, &mem); err != nil {
		return false, fmt.Errorf("load user memory: %w", err)
	}

	for _, existing := range mem.LongTerm {
		if containsEither(existing.Content, content) {
			s.logger.Debug("duplicate long-term fact dropped", "user", userID, "content", content)
			return false, nil
		}
	}

	mem.LongTerm = append(mem.LongTerm, Fact{
		Content:    content,
		Tags:       tags,
		CreatedAt:  s.now(),
		Importance: 1.0,
	})

	// ~100 estimated tokens per fact; trim oldest once over budget.
	if len(mem.LongTerm)*100 > s.opts.FactBudget {
		keep := s.opts.FactBudget / 200
		if keep < 1 {
			keep = 1
		}
		mem.LongTerm = mem.LongTerm[len(mem.LongTerm)-keep:]
	}

	mem.UpdatedAt = s.now()
	if err := s.kv.Put(key, &mem); err != nil {
		return false, err
	}
	return true, nil
}

// Facts returns the user's long-term facts, oldest first.
func (s *Store) Facts(userID string) ([]Fact, error) {
	var mem userMemory
	if _, err := s.kv.Get(userDocKey(userID), &mem); err != nil {
		return nil, err
	}
	return mem.LongTerm, nil
}

// DeleteFact removes the user's fact at index. Reports whether a fact
// was removed.
func (s *Store) DeleteFact(userID string, index int) (bool, error) {
	key := userDocKey(userID)
	lock := s.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	var mem userMemory
	if _, err := s.kv.Get(key, &mem); err != nil {
		return false, err
	}
	if index < 0 || index >= len(mem.LongTerm) {
		return false, nil
	}
	mem.LongTerm = append(mem.LongTerm[:index], mem.LongTerm[index+1:]...)
	mem.UpdatedAt = s.now()
	if err := s.kv.Put(key, &mem); err != nil {
		return false, err
	}
	return true, nil
}

// AddGroupFact stores a fact in the group's memory: in the sender's
// bucket, or in the shared context when shared is set. Both regions
// are capacity-bounded, newest kept. Sender buckets are deduplicated
// the same way long-term facts are.
func (s *Store) AddGroupFact(groupID, senderID, content string, shared bool) error {
	key := groupDocKey(groupID)
	lock := s.subjectLock(key)
	lock.Lock()
	defer lock.Unlock()

	var mem groupMemory
	if _, err := s.kv.Get(key, &mem); err != nil {
		return fmt.Errorf("load group memory: %w", err)
	}
	if mem.Sender == nil {
		mem.Sender = make(map[string][]Entry)
	}

	e := Entry{Content: content, Timestamp: s.now()}
	if shared {
		mem.SharedContext = append(mem.SharedContext, e)
		if len(mem.SharedContext) > s.opts.SharedContextCap {
			mem.SharedContext = mem.SharedContext[len(mem.SharedContext)-s.opts.SharedContextCap:]
		}
	} else {
		for _, existing := range mem.Sender[senderID] {
			if containsEither(existing.Content, content) {
				return nil
			}
		}
		bucket := append(mem.Sender[senderID], e)
		if len(bucket) > s.opts.SenderBucketCap {
			bucket = bucket[len(bucket)-s.opts.SenderBucketCap:]
		}
		mem.Sender[senderID] = bucket
	}

	mem.UpdatedAt = s.now()
	return s.kv.Put(key, &mem)
}

// GroupContext returns the sender's bucket and the shared context for
// a group.
func (s *Store) GroupContext(groupID, senderID string) (sender, shared []Entry, err error) {
	var mem groupMemory
	if _, err := s.kv.Get(groupDocKey(groupID), &mem); err != nil {
		return nil, nil, err
	}
	return mem.Sender[senderID], mem.SharedContext, nil
}

// Search runs a case-insensitive substring query across the user's
// long-term facts and, in a group, the user's own sender bucket and
// the shared context. Other members' buckets are never searched. At
// most maxSearchHits results are returned.
func (s *Store) Search(userID, query, groupID string) ([]SearchHit, error) {
	q := strings.ToLower(query)
	var hits []SearchHit

	facts, err := s.Facts(userID)
	if err != nil {
		return nil, err
	}
	for _, f := range facts {
		if strings.Contains(strings.ToLower(f.Content), q) {
			hits = append(hits, SearchHit{Source: SourceLongTerm, Content: f.Content, Timestamp: f.CreatedAt})
		}
	}

	if groupID != "" {
		sender, shared, err := s.GroupContext(groupID, userID)
		if err != nil {
			return nil, err
		}
		for _, e := range sender {
			if strings.Contains(strings.ToLower(e.Content), q) {
				hits = append(hits, SearchHit{Source: SourceGroupSender, Content: e.Content, Timestamp: e.Timestamp})
			}
		}
		for _, e := range shared {
			if strings.Contains(strings.ToLower(e.Content), q) {
				hits = append(hits, SearchHit{Source: SourceGroupContext, Content: e.Content, Timestamp: e.Timestamp})
			}
		}
	}

	if len(hits) > maxSearchHits {
		hits = hits[:maxSearchHits]
	}
	return hits, nil
}

// Summarize returns entry counts for the user and, when groupID is
// set, the group regions.
func (s *Store) Summarize(userID, groupID string) (Summary, error) {
	facts, err := s.Facts(userID)
	if err != nil {
		return Summary{}, err
	}
	sum := Summary{LongTermFacts: len(facts)}

	if groupID != "" {
		sender, shared, err := s.GroupContext(groupID, userID)
		if err != nil {
			return Summary{}, err
		}
		sum.SenderEntries = len(sender)
		sum.SharedContext = len(shared)
	}
	return sum, nil
}
