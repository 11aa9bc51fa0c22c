package chatsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// DefaultTypingTTL bounds how long a typing flag survives without a refresh.
const DefaultTypingTTL = 6 * time.Second

// DefaultTypingQuiet is how long local input must be idle before a stop is
// published.
const DefaultTypingQuiet = 3 * time.Second

// ============================================================================
// TypingStore
// ============================================================================

// TypingStore is the ephemeral set of users currently typing, per
// conversation. Last write wins per (conversation, user). Nothing is
// persisted.
type TypingStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[string]time.Time
	changes emitter[TypingChange]
}

// NewTypingStore creates a store whose entries expire after ttl. now may be
// nil to use time.Now.
func NewTypingStore(ttl time.Duration, now func() time.Time) *TypingStore {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TypingStore{ttl: ttl, now: now, entries: make(map[string]map[string]time.Time)}
}

// Observe registers h for every change of a conversation's typing set.
func (s *TypingStore) Observe(h func(TypingChange)) func() {
	return s.changes.on(h)
}

// SetTyping records whether userID is typing in conversationID.
func (s *TypingStore) SetTyping(conversationID, userID string, isTyping bool) {
	s.mu.Lock()
	users := s.entries[conversationID]
	at, present := users[userID]
	// An expired entry that was not swept yet already reads as not typing.
	was := present && at.After(s.now().Add(-s.ttl))
	if isTyping {
		if users == nil {
			users = make(map[string]time.Time)
			s.entries[conversationID] = users
		}
		users[userID] = s.now()
	} else if present {
		delete(users, userID)
		if len(users) == 0 {
			delete(s.entries, conversationID)
		}
	}
	var snapshot []string
	changed := was != isTyping
	if changed {
		snapshot = s.activeLocked(conversationID)
	}
	s.mu.Unlock()

	if changed {
		s.changes.emit(TypingChange{ConversationID: conversationID, UserIDs: snapshot})
	}
}

// Typing returns the users typing in conversationID, sorted. Entries older
// than the TTL are not reported.
func (s *TypingStore) Typing(conversationID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked(conversationID)
}

func (s *TypingStore) activeLocked(conversationID string) []string {
	cutoff := s.now().Add(-s.ttl)
	var out []string
	for user, at := range s.entries[conversationID] {
		if at.After(cutoff) {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// Clear drops the whole typing set of conversationID.
func (s *TypingStore) Clear(conversationID string) {
	s.mu.Lock()
	_, ok := s.entries[conversationID]
	delete(s.entries, conversationID)
	s.mu.Unlock()
	if ok {
		s.changes.emit(TypingChange{ConversationID: conversationID})
	}
}

// Sweep removes expired entries and notifies observers of the conversations
// that changed.
func (s *TypingStore) Sweep() {
	s.mu.Lock()
	cutoff := s.now().Add(-s.ttl)
	var changes []TypingChange
	for convID, users := range s.entries {
		expired := false
		for user, at := range users {
			if !at.After(cutoff) {
				delete(users, user)
				expired = true
			}
		}
		if len(users) == 0 {
			delete(s.entries, convID)
		}
		if expired {
			changes = append(changes, TypingChange{ConversationID: convID, UserIDs: s.activeLocked(convID)})
		}
	}
	s.mu.Unlock()

	for _, c := range changes {
		s.changes.emit(c)
	}
}

// ============================================================================
// TypingInput
// ============================================================================

// TypingPublisher sends the local actor's typing state outward.
type TypingPublisher interface {
	PublishTyping(ctx context.Context, conversationID string, typing bool) error
}

// TypingInput debounces local keystrokes into start/stop publications: start
// goes out on the first non-empty change, stop after a quiet interval or on
// Sent/Blur.
type TypingInput struct {
	ctx            context.Context
	conversationID string
	publisher      TypingPublisher
	quiet          time.Duration
	logger         *log.Logger

	mu     sync.Mutex
	active bool
	gen    uint64
	timer  *time.Timer

	pub sync.Mutex // orders publications
}

// NewTypingInput creates a debouncer for one conversation's composer.
func NewTypingInput(ctx context.Context, conversationID string, publisher TypingPublisher, quiet time.Duration, logger *log.Logger) *TypingInput {
	if quiet <= 0 {
		quiet = DefaultTypingQuiet
	}
	if logger == nil {
		logger = log.Default()
	}
	return &TypingInput{
		ctx:            ctx,
		conversationID: conversationID,
		publisher:      publisher,
		quiet:          quiet,
		logger:         logger,
	}
}

// Change reports the composer's current text.
func (in *TypingInput) Change(text string) {
	in.mu.Lock()
	if strings.TrimSpace(text) == "" {
		in.stopTimerLocked()
		in.set(false)
		return
	}
	in.gen++
	gen := in.gen
	if in.timer != nil {
		in.timer.Stop()
	}
	in.timer = time.AfterFunc(in.quiet, func() { in.expire(gen) })
	in.set(true)
}

// Sent ends typing because the message was sent.
func (in *TypingInput) Sent() { in.Blur() }

// Blur ends typing because the composer lost focus.
func (in *TypingInput) Blur() {
	in.mu.Lock()
	in.stopTimerLocked()
	in.set(false)
}

// Active reports whether a start was published without a matching stop.
func (in *TypingInput) Active() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.active
}

func (in *TypingInput) expire(gen uint64) {
	in.mu.Lock()
	if gen != in.gen {
		in.mu.Unlock()
		return
	}
	in.timer = nil
	in.set(false)
}

func (in *TypingInput) stopTimerLocked() {
	in.gen++
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
}

// set must be called with in.mu held; it releases it.
func (in *TypingInput) set(active bool) {
	if in.active == active {
		in.mu.Unlock()
		return
	}
	in.active = active
	in.pub.Lock()
	in.mu.Unlock()
	defer in.pub.Unlock()

	if in.publisher == nil {
		return
	}
	if err := in.publisher.PublishTyping(in.ctx, in.conversationID, active); err != nil {
		in.logger.Debug("typing publish failed", "conversation", in.conversationID, "typing", active, "err", err)
	}
}
