package chatsync

import (
	"sort"
	"sync"
	"time"
)

// Preview is the denormalized last-message projection of a conversation.
type Preview struct {
	Text      string
	At        time.Time
	AuthorID  string
	MessageID string
}

// Buckets groups conversation summaries the way list views render them.
type Buckets struct {
	Direct []Conversation
	Groups []Conversation
}

// SummarySnapshot captures one conversation's summary for later restore.
type SummarySnapshot struct {
	conversationID string
	conversation   Conversation
	present        bool
}

// ============================================================================
// SummaryCache
// ============================================================================

// SummaryCache holds the conversation list projection. It is advisory: it is
// rewritten optimistically so lists reorder immediately, but unread counts are
// only trusted after a refetch from the read API.
type SummaryCache struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	left          map[string]bool
	changes       emitter[SummaryChange]
}

// NewSummaryCache creates an empty summary cache.
func NewSummaryCache() *SummaryCache {
	return &SummaryCache{
		conversations: make(map[string]*Conversation),
		left:          make(map[string]bool),
	}
}

// Observe registers h for every summary change.
func (s *SummaryCache) Observe(h func(SummaryChange)) func() {
	return s.changes.on(h)
}

// Get returns the summary of one conversation.
func (s *SummaryCache) Get(conversationID string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[conversationID]
	if !ok {
		return Conversation{}, false
	}
	return c.Clone(), true
}

// List returns direct and group summaries, most recent activity first.
func (s *SummaryCache) List() Buckets {
	s.mu.RLock()
	var b Buckets
	for _, c := range s.conversations {
		if c.Type == ConversationGroup {
			b.Groups = append(b.Groups, c.Clone())
		} else {
			b.Direct = append(b.Direct, c.Clone())
		}
	}
	s.mu.RUnlock()

	byActivity := func(list []Conversation) {
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].LastMessageAt.Equal(list[j].LastMessageAt) {
				return list[i].LastMessageAt.After(list[j].LastMessageAt)
			}
			return list[i].ID < list[j].ID
		})
	}
	byActivity(b.Direct)
	byActivity(b.Groups)
	return b
}

// ReplaceAll installs the authoritative list from the read API.
func (s *SummaryCache) ReplaceAll(list ConversationList) {
	s.replaceAll(list)
	s.changes.emit(SummaryChange{Reloaded: true})
}

func (s *SummaryCache) replaceAll(list ConversationList) {
	s.mu.Lock()
	s.conversations = make(map[string]*Conversation, len(list.Direct)+len(list.Groups))
	for _, c := range list.Direct {
		cc := c.Clone()
		if cc.Type == "" {
			cc.Type = ConversationDirect
		}
		s.conversations[cc.ID] = &cc
	}
	for _, c := range list.Groups {
		cc := c.Clone()
		cc.Type = ConversationGroup
		s.conversations[cc.ID] = &cc
	}
	s.mu.Unlock()
}

// UpsertPreview rewrites the last-message projection. A preview older than
// the current one is ignored unless it refers to the same message. Unknown
// conversations get a stub entry until the next refetch.
func (s *SummaryCache) UpsertPreview(conversationID string, p Preview) bool {
	s.mu.Lock()
	c, ok := s.conversations[conversationID]
	if !ok {
		c = &Conversation{ID: conversationID}
		s.conversations[conversationID] = c
	} else if p.At.Before(c.LastMessageAt) && p.MessageID != c.LastMessageID {
		s.mu.Unlock()
		return false
	}
	c.LastMessageID = p.MessageID
	c.LastMessagePreview = p.Text
	c.LastMessageAt = p.At
	c.LastMessageAuthorID = p.AuthorID
	s.mu.Unlock()

	s.changes.emit(SummaryChange{ConversationID: conversationID})
	return true
}

// Snapshot captures the conversation's current summary.
func (s *SummaryCache) Snapshot(conversationID string) SummarySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := SummarySnapshot{conversationID: conversationID}
	if c, ok := s.conversations[conversationID]; ok {
		snap.conversation = c.Clone()
		snap.present = true
	}
	return snap
}

// Restore puts a snapshot back exactly as it was captured.
func (s *SummaryCache) Restore(snap SummarySnapshot) {
	s.mu.Lock()
	s.restoreLocked(snap)
	s.mu.Unlock()

	s.changes.emit(SummaryChange{ConversationID: snap.conversationID})
}

func (s *SummaryCache) restoreLocked(snap SummarySnapshot) {
	if snap.present {
		c := snap.conversation.Clone()
		s.conversations[snap.conversationID] = &c
	} else {
		delete(s.conversations, snap.conversationID)
	}
}

// ConfirmPreview swaps a preview that points at a local message for the
// confirmed one. If the preview has moved on it falls back to UpsertPreview.
func (s *SummaryCache) ConfirmPreview(conversationID, localID string, p Preview) bool {
	s.mu.Lock()
	c, ok := s.conversations[conversationID]
	if !ok || c.LastMessageID != localID {
		s.mu.Unlock()
		return s.UpsertPreview(conversationID, p)
	}
	c.LastMessageID = p.MessageID
	c.LastMessagePreview = p.Text
	c.LastMessageAt = p.At
	c.LastMessageAuthorID = p.AuthorID
	s.mu.Unlock()

	s.changes.emit(SummaryChange{ConversationID: conversationID})
	return true
}

// Revert restores snap only while the preview still points at messageID, so
// a rollback never clobbers a newer optimistic write.
func (s *SummaryCache) Revert(snap SummarySnapshot, messageID string) bool {
	s.mu.Lock()
	c, ok := s.conversations[snap.conversationID]
	if !ok || c.LastMessageID != messageID {
		s.mu.Unlock()
		return false
	}
	s.restoreLocked(snap)
	s.mu.Unlock()

	s.changes.emit(SummaryChange{ConversationID: snap.conversationID})
	return true
}

// SetUnread overwrites the unread counter of one conversation.
func (s *SummaryCache) SetUnread(conversationID string, n int) bool {
	s.mu.Lock()
	c, ok := s.conversations[conversationID]
	if ok {
		if n < 0 {
			n = 0
		}
		c.UnreadCount = n
	}
	s.mu.Unlock()
	if ok {
		s.changes.emit(SummaryChange{ConversationID: conversationID})
	}
	return ok
}

// IncrementUnread bumps the unread counter by one.
func (s *SummaryCache) IncrementUnread(conversationID string) bool {
	s.mu.Lock()
	c, ok := s.conversations[conversationID]
	if ok {
		c.UnreadCount++
	}
	s.mu.Unlock()
	if ok {
		s.changes.emit(SummaryChange{ConversationID: conversationID})
	}
	return ok
}

// SetLeft records whether the actor has left the conversation.
func (s *SummaryCache) SetLeft(conversationID string, left bool) {
	s.mu.Lock()
	changed := s.left[conversationID] != left
	if left {
		s.left[conversationID] = true
	} else {
		delete(s.left, conversationID)
	}
	s.mu.Unlock()
	if changed {
		s.changes.emit(SummaryChange{ConversationID: conversationID})
	}
}

// HasLeft reports whether the actor left the conversation.
func (s *SummaryCache) HasLeft(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.left[conversationID]
}
