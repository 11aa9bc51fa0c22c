package chatsync

import (
	"sort"
	"strings"
	"sync"
)

// Position selects where Insert places a message.
type Position int

const (
	// PositionTail appends after the newest loaded message.
	PositionTail Position = iota
	// PositionHead prepends before the oldest loaded message.
	PositionHead
)

type timelinePage struct {
	cursor     string
	messages   []Message
	hasMore    bool
	nextCursor string
}

// conversationTimeline keeps pages in fetch order: pages[0] is the newest page
// (fetched with an empty cursor), each following page is older.
type conversationTimeline struct {
	pages []*timelinePage
}

func (tl *conversationTimeline) locate(id string) (int, int, bool) {
	for p, page := range tl.pages {
		for i := range page.messages {
			if page.messages[i].ID == id {
				return p, i, true
			}
		}
	}
	return 0, 0, false
}

func (tl *conversationTimeline) stitched() []Message {
	var out []Message
	for p := len(tl.pages) - 1; p >= 0; p-- {
		for _, m := range tl.pages[p].messages {
			out = append(out, m.Clone())
		}
	}
	return out
}

// ============================================================================
// TimelineCache
// ============================================================================

// TimelineCache is the paginated, per-conversation ordered store of messages
// the UI renders from. It is goroutine-safe; observers are notified
// synchronously after every mutation.
//
// The cache only checks identifiers before inserting. Keeping one entry per
// logical message is the Reconciler's job.
type TimelineCache struct {
	mu        sync.RWMutex
	timelines map[string]*conversationTimeline
	changes   emitter[TimelineChange]
}

// NewTimelineCache creates an empty timeline cache.
func NewTimelineCache() *TimelineCache {
	return &TimelineCache{timelines: make(map[string]*conversationTimeline)}
}

// Observe registers h for every mutation. The returned func unregisters it.
func (c *TimelineCache) Observe(h func(TimelineChange)) func() {
	return c.changes.on(h)
}

// Has reports whether any page is loaded for conversationID.
func (c *TimelineCache) Has(conversationID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.timelines[conversationID]
	return ok
}

// Ensure creates an empty newest page for conversationID if none exists.
// It reports whether a timeline was created.
func (c *TimelineCache) Ensure(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.timelines[conversationID]; ok {
		return false
	}
	c.timelines[conversationID] = &conversationTimeline{pages: []*timelinePage{{}}}
	return true
}

// Messages returns every loaded message of the conversation, oldest first.
func (c *TimelineCache) Messages(conversationID string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tl, ok := c.timelines[conversationID]
	if !ok {
		return nil
	}
	return tl.stitched()
}

// Page returns the page that was fetched with cursor.
func (c *TimelineCache) Page(conversationID, cursor string) (Page, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tl, ok := c.timelines[conversationID]
	if !ok {
		return Page{}, false
	}
	for _, p := range tl.pages {
		if p.cursor != cursor {
			continue
		}
		msgs := make([]Message, len(p.messages))
		for i, m := range p.messages {
			msgs[i] = m.Clone()
		}
		return Page{Messages: msgs, HasMore: p.hasMore, NextCursor: p.nextCursor}, true
	}
	return Page{}, false
}

// NextCursor returns the cursor for the next older page, if any.
func (c *TimelineCache) NextCursor(conversationID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tl, ok := c.timelines[conversationID]
	if !ok || len(tl.pages) == 0 {
		return "", false
	}
	oldest := tl.pages[len(tl.pages)-1]
	return oldest.nextCursor, oldest.hasMore
}

// Get returns one message by identifier.
func (c *TimelineCache) Get(conversationID, messageID string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tl, ok := c.timelines[conversationID]
	if !ok {
		return Message{}, false
	}
	p, i, ok := tl.locate(messageID)
	if !ok {
		return Message{}, false
	}
	return tl.pages[p].messages[i].Clone(), true
}

// Lookup finds a message by identifier in any loaded conversation and returns
// the conversation it belongs to.
func (c *TimelineCache) Lookup(messageID string) (string, Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for convID, tl := range c.timelines {
		if p, i, ok := tl.locate(messageID); ok {
			return convID, tl.pages[p].messages[i].Clone(), true
		}
	}
	return "", Message{}, false
}

// Pending returns the conversation's pending messages in insertion order.
func (c *TimelineCache) Pending(conversationID string) []Message {
	var out []Message
	for _, m := range c.Messages(conversationID) {
		if m.Pending() {
			out = append(out, m)
		}
	}
	return out
}

// Insert places msg at pos. It returns false when the conversation has no
// timeline or a message with the same identifier is already present.
func (c *TimelineCache) Insert(conversationID string, msg Message, pos Position) bool {
	ch, ok := c.insert(conversationID, msg, pos)
	if ok {
		c.notify(ch)
	}
	return ok
}

func (c *TimelineCache) insert(conversationID string, msg Message, pos Position) (TimelineChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[conversationID]
	if !ok {
		return TimelineChange{}, false
	}
	if _, _, exists := tl.locate(msg.ID); exists {
		return TimelineChange{}, false
	}
	stored := msg.Clone()
	switch pos {
	case PositionHead:
		oldest := tl.pages[len(tl.pages)-1]
		oldest.messages = append([]Message{stored}, oldest.messages...)
	default:
		tl.pages[0].messages = append(tl.pages[0].messages, stored)
	}
	out := msg.Clone()
	return TimelineChange{Kind: ChangeInserted, ConversationID: conversationID, MessageID: msg.ID, Message: &out}, true
}

// Mutate applies transform to the message in place. The identifier cannot be
// changed through Mutate; use Replace for that.
func (c *TimelineCache) Mutate(conversationID, messageID string, transform func(*Message)) bool {
	c.mu.Lock()
	tl, ok := c.timelines[conversationID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	p, i, ok := tl.locate(messageID)
	if !ok {
		c.mu.Unlock()
		return false
	}
	m := &tl.pages[p].messages[i]
	transform(m)
	m.ID = messageID
	out := m.Clone()
	c.mu.Unlock()

	c.changes.emit(TimelineChange{Kind: ChangeUpdated, ConversationID: conversationID, MessageID: messageID, Message: &out})
	return true
}

// Replace swaps the entry identified by oldID for msg at the same position.
func (c *TimelineCache) Replace(conversationID, oldID string, msg Message) bool {
	ch, ok := c.replace(conversationID, oldID, msg)
	if ok {
		c.notify(ch)
	}
	return ok
}

func (c *TimelineCache) replace(conversationID, oldID string, msg Message) (TimelineChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[conversationID]
	if !ok {
		return TimelineChange{}, false
	}
	p, i, ok := tl.locate(oldID)
	if !ok {
		return TimelineChange{}, false
	}
	tl.pages[p].messages[i] = msg.Clone()
	out := msg.Clone()
	return TimelineChange{Kind: ChangeReplaced, ConversationID: conversationID, MessageID: msg.ID, PreviousID: oldID, Message: &out}, true
}

// Remove deletes the entry outright. Soft deletes go through Mutate.
func (c *TimelineCache) Remove(conversationID, messageID string) bool {
	ch, ok := c.remove(conversationID, messageID)
	if ok {
		c.notify(ch)
	}
	return ok
}

func (c *TimelineCache) remove(conversationID, messageID string) (TimelineChange, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tl, ok := c.timelines[conversationID]
	if !ok {
		return TimelineChange{}, false
	}
	p, i, ok := tl.locate(messageID)
	if !ok {
		return TimelineChange{}, false
	}
	page := tl.pages[p]
	page.messages = append(page.messages[:i], page.messages[i+1:]...)
	return TimelineChange{Kind: ChangeRemoved, ConversationID: conversationID, MessageID: messageID}, true
}

// notify delivers changes to observers in order. Callers must not hold any
// lock an observer could need.
func (c *TimelineCache) notify(changes ...TimelineChange) {
	for _, ch := range changes {
		c.changes.emit(ch)
	}
}

// PutPage stores a fetched page. Fetching the newest page (empty cursor)
// replaces the previous newest page, re-appends pending messages at the tail
// and keeps older pages (see retainOlder); older pages are replaced by cursor
// or appended. Messages already present in another page are skipped.
func (c *TimelineCache) PutPage(conversationID, cursor string, page Page) {
	c.notify(c.putPage(conversationID, cursor, page))
}

func (c *TimelineCache) putPage(conversationID, cursor string, page Page) TimelineChange {
	c.mu.Lock()
	tl, ok := c.timelines[conversationID]
	fresh := &timelinePage{cursor: cursor, hasMore: page.HasMore, nextCursor: page.NextCursor}

	if !ok || cursor == "" {
		var old *conversationTimeline
		if ok {
			old = tl
		}
		tl = &conversationTimeline{pages: []*timelinePage{fresh}}
		c.timelines[conversationID] = tl
		seen := make(map[string]struct{}, len(page.Messages))
		for _, m := range page.Messages {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			fresh.messages = append(fresh.messages, m.Clone())
		}
		if old != nil {
			retainOlder(tl, old, seen)
		}
	} else {
		idx := -1
		for i, p := range tl.pages {
			if p.cursor == cursor {
				idx = i
				break
			}
		}
		if idx >= 0 {
			tl.pages[idx] = fresh
		} else {
			tl.pages = append(tl.pages, fresh)
		}
		for _, m := range page.Messages {
			if _, _, dup := tl.locate(m.ID); dup {
				continue
			}
			fresh.messages = append(fresh.messages, m.Clone())
		}
	}
	c.mu.Unlock()

	return TimelineChange{Kind: ChangePageLoaded, ConversationID: conversationID}
}

// retainOlder carries pending messages and back-scrolled history from old
// into tl, whose only page is a freshly fetched newest page. Confirmed
// messages of the previous newest page that fell out of the fresh one are
// kept as a page keyed by the fresh page's next cursor, so the chain of
// cursors stays contiguous. Nothing older is kept once the server reports
// no more history.
func retainOlder(tl, old *conversationTimeline, seen map[string]struct{}) {
	fresh := tl.pages[0]
	var pending []Message
	for _, m := range old.stitched() {
		if m.Pending() {
			if _, dup := seen[m.ID]; !dup {
				pending = append(pending, m)
			}
		}
	}
	defer func() { fresh.messages = append(fresh.messages, pending...) }()

	if !fresh.hasMore || len(old.pages) == 0 || old.pages[0].cursor != "" {
		return
	}
	prev := old.pages[0]
	keep := func(src *timelinePage) *timelinePage {
		p := &timelinePage{cursor: src.cursor, hasMore: src.hasMore, nextCursor: src.nextCursor}
		for _, m := range src.messages {
			if _, dup := seen[m.ID]; dup || m.Pending() {
				continue
			}
			seen[m.ID] = struct{}{}
			p.messages = append(p.messages, m)
		}
		return p
	}

	if fresh.nextCursor != prev.nextCursor {
		exists := false
		for _, p := range old.pages[1:] {
			if p.cursor == fresh.nextCursor {
				exists = true
				break
			}
		}
		if !exists {
			bridge := keep(prev)
			bridge.cursor = fresh.nextCursor
			if len(bridge.messages) > 0 {
				tl.pages = append(tl.pages, bridge)
			}
		}
	}
	for _, p := range old.pages[1:] {
		tl.pages = append(tl.pages, keep(p))
	}
}

// Clear drops every page of the conversation.
func (c *TimelineCache) Clear(conversationID string) {
	c.mu.Lock()
	_, ok := c.timelines[conversationID]
	delete(c.timelines, conversationID)
	c.mu.Unlock()
	if ok {
		c.changes.emit(TimelineChange{Kind: ChangeCleared, ConversationID: conversationID})
	}
}

// Search does a case-insensitive substring match over loaded, non-deleted
// messages. An empty conversationID searches every loaded conversation.
func (c *TimelineCache) Search(query, conversationID string, limit int) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q := strings.ToLower(query)
	ids := make([]string, 0, len(c.timelines))
	for id := range c.timelines {
		if conversationID == "" || id == conversationID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var results []Message
	for _, id := range ids {
		for _, m := range c.timelines[id].stitched() {
			if m.IsDeleted || !strings.Contains(strings.ToLower(m.Content), q) {
				continue
			}
			results = append(results, m)
			if limit > 0 && len(results) >= limit {
				return results
			}
		}
	}
	return results
}
