package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testActor = "u-me"

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func quietLogger() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// testClock is a manually advanced clock.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock { return &testClock{now: t0} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeAPI is an in-memory server implementing CommandAPI and ReadAPI.
type fakeAPI struct {
	mu       sync.Mutex
	seq      int
	clock    *testClock
	messages map[string]Message
	history  map[string][]string // conversation -> message ids, oldest first
	convs    map[string]*Conversation

	sendErr   error
	editErr   error
	deleteErr error
	markErr   error

	// sendHook, when set, replaces the default send behavior.
	sendHook func(ctx context.Context, conversationID, content string, opts SendOptions) (*Message, error)
	// listHook, when set, runs before ListMessages returns.
	listHook func(conversationID, cursor string)

	sendCalls   int
	editCalls   int
	deleteCalls int
	getCalls    int
	markReads   map[string][]string
}

func newFakeAPI(clock *testClock) *fakeAPI {
	return &fakeAPI{
		clock:     clock,
		messages:  make(map[string]Message),
		history:   make(map[string][]string),
		convs:     make(map[string]*Conversation),
		markReads: make(map[string][]string),
	}
}

// seed stores a confirmed message as if it was sent earlier.
func (f *fakeAPI) seed(conversationID, senderID, content string) Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeLocked(conversationID, senderID, content, "")
}

func (f *fakeAPI) storeLocked(conversationID, senderID, content, clientID string) Message {
	f.seq++
	m := Message{
		ID:             fmt.Sprintf("m%d", f.seq),
		ClientID:       clientID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Sender:         &Sender{ID: senderID, DisplayName: "User " + senderID},
		Content:        content,
		CreatedAt:      f.clock.Now().Add(time.Duration(f.seq) * time.Second),
		State:          DeliverySent,
	}
	f.messages[m.ID] = m
	f.history[conversationID] = append(f.history[conversationID], m.ID)
	c, ok := f.convs[conversationID]
	if !ok {
		c = &Conversation{ID: conversationID, Type: ConversationDirect}
		f.convs[conversationID] = c
	}
	c.LastMessageID = m.ID
	c.LastMessagePreview = content
	c.LastMessageAt = m.CreatedAt
	c.LastMessageAuthorID = senderID
	return m
}

func (f *fakeAPI) setUnread(conversationID string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.convs[conversationID]
	if !ok {
		c = &Conversation{ID: conversationID, Type: ConversationDirect}
		f.convs[conversationID] = c
	}
	c.UnreadCount = n
}

func (f *fakeAPI) SendMessage(ctx context.Context, conversationID, content string, opts SendOptions) (*Message, error) {
	f.mu.Lock()
	f.sendCalls++
	hook, err := f.sendHook, f.sendErr
	f.mu.Unlock()
	if hook != nil {
		return hook(ctx, conversationID, content, opts)
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m := f.storeLocked(conversationID, testActor, content, opts.ClientID)
	return &m, nil
}

func (f *fakeAPI) EditMessage(_ context.Context, conversationID, messageID, content string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.editCalls++
	if f.editErr != nil {
		return nil, f.editErr
	}
	m, ok := f.messages[messageID]
	if !ok {
		return nil, &APIError{Code: "NOT_FOUND", Message: "no such message", Status: 404}
	}
	at := f.clock.Now()
	m.Content = content
	m.IsEdited = true
	m.EditedAt = &at
	f.messages[messageID] = m
	if c, ok := f.convs[conversationID]; ok && c.LastMessageID == messageID {
		c.LastMessagePreview = content
	}
	return &m, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, conversationID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	m, ok := f.messages[messageID]
	if !ok {
		return &APIError{Code: "NOT_FOUND", Message: "no such message", Status: 404}
	}
	at := f.clock.Now()
	m.IsDeleted = true
	m.DeletedAt = &at
	m.Content = ""
	f.messages[messageID] = m
	if c, ok := f.convs[conversationID]; ok && c.LastMessageID == messageID {
		c.LastMessagePreview = ""
	}
	return nil
}

func (f *fakeAPI) MarkRead(_ context.Context, conversationID string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.markReads[conversationID] = messageIDs
	if c, ok := f.convs[conversationID]; ok {
		c.UnreadCount = 0
	}
	return nil
}

func (f *fakeAPI) ListMessages(_ context.Context, conversationID, cursor string) (*Page, error) {
	f.mu.Lock()
	page := &Page{}
	for _, id := range f.history[conversationID] {
		page.Messages = append(page.Messages, f.messages[id].Clone())
	}
	hook := f.listHook
	f.mu.Unlock()
	if hook != nil {
		hook(conversationID, cursor)
	}
	return page, nil
}

func (f *fakeAPI) GetMessage(_ context.Context, messageID string) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	m, ok := f.messages[messageID]
	if !ok {
		return nil, nil
	}
	c := m.Clone()
	return &c, nil
}

func (f *fakeAPI) ListConversations(context.Context) (*ConversationList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var list ConversationList
	for _, c := range f.convs {
		if c.Type == ConversationGroup {
			list.Groups = append(list.Groups, c.Clone())
		} else {
			list.Direct = append(list.Direct, c.Clone())
		}
	}
	return &list, nil
}

// fakeFeed records subscriptions and lets tests push envelopes into them.
type fakeFeed struct {
	mu     sync.Mutex
	subs   map[string]*fakeSubscription
	closed []string
	err    error
	// closeErr is returned by every subscription's Close.
	closeErr error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{subs: make(map[string]*fakeSubscription)}
}

type fakeSubscription struct {
	feed    *fakeFeed
	scope   Scope
	handler FeedHandler
}

func (f *fakeFeed) Subscribe(_ context.Context, scope Scope, h FeedHandler) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSubscription{feed: f, scope: scope, handler: h}
	f.subs[scope.String()] = s
	return s, nil
}

func (s *fakeSubscription) Close() error {
	s.feed.mu.Lock()
	defer s.feed.mu.Unlock()
	if s.feed.subs[s.scope.String()] == s {
		delete(s.feed.subs, s.scope.String())
	}
	s.feed.closed = append(s.feed.closed, s.scope.String())
	return s.feed.closeErr
}

func (f *fakeFeed) subscribed(scope Scope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[scope.String()]
	return ok
}

func (f *fakeFeed) handler(t *testing.T, scope Scope) FeedHandler {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subs[scope.String()]
	require.True(t, ok, "no subscription for %s", scope)
	return s.handler
}

func (f *fakeFeed) deliver(t *testing.T, scope Scope, env Envelope) {
	t.Helper()
	f.handler(t, scope).OnEvent(env)
}

// ============================================================================
// Envelope builders
// ============================================================================

func rowEnvelope(t *testing.T, table, op string, row any) Envelope {
	t.Helper()
	data, err := json.Marshal(row)
	require.NoError(t, err)
	return Envelope{Operation: op, Table: table, Row: data}
}

func messageEnvelope(t *testing.T, op string, m Message) Envelope {
	row := map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"content":         m.Content,
		"created_at":      m.CreatedAt,
		"is_deleted":      m.IsDeleted,
		"is_edited":       m.IsEdited,
	}
	if m.ClientID != "" {
		row["client_id"] = m.ClientID
	}
	return rowEnvelope(t, "messages", op, row)
}

// ============================================================================
// Engine fixture
// ============================================================================

type fixture struct {
	clock    *testClock
	api      *fakeAPI
	feed     *fakeFeed
	registry *prometheus.Registry
	metrics  *Metrics
	engine   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := newTestClock()
	fx := &fixture{
		clock:    clock,
		api:      newFakeAPI(clock),
		feed:     newFakeFeed(),
		registry: prometheus.NewRegistry(),
	}
	fx.metrics = NewMetrics(fx.registry)
	base := []Option{WithLogger(quietLogger()), WithMetrics(fx.metrics), WithClock(clock.Now)}
	e, err := NewEngine(testActor, fx.api, fx.api, fx.feed, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	fx.engine = e
	return fx
}

// started starts the engine and mounts conversationID, if given.
func (fx *fixture) started(t *testing.T, conversationID string) *fixture {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, fx.engine.Start(ctx))
	if conversationID != "" {
		require.NoError(t, fx.engine.Mount(ctx, conversationID))
	}
	return fx
}

func messageIDs(msgs []Message) []string {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return ids
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
