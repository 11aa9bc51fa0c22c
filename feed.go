package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Feed contract
// ============================================================================

// ScopeKind selects what a change-feed subscription covers.
type ScopeKind string

const (
	// ScopeActor covers every conversation the actor participates in.
	ScopeActor ScopeKind = "actor"
	// ScopeConversation covers one conversation, including typing presence.
	ScopeConversation ScopeKind = "conversation"
)

// Scope identifies one change-feed channel.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// ActorScope is the global channel of actorID.
func ActorScope(actorID string) Scope { return Scope{Kind: ScopeActor, ID: actorID} }

// ConversationScope is the detail channel of conversationID.
func ConversationScope(conversationID string) Scope {
	return Scope{Kind: ScopeConversation, ID: conversationID}
}

func (s Scope) String() string { return string(s.Kind) + ":" + s.ID }

// Envelope is one row-level change as delivered by a feed transport.
type Envelope struct {
	Operation string          `json:"operation"` // insert, update or delete
	Table     string          `json:"table"`     // messages, participants or presence
	Row       json.RawMessage `json:"row"`
}

// FeedHandler receives what a subscription delivers. OnStale is called when
// the transport lost its connection or reconnected, meaning events may have
// been missed.
type FeedHandler struct {
	OnEvent func(Envelope)
	OnStale func(error)
}

// Subscription is an open change-feed channel.
type Subscription interface {
	Close() error
}

// Feed opens change-feed channels.
type Feed interface {
	Subscribe(ctx context.Context, scope Scope, h FeedHandler) (Subscription, error)
}

// ============================================================================
// Event variants
// ============================================================================

// ErrUnsupportedEvent is returned by DecodeEvent for unknown table/operation
// pairs.
var ErrUnsupportedEvent = errors.New("unsupported feed event")

// FeedEvent is one decoded change-feed event. The concrete types are
// MessageInserted, MessageUpdated, MessageDeleted, ParticipantUpdated and
// TypingChanged.
type FeedEvent interface {
	feedEvent()
}

type MessageInserted struct{ Message Message }

type MessageUpdated struct{ Message Message }

type MessageDeleted struct {
	ConversationID string
	MessageID      string
	DeletedAt      *time.Time
}

type ParticipantUpdated struct{ Participant Participant }

type TypingChanged struct {
	ConversationID string
	UserID         string
	IsTyping       bool
}

func (MessageInserted) feedEvent()    {}
func (MessageUpdated) feedEvent()     {}
func (MessageDeleted) feedEvent()     {}
func (ParticipantUpdated) feedEvent() {}
func (TypingChanged) feedEvent()      {}

// messageRow is the primitive-only message row carried by the feed.
type messageRow struct {
	ID               string     `json:"id"`
	ClientID         string     `json:"client_id"`
	ConversationID   string     `json:"conversation_id"`
	SenderID         string     `json:"sender_id"`
	Content          *string    `json:"content"`
	CreatedAt        time.Time  `json:"created_at"`
	IsEdited         bool       `json:"is_edited"`
	EditedAt         *time.Time `json:"edited_at"`
	IsDeleted        bool       `json:"is_deleted"`
	DeletedAt        *time.Time `json:"deleted_at"`
	ReplyToMessageID *string    `json:"reply_to_message_id"`
	MediaIDs         []string   `json:"media_ids"`
}

func (r messageRow) message() Message {
	m := Message{
		ID:             r.ID,
		ClientID:       r.ClientID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		CreatedAt:      r.CreatedAt,
		IsEdited:       r.IsEdited,
		EditedAt:       r.EditedAt,
		IsDeleted:      r.IsDeleted,
		DeletedAt:      r.DeletedAt,
		MediaIDs:       r.MediaIDs,
		State:          DeliverySent,
	}
	if r.Content != nil {
		m.Content = *r.Content
	}
	if r.ReplyToMessageID != nil {
		m.ReplyToMessageID = *r.ReplyToMessageID
	}
	return m
}

type presenceRow struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

// DecodeEvent turns an envelope into its tagged variant.
func DecodeEvent(env Envelope) (FeedEvent, error) {
	switch env.Table {
	case "messages":
		var row messageRow
		if err := json.Unmarshal(env.Row, &row); err != nil {
			return nil, fmt.Errorf("decode message row: %w", err)
		}
		if row.ID == "" {
			return nil, fmt.Errorf("decode message row: missing id")
		}
		switch env.Operation {
		case "insert":
			return MessageInserted{Message: row.message()}, nil
		case "update":
			return MessageUpdated{Message: row.message()}, nil
		case "delete":
			return MessageDeleted{ConversationID: row.ConversationID, MessageID: row.ID, DeletedAt: row.DeletedAt}, nil
		}
	case "participants":
		if env.Operation == "delete" {
			break
		}
		var p Participant
		if err := json.Unmarshal(env.Row, &p); err != nil {
			return nil, fmt.Errorf("decode participant row: %w", err)
		}
		return ParticipantUpdated{Participant: p}, nil
	case "presence":
		var row presenceRow
		if err := json.Unmarshal(env.Row, &row); err != nil {
			return nil, fmt.Errorf("decode presence row: %w", err)
		}
		return TypingChanged{ConversationID: row.ConversationID, UserID: row.UserID, IsTyping: row.IsTyping}, nil
	}
	return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedEvent, env.Table, env.Operation)
}

// ============================================================================
// FeedAdapter
// ============================================================================

// AdapterOptions vary adapter behavior per channel.
type AdapterOptions struct {
	// AllowCreate lets an insert create a timeline for a conversation that
	// has nothing loaded. Set for the global channel only.
	AllowCreate bool
	// Presence applies remote typing state. Set for conversation channels.
	Presence bool
}

// FeedAdapter hydrates change-feed events and applies them to the caches
// through the reconciler. Its failures are logged and counted, never
// returned to the UI.
type FeedAdapter struct {
	actorID    string
	reads      ReadAPI
	timeline   *TimelineCache
	summary    *SummaryCache
	reconciler *Reconciler
	typing     *TypingStore
	focused    func(conversationID string) bool
	now        func() time.Time

	lookups singleflight.Group
	senders *ristretto.Cache[string, Sender]

	logger  *log.Logger
	metrics *Metrics
}

func newSenderCache(maxEntries int64) (*ristretto.Cache[string, Sender], error) {
	return ristretto.NewCache(&ristretto.Config[string, Sender]{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
}

// Handle decodes and applies one envelope.
func (a *FeedAdapter) Handle(ctx context.Context, env Envelope, opts AdapterOptions) {
	ev, err := DecodeEvent(env)
	if err != nil {
		a.logger.Debug("feed event ignored", "table", env.Table, "operation", env.Operation, "err", err)
		a.metrics.feedEvent(env.Table, env.Operation, "invalid")
		return
	}
	result, err := a.Apply(ctx, ev, opts)
	switch {
	case errors.Is(err, ErrHydrationMiss):
		a.logger.Debug("feed event dropped", "table", env.Table, "operation", env.Operation, "reason", "lookup returned nothing")
		result = string(KindHydrationMiss)
	case err != nil:
		a.logger.Warn("feed event dropped", "table", env.Table, "operation", env.Operation, "err", err)
		result = "error"
	}
	a.metrics.feedEvent(env.Table, env.Operation, result)
}

// Apply applies a decoded event and returns a short outcome label.
func (a *FeedAdapter) Apply(ctx context.Context, ev FeedEvent, opts AdapterOptions) (string, error) {
	switch e := ev.(type) {
	case MessageInserted:
		return a.applyInsert(ctx, e.Message, opts)
	case MessageUpdated:
		return a.applyUpdate(ctx, e.Message)
	case MessageDeleted:
		return a.applyDelete(e)
	case ParticipantUpdated:
		return a.applyParticipant(e.Participant, opts), nil
	case TypingChanged:
		if !opts.Presence || e.UserID == a.actorID {
			return "ignored", nil
		}
		a.typing.SetTyping(e.ConversationID, e.UserID, e.IsTyping)
		return "ok", nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupportedEvent, ev)
}

func (a *FeedAdapter) applyInsert(ctx context.Context, row Message, opts AdapterOptions) (string, error) {
	if row.ConversationID != "" && a.summary.HasLeft(row.ConversationID) {
		return "left", nil
	}
	msg, err := a.hydrate(ctx, row)
	if err != nil {
		return "", err
	}
	conversationID := msg.ConversationID
	if a.summary.HasLeft(conversationID) {
		return "left", nil
	}

	res := a.reconciler.ApplyIfAbsent(conversationID, msg, opts.AllowCreate)
	if res == Duplicate {
		return res.String(), nil
	}
	a.summary.UpsertPreview(conversationID, Preview{
		Text:      msg.Content,
		At:        msg.CreatedAt,
		AuthorID:  msg.SenderID,
		MessageID: msg.ID,
	})
	if msg.SenderID != a.actorID {
		if res == Applied && (a.focused == nil || !a.focused(conversationID)) {
			a.summary.IncrementUnread(conversationID)
		}
		a.typing.SetTyping(conversationID, msg.SenderID, false)
	}
	return res.String(), nil
}

func (a *FeedAdapter) applyUpdate(ctx context.Context, row Message) (string, error) {
	if row.ConversationID != "" && a.summary.HasLeft(row.ConversationID) {
		return "left", nil
	}
	msg, err := a.hydrate(ctx, row)
	if err != nil {
		return "", err
	}
	if !a.reconciler.ApplyUpdate(msg.ConversationID, msg) {
		return "not_loaded", nil
	}
	if c, ok := a.summary.Get(msg.ConversationID); ok && c.LastMessageID == msg.ID {
		text := msg.Content
		if msg.IsDeleted {
			text = ""
		}
		a.summary.UpsertPreview(msg.ConversationID, Preview{Text: text, At: c.LastMessageAt, AuthorID: msg.SenderID, MessageID: msg.ID})
	}
	return "ok", nil
}

func (a *FeedAdapter) applyDelete(e MessageDeleted) (string, error) {
	conversationID := e.ConversationID
	if conversationID == "" {
		convID, _, ok := a.timeline.Lookup(e.MessageID)
		if !ok {
			return "not_loaded", nil
		}
		conversationID = convID
	}
	if a.summary.HasLeft(conversationID) {
		return "left", nil
	}
	at := a.now()
	if e.DeletedAt != nil {
		at = *e.DeletedAt
	}
	if !a.timeline.Mutate(conversationID, e.MessageID, softDelete(at)) {
		return "not_loaded", nil
	}
	if c, ok := a.summary.Get(conversationID); ok && c.LastMessageID == e.MessageID {
		a.summary.UpsertPreview(conversationID, Preview{At: c.LastMessageAt, AuthorID: c.LastMessageAuthorID, MessageID: e.MessageID})
	}
	return "ok", nil
}

func (a *FeedAdapter) applyParticipant(p Participant, opts AdapterOptions) string {
	if p.UserID != a.actorID {
		if !opts.Presence {
			return "ignored"
		}
		a.typing.SetTyping(p.ConversationID, p.UserID, p.IsTyping && p.LeftAt == nil)
		return "ok"
	}
	if p.LeftAt != nil {
		a.summary.SetLeft(p.ConversationID, true)
		a.typing.Clear(p.ConversationID)
		return "left"
	}
	a.summary.SetLeft(p.ConversationID, false)
	if p.UnreadCount != nil {
		a.summary.SetUnread(p.ConversationID, *p.UnreadCount)
	}
	return "ok"
}

// hydrate fetches the full message behind a feed row. Concurrent lookups of
// the same id share one request.
func (a *FeedAdapter) hydrate(ctx context.Context, row Message) (Message, error) {
	v, err, _ := a.lookups.Do(row.ID, func() (any, error) {
		return a.reads.GetMessage(ctx, row.ID)
	})
	if err != nil {
		return Message{}, fmt.Errorf("lookup %s: %w", row.ID, err)
	}
	found, _ := v.(*Message)
	if found == nil {
		return Message{}, ErrHydrationMiss
	}
	msg := found.Clone()
	if msg.ConversationID == "" {
		msg.ConversationID = row.ConversationID
	}
	if msg.ClientID == "" {
		msg.ClientID = row.ClientID
	}
	msg.State = DeliverySent

	if msg.Sender != nil {
		a.rememberSender(*msg.Sender)
	} else if s, ok := a.Sender(msg.SenderID); ok {
		msg.Sender = &s
	}
	return msg, nil
}

func (a *FeedAdapter) rememberSender(s Sender) {
	if a.senders == nil || s.ID == "" {
		return
	}
	a.senders.Set(s.ID, s, 1)
}

// Sender returns the display fields last seen for userID.
func (a *FeedAdapter) Sender(userID string) (Sender, bool) {
	if a.senders == nil {
		return Sender{}, false
	}
	s, ok := a.senders.Get(userID)
	a.metrics.senderLookup(ok)
	return s, ok
}
