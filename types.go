package chatsync

import (
	"strings"
	"time"
)

// ============================================================================
// Messages
// ============================================================================

// LocalIDPrefix marks identifiers minted on this client before the server
// assigned one.
const LocalIDPrefix = "local-"

// IsLocalID reports whether id was minted locally.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// DeliveryState is the local-only delivery status of a message.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

// Sender holds the display fields joined onto a message by the read API.
type Sender struct {
	ID          string `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is the canonical message shape held by the timeline cache.
type Message struct {
	ID               string        `json:"id"`
	ClientID         string        `json:"clientId,omitempty"`
	ConversationID   string        `json:"conversationId"`
	SenderID         string        `json:"senderId"`
	Sender           *Sender       `json:"sender,omitempty"`
	Content          string        `json:"content"`
	CreatedAt        time.Time     `json:"createdAt"`
	IsEdited         bool          `json:"isEdited"`
	EditedAt         *time.Time    `json:"editedAt,omitempty"`
	IsDeleted        bool          `json:"isDeleted"`
	DeletedAt        *time.Time    `json:"deletedAt,omitempty"`
	ReplyToMessageID string        `json:"replyToMessageId,omitempty"`
	MediaIDs         []string      `json:"mediaIds,omitempty"`
	State            DeliveryState `json:"-"`
}

// Pending reports whether the message is still waiting for the server.
func (m *Message) Pending() bool {
	return m.State == DeliveryPending
}

// Clone returns a deep copy so snapshots never alias live cache entries.
func (m Message) Clone() Message {
	c := m
	if m.Sender != nil {
		s := *m.Sender
		c.Sender = &s
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		c.EditedAt = &t
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	if m.MediaIDs != nil {
		c.MediaIDs = append([]string(nil), m.MediaIDs...)
	}
	return c
}

// Page is one cursor-addressed slice of a conversation's history, oldest first.
type Page struct {
	Messages   []Message `json:"messages"`
	HasMore    bool      `json:"hasMore"`
	NextCursor string    `json:"nextCursor,omitempty"`
}

// SendOptions carries the optional fields of a send command.
type SendOptions struct {
	ReplyToMessageID string   `json:"replyToMessageId,omitempty"`
	MediaIDs         []string `json:"mediaIds,omitempty"`
	// ClientID is filled in by the pipeline with the local identifier so a
	// server that echoes it lets the feed correlate its own echo.
	ClientID string `json:"clientId,omitempty"`
}

// ============================================================================
// Conversations
// ============================================================================

// ConversationType distinguishes one-to-one from group conversations.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Member is a group member as listed by the read API.
type Member struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName,omitempty"`
	IsAdmin     bool       `json:"isAdmin,omitempty"`
	JoinedAt    time.Time  `json:"joinedAt"`
	LeftAt      *time.Time `json:"leftAt,omitempty"`
}

// Conversation is the denormalized list-view projection of a conversation.
type Conversation struct {
	ID                  string           `json:"id"`
	Type                ConversationType `json:"type"`
	Title               string           `json:"title,omitempty"`
	AvatarURL           string           `json:"avatarUrl,omitempty"`
	CreatedBy           string           `json:"createdBy,omitempty"`
	Members             []Member         `json:"members,omitempty"`
	LastMessageID       string           `json:"lastMessageId,omitempty"`
	LastMessagePreview  string           `json:"lastMessagePreview,omitempty"`
	LastMessageAt       time.Time        `json:"lastMessageAt"`
	LastMessageAuthorID string           `json:"lastMessageAuthorId,omitempty"`
	UnreadCount         int              `json:"unreadCount"`
}

// Clone returns a deep copy of c.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Members != nil {
		out.Members = make([]Member, len(c.Members))
		for i, m := range c.Members {
			out.Members[i] = m
			if m.LeftAt != nil {
				t := *m.LeftAt
				out.Members[i].LeftAt = &t
			}
		}
	}
	return out
}

// ConversationList is the read API's conversation listing, pre-bucketed.
type ConversationList struct {
	Direct []Conversation `json:"direct"`
	Groups []Conversation `json:"groups"`
}

// Participant is a (conversation, user) membership row as seen on the feed.
type Participant struct {
	ConversationID    string     `json:"conversation_id"`
	UserID            string     `json:"user_id"`
	JoinedAt          time.Time  `json:"joined_at"`
	LeftAt            *time.Time `json:"left_at,omitempty"`
	LastReadMessageID string     `json:"last_read_message_id,omitempty"`
	UnreadCount       *int       `json:"unread_count,omitempty"`
	IsTyping          bool       `json:"is_typing"`
	LastTypingAt      *time.Time `json:"last_typing_at,omitempty"`
}
