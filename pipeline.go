package chatsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// Pipeline runs send, edit, delete and mark-read as optimistic mutations:
// snapshot, cancel in-flight fetches of the region, apply locally, dispatch,
// then reconcile on success or roll back on failure.
type Pipeline struct {
	actorID    string
	commands   CommandAPI
	timeline   *TimelineCache
	summary    *SummaryCache
	reconciler *Reconciler
	fetches    *FetchTracker

	// refresh refetches the conversation list after a successful mutation.
	refresh func(context.Context) error

	logger   *log.Logger
	metrics  *Metrics
	now      func() time.Time
	failures emitter[*Failure]
}

func newLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return LocalIDPrefix + uuid.NewString()
	}
	return LocalIDPrefix + id.String()
}

// OnFailure registers h for every rolled back mutation.
func (p *Pipeline) OnFailure(h func(*Failure)) func() {
	return p.failures.on(h)
}

// ============================================================================
// Send
// ============================================================================

// Send appends a pending message at the tail of the conversation and
// dispatches it. On success the pending entry is swapped in place for the
// server's message, which is returned.
func (p *Pipeline) Send(ctx context.Context, conversationID, content string, opts SendOptions) (Message, error) {
	localID := newLocalID()
	snap := p.summary.Snapshot(conversationID)
	p.fetches.Cancel(TimelineRegion(conversationID))
	p.fetches.Cancel(RegionConversations)

	now := p.now()
	pending := Message{
		ID:               localID,
		ClientID:         localID,
		ConversationID:   conversationID,
		SenderID:         p.actorID,
		Content:          content,
		CreatedAt:        now,
		ReplyToMessageID: opts.ReplyToMessageID,
		MediaIDs:         append([]string(nil), opts.MediaIDs...),
		State:            DeliveryPending,
	}
	created := p.timeline.Ensure(conversationID)
	p.timeline.Insert(conversationID, pending, PositionTail)
	p.summary.UpsertPreview(conversationID, Preview{Text: content, At: now, AuthorID: p.actorID, MessageID: localID})

	opts.ClientID = localID
	server, err := p.commands.SendMessage(ctx, conversationID, content, opts)
	if err == nil && server == nil {
		err = &APIError{Code: "EMPTY_RESPONSE", Message: "send returned no message"}
	}
	if err != nil {
		// The feed may have confirmed the message while the ack was lost.
		if sid := p.reconciler.Resolve(localID); sid != localID {
			if msg, ok := p.timeline.Get(conversationID, sid); ok {
				p.logger.Warn("send ack failed after echo", "conversation", conversationID, "message", sid, "err", err)
				p.metrics.mutation("send", "ok")
				return msg, nil
			}
		}
		p.timeline.Remove(conversationID, localID)
		if created && len(p.timeline.Messages(conversationID)) == 0 {
			p.timeline.Clear(conversationID)
		}
		p.summary.Revert(snap, localID)
		return Message{}, p.fail("send", conversationID, localID, err)
	}

	if server.ConversationID == "" {
		server.ConversationID = conversationID
	}
	p.reconciler.Reconcile(conversationID, localID, *server)
	p.summary.ConfirmPreview(conversationID, localID, Preview{
		Text:      server.Content,
		At:        server.CreatedAt,
		AuthorID:  server.SenderID,
		MessageID: server.ID,
	})
	p.metrics.mutation("send", "ok")
	p.refreshAfter(ctx, "send")

	if msg, ok := p.timeline.Get(conversationID, server.ID); ok {
		return msg, nil
	}
	return server.Clone(), nil
}

// ============================================================================
// Edit
// ============================================================================

// Edit replaces the content of a confirmed message. A target that no longer
// exists remotely is treated as a successful no-op and the original content
// is kept.
func (p *Pipeline) Edit(ctx context.Context, messageID, content string) (Message, error) {
	conversationID, orig, err := p.target("edit", messageID)
	if err != nil {
		return Message{}, err
	}
	if orig.IsDeleted {
		return Message{}, fmt.Errorf("edit %s: %w", orig.ID, ErrDeletedMessage)
	}
	id := orig.ID
	p.fetches.Cancel(TimelineRegion(conversationID))

	editedAt := p.now()
	p.timeline.Mutate(conversationID, id, func(m *Message) {
		m.Content = content
		m.IsEdited = true
		m.EditedAt = &editedAt
	})
	ours := func(m *Message) bool {
		return m.IsEdited && m.Content == content && m.EditedAt != nil && m.EditedAt.Equal(editedAt)
	}

	server, err := p.commands.EditMessage(ctx, conversationID, id, content)
	if err != nil {
		p.restore(conversationID, orig, ours)
		if IsStaleReference(err) {
			p.logger.Debug("edit target gone", "conversation", conversationID, "message", id)
			p.metrics.mutation("edit", "stale")
			return orig, nil
		}
		return Message{}, p.fail("edit", conversationID, id, err)
	}

	if server != nil {
		p.reconciler.ApplyUpdate(conversationID, *server)
	}
	if c, ok := p.summary.Get(conversationID); ok && c.LastMessageID == id {
		p.summary.UpsertPreview(conversationID, Preview{Text: content, At: c.LastMessageAt, AuthorID: c.LastMessageAuthorID, MessageID: id})
	}
	p.metrics.mutation("edit", "ok")
	p.refreshAfter(ctx, "edit")

	msg, _ := p.timeline.Get(conversationID, id)
	return msg, nil
}

// ============================================================================
// Delete
// ============================================================================

// Delete soft-deletes a confirmed message. Deleting an already deleted
// message, locally or remotely, succeeds without changing anything.
func (p *Pipeline) Delete(ctx context.Context, messageID string) error {
	conversationID, orig, err := p.target("delete", messageID)
	if err != nil {
		return err
	}
	id := orig.ID
	if orig.IsDeleted {
		p.metrics.mutation("delete", "noop")
		return nil
	}
	p.fetches.Cancel(TimelineRegion(conversationID))

	deletedAt := p.now()
	p.timeline.Mutate(conversationID, id, softDelete(deletedAt))
	ours := func(m *Message) bool {
		return m.IsDeleted && m.DeletedAt != nil && m.DeletedAt.Equal(deletedAt)
	}

	if err := p.commands.DeleteMessage(ctx, conversationID, id); err != nil {
		if IsStaleReference(err) {
			p.logger.Debug("delete target gone", "conversation", conversationID, "message", id)
			p.metrics.mutation("delete", "stale")
			return nil
		}
		p.restore(conversationID, orig, ours)
		return p.fail("delete", conversationID, id, err)
	}

	if c, ok := p.summary.Get(conversationID); ok && c.LastMessageID == id {
		p.summary.UpsertPreview(conversationID, Preview{At: c.LastMessageAt, AuthorID: c.LastMessageAuthorID, MessageID: id})
	}
	p.metrics.mutation("delete", "ok")
	p.refreshAfter(ctx, "delete")
	return nil
}

func softDelete(at time.Time) func(*Message) {
	return func(m *Message) {
		if m.IsDeleted {
			return
		}
		m.IsDeleted = true
		m.DeletedAt = &at
		m.Content = ""
	}
}

// ============================================================================
// MarkRead
// ============================================================================

// MarkRead commits the actor's read cursor for the conversation and resets
// its unread counter. No other conversation is touched.
func (p *Pipeline) MarkRead(ctx context.Context, conversationID string) error {
	p.fetches.Cancel(RegionConversations)

	prev, known := p.summary.Get(conversationID)
	var ids []string
	for _, m := range p.timeline.Messages(conversationID) {
		if m.Pending() || m.SenderID == p.actorID {
			continue
		}
		ids = append(ids, m.ID)
	}
	p.summary.SetUnread(conversationID, 0)

	if err := p.commands.MarkRead(ctx, conversationID, ids); err != nil {
		if known {
			p.summary.SetUnread(conversationID, prev.UnreadCount)
		}
		return p.fail("mark_read", conversationID, "", err)
	}
	p.metrics.mutation("mark_read", "ok")
	p.refreshAfter(ctx, "mark_read")
	return nil
}

// ============================================================================
// Helpers
// ============================================================================

func (p *Pipeline) target(op, messageID string) (string, Message, error) {
	id := p.reconciler.Resolve(messageID)
	conversationID, msg, ok := p.timeline.Lookup(id)
	if !ok {
		return "", Message{}, fmt.Errorf("%s %s: %w", op, id, ErrUnknownMessage)
	}
	if msg.Pending() {
		p.metrics.mutation(op, "pending")
		return "", Message{}, fmt.Errorf("%s %s: %w", op, id, ErrPendingMessage)
	}
	return conversationID, msg, nil
}

// restore puts orig back if the entry still carries this mutation's write.
func (p *Pipeline) restore(conversationID string, orig Message, ours func(*Message) bool) {
	p.timeline.Mutate(conversationID, orig.ID, func(m *Message) {
		if ours(m) {
			*m = orig.Clone()
		}
	})
}

func (p *Pipeline) refreshAfter(ctx context.Context, op string) {
	if p.refresh == nil {
		return
	}
	if err := p.refresh(ctx); err != nil && !errors.Is(err, ErrSuperseded) && !errors.Is(err, context.Canceled) {
		p.logger.Warn("conversation refetch failed", "op", op, "err", err)
	}
}

func (p *Pipeline) fail(op, conversationID, messageID string, err error) *Failure {
	f := &Failure{
		Op:             op,
		ConversationID: conversationID,
		MessageID:      messageID,
		Kind:           Classify(err),
		Err:            err,
	}
	p.logger.Error("mutation rolled back", "op", op, "conversation", conversationID, "message", messageID, "kind", f.Kind, "err", err)
	p.metrics.mutation(op, string(f.Kind))
	p.failures.emit(f)
	return f
}
