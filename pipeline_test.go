package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	t.Run("pending entry is swapped for the server message in place", func(t *testing.T) {
		fx := newFixture(t)
		var changes []TimelineChange
		fx.engine.ObserveTimeline(func(c TimelineChange) { changes = append(changes, c) })

		msg, err := fx.engine.Send(context.Background(), "C123", "hi", SendOptions{})
		require.NoError(t, err)
		require.Equal(t, "m1", msg.ID)
		require.Equal(t, "hi", msg.Content)
		require.Equal(t, DeliverySent, msg.State)

		msgs := fx.engine.Messages("C123")
		require.Len(t, msgs, 1)
		require.Equal(t, "m1", msgs[0].ID)
		require.True(t, IsLocalID(msgs[0].ClientID))

		require.GreaterOrEqual(t, len(changes), 2)
		require.Equal(t, ChangeInserted, changes[0].Kind)
		require.True(t, IsLocalID(changes[0].MessageID))
		require.Equal(t, DeliveryPending, changes[0].Message.State)
		require.Equal(t, ChangeReplaced, changes[1].Kind)
		require.Equal(t, changes[0].MessageID, changes[1].PreviousID)
		require.Equal(t, "m1", changes[1].MessageID)

		conv, ok := fx.engine.Conversation("C123")
		require.True(t, ok)
		require.Equal(t, "m1", conv.LastMessageID)
		require.Equal(t, "hi", conv.LastMessagePreview)
		require.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.mutations.WithLabelValues("send", "ok")))
	})

	t.Run("out of order acks keep send order", func(t *testing.T) {
		fx := newFixture(t)
		release := make(chan struct{})
		fx.api.sendHook = func(ctx context.Context, conv, content string, opts SendOptions) (*Message, error) {
			if content == "A" {
				<-release
			}
			fx.api.mu.Lock()
			defer fx.api.mu.Unlock()
			m := fx.api.storeLocked(conv, testActor, content, opts.ClientID)
			return &m, nil
		}

		done := make(chan error, 1)
		go func() {
			_, err := fx.engine.Send(context.Background(), "C1", "A", SendOptions{})
			done <- err
		}()
		require.Eventually(t, func() bool {
			return len(fx.engine.timeline.Pending("C1")) == 1
		}, time.Second, 5*time.Millisecond)

		b, err := fx.engine.Send(context.Background(), "C1", "B", SendOptions{})
		require.NoError(t, err)
		require.Equal(t, "m1", b.ID)

		close(release)
		require.NoError(t, <-done)

		msgs := fx.engine.Messages("C1")
		require.Equal(t, []string{"A", "B"}, contents(msgs))
		require.Equal(t, []string{"m2", "m1"}, messageIDs(msgs))
		require.Empty(t, fx.engine.timeline.Pending("C1"))
	})

	t.Run("echo before ack leaves one entry", func(t *testing.T) {
		fx := newFixture(t).started(t, "C1")
		fx.api.sendHook = func(ctx context.Context, conv, content string, opts SendOptions) (*Message, error) {
			fx.api.mu.Lock()
			m := fx.api.storeLocked(conv, testActor, content, opts.ClientID)
			fx.api.mu.Unlock()
			fx.feed.deliver(t, ActorScope(testActor), messageEnvelope(t, "insert", m))
			return &m, nil
		}

		msg, err := fx.engine.Send(context.Background(), "C1", "hello", SendOptions{})
		require.NoError(t, err)
		msgs := fx.engine.Messages("C1")
		require.Equal(t, []string{msg.ID}, messageIDs(msgs))
		require.Equal(t, DeliverySent, msgs[0].State)
	})

	t.Run("lost ack after echo counts as success", func(t *testing.T) {
		fx := newFixture(t).started(t, "C1")
		fx.api.sendHook = func(ctx context.Context, conv, content string, opts SendOptions) (*Message, error) {
			fx.api.mu.Lock()
			m := fx.api.storeLocked(conv, testActor, content, opts.ClientID)
			fx.api.mu.Unlock()
			fx.feed.deliver(t, ActorScope(testActor), messageEnvelope(t, "insert", m))
			return nil, &TransportError{Op: "POST", Err: context.DeadlineExceeded}
		}
		var failures int
		fx.engine.OnFailure(func(*Failure) { failures++ })

		msg, err := fx.engine.Send(context.Background(), "C1", "hello", SendOptions{})
		require.NoError(t, err)
		require.Equal(t, "m1", msg.ID)
		require.Zero(t, failures)
		require.Equal(t, []string{"m1"}, messageIDs(fx.engine.Messages("C1")))
	})

	t.Run("echo after ack is dropped as duplicate", func(t *testing.T) {
		fx := newFixture(t).started(t, "C1")
		msg, err := fx.engine.Send(context.Background(), "C1", "hello", SendOptions{})
		require.NoError(t, err)

		fx.feed.deliver(t, ActorScope(testActor), messageEnvelope(t, "insert", msg))
		fx.feed.deliver(t, ConversationScope("C1"), messageEnvelope(t, "insert", msg))
		require.Len(t, fx.engine.Messages("C1"), 1)
	})
}

func TestRollback(t *testing.T) {
	t.Run("send failure restores timeline and summary", func(t *testing.T) {
		fx := newFixture(t)
		fx.api.seed("C1", "u-other", "earlier")
		fx.started(t, "C1")
		beforeMsgs := fx.engine.Messages("C1")
		beforeConv, _ := fx.engine.Conversation("C1")

		fx.api.sendErr = &APIError{Code: "FORBIDDEN", Message: "muted", Status: 403}
		var got []*Failure
		fx.engine.OnFailure(func(f *Failure) { got = append(got, f) })

		_, err := fx.engine.Send(context.Background(), "C1", "nope", SendOptions{})
		var f *Failure
		require.ErrorAs(t, err, &f)
		require.Equal(t, KindRejected, f.Kind)
		require.False(t, f.Retryable())
		require.Len(t, got, 1)

		require.Equal(t, beforeMsgs, fx.engine.Messages("C1"))
		afterConv, _ := fx.engine.Conversation("C1")
		require.Equal(t, beforeConv, afterConv)
	})

	t.Run("send failure into an unloaded conversation leaves nothing", func(t *testing.T) {
		fx := newFixture(t)
		fx.api.sendErr = &TransportError{Op: "POST", Err: errors.New("connection refused")}

		_, err := fx.engine.Send(context.Background(), "C9", "hi", SendOptions{})
		var f *Failure
		require.ErrorAs(t, err, &f)
		require.True(t, f.Retryable())
		require.False(t, fx.engine.timeline.Has("C9"))
		_, ok := fx.engine.Conversation("C9")
		require.False(t, ok)
	})

	t.Run("edit timeout restores the original", func(t *testing.T) {
		fx := newFixture(t)
		m := fx.api.seed("C1", testActor, "hello")
		fx.started(t, "C1")
		before := fx.engine.Messages("C1")

		fx.api.editErr = &TransportError{Op: "PATCH", Err: context.DeadlineExceeded}
		_, err := fx.engine.Edit(context.Background(), m.ID, "hello!")
		var f *Failure
		require.ErrorAs(t, err, &f)
		require.Equal(t, KindTransient, f.Kind)
		require.Equal(t, "edit", f.Op)

		after := fx.engine.Messages("C1")
		require.Equal(t, before, after)
		require.False(t, after[0].IsEdited)
		require.Nil(t, after[0].EditedAt)
		require.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.mutations.WithLabelValues("edit", "transient")))
	})

	t.Run("delete failure restores the original", func(t *testing.T) {
		fx := newFixture(t)
		m := fx.api.seed("C1", testActor, "hello")
		fx.started(t, "C1")
		before := fx.engine.Messages("C1")

		fx.api.deleteErr = &APIError{Code: "INTERNAL", Message: "boom", Status: 500}
		err := fx.engine.Delete(context.Background(), m.ID)
		var f *Failure
		require.ErrorAs(t, err, &f)
		require.Equal(t, KindTransient, f.Kind)
		require.Equal(t, before, fx.engine.Messages("C1"))
	})
}

func TestEdit(t *testing.T) {
	t.Run("applies server result", func(t *testing.T) {
		fx := newFixture(t)
		m := fx.api.seed("C1", testActor, "hello")
		fx.started(t, "C1")

		got, err := fx.engine.Edit(context.Background(), m.ID, "hello!")
		require.NoError(t, err)
		require.Equal(t, "hello!", got.Content)
		require.True(t, got.IsEdited)

		conv, _ := fx.engine.Conversation("C1")
		require.Equal(t, "hello!", conv.LastMessagePreview)
	})

	t.Run("addresses a confirmed message by its local id", func(t *testing.T) {
		fx := newFixture(t)
		var localID string
		fx.engine.ObserveTimeline(func(c TimelineChange) {
			if c.Kind == ChangeInserted && localID == "" {
				localID = c.MessageID
			}
		})
		_, err := fx.engine.Send(context.Background(), "C1", "draft", SendOptions{})
		require.NoError(t, err)
		require.True(t, IsLocalID(localID))

		got, err := fx.engine.Edit(context.Background(), localID, "final")
		require.NoError(t, err)
		require.Equal(t, "m1", got.ID)
		require.Equal(t, "final", got.Content)
	})

	t.Run("stale target keeps the original", func(t *testing.T) {
		fx := newFixture(t)
		m := fx.api.seed("C1", testActor, "hello")
		fx.started(t, "C1")
		fx.api.editErr = &APIError{Code: "NOT_FOUND", Message: "gone", Status: 404}

		got, err := fx.engine.Edit(context.Background(), m.ID, "changed")
		require.NoError(t, err)
		require.Equal(t, "hello", got.Content)
		cur, _ := fx.engine.timeline.Get("C1", m.ID)
		require.Equal(t, "hello", cur.Content)
		require.False(t, cur.IsEdited)
	})

	t.Run("rejects unknown and deleted targets", func(t *testing.T) {
		fx := newFixture(t)
		m := fx.api.seed("C1", testActor, "hello")
		fx.started(t, "C1")

		_, err := fx.engine.Edit(context.Background(), "nope", "x")
		require.ErrorIs(t, err, ErrUnknownMessage)

		require.NoError(t, fx.engine.Delete(context.Background(), m.ID))
		_, err = fx.engine.Edit(context.Background(), m.ID, "x")
		require.ErrorIs(t, err, ErrDeletedMessage)
	})
}

func TestPendingTargetsAreRejected(t *testing.T) {
	fx := newFixture(t)
	release := make(chan struct{})
	fx.api.sendHook = func(ctx context.Context, conv, content string, opts SendOptions) (*Message, error) {
		<-release
		fx.api.mu.Lock()
		defer fx.api.mu.Unlock()
		m := fx.api.storeLocked(conv, testActor, content, opts.ClientID)
		return &m, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := fx.engine.Send(context.Background(), "C1", "slow", SendOptions{})
		done <- err
	}()
	require.Eventually(t, func() bool {
		return len(fx.engine.timeline.Pending("C1")) == 1
	}, time.Second, 5*time.Millisecond)
	pending := fx.engine.timeline.Pending("C1")[0]

	_, err := fx.engine.Edit(context.Background(), pending.ID, "changed")
	require.ErrorIs(t, err, ErrPendingMessage)
	require.ErrorIs(t, fx.engine.Delete(context.Background(), pending.ID), ErrPendingMessage)
	require.Zero(t, fx.api.editCalls)
	require.Zero(t, fx.api.deleteCalls)

	close(release)
	require.NoError(t, <-done)
}

func TestDelete(t *testing.T) {
	t.Run("soft deletes and is idempotent", func(t *testing.T) {
		fx := newFixture(t)
		m := fx.api.seed("C1", testActor, "hello")
		fx.started(t, "C1")

		require.NoError(t, fx.engine.Delete(context.Background(), m.ID))
		require.NoError(t, fx.engine.Delete(context.Background(), m.ID))
		require.Equal(t, 1, fx.api.deleteCalls)

		msgs := fx.engine.Messages("C1")
		require.Len(t, msgs, 1)
		require.True(t, msgs[0].IsDeleted)
		require.Empty(t, msgs[0].Content)
		require.NotNil(t, msgs[0].DeletedAt)
		require.Equal(t, 1.0, testutil.ToFloat64(fx.metrics.mutations.WithLabelValues("delete", "noop")))
	})

	t.Run("stale target stays deleted", func(t *testing.T) {
		fx := newFixture(t)
		m := fx.api.seed("C1", testActor, "hello")
		fx.started(t, "C1")
		fx.api.deleteErr = &APIError{Code: "NOT_FOUND", Message: "gone", Status: 404}

		require.NoError(t, fx.engine.Delete(context.Background(), m.ID))
		cur, _ := fx.engine.timeline.Get("C1", m.ID)
		require.True(t, cur.IsDeleted)
	})
}

func TestMarkRead(t *testing.T) {
	t.Run("resets only the target conversation", func(t *testing.T) {
		fx := newFixture(t)
		a := fx.api.seed("C1", "u-other", "one")
		b := fx.api.seed("C1", "u-other", "two")
		fx.api.seed("C1", testActor, "mine")
		fx.api.seed("C2", "u-other", "elsewhere")
		fx.api.setUnread("C1", 3)
		fx.api.setUnread("C2", 5)
		fx.started(t, "C1")

		require.NoError(t, fx.engine.MarkRead(context.Background(), "C1"))

		c1, _ := fx.engine.Conversation("C1")
		c2, _ := fx.engine.Conversation("C2")
		require.Zero(t, c1.UnreadCount)
		require.Equal(t, 5, c2.UnreadCount)
		require.Equal(t, []string{a.ID, b.ID}, fx.api.markReads["C1"])
	})

	t.Run("failure restores the counter", func(t *testing.T) {
		fx := newFixture(t)
		fx.api.seed("C1", "u-other", "one")
		fx.api.setUnread("C1", 3)
		fx.started(t, "C1")
		fx.api.markErr = &TransportError{Op: "POST", Err: errors.New("reset")}

		err := fx.engine.MarkRead(context.Background(), "C1")
		var f *Failure
		require.ErrorAs(t, err, &f)
		require.Equal(t, "mark_read", f.Op)

		c1, _ := fx.engine.Conversation("C1")
		require.Equal(t, 3, c1.UnreadCount)
	})
}
