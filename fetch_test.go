package chatsync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchTracker(t *testing.T) {
	t.Run("current fetch commits", func(t *testing.T) {
		tr := NewFetchTracker()
		_, tok := tr.Begin(context.Background(), RegionConversations)
		ran := false
		require.True(t, tr.Apply(tok, func() { ran = true }))
		require.True(t, ran)
	})

	t.Run("cancel aborts and blocks the commit", func(t *testing.T) {
		tr := NewFetchTracker()
		ctx, tok := tr.Begin(context.Background(), TimelineRegion("C1"))
		tr.Cancel(TimelineRegion("C1"))

		require.ErrorIs(t, ctx.Err(), context.Canceled)
		require.False(t, tr.Apply(tok, func() { t.Fatal("stale commit ran") }))
	})

	t.Run("newer fetch supersedes older", func(t *testing.T) {
		tr := NewFetchTracker()
		ctx1, tok1 := tr.Begin(context.Background(), TimelineRegion("C1"))
		_, tok2 := tr.Begin(context.Background(), TimelineRegion("C1"))

		require.Error(t, ctx1.Err())
		require.False(t, tr.Apply(tok1, func() {}))
		require.True(t, tr.Apply(tok2, func() {}))
	})

	t.Run("regions are independent", func(t *testing.T) {
		tr := NewFetchTracker()
		ctx, tok := tr.Begin(context.Background(), TimelineRegion("C1"))
		tr.Cancel(TimelineRegion("C2"))
		tr.Cancel(RegionConversations)
		require.NoError(t, ctx.Err())
		require.True(t, tr.Apply(tok, func() {}))
	})

	t.Run("done releases without committing", func(t *testing.T) {
		tr := NewFetchTracker()
		ctx, tok := tr.Begin(context.Background(), RegionConversations)
		tr.Done(tok)
		require.Error(t, ctx.Err())
	})
}

func TestLoadPageSupersededByMutation(t *testing.T) {
	fx := newFixture(t)
	fx.api.seed("C1", "u-other", "old")

	started := make(chan struct{})
	release := make(chan struct{})
	first := true
	fx.api.listHook = func(conv, cursor string) {
		if !first {
			return
		}
		first = false
		close(started)
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := fx.engine.LoadPage(context.Background(), "C1", "")
		done <- err
	}()
	<-started

	sent, err := fx.engine.Send(context.Background(), "C1", "new", SendOptions{})
	require.NoError(t, err)
	close(release)

	require.ErrorIs(t, <-done, ErrSuperseded)
	require.Equal(t, []string{sent.ID}, messageIDs(fx.engine.Messages("C1")))

	page, err := fx.engine.LoadPage(context.Background(), "C1", "")
	require.NoError(t, err)
	require.Equal(t, []string{"old", "new"}, contents(page.Messages))
}
