package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTypingStore(t *testing.T) {
	t.Run("set and clear", func(t *testing.T) {
		clock := newTestClock()
		s := NewTypingStore(5*time.Second, clock.Now)
		var changes []TypingChange
		s.Observe(func(c TypingChange) { changes = append(changes, c) })

		s.SetTyping("C1", "bob", true)
		s.SetTyping("C1", "alice", true)
		s.SetTyping("C1", "alice", true)
		require.Equal(t, []string{"alice", "bob"}, s.Typing("C1"))
		require.Len(t, changes, 2)

		s.SetTyping("C1", "bob", false)
		require.Equal(t, []string{"alice"}, s.Typing("C1"))

		s.Clear("C1")
		require.Empty(t, s.Typing("C1"))
		require.Len(t, changes, 4)
	})

	t.Run("entries expire after the ttl", func(t *testing.T) {
		clock := newTestClock()
		s := NewTypingStore(5*time.Second, clock.Now)
		s.SetTyping("C1", "bob", true)

		clock.Advance(3 * time.Second)
		s.SetTyping("C1", "alice", true)
		clock.Advance(3 * time.Second)
		require.Equal(t, []string{"alice"}, s.Typing("C1"), "expired entries are hidden before a sweep")

		var swept []TypingChange
		s.Observe(func(c TypingChange) { swept = append(swept, c) })
		s.Sweep()
		require.Equal(t, []TypingChange{{ConversationID: "C1", UserIDs: []string{"alice"}}}, swept)

		clock.Advance(3 * time.Second)
		s.Sweep()
		require.Empty(t, s.Typing("C1"))
		require.Len(t, swept, 2)
	})

	t.Run("typing again after an unswept expiry notifies", func(t *testing.T) {
		clock := newTestClock()
		s := NewTypingStore(5*time.Second, clock.Now)
		var changes []TypingChange
		s.Observe(func(c TypingChange) { changes = append(changes, c) })

		s.SetTyping("C1", "bob", true)
		clock.Advance(6 * time.Second)
		require.Empty(t, s.Typing("C1"))

		s.SetTyping("C1", "bob", true)
		require.Equal(t, []string{"bob"}, s.Typing("C1"))
		require.Len(t, changes, 2)
		require.Equal(t, []string{"bob"}, changes[1].UserIDs)

		clock.Advance(6 * time.Second)
		s.SetTyping("C1", "bob", false)
		require.Len(t, changes, 2, "stopping an expired entry changes nothing visible")
		s.Sweep()
		require.Len(t, changes, 2)
	})

	t.Run("refresh extends the entry", func(t *testing.T) {
		clock := newTestClock()
		s := NewTypingStore(5*time.Second, clock.Now)
		s.SetTyping("C1", "bob", true)
		clock.Advance(4 * time.Second)
		s.SetTyping("C1", "bob", true)
		clock.Advance(4 * time.Second)
		require.Equal(t, []string{"bob"}, s.Typing("C1"))
	})
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []bool
}

func (p *recordingPublisher) PublishTyping(_ context.Context, _ string, typing bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, typing)
	return nil
}

func (p *recordingPublisher) published() []bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]bool(nil), p.calls...)
}

func TestTypingInput(t *testing.T) {
	t.Run("start once then stop after quiet interval", func(t *testing.T) {
		pub := &recordingPublisher{}
		in := NewTypingInput(context.Background(), "C1", pub, 30*time.Millisecond, quietLogger())

		in.Change("h")
		in.Change("he")
		in.Change("hel")
		require.Equal(t, []bool{true}, pub.published())
		require.True(t, in.Active())

		require.Eventually(t, func() bool {
			return len(pub.published()) == 2
		}, time.Second, 5*time.Millisecond)
		require.Equal(t, []bool{true, false}, pub.published())
		require.False(t, in.Active())
	})

	t.Run("sent stops immediately", func(t *testing.T) {
		pub := &recordingPublisher{}
		in := NewTypingInput(context.Background(), "C1", pub, time.Minute, quietLogger())

		in.Change("hello")
		in.Sent()
		require.Equal(t, []bool{true, false}, pub.published())

		in.Blur()
		require.Equal(t, []bool{true, false}, pub.published())
	})

	t.Run("clearing the composer stops", func(t *testing.T) {
		pub := &recordingPublisher{}
		in := NewTypingInput(context.Background(), "C1", pub, time.Minute, quietLogger())

		in.Change("x")
		in.Change("   ")
		require.Equal(t, []bool{true, false}, pub.published())
	})

	t.Run("works without a publisher", func(t *testing.T) {
		in := NewTypingInput(context.Background(), "C1", nil, time.Minute, nil)
		in.Change("x")
		require.True(t, in.Active())
		in.Blur()
		require.False(t, in.Active())
	})
}
