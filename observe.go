package chatsync

import (
	"sort"
	"sync"
)

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind names the mutation a timeline observer is told about.
type ChangeKind string

const (
	ChangeInserted   ChangeKind = "inserted"
	ChangeUpdated    ChangeKind = "updated"
	ChangeReplaced   ChangeKind = "replaced"
	ChangeRemoved    ChangeKind = "removed"
	ChangePageLoaded ChangeKind = "page_loaded"
	ChangeCleared    ChangeKind = "cleared"
)

// TimelineChange describes one synchronous timeline mutation.
type TimelineChange struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
	// PreviousID is set for ChangeReplaced: the identifier that was swapped out.
	PreviousID string
	Message    *Message
}

// SummaryChange is emitted whenever a conversation summary changes.
type SummaryChange struct {
	ConversationID string
	// Reloaded is true when the whole list was replaced from the read API.
	Reloaded bool
}

// TypingChange is emitted whenever a conversation's typing set changes.
type TypingChange struct {
	ConversationID string
	UserIDs        []string
}

// emitter fans a value out to registered handlers. Handlers run on the
// emitting goroutine, after the emitter's caller has released its own locks.
type emitter[T any] struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(T)
}

// on registers h and returns a function that removes it.
func (e *emitter[T]) on(h func(T)) func() {
	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[int]func(T))
	}
	id := e.next
	e.next++
	e.handlers[id] = h
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

func (e *emitter[T]) emit(v T) {
	e.mu.RLock()
	ids := make([]int, 0, len(e.handlers))
	for id := range e.handlers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]func(T), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, e.handlers[id])
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(v)
		}()
	}
}

func (e *emitter[T]) removeAll() {
	e.mu.Lock()
	e.handlers = nil
	e.mu.Unlock()
}
