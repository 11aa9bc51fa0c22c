package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// SubscriptionState is the lifecycle state of one change-feed channel.
type SubscriptionState string

const (
	StateUnsubscribed SubscriptionState = "unsubscribed"
	StateSubscribing  SubscriptionState = "subscribing"
	StateSubscribed   SubscriptionState = "subscribed"
)

// SubscriptionManager owns the session's global channel and at most one
// conversation channel, and routes what they deliver to the FeedAdapter.
type SubscriptionManager struct {
	actorID string
	feed    Feed
	adapter *FeedAdapter
	typing  *TypingStore
	logger  *log.Logger
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	life sync.Mutex // serializes Start, Mount, Unmount and Close

	mu          sync.RWMutex
	global      Subscription
	globalState SubscriptionState
	mounted     string
	mountedSub  Subscription
	states      map[string]SubscriptionState
	closed      bool

	stale emitter[Scope]
}

func newSubscriptionManager(actorID string, feed Feed, adapter *FeedAdapter, typing *TypingStore, logger *log.Logger, metrics *Metrics) *SubscriptionManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &SubscriptionManager{
		actorID:     actorID,
		feed:        feed,
		adapter:     adapter,
		typing:      typing,
		logger:      logger,
		metrics:     metrics,
		ctx:         ctx,
		cancel:      cancel,
		globalState: StateUnsubscribed,
		states:      make(map[string]SubscriptionState),
	}
}

// OnStale registers h for transport loss or reconnect of any channel. The
// caller is expected to refetch what the scope covers.
func (m *SubscriptionManager) OnStale(h func(Scope)) func() {
	return m.stale.on(h)
}

// GlobalState returns the state of the actor-wide channel.
func (m *SubscriptionManager) GlobalState() SubscriptionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.globalState
}

// State returns the state of conversationID's detail channel.
func (m *SubscriptionManager) State(conversationID string) SubscriptionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[conversationID]; ok {
		return s
	}
	return StateUnsubscribed
}

// Mounted returns the conversation whose detail channel is open, if any.
func (m *SubscriptionManager) Mounted() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mounted
}

// Start opens the global channel for the session. Calling it again while the
// channel is open does nothing.
func (m *SubscriptionManager) Start(ctx context.Context) error {
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.global != nil {
		m.mu.Unlock()
		return nil
	}
	m.globalState = StateSubscribing
	m.mu.Unlock()

	scope := ActorScope(m.actorID)
	sub, err := m.feed.Subscribe(ctx, scope, m.handler(scope, AdapterOptions{AllowCreate: true}))
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.globalState = StateUnsubscribed
		return fmt.Errorf("subscribe %s: %w", scope, err)
	}
	m.global = sub
	m.globalState = StateSubscribed
	m.metrics.subscriptionOpened(ScopeActor)
	m.logger.Debug("subscribed", "scope", scope)
	return nil
}

// Mount opens conversationID's detail channel. Any other mounted
// conversation is fully torn down first.
func (m *SubscriptionManager) Mount(ctx context.Context, conversationID string) error {
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.RLock()
	closed, current := m.closed, m.mounted
	m.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if current == conversationID {
		return nil
	}
	if current != "" {
		if err := m.unmountLocked(current); err != nil {
			m.logger.Warn("unmount failed", "conversation", current, "err", err)
		}
	}

	m.mu.Lock()
	m.states[conversationID] = StateSubscribing
	m.mu.Unlock()

	scope := ConversationScope(conversationID)
	sub, err := m.feed.Subscribe(ctx, scope, m.handler(scope, AdapterOptions{Presence: true}))
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.states, conversationID)
		return fmt.Errorf("subscribe %s: %w", scope, err)
	}
	m.mounted = conversationID
	m.mountedSub = sub
	m.states[conversationID] = StateSubscribed
	m.metrics.subscriptionOpened(ScopeConversation)
	m.logger.Debug("subscribed", "scope", scope)
	return nil
}

// Unmount closes conversationID's detail channel and clears its typing set.
func (m *SubscriptionManager) Unmount(conversationID string) error {
	m.life.Lock()
	defer m.life.Unlock()
	return m.unmountLocked(conversationID)
}

func (m *SubscriptionManager) unmountLocked(conversationID string) error {
	m.mu.Lock()
	if m.mounted != conversationID {
		m.mu.Unlock()
		return nil
	}
	sub := m.mountedSub
	m.mounted = ""
	m.mountedSub = nil
	delete(m.states, conversationID)
	m.mu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
		m.metrics.subscriptionClosed(ScopeConversation)
	}
	m.typing.Clear(conversationID)
	m.logger.Debug("unsubscribed", "scope", ConversationScope(conversationID))
	return err
}

// Close releases every channel. The manager cannot be restarted.
func (m *SubscriptionManager) Close() error {
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	mounted := m.mounted
	m.mu.Unlock()

	var errs []error
	if mounted != "" {
		errs = append(errs, m.unmountLocked(mounted))
	}

	m.mu.Lock()
	global := m.global
	m.global = nil
	m.globalState = StateUnsubscribed
	m.mu.Unlock()
	if global != nil {
		errs = append(errs, global.Close())
		m.metrics.subscriptionClosed(ScopeActor)
	}
	m.cancel()
	m.stale.removeAll()
	return errors.Join(errs...)
}

// handler routes one channel's events. Events that arrive after the channel
// was released are dropped.
func (m *SubscriptionManager) handler(scope Scope, opts AdapterOptions) FeedHandler {
	return FeedHandler{
		OnEvent: func(env Envelope) {
			if !m.open(scope) {
				return
			}
			m.adapter.Handle(m.ctx, env, opts)
		},
		OnStale: func(err error) {
			if !m.open(scope) {
				return
			}
			m.logger.Warn("feed presumed stale", "scope", scope, "err", err)
			m.stale.emit(scope)
		},
	}
}

func (m *SubscriptionManager) open(scope Scope) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	if scope.Kind == ScopeActor {
		return m.globalState != StateUnsubscribed
	}
	s, ok := m.states[scope.ID]
	return ok && s != StateUnsubscribed
}
