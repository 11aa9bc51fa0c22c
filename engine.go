package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgraph-io/ristretto/v2"
)

// ============================================================================
// External interfaces
// ============================================================================

// CommandAPI dispatches mutating commands. Send and edit return the full
// server message including sender identity.
type CommandAPI interface {
	SendMessage(ctx context.Context, conversationID, content string, opts SendOptions) (*Message, error)
	EditMessage(ctx context.Context, conversationID, messageID, content string) (*Message, error)
	DeleteMessage(ctx context.Context, conversationID, messageID string) error
	MarkRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// ReadAPI is the authoritative read side. GetMessage returns nil, nil when
// the message does not exist or is not visible.
type ReadAPI interface {
	ListMessages(ctx context.Context, conversationID, cursor string) (*Page, error)
	GetMessage(ctx context.Context, messageID string) (*Message, error)
	ListConversations(ctx context.Context) (*ConversationList, error)
}

// ErrSuperseded is returned by a fetch whose result was discarded because a
// local mutation touched the same region while it was in flight.
var ErrSuperseded = errors.New("fetch superseded by a local mutation")

// ============================================================================
// Options
// ============================================================================

type engineConfig struct {
	logger          *log.Logger
	metrics         *Metrics
	now             func() time.Time
	typingTTL       time.Duration
	typingQuiet     time.Duration
	senderCacheSize int64
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithLogger sets the logger. The default is log.Default() with a
// "chatsync" prefix.
func WithLogger(l *log.Logger) Option {
	return func(c *engineConfig) { c.logger = l }
}

// WithMetrics records Prometheus metrics through m.
func WithMetrics(m *Metrics) Option {
	return func(c *engineConfig) { c.metrics = m }
}

// WithClock replaces time.Now for timestamps and typing expiry.
func WithClock(now func() time.Time) Option {
	return func(c *engineConfig) { c.now = now }
}

func WithTypingTTL(d time.Duration) Option {
	return func(c *engineConfig) { c.typingTTL = d }
}

func WithTypingQuiet(d time.Duration) Option {
	return func(c *engineConfig) { c.typingQuiet = d }
}

// WithSenderCacheSize bounds the number of sender profiles kept.
func WithSenderCacheSize(n int64) Option {
	return func(c *engineConfig) { c.senderCacheSize = n }
}

// ============================================================================
// Engine
// ============================================================================

// Engine is the in-process surface the UI talks to: reactive read accessors
// over the caches, optimistic commands, and the subscription lifecycle.
//
// Observers run synchronously on the goroutine that caused the change, after
// the caches and the reconciler have released their locks, so they may issue
// commands and fetches. They must not call lifecycle methods (Start, Mount,
// Unmount, Close). A command issued from an observer blocks the goroutine that
// delivered the change until the remote call returns.
type Engine struct {
	actorID string
	reads   ReadAPI
	feed    Feed

	timeline   *TimelineCache
	summary    *SummaryCache
	reconciler *Reconciler
	fetches    *FetchTracker
	typing     *TypingStore
	pipeline   *Pipeline
	adapter    *FeedAdapter
	subs       *SubscriptionManager
	senders    *ristretto.Cache[string, Sender]

	logger      *log.Logger
	metrics     *Metrics
	typingQuiet time.Duration

	mu        sync.Mutex
	closed    bool
	sweepStop chan struct{}
}

// NewEngine wires an engine for actorID.
func NewEngine(actorID string, commands CommandAPI, reads ReadAPI, feed Feed, opts ...Option) (*Engine, error) {
	cfg := engineConfig{
		now:             time.Now,
		typingTTL:       DefaultTypingTTL,
		typingQuiet:     DefaultTypingQuiet,
		senderCacheSize: 10_000,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.Default().WithPrefix("chatsync")
	}

	senders, err := newSenderCache(cfg.senderCacheSize)
	if err != nil {
		return nil, fmt.Errorf("sender cache: %w", err)
	}

	e := &Engine{
		actorID:     actorID,
		reads:       reads,
		feed:        feed,
		timeline:    NewTimelineCache(),
		summary:     NewSummaryCache(),
		fetches:     NewFetchTracker(),
		typing:      NewTypingStore(cfg.typingTTL, cfg.now),
		senders:     senders,
		logger:      cfg.logger,
		metrics:     cfg.metrics,
		typingQuiet: cfg.typingQuiet,
	}
	e.reconciler = NewReconciler(e.timeline)
	e.pipeline = &Pipeline{
		actorID:    actorID,
		commands:   commands,
		timeline:   e.timeline,
		summary:    e.summary,
		reconciler: e.reconciler,
		fetches:    e.fetches,
		refresh:    e.RefreshConversations,
		logger:     cfg.logger,
		metrics:    cfg.metrics,
		now:        cfg.now,
	}
	e.adapter = &FeedAdapter{
		actorID:    actorID,
		reads:      reads,
		timeline:   e.timeline,
		summary:    e.summary,
		reconciler: e.reconciler,
		typing:     e.typing,
		focused:    func(id string) bool { return e.subs.Mounted() == id },
		now:        cfg.now,
		senders:    senders,
		logger:     cfg.logger,
		metrics:    cfg.metrics,
	}
	e.subs = newSubscriptionManager(actorID, feed, e.adapter, e.typing, cfg.logger, cfg.metrics)
	return e, nil
}

// ActorID returns the signed-in user the engine acts for.
func (e *Engine) ActorID() string { return e.actorID }

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// --- reads ---

// Messages returns every loaded message of the conversation, oldest first.
func (e *Engine) Messages(conversationID string) []Message {
	return e.timeline.Messages(conversationID)
}

// Page returns the cached page that was fetched with cursor.
func (e *Engine) Page(conversationID, cursor string) (Page, bool) {
	return e.timeline.Page(conversationID, cursor)
}

// Conversations returns the summaries grouped for list views.
func (e *Engine) Conversations() Buckets { return e.summary.List() }

// Conversation returns one conversation summary.
func (e *Engine) Conversation(conversationID string) (Conversation, bool) {
	return e.summary.Get(conversationID)
}

// Typing returns the users currently typing in the conversation.
func (e *Engine) Typing(conversationID string) []string { return e.typing.Typing(conversationID) }

// Search matches loaded messages; an empty conversationID searches all.
func (e *Engine) Search(query, conversationID string, limit int) []Message {
	return e.timeline.Search(query, conversationID, limit)
}

// Sender returns cached display fields for userID.
func (e *Engine) Sender(userID string) (Sender, bool) { return e.adapter.Sender(userID) }

// SubscriptionState returns the state of conversationID's detail channel.
func (e *Engine) SubscriptionState(conversationID string) SubscriptionState {
	return e.subs.State(conversationID)
}

func (e *Engine) ObserveTimeline(h func(TimelineChange)) func() { return e.timeline.Observe(h) }
func (e *Engine) ObserveSummary(h func(SummaryChange)) func()   { return e.summary.Observe(h) }
func (e *Engine) ObserveTyping(h func(TypingChange)) func()     { return e.typing.Observe(h) }

// OnFailure registers h for every rolled back mutation.
func (e *Engine) OnFailure(h func(*Failure)) func() { return e.pipeline.OnFailure(h) }

// OnStale registers h for channels presumed stale after transport loss.
func (e *Engine) OnStale(h func(Scope)) func() { return e.subs.OnStale(h) }

// --- commands ---

func (e *Engine) Send(ctx context.Context, conversationID, content string, opts SendOptions) (Message, error) {
	if e.isClosed() {
		return Message{}, ErrClosed
	}
	return e.pipeline.Send(ctx, conversationID, content, opts)
}

func (e *Engine) Edit(ctx context.Context, messageID, content string) (Message, error) {
	if e.isClosed() {
		return Message{}, ErrClosed
	}
	return e.pipeline.Edit(ctx, messageID, content)
}

func (e *Engine) Delete(ctx context.Context, messageID string) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.pipeline.Delete(ctx, messageID)
}

func (e *Engine) MarkRead(ctx context.Context, conversationID string) error {
	if e.isClosed() {
		return ErrClosed
	}
	return e.pipeline.MarkRead(ctx, conversationID)
}

// LoadPage fetches one page and stores it unless a local mutation touched
// the conversation meanwhile, in which case ErrSuperseded is returned.
func (e *Engine) LoadPage(ctx context.Context, conversationID, cursor string) (Page, error) {
	fctx, tok := e.fetches.Begin(ctx, TimelineRegion(conversationID))
	page, err := e.reads.ListMessages(fctx, conversationID, cursor)
	if err != nil {
		e.fetches.Done(tok)
		return Page{}, fmt.Errorf("list messages %s: %w", conversationID, err)
	}
	if page == nil {
		page = &Page{}
	}
	var loaded TimelineChange
	if !e.fetches.Apply(tok, func() { loaded = e.timeline.putPage(conversationID, cursor, *page) }) {
		return Page{}, fmt.Errorf("list messages %s: %w", conversationID, ErrSuperseded)
	}
	e.timeline.notify(loaded)
	out, _ := e.timeline.Page(conversationID, cursor)
	return out, nil
}

// LoadOlder fetches the page before the oldest loaded one. It returns an
// empty page when there is nothing older.
func (e *Engine) LoadOlder(ctx context.Context, conversationID string) (Page, error) {
	cursor, more := e.timeline.NextCursor(conversationID)
	if !more {
		return Page{}, nil
	}
	return e.LoadPage(ctx, conversationID, cursor)
}

// RefreshConversations replaces the summary cache with the read API's list.
func (e *Engine) RefreshConversations(ctx context.Context) error {
	fctx, tok := e.fetches.Begin(ctx, RegionConversations)
	list, err := e.reads.ListConversations(fctx)
	if err != nil {
		e.fetches.Done(tok)
		return fmt.Errorf("list conversations: %w", err)
	}
	if list == nil {
		list = &ConversationList{}
	}
	if !e.fetches.Apply(tok, func() { e.summary.replaceAll(*list) }) {
		return ErrSuperseded
	}
	e.summary.changes.emit(SummaryChange{Reloaded: true})
	return nil
}

// --- lifecycle ---

// Start opens the global channel and loads the conversation list.
func (e *Engine) Start(ctx context.Context) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.subs.Start(ctx); err != nil {
		return err
	}
	e.startSweeper()
	if err := e.RefreshConversations(ctx); err != nil && !errors.Is(err, ErrSuperseded) {
		return err
	}
	return nil
}

// Mount opens conversationID's detail channel, unmounting any other, and
// loads its newest page.
func (e *Engine) Mount(ctx context.Context, conversationID string) error {
	if e.isClosed() {
		return ErrClosed
	}
	if err := e.subs.Mount(ctx, conversationID); err != nil {
		return err
	}
	if _, err := e.LoadPage(ctx, conversationID, ""); err != nil && !errors.Is(err, ErrSuperseded) {
		return err
	}
	return nil
}

// Unmount releases conversationID's detail channel and typing set.
func (e *Engine) Unmount(conversationID string) error {
	return e.subs.Unmount(conversationID)
}

// TypingInput returns a debouncer for the composer of conversationID. When
// the feed cannot publish typing state, input is tracked but not sent.
func (e *Engine) TypingInput(ctx context.Context, conversationID string) *TypingInput {
	pub, _ := e.feed.(TypingPublisher)
	return NewTypingInput(ctx, conversationID, pub, e.typingQuiet, e.logger)
}

func (e *Engine) startSweeper() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sweepStop != nil {
		return
	}
	stop := make(chan struct{})
	e.sweepStop = stop
	interval := e.typing.ttl / 2
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.typing.Sweep()
			}
		}
	}()
}

// Close releases every subscription. The engine cannot be reused.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.sweepStop != nil {
		close(e.sweepStop)
	}
	e.mu.Unlock()

	err := e.subs.Close()
	e.pipeline.failures.removeAll()
	e.senders.Close()
	return err
}
