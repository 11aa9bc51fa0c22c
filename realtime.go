package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// realtimeEnvelope is the wire format of every server-to-client frame.
type realtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// realtimeCommand is a client-to-server command (WebSocket only).
type realtimeCommand struct {
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
	RequestID string `json:"requestId,omitempty"`
}

// changePayload is the payload of a "change" frame: one feed envelope tagged
// with the scope it was delivered for.
type changePayload struct {
	Scope string `json:"scope"`
	Envelope
}

type pongPayload struct {
	RequestID string `json:"requestId"`
}

// errReconnected is reported through FeedHandler.OnStale after a transport
// re-established its connection.
var errReconnected = errors.New("feed reconnected")

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket and SSE feeds.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *log.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = log.Default().WithPrefix("chatsync")
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ============================================================================
// WSFeed
// ============================================================================

// WSFeed multiplexes change-feed subscriptions over one WebSocket connection
// with heartbeat and jittered reconnect. It also publishes the actor's typing
// state.
type WSFeed struct {
	baseURL string
	config  RealtimeConfig
	logger  *log.Logger

	mu         sync.Mutex
	state      RealtimeState
	conn       *websocket.Conn
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	connCancel context.CancelFunc
	subs       map[string]*wsSubscription
	recon      *reconnector

	counter      atomic.Int64
	pendingMu    sync.Mutex
	pendingPings map[string]chan pongPayload
}

// NewWSFeed creates a WebSocket feed for the server at baseURL.
func NewWSFeed(baseURL string, config RealtimeConfig) *WSFeed {
	config.defaults()
	return &WSFeed{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		logger:       config.Logger,
		state:        StateDisconnected,
		subs:         make(map[string]*wsSubscription),
		recon:        newReconnector(&config),
		pendingPings: make(map[string]chan pongPayload),
	}
}

// State returns the current connection state.
func (f *WSFeed) State() RealtimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *WSFeed) wsURL() string {
	u := strings.Replace(f.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws?token=" + url.QueryEscape(f.config.Token)
}

// Connect establishes the WebSocket connection. The server's first frame must
// be "authenticated".
func (f *WSFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state == StateConnected || f.state == StateConnecting {
		f.mu.Unlock()
		return nil
	}
	f.state = StateConnecting
	if f.lifeCtx == nil {
		f.lifeCtx, f.lifeCancel = context.WithCancel(context.Background())
	}
	life := f.lifeCtx
	f.mu.Unlock()

	conn, err := f.dial(ctx)
	if err != nil {
		f.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(life)
	f.mu.Lock()
	if life.Err() != nil {
		f.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	f.conn = conn
	f.connCancel = cancel
	f.state = StateConnected
	f.recon.markConnected()
	f.mu.Unlock()

	go f.readLoop(connCtx, conn)
	go f.heartbeatLoop(connCtx, conn)

	// The server forgets subscriptions with the socket.
	f.resubscribe(ctx)
	return nil
}

func (f *WSFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, f.wsURL(), &websocket.DialOptions{HTTPClient: f.config.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env realtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, nil
}

// Disconnect closes the connection and stops reconnecting. Open
// subscriptions stay registered and are re-sent by the next Connect.
func (f *WSFeed) Disconnect() error {
	f.mu.Lock()
	if f.lifeCancel != nil {
		f.lifeCancel()
	}
	f.lifeCtx, f.lifeCancel = nil, nil
	if f.connCancel != nil {
		f.connCancel()
		f.connCancel = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = StateDisconnected
	f.mu.Unlock()

	f.clearPendingPings()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe opens a channel for scope, connecting first if needed.
func (f *WSFeed) Subscribe(ctx context.Context, scope Scope, h FeedHandler) (Subscription, error) {
	if err := f.Connect(ctx); err != nil {
		return nil, err
	}
	sub := &wsSubscription{feed: f, scope: scope, handler: h}
	key := scope.String()

	f.mu.Lock()
	f.subs[key] = sub
	f.mu.Unlock()

	if err := f.send(ctx, subscribeCommand("subscribe", scope)); err != nil {
		f.mu.Lock()
		delete(f.subs, key)
		f.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", scope, err)
	}
	return sub, nil
}

func subscribeCommand(kind string, scope Scope) *realtimeCommand {
	return &realtimeCommand{
		Type:    kind,
		Payload: map[string]string{"scope": string(scope.Kind), "id": scope.ID},
	}
}

// PublishTyping sends a typing start or stop command for conversationID.
func (f *WSFeed) PublishTyping(ctx context.Context, conversationID string, typing bool) error {
	kind := "typing.stop"
	if typing {
		kind = "typing.start"
	}
	return f.send(ctx, &realtimeCommand{
		Type:    kind,
		Payload: map[string]string{"conversationId": conversationID},
	})
}

func (f *WSFeed) send(ctx context.Context, cmd *realtimeCommand) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (f *WSFeed) Ping(ctx context.Context) error {
	requestID := fmt.Sprintf("ping-%d", f.counter.Add(1))

	ch := make(chan pongPayload, 1)
	f.pendingMu.Lock()
	f.pendingPings[requestID] = ch
	f.pendingMu.Unlock()
	defer func() {
		f.pendingMu.Lock()
		delete(f.pendingPings, requestID)
		f.pendingMu.Unlock()
	}()

	err := f.send(ctx, &realtimeCommand{
		Type:      "ping",
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		return err
	}

	select {
	case _, ok := <-ch:
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			f.connectionLost(conn, err)
			return
		}

		var env realtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "change":
			var p changePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				f.logger.Debug("bad change frame", "err", err)
				continue
			}
			f.mu.Lock()
			sub := f.subs[p.Scope]
			f.mu.Unlock()
			if sub != nil && sub.handler.OnEvent != nil {
				sub.handler.OnEvent(p.Envelope)
			}
		case "pong":
			var p pongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				f.pendingMu.Lock()
				ch, ok := f.pendingPings[p.RequestID]
				if ok {
					delete(f.pendingPings, p.RequestID)
				}
				f.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
		case "error":
			f.logger.Warn("realtime server error", "payload", string(env.Payload))
		}
	}
}

func (f *WSFeed) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(f.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Ping(ctx); err != nil {
				if ctx.Err() == nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (f *WSFeed) connectionLost(conn *websocket.Conn, cause error) {
	f.mu.Lock()
	if f.conn != conn {
		// Disconnect or a newer connection already took over.
		f.mu.Unlock()
		return
	}
	f.conn = nil
	if f.connCancel != nil {
		f.connCancel()
		f.connCancel = nil
	}
	f.state = StateDisconnected
	life := f.lifeCtx
	f.mu.Unlock()

	f.clearPendingPings()
	f.logger.Warn("websocket connection lost", "err", cause)

	if f.config.AutoReconnect && life != nil {
		go f.reconnectLoop(life, cause)
		return
	}
	f.notifyStale(cause)
}

func (f *WSFeed) reconnectLoop(life context.Context, cause error) {
	for f.recon.shouldReconnect() {
		delay := f.recon.nextDelay()
		f.setState(StateReconnecting)
		f.logger.Info("reconnecting", "attempt", f.recon.attempt, "delay", delay)
		if !sleepCtx(life, delay) {
			return
		}
		if err := f.Connect(life); err != nil {
			cause = err
			continue
		}
		f.notifyStale(errReconnected)
		return
	}
	f.setState(StateDisconnected)
	f.notifyStale(fmt.Errorf("reconnect gave up: %w", cause))
}

func (f *WSFeed) resubscribe(ctx context.Context) {
	for _, sub := range f.snapshot() {
		if err := f.send(ctx, subscribeCommand("subscribe", sub.scope)); err != nil {
			f.logger.Warn("resubscribe failed", "scope", sub.scope, "err", err)
		}
	}
}

func (f *WSFeed) notifyStale(err error) {
	for _, sub := range f.snapshot() {
		if sub.handler.OnStale != nil {
			sub.handler.OnStale(err)
		}
	}
}

func (f *WSFeed) snapshot() []*wsSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*wsSubscription, 0, len(f.subs))
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out
}

func (f *WSFeed) setState(s RealtimeState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *WSFeed) clearPendingPings() {
	f.pendingMu.Lock()
	for k, ch := range f.pendingPings {
		close(ch)
		delete(f.pendingPings, k)
	}
	f.pendingMu.Unlock()
}

type wsSubscription struct {
	feed    *WSFeed
	scope   Scope
	handler FeedHandler
	once    sync.Once
}

// Close unsubscribes the scope. The connection is closed with the last
// subscription.
func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		f := s.feed
		f.mu.Lock()
		delete(f.subs, s.scope.String())
		remaining := len(f.subs)
		f.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if sendErr := f.send(ctx, subscribeCommand("unsubscribe", s.scope)); sendErr != nil && !errors.Is(sendErr, ErrNotConnected) {
			err = sendErr
		}
		if remaining == 0 {
			err = errors.Join(err, f.Disconnect())
		}
	})
	return err
}

// ============================================================================
// SSEFeed
// ============================================================================

const (
	sseWatchdogInterval = 15 * time.Second
	sseStaleAfter       = 45 * time.Second
)

// SSEFeed opens one server-sent events stream per subscription. It is
// receive-only: typing state cannot be published over it.
type SSEFeed struct {
	baseURL string
	config  RealtimeConfig
}

// NewSSEFeed creates an SSE feed for the server at baseURL.
func NewSSEFeed(baseURL string, config RealtimeConfig) *SSEFeed {
	config.defaults()
	return &SSEFeed{baseURL: strings.TrimRight(baseURL, "/"), config: config}
}

// Subscribe connects the stream for scope. The first connection attempt is
// synchronous; later ones follow the reconnect policy.
func (f *SSEFeed) Subscribe(ctx context.Context, scope Scope, h FeedHandler) (Subscription, error) {
	life, cancel := context.WithCancel(context.Background())
	s := &sseSubscription{
		feed:    f,
		scope:   scope,
		handler: h,
		cancel:  cancel,
		recon:   newReconnector(&f.config),
		done:    make(chan struct{}),
		state:   StateConnecting,
	}
	resp, err := s.open(ctx, life)
	if err != nil {
		cancel()
		return nil, err
	}
	go s.run(life, resp)
	return s, nil
}

type sseSubscription struct {
	feed    *SSEFeed
	scope   Scope
	handler FeedHandler
	cancel  context.CancelFunc
	recon   *reconnector
	done    chan struct{}

	mu       sync.Mutex
	state    RealtimeState
	lastData time.Time
}

// State returns the stream's connection state.
func (s *sseSubscription) State() RealtimeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *sseSubscription) setState(st RealtimeState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *sseSubscription) open(ctx, life context.Context) (*http.Response, error) {
	q := url.Values{}
	q.Set("token", s.feed.config.Token)
	q.Set("scope", s.scope.String())
	sseURL := s.feed.baseURL + "/sse?" + q.Encode()

	// The stream must outlive ctx, which only bounds the handshake.
	req, err := http.NewRequestWithContext(life, http.MethodGet, sseURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := s.feed.config.HTTPClient.Do(req)
		ch <- result{resp, err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.resp != nil {
				r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, fmt.Errorf("SSE connect: %w", r.err)
	}
	if r.resp.StatusCode != http.StatusOK {
		r.resp.Body.Close()
		return nil, fmt.Errorf("SSE HTTP %d", r.resp.StatusCode)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.lastData = time.Now()
	s.mu.Unlock()
	s.recon.markConnected()
	return r.resp, nil
}

func (s *sseSubscription) run(life context.Context, resp *http.Response) {
	defer close(s.done)
	logger := s.feed.config.Logger

	for {
		cause := s.read(life, resp)
		if life.Err() != nil {
			return
		}
		s.setState(StateDisconnected)
		logger.Warn("sse stream ended", "scope", s.scope, "err", cause)

		if !s.feed.config.AutoReconnect {
			s.stale(cause)
			return
		}
		resp = nil
		for resp == nil && s.recon.shouldReconnect() {
			delay := s.recon.nextDelay()
			s.setState(StateReconnecting)
			if !sleepCtx(life, delay) {
				return
			}
			var err error
			if resp, err = s.open(life, life); err != nil {
				cause = err
			}
		}
		if resp == nil {
			s.setState(StateDisconnected)
			s.stale(fmt.Errorf("reconnect gave up: %w", cause))
			return
		}
		s.stale(errReconnected)
	}
}

// read consumes one stream until it ends and returns why it ended.
func (s *sseSubscription) read(life context.Context, resp *http.Response) error {
	defer resp.Body.Close()

	connCtx, cancel := context.WithCancel(life)
	defer cancel()
	go s.watchdog(connCtx, resp)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		s.mu.Lock()
		s.lastData = time.Now()
		s.mu.Unlock()

		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var env realtimeEnvelope
		if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &env) != nil || env.Type != "change" {
			continue
		}
		var p changePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			continue
		}
		if s.handler.OnEvent != nil {
			s.handler.OnEvent(p.Envelope)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("stream ended")
}

func (s *sseSubscription) watchdog(ctx context.Context, resp *http.Response) {
	ticker := time.NewTicker(sseWatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastData) > sseStaleAfter
			s.mu.Unlock()
			if stale {
				resp.Body.Close()
				return
			}
		}
	}
}

func (s *sseSubscription) stale(err error) {
	if s.handler.OnStale != nil {
		s.handler.OnStale(err)
	}
}

// Close ends the stream and waits for its reader to exit.
func (s *sseSubscription) Close() error {
	s.cancel()
	<-s.done
	s.setState(StateDisconnected)
	return nil
}
