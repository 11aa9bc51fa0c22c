package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	goredis "github.com/redis/go-redis/v9"
)

// RedisFeed delivers change-feed envelopes published on Redis pub/sub
// channels, one channel per scope (see RedisChannel). go-redis re-subscribes
// after a dropped connection; each re-subscription is reported as stale.
type RedisFeed struct {
	client goredis.UniversalClient
	logger *log.Logger
}

// NewRedisFeed wraps an existing client.
func NewRedisFeed(client goredis.UniversalClient, logger *log.Logger) *RedisFeed {
	if logger == nil {
		logger = log.Default().WithPrefix("chatsync")
	}
	return &RedisFeed{client: client, logger: logger}
}

// DialRedisFeed connects to redisURL and verifies the connection.
func DialRedisFeed(ctx context.Context, redisURL string, logger *log.Logger) (*RedisFeed, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis feed: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis feed: ping failed: %w", err)
	}
	return NewRedisFeed(client, logger), nil
}

// RedisChannel is the pub/sub channel carrying scope's events.
func RedisChannel(scope Scope) string {
	return "chatsync:feed:" + string(scope.Kind) + ":" + scope.ID
}

// Publish sends env to everyone subscribed to scope.
func (f *RedisFeed) Publish(ctx context.Context, scope Scope, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return f.client.Publish(ctx, RedisChannel(scope), data).Err()
}

// Subscribe listens on scope's channel until the subscription is closed.
func (f *RedisFeed) Subscribe(ctx context.Context, scope Scope, h FeedHandler) (Subscription, error) {
	channel := RedisChannel(scope)
	ps := f.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{ps: ps, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.ChannelWithSubscriptions() {
			switch m := msg.(type) {
			case *goredis.Subscription:
				if m.Kind == "subscribe" && h.OnStale != nil {
					h.OnStale(errReconnected)
				}
			case *goredis.Message:
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					f.logger.Debug("bad redis feed payload", "channel", m.Channel, "err", err)
					continue
				}
				if h.OnEvent != nil {
					h.OnEvent(env)
				}
			}
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	ps   *goredis.PubSub
	done chan struct{}
	once sync.Once
	err  error
}

// Close unsubscribes and waits for the delivery goroutine to exit.
func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}
