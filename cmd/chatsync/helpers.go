package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Prismer-AI/chatsync"
)

// session bundles everything a live command needs.
type session struct {
	cfg    *Config
	client *chatsync.HTTPClient
	feed   chatsync.Feed
	engine *chatsync.Engine
	logger *log.Logger
}

func (s *session) Close() error {
	err := s.engine.Close()
	if ws, ok := s.feed.(*chatsync.WSFeed); ok {
		_ = ws.Disconnect()
	}
	return err
}

// getClient creates an HTTP client authenticated with the configured token.
func getClient(cfg *Config) *chatsync.HTTPClient {
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync config set default.token <token>' or set CHATSYNC_TOKEN.")
		os.Exit(1)
	}
	var opts []chatsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewHTTPClient(cfg.Default.Token, opts...)
}

func newLogger(cfg *Config) *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Prefix:          "chatsync",
		ReportTimestamp: true,
	})
	if cfg.Log.Level != "" {
		level, err := log.ParseLevel(cfg.Log.Level)
		if err != nil {
			logger.Warn("unknown log level, using info", "level", cfg.Log.Level)
		} else {
			logger.SetLevel(level)
		}
	}
	return logger
}

// buildFeed returns the change-feed selected by feed.transport.
func buildFeed(ctx context.Context, cfg *Config, client *chatsync.HTTPClient, logger *log.Logger) (chatsync.Feed, error) {
	rc := chatsync.RealtimeConfig{
		Token:         cfg.Default.Token,
		AutoReconnect: cfg.Feed.AutoReconnect,
		Logger:        logger,
	}
	switch cfg.Feed.Transport {
	case "", "ws":
		return chatsync.NewWSFeed(client.BaseURL(), rc), nil
	case "sse":
		return chatsync.NewSSEFeed(client.BaseURL(), rc), nil
	case "redis":
		if cfg.Feed.RedisURL == "" {
			return nil, fmt.Errorf("feed.redis_url is required for the redis transport")
		}
		return chatsync.DialRedisFeed(ctx, cfg.Feed.RedisURL, logger)
	default:
		return nil, fmt.Errorf("unknown feed transport %q", cfg.Feed.Transport)
	}
}

// engineOptions converts the typing section into engine options.
func engineOptions(cfg *Config, logger *log.Logger) []chatsync.Option {
	opts := []chatsync.Option{
		chatsync.WithLogger(logger),
		chatsync.WithMetrics(chatsync.NewMetrics(prometheus.NewRegistry())),
	}
	if d, err := time.ParseDuration(cfg.Typing.TTL); err == nil && d > 0 {
		opts = append(opts, chatsync.WithTypingTTL(d))
	}
	if d, err := time.ParseDuration(cfg.Typing.Quiet); err == nil && d > 0 {
		opts = append(opts, chatsync.WithTypingQuiet(d))
	}
	return opts
}

// newSession loads the effective config and wires a started engine.
func newSession(ctx context.Context) (*session, error) {
	cfg, err := effectiveConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Default.ActorID == "" {
		return nil, fmt.Errorf("no actor id; run 'chatsync config set default.actor_id <id>'")
	}
	logger := newLogger(cfg)
	client := getClient(cfg)

	feed, err := buildFeed(ctx, cfg, client, logger)
	if err != nil {
		return nil, err
	}
	engine, err := chatsync.NewEngine(cfg.Default.ActorID, client, client, feed, engineOptions(cfg, logger)...)
	if err != nil {
		return nil, err
	}
	s := &session{cfg: cfg, client: client, feed: feed, engine: engine, logger: logger}
	if err := engine.Start(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// maskKey shows the first and last 4 characters of a token.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
