package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Prismer-AI/hubsync"
)

// openHub builds a Hub from the CLI config. The returned func releases the
// storage backend and must be called once the command is done.
func openHub(ctx context.Context) (*hubsync.Hub, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := parseLevel(cfg.Default.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	hubCfg := hubsync.HubConfig{
		BaseURL: cfg.Default.BaseURL,
		Logger:  logger,
		Connection: hubsync.ConnectionConfig{
			Transport:  hubsync.Transport(cfg.Realtime.Transport),
			MaxRetries: cfg.Realtime.MaxRetries,
		},
	}
	if cfg.Realtime.RetryBackoff != "" {
		if hubCfg.Connection.RetryBackoff, err = time.ParseDuration(cfg.Realtime.RetryBackoff); err != nil {
			return nil, nil, fmt.Errorf("realtime.retry_backoff: %w", err)
		}
	}
	if cfg.Realtime.PollInterval != "" {
		if hubCfg.PollInterval, err = time.ParseDuration(cfg.Realtime.PollInterval); err != nil {
			return nil, nil, fmt.Errorf("realtime.poll_interval: %w", err)
		}
	}

	var closers []func()
	switch cfg.Storage.Backend {
	case "memory":
		// Nothing survives the process.
	case "redis":
		addr := valueOrDefault(cfg.Storage.RedisAddr, "localhost:6379")
		prefix := valueOrDefault(cfg.Storage.RedisPrefix, "hubsync:")
		opts, err := redisOptions(addr)
		if err != nil {
			return nil, nil, err
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("cannot reach redis at %s: %w", opts.Addr, err)
		}
		hubCfg.KV = hubsync.NewRedisKV(rdb, prefix)
		hubCfg.Broadcaster = hubsync.NewRedisBroadcaster(rdb, prefix, logger)
		closers = append(closers, func() { rdb.Close() })
	default:
		path := cfg.Storage.SQLitePath
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, nil, err
			}
			path = filepath.Join(dir, "state.db")
		}
		kv, err := hubsync.OpenSQLiteKV(path)
		if err != nil {
			return nil, nil, err
		}
		hubCfg.KV = kv
		closers = append(closers, func() { kv.Close() })
	}

	hub, err := hubsync.NewHub(ctx, hubCfg)
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, nil, err
	}
	release := func() {
		hub.Close()
		for _, c := range closers {
			c()
		}
	}
	return hub, release, nil
}

// resume restores the stored session or explains how to get one.
func resume(ctx context.Context, hub *hubsync.Hub) (*hubsync.Session, error) {
	s, err := hub.Resume(ctx)
	switch {
	case errors.Is(err, hubsync.ErrNoSession):
		return nil, fmt.Errorf("not logged in; run 'hubsync login <username>' first")
	case errors.Is(err, hubsync.ErrUnauthorized):
		return nil, fmt.Errorf("session rejected by the backend; run 'hubsync login <username>' again")
	case err != nil:
		return nil, err
	}
	return s, nil
}

// redisOptions accepts either a bare host:port or a redis:// URL carrying
// credentials and a database number.
func redisOptions(addr string) (*redis.Options, error) {
	if !strings.Contains(addr, "://") {
		if addr == "" {
			return nil, fmt.Errorf("storage.redis_addr is empty")
		}
		return &redis.Options{Addr: addr}, nil
	}
	opts, err := redis.ParseURL(addr)
	if err != nil {
		return nil, fmt.Errorf("storage.redis_addr: %w", err)
	}
	return opts, nil
}

// redactAddr hides the password of a redis:// URL.
func redactAddr(addr string) string {
	if !strings.Contains(addr, "://") {
		return addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "warn":
		return slog.LevelWarn, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
}

// describeError turns API errors into one line, field errors included.
func describeError(err error) string {
	fields := hubsync.FieldErrors(err)
	if len(fields) == 0 {
		return err.Error()
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+fields[k])
	}
	return err.Error() + " (" + strings.Join(parts, ", ") + ")"
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
