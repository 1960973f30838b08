package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChamsBouzaiene/wpchat/internal/config"
	"github.com/ChamsBouzaiene/wpchat/internal/history"
	"github.com/ChamsBouzaiene/wpchat/internal/ledger"
	"github.com/ChamsBouzaiene/wpchat/internal/observability"
	"github.com/ChamsBouzaiene/wpchat/internal/sessionstore"
	"github.com/ChamsBouzaiene/wpchat/internal/store"
)

// runtimeEnv holds the storage and history clients shared by the commands.
type runtimeEnv struct {
	hist     *history.Client
	source   ledger.HistorySource
	sessions sessionstore.Store
	cache    *store.SQLiteCache
	index    *store.TranscriptIndex
	sinks    []history.Recorder
}

func (r *runtimeEnv) Close() {
	if r.sessions != nil {
		_ = r.sessions.Close()
	}
	if r.index != nil {
		_ = r.index.Close()
	}
	if r.cache != nil {
		_ = r.cache.Close()
	}
}

func prepareRuntimeEnv(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*runtimeEnv, error) {
	env := &runtimeEnv{
		hist: history.NewClient(cfg.HistoryURL, cfg.AuthToken, history.WithLogger(logger)),
	}

	if cfg.CachePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.CachePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		cache, err := store.NewSQLiteCache(ctx, cfg.CachePath)
		if err != nil {
			logger.Warn("transcript cache disabled", "path", cfg.CachePath, "error", err)
		} else {
			env.cache = cache
			env.sinks = append(env.sinks, cache)
		}
	}

	if cfg.IndexPath != "" {
		index, err := store.NewTranscriptIndex(cfg.IndexPath, logger)
		if err != nil {
			logger.Warn("transcript search disabled", "path", cfg.IndexPath, "error", err)
		} else {
			env.index = index
			env.sinks = append(env.sinks, index)
		}
	}

	fallback := &history.Fallback{Remote: env.hist, Logger: logger}
	if env.cache != nil {
		fallback.Local = env.cache
		fallback.Sink = env.cache
	}
	env.source = fallback

	sessions, err := openSessionStore(ctx, cfg, logger)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.sessions = sessions
	return env, nil
}

// openSessionStore uses Redis when configured and reachable, otherwise JSON
// files in the config directory.
func openSessionStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sessionstore.Store, error) {
	local := func() (sessionstore.Store, error) {
		return sessionstore.NewStore(sessionstore.StoreTypeFile, sessionstore.WithDirectory(cfgManager.Dir()))
	}
	if cfg.RedisAddr == "" {
		return local()
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, session metadata kept on disk", "addr", cfg.RedisAddr, "error", err)
		_ = client.Close()
		return local()
	}
	// The store owns the client from here on.
	return sessionstore.NewStore(sessionstore.StoreTypeRedis,
		sessionstore.WithRedisClient(client),
		sessionstore.WithRedisTTL(30*24*time.Hour))
}

// chatLogger sends logs to a file next to the config so they do not
// interleave with the transcript. An explicit --log-level keeps stderr.
func chatLogger() (*slog.Logger, io.Closer) {
	if flags.logLevel != "" {
		return logger, io.NopCloser(nil)
	}
	path := filepath.Join(cfgManager.Dir(), "wpchat.log")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return logger, io.NopCloser(nil)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return logger, io.NopCloser(nil)
	}
	return observability.New(observability.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: f}), f
}
