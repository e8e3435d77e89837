package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	domain "github.com/skinsense/analysis-api/internal/domain/analysis"
)

const recordTTL = 5 * time.Minute

// Cache is the Redis-backed read cache for analysis records. Lookups
// are soft: any Redis problem is logged and reported as a miss so the
// database stays the source of truth.
type Cache struct {
	rdb *redis.Client
}

var _ domain.RecordCache = (*Cache)(nil)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// New creates a Redis cache client and verifies the connection.
func New(cfg Config) (*Cache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{rdb: rdb}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis is reachable, used by health checks.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Key helpers
func recordKey(id domain.AnalysisID) string {
	return fmt.Sprintf("skinsense:analysis:%s", id)
}

func userListKey(userID string, limit int) string {
	return fmt.Sprintf("skinsense:user_analyses:%s:%d", userID, limit)
}

func userListPattern(userID string) string {
	return fmt.Sprintf("skinsense:user_analyses:%s:*", userID)
}

// envelope keeps the raw provider payload across the round trip since
// the record itself never serializes it.
type envelope struct {
	Record *domain.Record `json:"record"`
	Raw    []byte         `json:"raw,omitempty"`
}

func (c *Cache) Get(ctx context.Context, id domain.AnalysisID) (*domain.Record, bool) {
	val, err := c.rdb.Get(ctx, recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("cache get failed", "analysis_id", string(id), "error", err)
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(val, &env); err != nil || env.Record == nil {
		slog.Warn("cache entry corrupt, dropping", "analysis_id", string(id), "error", err)
		c.rdb.Del(ctx, recordKey(id))
		return nil, false
	}
	env.Record.RawProviderResponse = env.Raw
	return env.Record, true
}

func (c *Cache) Set(ctx context.Context, rec *domain.Record) {
	b, err := json.Marshal(envelope{Record: rec, Raw: rec.RawProviderResponse})
	if err != nil {
		slog.Warn("cache marshal failed", "analysis_id", string(rec.ID), "error", err)
		return
	}
	if err := c.rdb.Set(ctx, recordKey(rec.ID), b, recordTTL).Err(); err != nil {
		slog.Warn("cache set failed", "analysis_id", string(rec.ID), "error", err)
	}
}

func (c *Cache) GetUserList(ctx context.Context, userID string, limit int) ([]*domain.Record, bool) {
	val, err := c.rdb.Get(ctx, userListKey(userID, limit)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("cache list get failed", "user_id", userID, "error", err)
		return nil, false
	}
	var envs []envelope
	if err := json.Unmarshal(val, &envs); err != nil {
		slog.Warn("cache list entry corrupt, dropping", "user_id", userID, "error", err)
		c.rdb.Del(ctx, userListKey(userID, limit))
		return nil, false
	}
	recs := make([]*domain.Record, 0, len(envs))
	for _, env := range envs {
		if env.Record == nil {
			return nil, false
		}
		env.Record.RawProviderResponse = env.Raw
		recs = append(recs, env.Record)
	}
	return recs, true
}

func (c *Cache) SetUserList(ctx context.Context, userID string, limit int, recs []*domain.Record) {
	envs := make([]envelope, 0, len(recs))
	for _, rec := range recs {
		envs = append(envs, envelope{Record: rec, Raw: rec.RawProviderResponse})
	}
	b, err := json.Marshal(envs)
	if err != nil {
		slog.Warn("cache list marshal failed", "user_id", userID, "error", err)
		return
	}
	if err := c.rdb.Set(ctx, userListKey(userID, limit), b, recordTTL).Err(); err != nil {
		slog.Warn("cache list set failed", "user_id", userID, "error", err)
	}
}

// InvalidateUser drops every cached list for the user. Record entries
// stay: they are keyed by id and overwritten on every save.
func (c *Cache) InvalidateUser(ctx context.Context, userID string) {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, userListPattern(userID), 100).Result()
		if err != nil {
			slog.Warn("cache invalidate scan failed", "user_id", userID, "error", err)
			return
		}
		if len(keys) > 0 {
			if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
				slog.Warn("cache invalidate del failed", "user_id", userID, "error", err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}
