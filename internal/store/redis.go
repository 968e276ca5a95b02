package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/shsh-assist/internal/domain"
)

const (
	sessionKeyPrefix  = "assist:session:"
	messagesKeyPrefix = "assist:messages:"
	sessionsIndexKey  = "assist:sessions"

	defaultRedisTTL   = 24 * time.Hour
	defaultMaxPerKey  = 200
)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr      string
	TTL       time.Duration
	MaxPerKey int
}

// RedisStore implements Repository on Redis. Each session keeps a capped
// list of its most recent messages; keys expire after TTL of inactivity.
type RedisStore struct {
	rdb       *redis.Client
	ttl       time.Duration
	maxPerKey int
	logger    *slog.Logger
}

// NewRedis connects to Redis and verifies the connection. Addr may be a
// host:port pair or a redis:// URL.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(cfg.Addr)
	if err != nil {
		opts = &redis.Options{Addr: cfg.Addr}
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(rdb, cfg, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultRedisTTL
	}
	if cfg.MaxPerKey <= 0 {
		cfg.MaxPerKey = defaultMaxPerKey
	}
	return &RedisStore{rdb: rdb, ttl: cfg.TTL, maxPerKey: cfg.MaxPerKey, logger: logger}
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// UpsertSession stores the session and refreshes its position in the index.
func (s *RedisStore) UpsertSession(ctx context.Context, sess domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKeyPrefix+sess.ID, data, s.ttl)
		pipe.ZAdd(ctx, sessionsIndexKey, redis.Z{
			Score:  float64(sess.LastActivityAt.UnixMilli()),
			Member: sess.ID,
		})
		pipe.Expire(ctx, messagesKeyPrefix+sess.ID, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// AppendMessage pushes the message and trims the list to the newest MaxPerKey.
func (s *RedisStore) AppendMessage(ctx context.Context, m domain.ChatMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := messagesKeyPrefix + m.SessionID
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, int64(-s.maxPerKey), -1)
		pipe.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// ListMessages returns the newest limit messages of a session, oldest first.
func (s *RedisStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.rdb.LRange(ctx, messagesKeyPrefix+sessionID, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if len(raw) == 0 {
		n, err := s.rdb.Exists(ctx, sessionKeyPrefix+sessionID).Result()
		if err != nil {
			return nil, fmt.Errorf("load session: %w", err)
		}
		if n == 0 {
			return nil, ErrNotFound
		}
		return nil, nil
	}

	out := make([]domain.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var m domain.ChatMessage
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// ListSessions returns indexed sessions, most recently active first.
// Index entries whose session key has expired are pruned.
func (s *RedisStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	ids, err := s.rdb.ZRevRange(ctx, sessionsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load session index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKeyPrefix + id
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	var (
		out   []domain.Session
		stale []any
	)
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var sess domain.Session
		if err := json.Unmarshal([]byte(str), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		out = append(out, sess)
	}
	if len(stale) > 0 {
		if err := s.rdb.ZRem(ctx, sessionsIndexKey, stale...).Err(); err != nil {
			s.logger.Warn("Failed to prune session index", "error", err)
		}
	}
	return out, nil
}

// DeleteSession removes a session, its messages and its index entry.
func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKeyPrefix+sessionID, messagesKeyPrefix+sessionID)
		pipe.ZRem(ctx, sessionsIndexKey, sessionID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
