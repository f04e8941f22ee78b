package history

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashureev/shsh-classroom/internal/timeline"
)

const (
	cachePrefix     = "classroom:history:"
	DefaultCacheTTL = 5 * time.Minute
)

// cacheClient is the part of *redis.Client the cache uses.
type cacheClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedSource is a read-through Redis cache in front of another Source.
// Cache failures fall through to the wrapped source.
type CachedSource struct {
	next   Source
	rdb    cacheClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedSource wraps next with a Redis cache.
func NewCachedSource(next Source, rdb cacheClient, ttl time.Duration, logger *slog.Logger) *CachedSource {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedSource{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

// ChapterHistory serves chapter history from cache when present.
func (s *CachedSource) ChapterHistory(ctx context.Context, q Query) ([]timeline.PersistedMessage, error) {
	key := cachePrefix + "chapter:" + q.Key()
	if msgs, ok := s.load(ctx, key); ok {
		return msgs, nil
	}
	msgs, err := s.next.ChapterHistory(ctx, q)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, msgs)
	return msgs, nil
}

// Thread serves a thread from cache when present.
func (s *CachedSource) Thread(ctx context.Context, threadID string) ([]timeline.PersistedMessage, error) {
	key := cachePrefix + "thread:" + threadID
	if msgs, ok := s.load(ctx, key); ok {
		return msgs, nil
	}
	msgs, err := s.next.Thread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, key, msgs)
	return msgs, nil
}

// Invalidate drops the cached chapter history and, if set, the cached thread.
func (s *CachedSource) Invalidate(ctx context.Context, q Query, threadID string) error {
	keys := []string{cachePrefix + "chapter:" + q.Key()}
	if threadID != "" {
		keys = append(keys, cachePrefix+"thread:"+threadID)
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return err
	}
	return nil
}

func (s *CachedSource) load(ctx context.Context, key string) ([]timeline.PersistedMessage, bool) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		s.logger.Warn("History cache read failed", "key", key, "error", err)
		return nil, false
	}
	var msgs []timeline.PersistedMessage
	if err := json.Unmarshal(data, &msgs); err != nil {
		s.logger.Warn("Discarding corrupt history cache entry", "key", key, "error", err)
		return nil, false
	}
	return msgs, true
}

func (s *CachedSource) save(ctx context.Context, key string, msgs []timeline.PersistedMessage) {
	if msgs == nil {
		msgs = []timeline.PersistedMessage{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		s.logger.Warn("History cache write failed", "key", key, "error", err)
	}
}
