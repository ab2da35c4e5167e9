package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaydev/relay/internal/observability"
	"github.com/relaydev/relay/pkg/models"
)

const keyPrefix = "session:"

// StoreError reports a failed operation against the backing store.
type StoreError struct {
	Op    string
	Key   string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("session store %s %s: %v", e.Op, e.Key, e.Cause)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// RedisStore persists sessions as JSON records in Redis with a TTL
// that refreshes on every access. Redis failures never surface to the
// caller: the affected operation degrades to an ephemeral in-memory
// session and the incident is logged.
type RedisStore struct {
	client   *redis.Client
	fallback *MemoryStore
	logger   *observability.Logger

	ttl        time.Duration
	maxHistory int
}

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	TTL        time.Duration
	MaxHistory int
}

// NewRedisStore connects to Redis. Construction does not fail on an
// unreachable server; operations degrade until it recovers.
func NewRedisStore(opts RedisOptions, logger *observability.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &RedisStore{
		client:     client,
		fallback:   NewMemoryStore(opts.TTL, opts.MaxHistory),
		logger:     logger,
		ttl:        opts.TTL,
		maxHistory: opts.MaxHistory,
	}
}

func (s *RedisStore) key(id string) string {
	return keyPrefix + id
}

func (s *RedisStore) degrade(ctx context.Context, err *StoreError) {
	s.logger.Warn(ctx, "redis unavailable, serving session from memory",
		"op", err.Op, "key", err.Key, "error", err.Cause)
}

func (s *RedisStore) load(ctx context.Context, id string) (*models.Session, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Key: s.key(id), Cause: err}
	}
	var sess models.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, &StoreError{Op: "decode", Key: s.key(id), Cause: err}
	}
	return &sess, nil
}

func (s *RedisStore) save(ctx context.Context, sess *models.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return &StoreError{Op: "encode", Key: s.key(sess.ID), Cause: err}
	}
	if err := s.client.Set(ctx, s.key(sess.ID), data, s.ttl).Err(); err != nil {
		return &StoreError{Op: "set", Key: s.key(sess.ID), Cause: err}
	}
	return nil
}

func (s *RedisStore) GetOrCreate(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		var se *StoreError
		errors.As(err, &se)
		s.degrade(ctx, se)
		return s.fallback.GetOrCreate(ctx, id)
	}
	now := time.Now()
	if sess == nil {
		sess = &models.Session{ID: id, CreatedAt: now}
	}
	sess.LastAccessed = now
	if err := s.save(ctx, sess); err != nil {
		var se *StoreError
		errors.As(err, &se)
		s.degrade(ctx, se)
		return s.fallback.GetOrCreate(ctx, id)
	}
	return sess, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.load(ctx, id)
	if err != nil {
		var se *StoreError
		errors.As(err, &se)
		s.degrade(ctx, se)
		return s.fallback.Get(ctx, id)
	}
	if sess != nil {
		// Refresh the TTL on read access.
		if err := s.client.Expire(ctx, s.key(id), s.ttl).Err(); err != nil {
			s.degrade(ctx, &StoreError{Op: "expire", Key: s.key(id), Cause: err})
		}
		return sess, nil
	}
	return s.fallback.Get(ctx, id)
}

func (s *RedisStore) AddMessage(ctx context.Context, id string, msg models.Message, usage models.Usage) error {
	sess, err := s.load(ctx, id)
	if err == nil {
		if sess == nil {
			sess = &models.Session{ID: id, CreatedAt: time.Now()}
		}
		applyMessage(sess, msg, usage, s.maxHistory)
		sess.LastAccessed = time.Now()
		err = s.save(ctx, sess)
	}
	if err != nil {
		var se *StoreError
		errors.As(err, &se)
		s.degrade(ctx, se)
		return s.fallback.AddMessage(ctx, id, msg, usage)
	}
	return nil
}

func (s *RedisStore) UpdateContext(ctx context.Context, id string, fields map[string]any) error {
	sess, err := s.load(ctx, id)
	if err == nil {
		if sess == nil {
			sess = &models.Session{ID: id, CreatedAt: time.Now()}
		}
		mergeContext(sess, fields)
		sess.LastAccessed = time.Now()
		err = s.save(ctx, sess)
	}
	if err != nil {
		var se *StoreError
		errors.As(err, &se)
		s.degrade(ctx, se)
		return s.fallback.UpdateContext(ctx, id, fields)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		s.degrade(ctx, &StoreError{Op: "del", Key: s.key(id), Cause: err})
	}
	return s.fallback.Delete(ctx, id)
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.scanIDs(ctx)
	if err != nil {
		var se *StoreError
		errors.As(err, &se)
		s.degrade(ctx, se)
		return s.fallback.List(ctx)
	}

	// Degraded sessions live only in the fallback; merge them in.
	fallbackIDs, _ := s.fallback.List(ctx)
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	for _, id := range fallbackIDs {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *RedisStore) scanIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, &StoreError{Op: "scan", Key: keyPrefix + "*", Cause: err}
		}
		for _, k := range keys {
			ids = append(ids, k[len(keyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	ids, err := s.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	backend := "redis"
	if s.client.Ping(ctx).Err() != nil {
		backend = "memory"
	}
	return Stats{Count: len(ids), Backend: backend}, nil
}

func (s *RedisStore) Healthy(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &StoreError{Op: "ping", Key: "", Cause: err}
	}
	return nil
}

func (s *RedisStore) Close() error {
	s.fallback.Close()
	return s.client.Close()
}
