package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ashureev/mockprep/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	fieldMode      = "mode"
	fieldSession   = "session"
	fieldUpdatedAt = "updated_at"
)

// RedisStore implements Repository on a Redis hash per owner:
// interview_session:<owner> -> {mode, session, updated_at}.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis connects to Redis and verifies the connection. A positive ttl is
// applied to every key on save so abandoned sessions expire on their own.
func NewRedis(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{rdb: rdb, ttl: ttl}, nil
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Save writes the session hash and refreshes its expiry atomically.
func (s *RedisStore) Save(ctx context.Context, owner string, sess *domain.Session) error {
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}

	key := Key(owner)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldMode, string(sess.Mode),
			fieldSession, data,
			fieldUpdatedAt, sess.LastActivityAt.Unix(),
		)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Load returns the owner's session or nil when the key does not exist.
func (s *RedisStore) Load(ctx context.Context, owner string, mode domain.Mode) (*domain.Session, error) {
	fields, err := s.rdb.HGetAll(ctx, Key(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	if stored := domain.Mode(fields[fieldMode]); mode != "" && stored != mode {
		return nil, fmt.Errorf("%w: stored %s, want %s", ErrModeMismatch, stored, mode)
	}
	return decodeSession([]byte(fields[fieldSession]))
}

// Delete removes the owner's key.
func (s *RedisStore) Delete(ctx context.Context, owner string) error {
	if err := s.rdb.Del(ctx, Key(owner)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// DeleteIdle scans all session keys and removes those idle since before cutoff.
func (s *RedisStore) DeleteIdle(ctx context.Context, cutoff time.Time) ([]string, error) {
	var (
		owners []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, KeyPrefix+"*", 100).Result()
		if err != nil {
			return owners, fmt.Errorf("scan sessions: %w", err)
		}

		for _, key := range keys {
			raw, err := s.rdb.HGet(ctx, key, fieldUpdatedAt).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return owners, fmt.Errorf("read %s: %w", key, err)
			}
			updated, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || updated < cutoff.Unix() {
				if err := s.rdb.Del(ctx, key).Err(); err != nil {
					return owners, fmt.Errorf("delete %s: %w", key, err)
				}
				owners = append(owners, OwnerFromKey(key))
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return owners, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	if err := s.rdb.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
