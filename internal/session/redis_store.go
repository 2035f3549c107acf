// Package session owns the editor proposal-session lifecycle and the
// per-file session record it emits.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"coedit/api/internal/store"
)

var ErrNotFound = errors.New("session record not found")

const maxWatchRetries = 5

// RedisStore keeps one session record per file under session:file:<id>.
// Records carry no TTL; each start and end overwrites the previous one.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "session:file:",
	}
}

func (s *RedisStore) key(fileID string) string {
	return s.prefix + fileID
}

func (s *RedisStore) StartSession(ctx context.Context, fileID, userID, email string, at time.Time) error {
	err := s.update(ctx, fileID, func(record *store.SessionRecord) {
		started := at
		record.Active = true
		record.StartedBy = userID
		record.StartedByEmail = email
		record.StartedAt = &started
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	return nil
}

func (s *RedisStore) EndSession(ctx context.Context, fileID, userID string, at time.Time) error {
	err := s.update(ctx, fileID, func(record *store.SessionRecord) {
		ended := at
		record.Active = false
		record.EndedBy = userID
		record.EndedAt = &ended
	})
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSession(ctx context.Context, fileID string) (store.SessionRecord, error) {
	raw, err := s.client.Get(ctx, s.key(fileID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("lookup session: %w", err)
	}
	var record store.SessionRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return store.SessionRecord{}, fmt.Errorf("unmarshal session record: %w", err)
	}
	return record, nil
}

// update merges a change into the stored record under WATCH so concurrent
// start/end calls for the same file do not lose fields.
func (s *RedisStore) update(ctx context.Context, fileID string, mutate func(*store.SessionRecord)) error {
	key := s.key(fileID)
	txf := func(tx *redis.Tx) error {
		record := store.SessionRecord{FileID: fileID}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &record); err != nil {
				return fmt.Errorf("unmarshal session record: %w", err)
			}
		}
		mutate(&record)
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal session record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update %s: %w", key, redis.TxFailedErr)
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
