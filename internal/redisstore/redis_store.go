// Package redisstore keeps node leases and presence records in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scriptsync/api/internal/store"
)

const defaultPrefix = "collab"

// acquireScript grants the lease when the hash is absent, expired at ARGV[3],
// or already owned by ARGV[1]. On refusal it returns the current holder.
var acquireScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'owner_id')
if owner and owner ~= ARGV[1] then
	local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at_ms'))
	if expires and expires > tonumber(ARGV[3]) then
		return {0, owner, redis.call('HGET', KEYS[1], 'owner_label'),
			redis.call('HGET', KEYS[1], 'acquired_at_ms'), tostring(expires)}
	end
end
redis.call('HSET', KEYS[1], 'owner_id', ARGV[1], 'owner_label', ARGV[2],
	'acquired_at_ms', ARGV[3], 'expires_at_ms', ARGV[4])
redis.call('SADD', KEYS[2], ARGV[5])
return {1, ARGV[1], ARGV[2], ARGV[3], ARGV[4]}
`)

var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'owner_id') == ARGV[1] then
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

var sweepScript = redis.NewScript(`
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at_ms'))
if not expires or expires <= tonumber(ARGV[1]) then
	redis.call('DEL', KEYS[1])
	redis.call('SREM', KEYS[2], ARGV[2])
	return 1
end
return 0
`)

var offlineScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('HSET', KEYS[1], 'is_online', '0')
	return 1
end
return 0
`)

// RedisStore implements the lock and presence stores on top of Redis hashes.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed store and checks connectivity.
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
		prefix: defaultPrefix,
	}
}

// Client exposes the underlying connection so the pub/sub transport can share it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) AcquireLock(ctx context.Context, candidate store.Lock) (store.Lock, bool, error) {
	keys := []string{lockKey(s.prefix, candidate.ResourceID), lockIndexKey(s.prefix)}
	raw, err := acquireScript.Run(ctx, s.client, keys,
		candidate.OwnerID,
		candidate.OwnerLabel,
		candidate.AcquiredAt.UnixMilli(),
		candidate.ExpiresAt.UnixMilli(),
		candidate.ResourceID,
	).Slice()
	if err != nil {
		return store.Lock{}, false, fmt.Errorf("acquire lock: %w", err)
	}
	if len(raw) != 5 {
		return store.Lock{}, false, fmt.Errorf("acquire lock: unexpected reply of %d items", len(raw))
	}

	granted, _ := raw[0].(int64)
	lock := store.Lock{
		ResourceID: candidate.ResourceID,
		OwnerID:    replyString(raw[1]),
		OwnerLabel: replyString(raw[2]),
		AcquiredAt: replyMillis(raw[3]),
		ExpiresAt:  replyMillis(raw[4]),
	}
	return lock, granted == 1, nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, resourceID, ownerID string) (bool, error) {
	keys := []string{lockKey(s.prefix, resourceID), lockIndexKey(s.prefix)}
	removed, err := releaseScript.Run(ctx, s.client, keys, ownerID, resourceID).Int()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return removed == 1, nil
}

func (s *RedisStore) GetLock(ctx context.Context, resourceID string, now time.Time) (store.Lock, error) {
	fields, err := s.client.HGetAll(ctx, lockKey(s.prefix, resourceID)).Result()
	if err != nil {
		return store.Lock{}, fmt.Errorf("read lock: %w", err)
	}
	lock, ok := lockFromHash(resourceID, fields)
	if !ok || !lock.Live(now) {
		return store.Lock{}, store.ErrNotFound
	}
	return lock, nil
}

// ListLocks reads every indexed lease and drops the ones that expired before now.
func (s *RedisStore) ListLocks(ctx context.Context, now time.Time) ([]store.Lock, error) {
	ids, err := s.client.SMembers(ctx, lockIndexKey(s.prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, lockKey(s.prefix, id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("list locks: %w", err)
		}
	}

	locks := make([]store.Lock, 0, len(ids))
	for i, id := range ids {
		lock, ok := lockFromHash(id, cmds[i].Val())
		if ok && lock.Live(now) {
			locks = append(locks, lock)
		}
	}
	sortLocks(locks)
	return locks, nil
}

func (s *RedisStore) DeleteExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, lockIndexKey(s.prefix)).Result()
	if err != nil {
		return 0, fmt.Errorf("sweep locks: %w", err)
	}
	var removed int64
	for _, id := range ids {
		keys := []string{lockKey(s.prefix, id), lockIndexKey(s.prefix)}
		n, err := sweepScript.Run(ctx, s.client, keys, now.UnixMilli(), id).Int64()
		if err != nil {
			return removed, fmt.Errorf("sweep lock %s: %w", id, err)
		}
		removed += n
	}
	return removed, nil
}

func (s *RedisStore) UpsertPresence(ctx context.Context, record store.PresenceRecord) error {
	online := "0"
	if record.IsOnline {
		online = "1"
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, presenceKey(s.prefix, record.UserID),
		"email", record.Email,
		"last_seen_ms", record.LastSeen.UnixMilli(),
		"is_online", online,
	)
	pipe.SAdd(ctx, presenceIndexKey(s.prefix), record.UserID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

func (s *RedisStore) SetPresenceOffline(ctx context.Context, userID string) error {
	if err := offlineScript.Run(ctx, s.client, []string{presenceKey(s.prefix, userID)}).Err(); err != nil {
		return fmt.Errorf("mark presence offline: %w", err)
	}
	return nil
}

func (s *RedisStore) GetPresence(ctx context.Context, userID string) (store.PresenceRecord, error) {
	fields, err := s.client.HGetAll(ctx, presenceKey(s.prefix, userID)).Result()
	if err != nil {
		return store.PresenceRecord{}, fmt.Errorf("read presence: %w", err)
	}
	if len(fields) == 0 {
		return store.PresenceRecord{}, store.ErrNotFound
	}
	return presenceFromHash(userID, fields), nil
}

func (s *RedisStore) ListPresence(ctx context.Context) ([]store.PresenceRecord, error) {
	ids, err := s.client.SMembers(ctx, presenceIndexKey(s.prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	records := make([]store.PresenceRecord, 0, len(ids))
	for _, id := range ids {
		record, err := s.GetPresence(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	sortPresence(records)
	return records, nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
