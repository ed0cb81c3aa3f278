package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tristanaburns/iac-agent-engine-sub006/internal/model"
)

const lockKeyPrefix = "stateengine:lock:"

// renewScript extends a lease only when the presented lock ID matches the
// stored record. Expiry metadata is computed in Go and passed in; the
// script only compares, rewrites, and re-arms the TTL. Returns 0 when the
// lease is gone, 1 on a lock ID mismatch, or the updated record JSON.
var renewScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local rec = cjson.decode(raw)
if rec['lock_id'] ~= ARGV[1] then
	return 1
end
rec['expires_at'] = ARGV[2]
rec['renew_count'] = rec['renew_count'] + 1
local out = cjson.encode(rec)
redis.call('SET', KEYS[1], out, 'PX', ARGV[3])
return out
`)

// releaseScript deletes a lease only when the presented lock ID matches.
// Returns 0 when the lease is gone, 1 on mismatch, 2 on release.
var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
	return 0
end
local rec = cjson.decode(raw)
if rec['lock_id'] ~= ARGV[1] then
	return 1
end
redis.call('DEL', KEYS[1])
return 2
`)

// RedisLockStore implements LockStore for Redis. Each lease is one key
// whose TTL equals the lease duration, so stale locks reclaim themselves:
// an expired key is simply gone and the next acquire wins.
type RedisLockStore struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisLockStore creates a new Redis lock store
func NewRedisLockStore(addr, password string, db int, logger *zap.Logger) (*RedisLockStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLockStore{
		client: client,
		logger: logger,
	}, nil
}

func lockKey(stateID string) string {
	return lockKeyPrefix + stateID
}

// TryAcquire attempts SET NX with the lease TTL. On contention it reads
// the holding record so callers can report who owns the lease.
func (s *RedisLockStore) TryAcquire(ctx context.Context, record *model.LockRecord, ttl time.Duration) (bool, *model.LockRecord, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return false, nil, fmt.Errorf("failed to marshal lock record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, lockKey(record.StateID), data, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if ok {
		return true, record, nil
	}

	holder, err := s.Get(ctx, record.StateID)
	if err == ErrNotFound {
		// Lease expired between the attempt and the read
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	return false, holder, nil
}

// Renew extends the lease if lockID still holds it
func (s *RedisLockStore) Renew(ctx context.Context, stateID, lockID string, expiresAt time.Time, ttl time.Duration) (*model.LockRecord, error) {
	result, err := renewScript.Run(ctx, s.client,
		[]string{lockKey(stateID)},
		lockID,
		expiresAt.UTC().Format(time.RFC3339Nano),
		ttl.Milliseconds(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to renew lock: %w", err)
	}

	switch v := result.(type) {
	case int64:
		if v == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrLockMismatch
	case string:
		var record model.LockRecord
		if err := json.Unmarshal([]byte(v), &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal renewed lock: %w", err)
		}
		return &record, nil
	default:
		return nil, fmt.Errorf("unexpected renew script result type %T", result)
	}
}

// Release deletes the lease if lockID still holds it
func (s *RedisLockStore) Release(ctx context.Context, stateID, lockID string) error {
	result, err := releaseScript.Run(ctx, s.client,
		[]string{lockKey(stateID)},
		lockID,
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	switch result {
	case 0:
		return ErrNotFound
	case 1:
		return ErrLockMismatch
	default:
		return nil
	}
}

// Get reads the current lease
func (s *RedisLockStore) Get(ctx context.Context, stateID string) (*model.LockRecord, error) {
	data, err := s.client.Get(ctx, lockKey(stateID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}

	var record model.LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lock record: %w", err)
	}
	return &record, nil
}

// Ping checks the Redis connection
func (s *RedisLockStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisLockStore) Close() error {
	return s.client.Close()
}
