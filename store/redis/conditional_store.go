package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-settlement-guard/core"
)

const DefaultPrefix = "guard:"

// putIfAbsentScript sets KEYS[1] only when it does not exist and otherwise
// returns the current value and its remaining lifetime in one round trip.
// ARGV[1] = value, ARGV[2] = ttl in milliseconds
var putIfAbsentScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return {1}
end
local current = redis.call("GET", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
return {0, current, ttl}
`)

// compareAndSwapScript replaces KEYS[1] when it still holds ARGV[1].
// ARGV[1] = expected, ARGV[2] = next, ARGV[3] = ttl in milliseconds
var compareAndSwapScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
    return 1
end
return 0
`)

// ConditionalStore keeps nonce and idempotency entries in redis. Expiry is
// native, so expired entries vanish without a sweep.
type ConditionalStore struct {
	client redis.UniversalClient
	prefix string
	Now    func() time.Time
}

func NewConditionalStore(client redis.UniversalClient, prefix string) (*ConditionalStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &ConditionalStore{client: client, prefix: prefix, Now: core.SystemClock}, nil
}

// Connect builds a client from a redis:// URL or a host:port address.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("redisstore: address is required")
	}
	var client *redis.Client
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redisstore: parse url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: addr})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}
	return client, nil
}

func (s *ConditionalStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (core.PutResult, error) {
	if s == nil || s.client == nil {
		return core.PutResult{}, fmt.Errorf("redisstore: conditional store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return core.PutResult{}, fmt.Errorf("redisstore: store key is required")
	}
	if ttl <= 0 {
		return core.PutResult{}, fmt.Errorf("redisstore: store ttl must be positive")
	}

	res, err := putIfAbsentScript.Run(ctx, s.client, []string{s.key(key)}, value, ttlMillis(ttl)).Slice()
	if err != nil {
		return core.PutResult{}, fmt.Errorf("redisstore: put if absent: %w", err)
	}
	if len(res) == 0 {
		return core.PutResult{}, fmt.Errorf("redisstore: empty put response")
	}
	if inserted, _ := res[0].(int64); inserted == 1 {
		return core.PutResult{Outcome: core.PutInserted}, nil
	}
	if len(res) < 3 {
		// the key expired between SET NX and GET; the next caller reclaims it
		return core.PutResult{}, fmt.Errorf("redisstore: existing entry vanished for %q", key)
	}
	current, _ := res[1].(string)
	remaining, _ := res[2].(int64)
	return core.PutResult{
		Outcome: core.PutExisting,
		Existing: core.Entry{
			Key:       key,
			Value:     []byte(current),
			ExpiresAt: s.expiresAt(remaining),
		},
	}, nil
}

func (s *ConditionalStore) Get(ctx context.Context, key string) (core.Entry, bool, error) {
	if s == nil || s.client == nil {
		return core.Entry{}, false, fmt.Errorf("redisstore: conditional store is not configured")
	}
	key = strings.TrimSpace(key)
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, s.key(key))
	ttlCmd := pipe.PTTL(ctx, s.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return core.Entry{}, false, err
	}
	raw, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return core.Entry{}, false, nil
		}
		return core.Entry{}, false, err
	}
	return core.Entry{
		Key:       key,
		Value:     raw,
		ExpiresAt: s.expiresAt(ttlCmd.Val().Milliseconds()),
	}, true, nil
}

func (s *ConditionalStore) CompareAndSwap(
	ctx context.Context,
	key string,
	expected []byte,
	next []byte,
	ttl time.Duration,
) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("redisstore: conditional store is not configured")
	}
	if ttl <= 0 {
		return false, fmt.Errorf("redisstore: store ttl must be positive")
	}
	swapped, err := compareAndSwapScript.Run(
		ctx, s.client, []string{s.key(strings.TrimSpace(key))}, expected, next, ttlMillis(ttl),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redisstore: compare and swap: %w", err)
	}
	return swapped == 1, nil
}

func (s *ConditionalStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("redisstore: conditional store is not configured")
	}
	return s.client.Del(ctx, s.key(strings.TrimSpace(key))).Err()
}

// PurgeExpired is a no-op: redis drops expired keys itself.
func (s *ConditionalStore) PurgeExpired(context.Context) (int, error) {
	return 0, nil
}

func (s *ConditionalStore) key(key string) string {
	return s.prefix + key
}

func (s *ConditionalStore) expiresAt(remainingMillis int64) time.Time {
	now := s.now()
	if remainingMillis <= 0 {
		return now
	}
	return now.Add(time.Duration(remainingMillis) * time.Millisecond)
}

func (s *ConditionalStore) now() time.Time {
	if s != nil && s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func ttlMillis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

var _ core.ConditionalStore = (*ConditionalStore)(nil)
