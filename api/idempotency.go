package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const pendingMarker = "pending"

// Recorded is the response of the first request made with an idempotency key.
type Recorded struct {
	Status int    `json:"status"`
	Body   []byte `json:"body,omitempty"`
}

// Deduper prevents a mutation from being applied twice.
type Deduper interface {
	// Begin claims key. fresh is true for the first caller; later callers get
	// the recorded response, or nil while the first request is still running.
	Begin(ctx context.Context, userID, key string) (rec *Recorded, fresh bool, err error)
	// Complete stores the response for replays.
	Complete(ctx context.Context, userID, key string, rec Recorded) error
	// Remove releases a key whose request failed so the client may retry.
	Remove(ctx context.Context, userID, key string) error
}

// RedisDeduper stores idempotency keys in Redis so all instances agree on
// which mutations were already applied.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(userID, key string) string {
	return fmt.Sprintf("idem:%s:%s", userID, key)
}

func (r *RedisDeduper) Begin(ctx context.Context, userID, key string) (*Recorded, bool, error) {
	k := r.key(userID, key)
	for attempt := 0; attempt < 3; attempt++ {
		ok, err := r.client.SetNX(ctx, k, pendingMarker, r.ttl).Result()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return nil, true, nil
		}
		raw, err := r.client.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET.
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if string(raw) == pendingMarker {
			return nil, false, nil
		}
		var rec Recorded
		if err := sonic.Unmarshal(raw, &rec); err != nil {
			return nil, false, fmt.Errorf("decode recorded response: %w", err)
		}
		return &rec, false, nil
	}
	return nil, false, fmt.Errorf("idempotency key %s keeps expiring", key)
}

func (r *RedisDeduper) Complete(ctx context.Context, userID, key string, rec Recorded) error {
	payload, err := sonic.Marshal(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(userID, key), payload, r.ttl).Err()
}

func (r *RedisDeduper) Remove(ctx context.Context, userID, key string) error {
	return r.client.Del(ctx, r.key(userID, key)).Err()
}
