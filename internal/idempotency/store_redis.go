package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. SET NX gives the atomic reserve; the
// key TTL replaces the sweep (Redis expires entries itself).
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(tenantID, key string) string {
	return "idempotency:" + tenantID + ":" + key
}

type redisEntry struct {
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"status_code"`
	Response    []byte    `json:"response,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// releaseScript deletes the entry only while it is still a bare reservation,
// so a Release racing a Complete never drops a cached response.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return 0 end
local e = cjson.decode(v)
if e.status_code == 0 then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`)

func (s *RedisStore) CheckOrReserve(ctx context.Context, tenantID, key, fingerprint string, ttl time.Duration) (Decision, *Entry, error) {
	now := time.Now().UTC()
	reservation := redisEntry{
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	payload, err := json.Marshal(reservation)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal idempotency reservation: %w", err)
	}

	ok, err := s.client.SetNX(ctx, redisKey(tenantID, key), payload, ttl).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("reserve idempotency entry: %w", err)
	}
	if ok {
		return DecisionFresh, nil, nil
	}

	raw, err := s.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Entry expired between SETNX and GET; next attempt reserves.
			return DecisionInFlight, nil, nil
		}
		return 0, nil, fmt.Errorf("read idempotency entry: %w", err)
	}

	var existing redisEntry
	if err := json.Unmarshal(raw, &existing); err != nil {
		return 0, nil, fmt.Errorf("unmarshal idempotency entry: %w", err)
	}
	if existing.Fingerprint != fingerprint {
		return DecisionKeyConflict, nil, nil
	}
	if existing.StatusCode != 0 {
		return DecisionReplay, &Entry{
			TenantID:           tenantID,
			Key:                key,
			RequestFingerprint: existing.Fingerprint,
			StatusCode:         existing.StatusCode,
			Response:           existing.Response,
			CreatedAt:          existing.CreatedAt,
			ExpiresAt:          existing.ExpiresAt,
		}, nil
	}
	return DecisionInFlight, nil, nil
}

func (s *RedisStore) Complete(ctx context.Context, tenantID, key string, statusCode int, response []byte) error {
	raw, err := s.client.Get(ctx, redisKey(tenantID, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("read idempotency entry: %w", err)
	}
	var entry redisEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return fmt.Errorf("unmarshal idempotency entry: %w", err)
	}
	entry.StatusCode = statusCode
	entry.Response = response

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(tenantID, key), payload, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("complete idempotency entry: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, tenantID, key string) error {
	if err := releaseScript.Run(ctx, s.client, []string{redisKey(tenantID, key)}).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release idempotency entry: %w", err)
	}
	return nil
}

// Sweep is a no-op: Redis TTLs purge expired entries.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
