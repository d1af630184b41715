// Package idempotency remembers the response of a request carrying an
// Idempotency-Key so a retried request replays it instead of acting twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/officeflow/model"
)

// Result is a stored response.
type Result struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Store deduplicates requests by key.
type Store interface {
	// Check looks up a previous result by key. A key stored with a different
	// request hash yields a CONFLICT error with found set.
	Check(ctx context.Context, key, requestHash string) (result *Result, found bool, err error)

	// Save stores a result under key for ttl.
	Save(ctx context.Context, key, requestHash string, result Result, ttl time.Duration) error

	HealthCheck(ctx context.Context) error
}

type entry struct {
	RequestHash string `json:"request_hash"`
	Result      Result `json:"result"`
}

func (e entry) match(key, requestHash string) (*Result, bool, error) {
	if e.RequestHash != requestHash {
		return nil, true, model.NewConflictError(
			fmt.Sprintf("idempotency key %q already used with a different request", key),
		)
	}
	result := e.Result
	return &result, true, nil
}

// Key scopes a client key to an operation and the actor using it.
func Key(operation, actorID, key string) string {
	return fmt.Sprintf("idem:%s:%s:%s", operation, actorID, key)
}

// Hash returns a deterministic digest of a request payload.
func Hash(payload any) string {
	data, _ := json.Marshal(payload)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// --- MemoryStore ---

// MemoryStore is an in-process Store for tests and single-node deployments.
type MemoryStore struct {
	cache *gocache.Cache
}

// NewMemoryStore creates a MemoryStore that purges expired keys every
// cleanup interval.
func NewMemoryStore(cleanup time.Duration) *MemoryStore {
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, cleanup)}
}

// Check looks up a cached result.
func (s *MemoryStore) Check(_ context.Context, key, requestHash string) (*Result, bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return v.(entry).match(key, requestHash)
}

// Save stores a result with a TTL. An existing key is kept so the first
// response wins.
func (s *MemoryStore) Save(_ context.Context, key, requestHash string, result Result, ttl time.Duration) error {
	// Add only fails when the key is already present.
	_ = s.cache.Add(key, entry{RequestHash: requestHash, Result: result}, ttl)
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of stored keys, expired ones included until the
// next cleanup. For testing.
func (s *MemoryStore) Len() int {
	return s.cache.ItemCount()
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store shared by every replica.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisStore) Check(ctx context.Context, key, requestHash string) (*Result, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	return e.match(key, requestHash)
}

// Save stores a result in Redis with a TTL. An existing key is kept so the
// first response wins.
func (s *RedisStore) Save(ctx context.Context, key, requestHash string, result Result, ttl time.Duration) error {
	data, err := json.Marshal(entry{RequestHash: requestHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.SetNX(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
