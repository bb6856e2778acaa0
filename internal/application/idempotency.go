package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/civicportal/model"
)

// IdempotencyStore remembers the outcome of a submission under a
// client-chosen key. Keys are formatted by FormatIdempotencyKey.
type IdempotencyStore interface {
	// Check looks up a previous result. If the key exists with the same
	// input hash it returns the stored record; with a different hash it
	// returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (rec *model.Record, found bool, err error)

	// Store saves the submitted record under key for ttl.
	Store(ctx context.Context, key, inputHash string, rec model.Record, ttl time.Duration) error

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}

type idempotencyEntry struct {
	InputHash string       `json:"input_hash"`
	Record    model.Record `json:"record"`
}

func newKeyConflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// FormatIdempotencyKey scopes a client key to the submitting subject.
func FormatIdempotencyKey(subjectID, key string) string {
	return fmt.Sprintf("idem:submit:%s:%s", subjectID, key)
}

// HashSubmission returns a stable digest of a submission's service and
// payload. encoding/json sorts map keys, so equal payloads hash equally.
func HashSubmission(serviceID string, payload map[string]any) (string, error) {
	data, err := json.Marshal(struct {
		ServiceID string         `json:"service_id"`
		Payload   map[string]any `json:"payload"`
	}{serviceID, payload})
	if err != nil {
		return "", fmt.Errorf("hash submission: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// --- MemoryIdempotencyStore ---

// MemoryIdempotencyStore is an in-memory IdempotencyStore with TTL support.
// Suitable for tests and single-instance deployments.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      idempotencyEntry
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a stored result.
func (s *MemoryIdempotencyStore) Check(_ context.Context, key, inputHash string) (*model.Record, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if entry.data.InputHash != inputHash {
		return nil, true, newKeyConflict(key)
	}

	rec := entry.data.Record.Clone()
	return &rec, true, nil
}

// Store saves a result with TTL.
func (s *MemoryIdempotencyStore) Store(_ context.Context, key, inputHash string, rec model.Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &memEntry{
		data:      idempotencyEntry{InputHash: inputHash, Record: rec.Clone()},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Purge drops expired entries and returns how many were removed.
func (s *MemoryIdempotencyStore) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for key, entry := range s.entries {
		if now.After(entry.expiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// HealthCheck always succeeds.
func (s *MemoryIdempotencyStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, including expired ones. For testing.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisIdempotencyStore ---

// RedisIdempotencyStore is a Redis-backed IdempotencyStore; expiry is left
// to Redis key TTLs.
type RedisIdempotencyStore struct {
	client redis.Cmdable
}

// NewRedisIdempotencyStore creates a new Redis-backed idempotency store.
func NewRedisIdempotencyStore(client redis.Cmdable) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client}
}

// Check looks up a stored result in Redis.
func (s *RedisIdempotencyStore) Check(ctx context.Context, key, inputHash string) (*model.Record, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry idempotencyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InputHash != inputHash {
		return nil, true, newKeyConflict(key)
	}

	entry.Record.Payload = restoreLists(entry.Record.Payload)
	return &entry.Record, true, nil
}

// Store saves a result in Redis with TTL.
func (s *RedisIdempotencyStore) Store(ctx context.Context, key, inputHash string, rec model.Record, ttl time.Duration) error {
	data, err := json.Marshal(idempotencyEntry{InputHash: inputHash, Record: rec})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisIdempotencyStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
