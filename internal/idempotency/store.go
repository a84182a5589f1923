// Package idempotency guarantees at-most-once execution per merchant-supplied
// idempotency key: a distributed lock gates execution and a result cache
// replays the original response to duplicates.
//
// Concurrent callers for one key observe exactly one execution. The first
// caller wins the SETNX lock and stores the serialized result; the rest
// either pick the cached result up while polling or report a conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acquira/gateway/internal/infra"
)

const (
	// ResultTTL keeps cached responses replayable for a day.
	ResultTTL = 24 * time.Hour
	// LockTTL exceeds any plausible saga duration so an abandoned lock
	// cannot outlive its 30 s budget.
	LockTTL = 30 * time.Second

	lockRetries    = 10
	lockRetryDelay = 100 * time.Millisecond
)

var (
	// ErrInProgress means another caller holds the lock and no result has
	// been cached yet.
	ErrInProgress = errors.New("idempotency: request in progress")
	// ErrPayloadMismatch means the key was reused with a different payload.
	ErrPayloadMismatch = errors.New("idempotency: key reused with different payload")
)

type cacheEntry struct {
	PayloadHash string          `json:"payload_hash"`
	Response    json.RawMessage `json:"response"`
	StoredAt    time.Time       `json:"stored_at"`
}

// Store coordinates locks and cached results in the shared KV.
type Store struct {
	kv    infra.KV
	owner string // lock value identifying this process
}

func NewStore(kv infra.KV) *Store {
	return &Store{kv: kv, owner: uuid.NewString()}
}

// PayloadHash derives the dedup hash for a request body.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// GetCached returns the cached response for key, if any. A cached entry whose
// payload hash differs from payloadHash is a conflict, not a replay.
func (s *Store) GetCached(ctx context.Context, key, payloadHash string) (json.RawMessage, error) {
	raw, err := s.kv.Get(ctx, resultKey(key))
	if errors.Is(err, infra.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: get cached: %w", err)
	}

	var entry cacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("idempotency: corrupt cache entry: %w", err)
	}
	if entry.PayloadHash != payloadHash {
		return nil, ErrPayloadMismatch
	}
	return entry.Response, nil
}

// AcquireLock attempts to take the per-key lock, retrying up to 10 times at
// ~100 ms. If a cached result appears while waiting, acquisition is
// abandoned and the result returned instead.
func (s *Store) AcquireLock(ctx context.Context, key, payloadHash string) (acquired bool, cached json.RawMessage, err error) {
	for attempt := 0; attempt < lockRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false, nil, ctx.Err()
			case <-time.After(lockRetryDelay):
			}
		}

		ok, err := s.kv.SetNX(ctx, lockKey(key), s.owner, LockTTL)
		if err != nil {
			return false, nil, fmt.Errorf("idempotency: acquire lock: %w", err)
		}
		if ok {
			return true, nil, nil
		}

		cached, err := s.GetCached(ctx, key, payloadHash)
		if err != nil {
			return false, nil, err
		}
		if cached != nil {
			return false, cached, nil
		}
	}
	return false, nil, ErrInProgress
}

// ReleaseLock drops the lock for key. Safe to call after expiry.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	return s.kv.Del(ctx, lockKey(key))
}

// StoreResult caches the serialized response for replay to duplicates.
func (s *Store) StoreResult(ctx context.Context, key, payloadHash string, response json.RawMessage) error {
	entry, err := json.Marshal(cacheEntry{
		PayloadHash: payloadHash,
		Response:    response,
		StoredAt:    time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("idempotency: marshal entry: %w", err)
	}
	if err := s.kv.Set(ctx, resultKey(key), string(entry), ResultTTL); err != nil {
		return fmt.Errorf("idempotency: store result: %w", err)
	}
	return nil
}

func lockKey(key string) string   { return "idem:lock:" + key }
func resultKey(key string) string { return "idem:result:" + key }
