package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vireshop/checkout/internal/repository"
)

const idempotencyPrefix = "idempotency:"

// IdempotencyStore implements repository.IdempotencyStore using Redis.
type IdempotencyStore struct {
	client *redis.Client
}

// NewIdempotencyStore creates a new Redis-backed idempotency store.
func NewIdempotencyStore(client *redis.Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

// Begin claims the key with SET NX. The winner gets ok=true and owns the
// first attempt; losers get the stored record, which is still marked
// in-progress if the first attempt has not finished.
func (s *IdempotencyStore) Begin(ctx context.Context, key string, ttl time.Duration) (bool, *repository.IdempotencyRecord, error) {
	rec := repository.IdempotencyRecord{InProgress: true}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, nil, fmt.Errorf("marshal idempotency record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, idempotencyPrefix+key, data, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("redis claim idempotency key: %w", err)
	}
	if ok {
		return true, nil, nil
	}

	stored, err := s.client.Get(ctx, idempotencyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			// The prior claim expired between SETNX and GET; treat the key as
			// unclaimed and let the caller retry.
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("redis get idempotency record: %w", err)
	}

	var prior repository.IdempotencyRecord
	if err := json.Unmarshal(stored, &prior); err != nil {
		return false, nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}

	return false, &prior, nil
}

// Complete stores the response of a finished first attempt for replay.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, status int, header http.Header, body []byte, ttl time.Duration) error {
	rec := repository.IdempotencyRecord{
		Status:     status,
		Header:     header,
		Body:       body,
		InProgress: false,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}

	if err := s.client.Set(ctx, idempotencyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis store idempotency record: %w", err)
	}

	return nil
}

// Clear releases a claimed key after a failed attempt so the client can retry
// with the same key.
func (s *IdempotencyStore) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, idempotencyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis clear idempotency key: %w", err)
	}
	return nil
}
