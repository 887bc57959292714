package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/idempotency"
)

// LookupOrReserve reserves (apiKey, key) with SET NX EX. Redis expires
// the reservation itself, so an expired key is simply absent and the
// next SET NX wins.
func (s *Store) LookupOrReserve(ctx context.Context, apiKey, key string, jobID id.JobID, ttl time.Duration) (id.JobID, bool, error) {
	now := time.Now().UTC()
	rec := idempotency.Record{
		APIKey:    apiKey,
		Key:       key,
		JobID:     jobID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return id.Nil, false, fmt.Errorf("engine/redis: encode reservation: %w", err)
	}

	k := idemKey(apiKey, key)

	// A reservation can expire between a losing SET NX and the follow-up
	// GET; retry the sequence rather than reporting a phantom holder.
	for range 3 {
		ok, err := s.client.SetNX(ctx, k, payload, ttl).Result()
		if err != nil {
			return id.Nil, false, fmt.Errorf("engine/redis: reserve key: %w", err)
		}
		if ok {
			return jobID, true, nil
		}

		existing, err := s.getRecordByKey(ctx, k)
		if errors.Is(err, engine.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return id.Nil, false, err
		}
		return existing.JobID, false, nil
	}
	return id.Nil, false, fmt.Errorf("engine/redis: reserve key %s: contended", key)
}

// GetRecord returns the reservation for (apiKey, key).
func (s *Store) GetRecord(ctx context.Context, apiKey, key string) (*idempotency.Record, error) {
	return s.getRecordByKey(ctx, idemKey(apiKey, key))
}

func (s *Store) getRecordByKey(ctx context.Context, key string) (*idempotency.Record, error) {
	payload, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, engine.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("engine/redis: get reservation: %w", err)
	}

	var rec idempotency.Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("engine/redis: decode reservation: %w", err)
	}
	return &rec, nil
}

// PurgeExpired is a no-op: reservations carry a Redis TTL and expire on
// their own.
func (s *Store) PurgeExpired(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}
