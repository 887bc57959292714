package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/webhook"
)

// CreateAttempt stores the attempt as a Hash and schedules it on the
// pending Sorted Set.
func (s *Store) CreateAttempt(ctx context.Context, attempt *webhook.Attempt) error {
	aID := attempt.ID.String()
	fields := attemptToMap(attempt)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, deliveryKey(aID), fields)
	pipe.SAdd(ctx, deliveryIDsKey, aID)
	pipe.SAdd(ctx, jobDeliveriesKey(attempt.JobID.String()), aID)
	if attempt.Outcome == webhook.OutcomePending {
		pipe.ZAdd(ctx, deliveryPendingKey, goredis.Z{
			Score:  float64(attempt.ScheduledAt.UnixMilli()),
			Member: aID,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("engine/redis: create delivery: %w", err)
	}
	return nil
}

// ClaimDueAttempts pops due attempt IDs off the pending Sorted Set. The
// ZRem is the claim: exactly one caller removes any given member, so
// racing claimers skip attempts they lost.
func (s *Store) ClaimDueAttempts(ctx context.Context, now time.Time, limit int) ([]*webhook.Attempt, error) {
	ids, err := s.client.ZRangeByScore(ctx, deliveryPendingKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("engine/redis: claim due zrange: %w", err)
	}

	nowStr := time.Now().UTC().Format(time.RFC3339Nano)
	claimed := make([]*webhook.Attempt, 0, len(ids))
	for _, aID := range ids {
		removed, err := s.client.ZRem(ctx, deliveryPendingKey, aID).Result()
		if err != nil {
			return nil, fmt.Errorf("engine/redis: claim due zrem: %w", err)
		}
		if removed == 0 {
			continue // another claimer won this one
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, deliveryKey(aID),
			"outcome", string(webhook.OutcomeInFlight),
			"updated_at", nowStr,
		)
		pipe.ZAdd(ctx, deliveryInFlightKey, goredis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: aID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("engine/redis: claim due update: %w", err)
		}

		a, getErr := s.getAttemptByKey(ctx, deliveryKey(aID))
		if getErr != nil {
			continue // hash vanished mid-claim
		}
		claimed = append(claimed, a)
	}
	return claimed, nil
}

// SettleAttempt records the outcome of an in-flight attempt.
func (s *Store) SettleAttempt(ctx context.Context, deliveryID id.DeliveryID, outcome webhook.Outcome, responseStatus int, lastError string) error {
	aID := deliveryID.String()

	exists, err := s.client.Exists(ctx, deliveryKey(aID)).Result()
	if err != nil {
		return fmt.Errorf("engine/redis: settle exists: %w", err)
	}
	if exists == 0 {
		return engine.ErrDeliveryNotFound
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, deliveryKey(aID),
		"outcome", string(outcome),
		"response_status", strconv.Itoa(responseStatus),
		"last_error", lastError,
		"attempted_at", now,
		"updated_at", now,
	)
	pipe.ZRem(ctx, deliveryInFlightKey, aID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("engine/redis: settle delivery: %w", err)
	}
	return nil
}

// ListAttemptsByJob returns all attempts for a job, oldest first.
func (s *Store) ListAttemptsByJob(ctx context.Context, jobID id.JobID) ([]*webhook.Attempt, error) {
	ids, err := s.client.SMembers(ctx, jobDeliveriesKey(jobID.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("engine/redis: list deliveries smembers: %w", err)
	}

	attempts := make([]*webhook.Attempt, 0, len(ids))
	for _, aID := range ids {
		a, getErr := s.getAttemptByKey(ctx, deliveryKey(aID))
		if getErr != nil {
			continue // skip missing
		}
		attempts = append(attempts, a)
	}
	sort.Slice(attempts, func(i, k int) bool {
		if attempts[i].CreatedAt.Equal(attempts[k].CreatedAt) {
			return attempts[i].Number < attempts[k].Number
		}
		return attempts[i].CreatedAt.Before(attempts[k].CreatedAt)
	})
	return attempts, nil
}

// ReapStaleAttempts returns attempts stuck in flight past the threshold
// to the pending Sorted Set under their original schedule.
func (s *Store) ReapStaleAttempts(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	ids, err := s.client.ZRangeByScore(ctx, deliveryInFlightKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("engine/redis: reap zrange: %w", err)
	}

	var reaped int64
	for _, aID := range ids {
		removed, err := s.client.ZRem(ctx, deliveryInFlightKey, aID).Result()
		if err != nil {
			return reaped, fmt.Errorf("engine/redis: reap zrem: %w", err)
		}
		if removed == 0 {
			continue
		}

		a, getErr := s.getAttemptByKey(ctx, deliveryKey(aID))
		if getErr != nil {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, deliveryKey(aID), "outcome", string(webhook.OutcomePending))
		pipe.ZAdd(ctx, deliveryPendingKey, goredis.Z{
			Score:  float64(a.ScheduledAt.UnixMilli()),
			Member: aID,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return reaped, fmt.Errorf("engine/redis: reap requeue: %w", err)
		}
		reaped++
	}
	return reaped, nil
}

// PurgeAttemptsBefore removes settled attempts created before the cutoff.
func (s *Store) PurgeAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, deliveryIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("engine/redis: purge smembers: %w", err)
	}

	var purged int64
	for _, aID := range ids {
		a, getErr := s.getAttemptByKey(ctx, deliveryKey(aID))
		if getErr != nil {
			continue
		}
		if !a.Outcome.Settled() || !a.CreatedAt.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, deliveryKey(aID))
		pipe.SRem(ctx, deliveryIDsKey, aID)
		pipe.SRem(ctx, jobDeliveriesKey(a.JobID.String()), aID)
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, fmt.Errorf("engine/redis: purge delivery: %w", err)
		}
		purged++
	}
	return purged, nil
}

// ── helpers ──

func attemptToMap(a *webhook.Attempt) map[string]any {
	m := map[string]any{
		"id":              a.ID.String(),
		"job_id":          a.JobID.String(),
		"webhook_id":      a.WebhookID.String(),
		"url":             a.URL,
		"secret":          a.Secret,
		"event":           a.Event,
		"payload":         string(a.Payload),
		"attempt":         strconv.Itoa(a.Number),
		"scheduled_at":    a.ScheduledAt.Format(time.RFC3339Nano),
		"outcome":         string(a.Outcome),
		"response_status": strconv.Itoa(a.ResponseStatus),
		"last_error":      a.LastError,
		"created_at":      a.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      a.UpdatedAt.Format(time.RFC3339Nano),
	}
	if a.AttemptedAt != nil {
		m["attempted_at"] = a.AttemptedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getAttemptByKey(ctx context.Context, key string) (*webhook.Attempt, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("engine/redis: get delivery: %w", err)
	}
	if len(vals) == 0 {
		return nil, engine.ErrDeliveryNotFound
	}
	return mapToAttempt(vals)
}

func mapToAttempt(m map[string]string) (*webhook.Attempt, error) {
	deliveryID, err := id.ParseDeliveryID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("engine/redis: parse delivery id: %w", err)
	}
	jobID, err := id.ParseJobID(m["job_id"])
	if err != nil {
		return nil, fmt.Errorf("engine/redis: parse delivery job id: %w", err)
	}

	number, _ := strconv.Atoi(m["attempt"])                           //nolint:errcheck // best-effort parse from trusted Redis data
	responseStatus, _ := strconv.Atoi(m["response_status"])           //nolint:errcheck // best-effort parse from trusted Redis data
	scheduledAt, _ := time.Parse(time.RFC3339Nano, m["scheduled_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"])     //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"])     //nolint:errcheck // best-effort parse from trusted Redis data

	a := &webhook.Attempt{
		Entity: engine.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:             deliveryID,
		JobID:          jobID,
		URL:            m["url"],
		Secret:         m["secret"],
		Event:          m["event"],
		Payload:        []byte(m["payload"]),
		Number:         number,
		ScheduledAt:    scheduledAt,
		Outcome:        webhook.Outcome(m["outcome"]),
		ResponseStatus: responseStatus,
		LastError:      m["last_error"],
	}
	if wid := m["webhook_id"]; wid != "" {
		a.WebhookID, _ = id.ParseWebhookID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["attempted_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		a.AttemptedAt = &t
	}
	return a, nil
}
