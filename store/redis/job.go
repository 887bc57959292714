package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/job"
)

// finishScript guards terminal transitions: the HSET only fires while
// the job is still in processing, so concurrent finishers cannot both
// win and a queued job cannot skip the claim.
var finishScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then return 'missing' end
if status ~= ARGV[1] then return 'conflict' end
for i = 2, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 'ok'
`)

// requeueScript returns a stale claim to the queue. Guarded on status
// so a job finished between the staleness read and the script cannot
// be resurrected, and an ID never enters the queue List twice.
var requeueScript = goredis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if status ~= ARGV[1] then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updated_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'started_at')
redis.call('RPUSH', KEYS[2], ARGV[4])
return 1
`)

// CreateJob stores the job as a Hash and pushes its ID onto the queue List.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	jID := j.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("engine/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return engine.ErrJobAlreadyExists
	}

	fields, err := jobToMap(j)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	if j.Status == job.StatusQueued {
		pipe.RPush(ctx, jobQueueKey, jID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("engine/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// ClaimNextJob pops the oldest queued job ID off the queue List. The pop
// is the claim: each ID enters the List exactly once, so no two callers
// can pop the same job.
func (s *Store) ClaimNextJob(ctx context.Context) (*job.Job, error) {
	for {
		jID, err := s.client.LPop(ctx, jobQueueKey).Result()
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("engine/redis: claim lpop: %w", err)
		}

		key := jobKey(jID)
		now := time.Now().UTC().Format(time.RFC3339Nano)
		err = s.client.HSet(ctx, key,
			"status", string(job.StatusProcessing),
			"started_at", now,
			"updated_at", now,
		).Err()
		if err != nil {
			return nil, fmt.Errorf("engine/redis: claim update: %w", err)
		}

		j, err := s.getJobByKey(ctx, key)
		if errors.Is(err, engine.ErrJobNotFound) {
			// Hash vanished between push and pop; try the next ID.
			continue
		}
		if err != nil {
			return nil, err
		}
		return j, nil
	}
}

// CompleteJob transitions processing → completed.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, result *job.Result) (*job.Job, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("engine/redis: encode result: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.finishJob(ctx, jobID,
		"status", string(job.StatusCompleted),
		"result", string(resultJSON),
		"completed_at", now,
		"updated_at", now,
	)
}

// FailJob transitions processing → failed.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, jobErr *job.Error) (*job.Job, error) {
	errorJSON, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("engine/redis: encode error: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.finishJob(ctx, jobID,
		"status", string(job.StatusFailed),
		"error", string(errorJSON),
		"failed_at", now,
		"updated_at", now,
	)
}

func (s *Store) finishJob(ctx context.Context, jobID id.JobID, fieldPairs ...string) (*job.Job, error) {
	key := jobKey(jobID.String())
	argv := make([]any, 0, len(fieldPairs)+1)
	argv = append(argv, string(job.StatusProcessing))
	for _, p := range fieldPairs {
		argv = append(argv, p)
	}

	res, err := finishScript.Run(ctx, s.client, []string{key}, argv...).Text()
	if err != nil {
		return nil, fmt.Errorf("engine/redis: finish job: %w", err)
	}
	switch res {
	case "ok":
		return s.getJobByKey(ctx, key)
	case "missing":
		return nil, engine.ErrJobNotFound
	default:
		return nil, engine.ErrInvalidTransition
	}
}

// ListJobsByStatus returns jobs matching the given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("engine/redis: list jobs smembers: %w", err)
	}

	jobs := make([]*job.Job, 0, len(ids))
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if j.Status != status {
			continue
		}
		if opts.APIKey != "" && j.APIKey != opts.APIKey {
			continue
		}
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID.String() < jobs[k].ID.String()
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(jobs) {
		jobs = jobs[:opts.Limit]
	}
	return jobs, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("engine/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		if opts.APIKey != "" && j.APIKey != opts.APIKey {
			continue
		}
		count++
	}
	return count, nil
}

// ReapStaleJobs returns processing jobs untouched for longer than
// threshold to the queued state and pushes them back onto the queue
// List.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("engine/redis: reap smembers: %w", err)
	}

	cutoff := time.Now().UTC().Add(-threshold)
	var reaped int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if j.Status != job.StatusProcessing || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		n, err := requeueScript.Run(ctx, s.client,
			[]string{jobKey(jID), jobQueueKey},
			string(job.StatusProcessing), string(job.StatusQueued), now, jID,
		).Int64()
		if err != nil {
			return reaped, fmt.Errorf("engine/redis: reap job: %w", err)
		}
		reaped += n
	}
	return reaped, nil
}

// PurgeJobsBefore removes terminal jobs created before the cutoff.
func (s *Store) PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("engine/redis: purge smembers: %w", err)
	}

	var purged int64
	for _, jID := range ids {
		j, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if !j.Status.Terminal() || !j.CreatedAt.Before(cutoff) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, jobKey(jID))
		pipe.SRem(ctx, jobIDsKey, jID)
		if _, err := pipe.Exec(ctx); err != nil {
			return purged, fmt.Errorf("engine/redis: purge job: %w", err)
		}
		purged++
	}
	return purged, nil
}

// ── helpers ──

func jobToMap(j *job.Job) (map[string]any, error) {
	inputJSON, err := json.Marshal(j.Input)
	if err != nil {
		return nil, fmt.Errorf("engine/redis: encode input: %w", err)
	}
	m := map[string]any{
		"id":              j.ID.String(),
		"api_key":         j.APIKey,
		"pattern_id":      j.PatternID,
		"input":           string(inputJSON),
		"status":          string(j.Status),
		"idempotency_key": j.IdempotencyKey,
		"webhook_url":     j.WebhookURL,
		"created_at":      j.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":      j.UpdatedAt.Format(time.RFC3339Nano),
	}
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return nil, fmt.Errorf("engine/redis: encode result: %w", err)
		}
		m["result"] = string(b)
	}
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return nil, fmt.Errorf("engine/redis: encode error: %w", err)
		}
		m["error"] = string(b)
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt.Format(time.RFC3339Nano)
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339Nano)
	}
	if j.FailedAt != nil {
		m["failed_at"] = j.FailedAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Job, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("engine/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, engine.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Job, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("engine/redis: parse job id: %w", err)
	}

	status, err := job.ParseStatus(m["status"])
	if err != nil {
		return nil, fmt.Errorf("engine/redis: parse job status: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	j := &job.Job{
		Entity: engine.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:             jID,
		APIKey:         m["api_key"],
		PatternID:      m["pattern_id"],
		Status:         status,
		IdempotencyKey: m["idempotency_key"],
		WebhookURL:     m["webhook_url"],
	}

	if v := m["input"]; v != "" {
		if err := json.Unmarshal([]byte(v), &j.Input); err != nil {
			return nil, fmt.Errorf("engine/redis: decode input: %w", err)
		}
	}
	if v := m["result"]; v != "" {
		j.Result = &job.Result{}
		if err := json.Unmarshal([]byte(v), j.Result); err != nil {
			return nil, fmt.Errorf("engine/redis: decode result: %w", err)
		}
	}
	if v := m["error"]; v != "" {
		j.Error = &job.Error{}
		if err := json.Unmarshal([]byte(v), j.Error); err != nil {
			return nil, fmt.Errorf("engine/redis: decode error: %w", err)
		}
	}
	if v := m["started_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.StartedAt = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.CompletedAt = &t
	}
	if v := m["failed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		j.FailedAt = &t
	}
	return j, nil
}
