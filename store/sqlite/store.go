// Package sqlite provides a single-file SQLite implementation of the
// engine's stores using database/sql with the modernc.org/sqlite
// driver. Suitable for single-node deployments: SQLite's single-writer
// model makes the claim and reservation paths atomic without extra
// locking.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register the sqlite driver

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/idempotency"
	"github.com/imggo/engine/job"
	"github.com/imggo/engine/webhook"
)

// Verify each subsystem contract at compile time.
var (
	_ job.Store             = (*Store)(nil)
	_ idempotency.Store     = (*Store)(nil)
	_ webhook.Store         = (*Store)(nil)
	_ webhook.DeliveryStore = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	api_key         TEXT NOT NULL,
	pattern_id      TEXT NOT NULL,
	input_json      TEXT NOT NULL,
	status          TEXT NOT NULL,
	result_json     TEXT,
	error_json      TEXT,
	idempotency_key TEXT NOT NULL DEFAULT '',
	webhook_url     TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	started_at      TEXT,
	completed_at    TEXT,
	failed_at       TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs (status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_api_key ON jobs (api_key);

CREATE TABLE IF NOT EXISTS idempotency_keys (
	api_key    TEXT NOT NULL,
	key        TEXT NOT NULL,
	job_id     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL,
	PRIMARY KEY (api_key, key)
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_keys (expires_at);

CREATE TABLE IF NOT EXISTS webhooks (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	events_json TEXT NOT NULL,
	secret      TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
	id              TEXT PRIMARY KEY,
	job_id          TEXT NOT NULL,
	webhook_id      TEXT NOT NULL DEFAULT '',
	url             TEXT NOT NULL,
	secret          TEXT NOT NULL DEFAULT '',
	event           TEXT NOT NULL,
	payload         BLOB NOT NULL,
	attempt         INTEGER NOT NULL,
	scheduled_at    TEXT NOT NULL,
	outcome         TEXT NOT NULL,
	attempted_at    TEXT,
	response_status INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries (outcome, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_deliveries_job ON deliveries (job_id, created_at);
`

// Store is a SQLite implementation of the engine's stores.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Open opens (or creates) the database at path, applies the schema, and
// returns a ready Store. Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: open %s: %w", path, err)
	}
	// SQLite allows exactly one writer; a single connection avoids
	// SQLITE_BUSY under concurrent claims.
	db.SetMaxOpenConns(1)

	s := New(db, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle. The caller owns the *sql.DB
// lifecycle until Close is called on the Store.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("engine/sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ── helpers ──────────────────────────────────────────────────────

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey checks if a SQLite error is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const timeLayout = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func decodeTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := decodeTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

const jobColumns = `id, api_key, pattern_id, input_json, status, result_json, error_json,
	idempotency_key, webhook_url, created_at, updated_at, started_at, completed_at, failed_at`

func scanJob(row interface{ Scan(...any) error }) (*job.Job, error) {
	var (
		j           job.Job
		rawID       string
		inputJSON   string
		status      string
		resultJSON  sql.NullString
		errorJSON   sql.NullString
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
		failedAt    sql.NullString
	)
	if err := row.Scan(
		&rawID, &j.APIKey, &j.PatternID, &inputJSON, &status, &resultJSON, &errorJSON,
		&j.IdempotencyKey, &j.WebhookURL, &createdAt, &updatedAt, &startedAt, &completedAt, &failedAt,
	); err != nil {
		return nil, err
	}

	jobID, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: corrupt job id %q: %w", rawID, err)
	}
	j.ID = jobID

	parsed, err := job.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: corrupt job status %q: %w", status, err)
	}
	j.Status = parsed

	if err := json.Unmarshal([]byte(inputJSON), &j.Input); err != nil {
		return nil, fmt.Errorf("engine/sqlite: decode input for %s: %w", rawID, err)
	}
	if resultJSON.Valid {
		j.Result = &job.Result{}
		if err := json.Unmarshal([]byte(resultJSON.String), j.Result); err != nil {
			return nil, fmt.Errorf("engine/sqlite: decode result for %s: %w", rawID, err)
		}
	}
	if errorJSON.Valid {
		j.Error = &job.Error{}
		if err := json.Unmarshal([]byte(errorJSON.String), j.Error); err != nil {
			return nil, fmt.Errorf("engine/sqlite: decode error for %s: %w", rawID, err)
		}
	}

	if j.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	if j.StartedAt, err = decodeTimePtr(startedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = decodeTimePtr(completedAt); err != nil {
		return nil, err
	}
	if j.FailedAt, err = decodeTimePtr(failedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

// CreateJob persists a new job in queued state.
func (s *Store) CreateJob(ctx context.Context, j *job.Job) error {
	inputJSON, err := json.Marshal(j.Input)
	if err != nil {
		return fmt.Errorf("engine/sqlite: encode input: %w", err)
	}
	var resultJSON, errorJSON any
	if j.Result != nil {
		b, err := json.Marshal(j.Result)
		if err != nil {
			return fmt.Errorf("engine/sqlite: encode result: %w", err)
		}
		resultJSON = string(b)
	}
	if j.Error != nil {
		b, err := json.Marshal(j.Error)
		if err != nil {
			return fmt.Errorf("engine/sqlite: encode error: %w", err)
		}
		errorJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID.String(), j.APIKey, j.PatternID, string(inputJSON), string(j.Status),
		resultJSON, errorJSON, j.IdempotencyKey, j.WebhookURL,
		encodeTime(j.CreatedAt), encodeTime(j.UpdatedAt),
		encodeTimePtr(j.StartedAt), encodeTimePtr(j.CompletedAt), encodeTimePtr(j.FailedAt),
	)
	if isDuplicateKey(err) {
		return engine.ErrJobAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("engine/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID.String())
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, engine.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: get job: %w", err)
	}
	return j, nil
}

// ClaimNextJob atomically claims the oldest queued job. The guarded
// UPDATE is the compare-and-swap: it only fires when the selected row is
// still queued.
func (s *Store) ClaimNextJob(ctx context.Context) (*job.Job, error) {
	now := encodeTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1
		) AND status = ?
		RETURNING `+jobColumns,
		string(job.StatusProcessing), now, now,
		string(job.StatusQueued), string(job.StatusQueued),
	)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: claim job: %w", err)
	}
	return j, nil
}

// CompleteJob transitions processing → completed.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, result *job.Result) (*job.Job, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: encode result: %w", err)
	}
	now := encodeTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, result_json = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+jobColumns,
		string(job.StatusCompleted), string(resultJSON), now, now,
		jobID.String(), string(job.StatusProcessing),
	)
	return s.finishResult(ctx, jobID, row)
}

// FailJob transitions processing → failed.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, jobErr *job.Error) (*job.Job, error) {
	errorJSON, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: encode error: %w", err)
	}
	now := encodeTime(time.Now())
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, error_json = ?, failed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+jobColumns,
		string(job.StatusFailed), string(errorJSON), now, now,
		jobID.String(), string(job.StatusProcessing),
	)
	return s.finishResult(ctx, jobID, row)
}

// finishResult distinguishes an unknown job from an illegal transition
// when a guarded terminal UPDATE matched no rows.
func (s *Store) finishResult(ctx context.Context, jobID id.JobID, row *sql.Row) (*job.Job, error) {
	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("engine/sqlite: finish job: %w", err)
	}

	var exists int
	checkErr := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM jobs WHERE id = ?`, jobID.String()).Scan(&exists)
	if isNoRows(checkErr) {
		return nil, engine.ErrJobNotFound
	}
	if checkErr != nil {
		return nil, fmt.Errorf("engine/sqlite: finish job: %w", checkErr)
	}
	return nil, engine.ErrInvalidTransition
}

// ListJobsByStatus returns jobs matching the given status, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
	args := []any{string(status)}
	if opts.APIKey != "" {
		query += ` AND api_key = ?`
		args = append(args, opts.APIKey)
	}
	query += ` ORDER BY created_at, id`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		query += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	out := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("engine/sqlite: list jobs: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE 1=1`
	args := []any{}
	if opts.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(opts.Status))
	}
	if opts.APIKey != "" {
		query += ` AND api_key = ?`
		args = append(args, opts.APIKey)
	}

	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("engine/sqlite: count jobs: %w", err)
	}
	return n, nil
}

// ReapStaleJobs returns processing jobs untouched for longer than
// threshold to the queued state. Claims select by status, so requeued
// rows become claimable again with no extra bookkeeping.
func (s *Store) ReapStaleJobs(ctx context.Context, threshold time.Duration) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = NULL, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(job.StatusQueued), encodeTime(now),
		string(job.StatusProcessing), encodeTime(now.Add(-threshold)),
	)
	if err != nil {
		return 0, fmt.Errorf("engine/sqlite: reap jobs: %w", err)
	}
	return res.RowsAffected()
}

// PurgeJobsBefore removes terminal jobs created before the cutoff.
func (s *Store) PurgeJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN (?, ?) AND created_at < ?`,
		string(job.StatusCompleted), string(job.StatusFailed), encodeTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("engine/sqlite: purge jobs: %w", err)
	}
	return res.RowsAffected()
}

// ──────────────────────────────────────────────────
// Idempotency Store
// ──────────────────────────────────────────────────

// LookupOrReserve reserves (apiKey, key) for jobID unless an unexpired
// record already holds it. The upsert only replaces expired rows, so
// concurrent callers race on the primary key and exactly one wins.
func (s *Store) LookupOrReserve(ctx context.Context, apiKey, key string, jobID id.JobID, ttl time.Duration) (id.JobID, bool, error) {
	now := time.Now().UTC()

	var rawID string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (api_key, key, job_id, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (api_key, key) DO UPDATE SET
			job_id = excluded.job_id,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at
		WHERE excluded.created_at >= idempotency_keys.expires_at
		RETURNING job_id`,
		apiKey, key, jobID.String(), encodeTime(now), encodeTime(now.Add(ttl)),
	).Scan(&rawID)

	if isNoRows(err) {
		// An unexpired record holds the key; return its job.
		existing := s.db.QueryRowContext(ctx, `
			SELECT job_id FROM idempotency_keys WHERE api_key = ? AND key = ?`,
			apiKey, key)
		if err := existing.Scan(&rawID); err != nil {
			return id.JobID{}, false, fmt.Errorf("engine/sqlite: lookup reservation: %w", err)
		}
		existingID, err := id.ParseJobID(rawID)
		if err != nil {
			return id.JobID{}, false, fmt.Errorf("engine/sqlite: corrupt reservation job id %q: %w", rawID, err)
		}
		return existingID, false, nil
	}
	if err != nil {
		return id.JobID{}, false, fmt.Errorf("engine/sqlite: reserve key: %w", err)
	}
	return jobID, true, nil
}

// GetRecord returns the record for (apiKey, key), expired or not.
func (s *Store) GetRecord(ctx context.Context, apiKey, key string) (*idempotency.Record, error) {
	var (
		rec       idempotency.Record
		rawID     string
		createdAt string
		expiresAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT api_key, key, job_id, created_at, expires_at
		FROM idempotency_keys WHERE api_key = ? AND key = ?`,
		apiKey, key,
	).Scan(&rec.APIKey, &rec.Key, &rawID, &createdAt, &expiresAt)
	if isNoRows(err) {
		return nil, engine.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: get reservation: %w", err)
	}

	jobID, err := id.ParseJobID(rawID)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: corrupt reservation job id %q: %w", rawID, err)
	}
	rec.JobID = jobID
	if rec.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if rec.ExpiresAt, err = decodeTime(expiresAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PurgeExpired removes reservations whose window has passed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < ?`, encodeTime(now))
	if err != nil {
		return 0, fmt.Errorf("engine/sqlite: purge reservations: %w", err)
	}
	return res.RowsAffected()
}

// ──────────────────────────────────────────────────
// Webhook Store
// ──────────────────────────────────────────────────

// CreateWebhook persists a new subscription.
func (s *Store) CreateWebhook(ctx context.Context, sub *webhook.Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("engine/sqlite: encode events: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, url, events_json, secret, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID.String(), sub.URL, string(eventsJSON), sub.Secret, boolToInt(sub.Active),
		encodeTime(sub.CreatedAt), encodeTime(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("engine/sqlite: create webhook: %w", err)
	}
	return nil
}

func scanSubscription(row interface{ Scan(...any) error }) (*webhook.Subscription, error) {
	var (
		sub        webhook.Subscription
		rawID      string
		eventsJSON string
		active     int
		createdAt  string
		updatedAt  string
	)
	if err := row.Scan(&rawID, &sub.URL, &eventsJSON, &sub.Secret, &active, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	webhookID, err := id.ParseWebhookID(rawID)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: corrupt webhook id %q: %w", rawID, err)
	}
	sub.ID = webhookID
	sub.Active = active != 0
	if err := json.Unmarshal([]byte(eventsJSON), &sub.Events); err != nil {
		return nil, fmt.Errorf("engine/sqlite: decode events for %s: %w", rawID, err)
	}
	if sub.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

const webhookColumns = `id, url, events_json, secret, active, created_at, updated_at`

// GetWebhook returns the subscription with the given ID.
func (s *Store) GetWebhook(ctx context.Context, webhookID id.WebhookID) (*webhook.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, webhookID.String())
	sub, err := scanSubscription(row)
	if isNoRows(err) {
		return nil, engine.ErrWebhookNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: get webhook: %w", err)
	}
	return sub, nil
}

// DeleteWebhook removes a subscription.
func (s *Store) DeleteWebhook(ctx context.Context, webhookID id.WebhookID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id = ?`, webhookID.String())
	if err != nil {
		return fmt.Errorf("engine/sqlite: delete webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("engine/sqlite: delete webhook: %w", err)
	}
	if n == 0 {
		return engine.ErrWebhookNotFound
	}
	return nil
}

// ListActiveWebhooks returns the active subscriptions for an event.
// Event membership lives in a JSON column, so the filter runs in Go.
func (s *Store) ListActiveWebhooks(ctx context.Context, event string) ([]*webhook.Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE active = 1 ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: list webhooks: %w", err)
	}
	defer rows.Close()

	out := make([]*webhook.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("engine/sqlite: list webhooks: %w", err)
		}
		if sub.Subscribed(event) {
			out = append(out, sub)
		}
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ──────────────────────────────────────────────────
// Delivery Store
// ──────────────────────────────────────────────────

const deliveryColumns = `id, job_id, webhook_id, url, secret, event, payload, attempt,
	scheduled_at, outcome, attempted_at, response_status, last_error, created_at, updated_at`

func scanAttempt(row interface{ Scan(...any) error }) (*webhook.Attempt, error) {
	var (
		a            webhook.Attempt
		rawID        string
		rawJobID     string
		rawWebhookID string
		scheduledAt  string
		outcome      string
		attemptedAt  sql.NullString
		createdAt    string
		updatedAt    string
	)
	if err := row.Scan(
		&rawID, &rawJobID, &rawWebhookID, &a.URL, &a.Secret, &a.Event, &a.Payload,
		&a.Number, &scheduledAt, &outcome, &attemptedAt, &a.ResponseStatus, &a.LastError,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	deliveryID, err := id.ParseDeliveryID(rawID)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: corrupt delivery id %q: %w", rawID, err)
	}
	a.ID = deliveryID

	jobID, err := id.ParseJobID(rawJobID)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: corrupt delivery job id %q: %w", rawJobID, err)
	}
	a.JobID = jobID

	if rawWebhookID != "" {
		webhookID, err := id.ParseWebhookID(rawWebhookID)
		if err != nil {
			return nil, fmt.Errorf("engine/sqlite: corrupt delivery webhook id %q: %w", rawWebhookID, err)
		}
		a.WebhookID = webhookID
	}

	a.Outcome = webhook.Outcome(outcome)
	if a.ScheduledAt, err = decodeTime(scheduledAt); err != nil {
		return nil, err
	}
	if a.AttemptedAt, err = decodeTimePtr(attemptedAt); err != nil {
		return nil, err
	}
	if a.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAttempt persists a new pending delivery attempt.
func (s *Store) CreateAttempt(ctx context.Context, attempt *webhook.Attempt) error {
	webhookID := ""
	if !attempt.WebhookID.IsNil() {
		webhookID = attempt.WebhookID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (`+deliveryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID.String(), attempt.JobID.String(), webhookID,
		attempt.URL, attempt.Secret, attempt.Event, attempt.Payload, attempt.Number,
		encodeTime(attempt.ScheduledAt), string(attempt.Outcome),
		encodeTimePtr(attempt.AttemptedAt), attempt.ResponseStatus, attempt.LastError,
		encodeTime(attempt.CreatedAt), encodeTime(attempt.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("engine/sqlite: create delivery: %w", err)
	}
	return nil
}

// ClaimDueAttempts moves due pending attempts into the in-flight state.
func (s *Store) ClaimDueAttempts(ctx context.Context, now time.Time, limit int) ([]*webhook.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE deliveries
		SET outcome = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE outcome = ? AND scheduled_at <= ?
			ORDER BY scheduled_at, id
			LIMIT ?
		)
		RETURNING `+deliveryColumns,
		string(webhook.OutcomeInFlight), encodeTime(time.Now()),
		string(webhook.OutcomePending), encodeTime(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: claim deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]*webhook.Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("engine/sqlite: claim deliveries: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SettleAttempt records the outcome of an in-flight attempt.
func (s *Store) SettleAttempt(ctx context.Context, deliveryID id.DeliveryID, outcome webhook.Outcome, responseStatus int, lastError string) error {
	now := encodeTime(time.Now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries
		SET outcome = ?, response_status = ?, last_error = ?, attempted_at = ?, updated_at = ?
		WHERE id = ?`,
		string(outcome), responseStatus, lastError, now, now, deliveryID.String(),
	)
	if err != nil {
		return fmt.Errorf("engine/sqlite: settle delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("engine/sqlite: settle delivery: %w", err)
	}
	if n == 0 {
		return engine.ErrDeliveryNotFound
	}
	return nil
}

// ListAttemptsByJob returns all attempts for a job, oldest first.
func (s *Store) ListAttemptsByJob(ctx context.Context, jobID id.JobID) ([]*webhook.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliveryColumns+` FROM deliveries
		WHERE job_id = ? ORDER BY created_at, attempt, id`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: list deliveries: %w", err)
	}
	defer rows.Close()

	out := make([]*webhook.Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("engine/sqlite: list deliveries: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReapStaleAttempts returns in-flight attempts older than threshold to
// the pending state.
func (s *Store) ReapStaleAttempts(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE deliveries SET outcome = ? WHERE outcome = ? AND updated_at < ?`,
		string(webhook.OutcomePending), string(webhook.OutcomeInFlight), encodeTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("engine/sqlite: reap deliveries: %w", err)
	}
	return res.RowsAffected()
}

// PurgeAttemptsBefore removes settled attempts created before the cutoff.
func (s *Store) PurgeAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM deliveries WHERE outcome IN (?, ?) AND created_at < ?`,
		string(webhook.OutcomeSuccess), string(webhook.OutcomeFailed), encodeTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("engine/sqlite: purge deliveries: %w", err)
	}
	return res.RowsAffected()
}
