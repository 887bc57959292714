// Package webhook delivers terminal job events to registered HTTP
// callbacks with at-least-once semantics bounded by a fixed six-attempt
// retry schedule.
//
// Delivery state is persisted as one Attempt record per try, so the
// schedule survives process restarts. The notifier observes terminal
// state transitions and never feeds back into the Job Store: whatever
// happens to a delivery, the authoritative job result stays available
// via polling.
//
// Payloads are signed with HMAC-SHA256 over the raw body using the
// subscription secret, carried in the X-ImgGo-Signature header as
// "sha256=<hex>". Receivers should verify with a constant-time compare.
// Because delivery is at-least-once, the same job event may arrive more
// than once; receivers are expected to deduplicate on job_id.
//
// The event literal for successful jobs appears as both "job.completed"
// and "job.succeeded" in the original API documentation. Subscriptions
// accept either spelling; the engine emits "job.completed".
package webhook
