// Package engine implements the asynchronous job processing and webhook
// delivery engine behind the ImgGo image-to-structured-data API.
//
// Clients submit an image against a pattern, receive a job ID, and either
// poll GET /jobs/{id} or register a webhook to be notified when the job
// reaches a terminal state. The engine provides request deduplication via
// idempotency keys, per-API-key token-bucket rate limiting, an atomic
// claim-based job state machine, and signed webhook delivery with a fixed
// six-attempt retry schedule.
//
// # Quick Start
//
//	s := memory.New()
//	eng, err := engine.New(
//	    engine.WithStore(s),
//	    engine.WithAnalyzer(myAnalyzer),
//	    engine.WithConcurrency(8),
//	)
//
// # Architecture
//
// The engine follows a composable store pattern: each subsystem (job,
// idempotency, webhook) defines its own store interface and a single
// backend implements all of them. Workers coordinate only through the
// shared store — claiming a queued job is an atomic conditional update,
// so any number of processing workers may race safely.
//
// The Job Store is the single source of truth. Webhook delivery is a
// best-effort observer of terminal state transitions; its attempts are
// persisted so the retry schedule survives process restarts, and its
// failures never affect the authoritative job record.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based,
// compile-time safe identifiers.
package engine
