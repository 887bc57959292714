// Package ratelimit enforces per-API-key admission quotas for the ingest
// surface.
//
// Three independent ceilings are checked in order: a short-window burst
// bucket, a per-minute rate, and a monthly quota. The first ceiling
// violated determines the retry-after hint, computed from that bucket's
// reset time. Admission decrements every counter atomically; denial
// leaves all counters untouched. Windows roll over on monotonic server
// time — client-supplied timestamps are never consulted.
//
// Two implementations are provided: an in-process Limiter for
// single-node deployments and tests, and a Redis-backed RedisLimiter
// whose counters are shared across horizontally scaled API workers.
package ratelimit
