// Package job defines the Job model, its state machine, and the
// persistence contract for the ingest engine.
//
// A Job represents one image submitted for extraction against a pattern.
// Its status moves strictly forward through
//
//	queued → processing → completed | failed
//
// and never regresses once terminal. Claiming a queued job is an atomic
// conditional update on status, so concurrent processing workers never
// both take the same job.
//
// The source documentation for the original API is inconsistent about the
// terminal status literal ("completed" vs "succeeded") and the result
// field name ("result" vs "manifest"). Rather than guess, this package
// treats "completed" and "result" as canonical, accepts "succeeded" as a
// parse alias, and mirrors the result under "manifest" in JSON output so
// clients written against either spelling keep working.
package job
