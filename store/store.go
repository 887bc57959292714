// Package store defines the aggregate persistence interface. Each
// subsystem (job, idempotency, webhook) defines its own store interface.
// The composite Store composes them all. Backends: Memory, SQLite, and
// Redis.
package store

import (
	"context"

	"github.com/imggo/engine/idempotency"
	"github.com/imggo/engine/job"
	"github.com/imggo/engine/webhook"
)

// Store is the aggregate persistence interface.
// Each subsystem store is a composable interface; a single backend
// (memory, sqlite, redis) implements all of them.
type Store interface {
	job.Store
	idempotency.Store
	webhook.Store
	webhook.DeliveryStore

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
