package engine

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("engine: no store configured")
	ErrNoAnalyzer  = errors.New("engine: no analyzer configured")
	ErrStoreClosed = errors.New("engine: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("engine: job not found")
	ErrWebhookNotFound  = errors.New("engine: webhook not found")
	ErrDeliveryNotFound = errors.New("engine: delivery attempt not found")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("engine: job already exists")
	ErrAlreadyClaimed   = errors.New("engine: job already claimed")
	ErrKeyReserved      = errors.New("engine: idempotency key already reserved")

	// State errors.
	ErrInvalidTransition = errors.New("engine: invalid state transition")
	ErrRateLimited       = errors.New("engine: rate limit exceeded")
)
