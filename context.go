package engine

import "context"

type ctxKey int

const apiKeyCtxKey ctxKey = iota

// WithAPIKey returns a context carrying the calling tenant's API key.
// The API layer attaches it after authentication; workers restore it
// from the job record before invoking the analyzer.
func WithAPIKey(ctx context.Context, apiKey string) context.Context {
	if apiKey == "" {
		return ctx
	}
	return context.WithValue(ctx, apiKeyCtxKey, apiKey)
}

// APIKeyFrom extracts the API key from ctx, if one is set.
func APIKeyFrom(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(apiKeyCtxKey).(string)
	return key, ok && key != ""
}
