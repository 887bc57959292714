package webhook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	neturl "net/url"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/id"
)

// Event literals carried in delivery payloads. Subscriptions filter on
// these names; EventJobSucceededAlias is accepted at registration time
// and normalized to EventJobCompleted.
const (
	EventJobCompleted      = "job.completed"
	EventJobFailed         = "job.failed"
	EventJobSucceededAlias = "job.succeeded"
)

// NormalizeEvent maps accepted event spellings to their canonical form.
// It returns an error for unknown event names.
func NormalizeEvent(event string) (string, error) {
	switch event {
	case EventJobCompleted, EventJobSucceededAlias:
		return EventJobCompleted, nil
	case EventJobFailed:
		return EventJobFailed, nil
	default:
		return "", fmt.Errorf("webhook: unknown event %q", event)
	}
}

// Subscription is a registered webhook endpoint. The signing secret is
// shown to the caller exactly once, on registration, and never appears
// in JSON afterwards.
type Subscription struct {
	engine.Entity

	ID     id.WebhookID `json:"webhook_id"`
	URL    string       `json:"url"`
	Events []string     `json:"events"`
	Secret string       `json:"-"`
	Active bool         `json:"active"`
}

// NewSubscription builds an active subscription for the given endpoint.
// Events may use either event spelling; an empty list subscribes to all
// terminal events. When secret is empty a random one is generated.
func NewSubscription(url string, events []string, secret string) (*Subscription, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	if u, err := neturl.Parse(url); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("webhook: url %q is not a valid http(s) URL", url)
	}
	if len(events) == 0 {
		events = []string{EventJobCompleted, EventJobFailed}
	}
	normalized := make([]string, 0, len(events))
	for _, ev := range events {
		canonical, err := NormalizeEvent(ev)
		if err != nil {
			return nil, err
		}
		normalized = append(normalized, canonical)
	}
	if secret == "" {
		var err error
		secret, err = generateSecret()
		if err != nil {
			return nil, err
		}
	}
	return &Subscription{
		Entity: engine.NewEntity(),
		ID:     id.NewWebhookID(),
		URL:    url,
		Events: normalized,
		Secret: secret,
		Active: true,
	}, nil
}

// Subscribed reports whether the subscription wants the given canonical
// event.
func (s *Subscription) Subscribed(event string) bool {
	for _, ev := range s.Events {
		if ev == event {
			return true
		}
	}
	return false
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("webhook: generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

// Store persists webhook subscriptions.
type Store interface {
	// CreateWebhook persists a new subscription.
	CreateWebhook(ctx context.Context, sub *Subscription) error

	// GetWebhook returns the subscription with the given ID, or
	// engine.ErrWebhookNotFound.
	GetWebhook(ctx context.Context, webhookID id.WebhookID) (*Subscription, error)

	// DeleteWebhook removes a subscription. Deletion stops future
	// deliveries; attempts already scheduled still run to completion.
	DeleteWebhook(ctx context.Context, webhookID id.WebhookID) error

	// ListActiveWebhooks returns the active subscriptions that want the
	// given canonical event.
	ListActiveWebhooks(ctx context.Context, event string) ([]*Subscription, error)
}
