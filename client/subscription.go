package client

import (
	"context"
	"net/http"
	"time"
)

// Webhook is a registered subscription. Secret is populated only in the
// creation response; the server never returns it again.
type Webhook struct {
	ID        string    `json:"webhook_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Delivery is one webhook delivery attempt.
type Delivery struct {
	ID             string     `json:"delivery_id"`
	JobID          string     `json:"job_id"`
	WebhookID      string     `json:"webhook_id,omitempty"`
	URL            string     `json:"url"`
	Event          string     `json:"event"`
	Attempt        int        `json:"attempt"`
	ScheduledAt    time.Time  `json:"scheduled_at"`
	Outcome        string     `json:"outcome"`
	AttemptedAt    *time.Time `json:"attempted_at,omitempty"`
	ResponseStatus int        `json:"response_status,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// RegisterWebhook creates a subscription. Store the returned Secret:
// deliveries are signed with it and it cannot be retrieved later.
func (c *Client) RegisterWebhook(ctx context.Context, url string, events []string) (*Webhook, error) {
	body := map[string]any{"url": url}
	if len(events) > 0 {
		body["events"] = events
	}
	var wh Webhook
	if _, err := c.do(ctx, http.MethodPost, "/webhooks", body, &wh); err != nil {
		return nil, err
	}
	return &wh, nil
}

// UnregisterWebhook deletes a subscription.
func (c *Client) UnregisterWebhook(ctx context.Context, webhookID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/webhooks/"+webhookID, nil, nil)
	return err
}

// ListDeliveries returns the delivery log for a job, oldest first.
func (c *Client) ListDeliveries(ctx context.Context, jobID string) ([]*Delivery, error) {
	var out []*Delivery
	if _, err := c.do(ctx, http.MethodGet, "/jobs/"+jobID+"/deliveries", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
