package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	engine "github.com/imggo/engine"
	"github.com/imggo/engine/id"
	"github.com/imggo/engine/webhook"
)

// CreateWebhook stores the subscription as a Hash.
func (s *Store) CreateWebhook(ctx context.Context, sub *webhook.Subscription) error {
	sID := sub.ID.String()
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("engine/redis: encode events: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, webhookKey(sID), map[string]any{
		"id":         sID,
		"url":        sub.URL,
		"events":     string(eventsJSON),
		"secret":     sub.Secret,
		"active":     strconv.FormatBool(sub.Active),
		"created_at": sub.CreatedAt.Format(time.RFC3339Nano),
		"updated_at": sub.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.SAdd(ctx, webhookIDsKey, sID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("engine/redis: create webhook: %w", err)
	}
	return nil
}

// GetWebhook retrieves a subscription by ID.
func (s *Store) GetWebhook(ctx context.Context, webhookID id.WebhookID) (*webhook.Subscription, error) {
	return s.getWebhookByKey(ctx, webhookKey(webhookID.String()))
}

// DeleteWebhook removes a subscription.
func (s *Store) DeleteWebhook(ctx context.Context, webhookID id.WebhookID) error {
	sID := webhookID.String()

	exists, err := s.client.Exists(ctx, webhookKey(sID)).Result()
	if err != nil {
		return fmt.Errorf("engine/redis: delete webhook exists: %w", err)
	}
	if exists == 0 {
		return engine.ErrWebhookNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, webhookKey(sID))
	pipe.SRem(ctx, webhookIDsKey, sID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("engine/redis: delete webhook: %w", err)
	}
	return nil
}

// ListActiveWebhooks returns the active subscriptions for an event,
// oldest first.
func (s *Store) ListActiveWebhooks(ctx context.Context, event string) ([]*webhook.Subscription, error) {
	ids, err := s.client.SMembers(ctx, webhookIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("engine/redis: list webhooks smembers: %w", err)
	}

	subs := make([]*webhook.Subscription, 0, len(ids))
	for _, sID := range ids {
		sub, getErr := s.getWebhookByKey(ctx, webhookKey(sID))
		if getErr != nil {
			continue // skip missing
		}
		if !sub.Active || !sub.Subscribed(event) {
			continue
		}
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, k int) bool {
		return subs[i].CreatedAt.Before(subs[k].CreatedAt)
	})
	return subs, nil
}

// ── helpers ──

func (s *Store) getWebhookByKey(ctx context.Context, key string) (*webhook.Subscription, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("engine/redis: get webhook: %w", err)
	}
	if len(vals) == 0 {
		return nil, engine.ErrWebhookNotFound
	}
	return mapToSubscription(vals)
}

func mapToSubscription(m map[string]string) (*webhook.Subscription, error) {
	webhookID, err := id.ParseWebhookID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("engine/redis: parse webhook id: %w", err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	active, _ := strconv.ParseBool(m["active"])                   //nolint:errcheck // best-effort parse from trusted Redis data

	sub := &webhook.Subscription{
		Entity: engine.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:     webhookID,
		URL:    m["url"],
		Secret: m["secret"],
		Active: active,
	}
	if v := m["events"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sub.Events); err != nil {
			return nil, fmt.Errorf("engine/redis: decode events: %w", err)
		}
	}
	return sub, nil
}
