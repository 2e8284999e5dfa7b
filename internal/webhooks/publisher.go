package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"crmhooks/internal/model"
	"crmhooks/internal/store"
)

// Registry is the narrow store capability the publisher needs: read the
// tenant's subscription registry and append delivery rows.
type Registry interface {
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	EnqueueWebhook(ctx context.Context, d store.WebhookDelivery) (string, error)
}

// Publisher fans a business event out to every active subscription matching
// the event type, one pending delivery row per match. Rows are immediately
// due; the worker picks them up on its next poll.
type Publisher struct {
	Registry Registry
}

func NewPublisher(r Registry) *Publisher {
	return &Publisher{Registry: r}
}

// Emit enqueues one delivery per matching subscription and returns how many
// were created. Zero matching subscriptions is a normal no-op, not an error.
// Each row carries its own snapshot of the payload so later changes to the
// source record never leak into an in-flight delivery.
func (p *Publisher) Emit(ctx context.Context, tenantID, eventType string, data any) (int, error) {
	subs, err := p.Registry.GetSubscriptionsForEvent(ctx, tenantID, eventType)
	if err != nil {
		return 0, err
	}
	if len(subs) == 0 {
		return 0, nil
	}
	envelope := map[string]any{
		"id":       "evt_" + uuid.New().String(),
		"type":     eventType,
		"tenantId": tenantID,
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"data":     data,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, s := range subs {
		payload := make([]byte, len(body))
		copy(payload, body)
		id, err := p.Registry.EnqueueWebhook(ctx, store.WebhookDelivery{
			TenantID:       tenantID,
			SubscriptionID: s.ID,
			EventType:      eventType,
			Method:         s.Method,
			URL:            s.URL,
			Secret:         s.Secret,
			Headers:        s.Headers,
			Payload:        payload,
		})
		if err != nil {
			return enqueued, err
		}
		// An empty id means the store's dedup key collapsed this delivery
		// into an existing row.
		if id != "" {
			enqueued++
		}
	}
	return enqueued, nil
}
