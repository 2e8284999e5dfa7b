package store

import (
	"context"
	"errors"
	"time"

	"crmhooks/internal/model"
)

// Store is the persistence interface used by the API server and the delivery
// worker. Implementations must guarantee that FetchDueWebhookDeliveries hands
// a given row to at most one caller at a time (claim semantics), so attempt
// counters are never updated concurrently.
type Store interface {
	// Subscriptions
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error

	// Webhook deliveries. EnqueueWebhook returns the new row's id, or an
	// empty id when dedup collapsed the insert into an existing row.
	EnqueueWebhook(ctx context.Context, d WebhookDelivery) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, responseBody string, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, responseBody string, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error)
	RetryWebhookDelivery(ctx context.Context, tenantID, id string) error
	WebhookMetrics(ctx context.Context, tenantID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error)

	// Dead-letter queue
	ListWebhookDLQ(ctx context.Context, tenantID, eventType string, olderThan time.Time, codeMin, codeMax int, errorQuery, cursor string, limit int) ([]map[string]any, string, error)
	RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error
	RequeueWebhookDLQBulk(ctx context.Context, tenantID string, ids []string) error
	DeleteWebhookDLQBulk(ctx context.Context, tenantID string, ids []string, olderThan time.Time) error
}

var ErrNotFound = errors.New("not found")
