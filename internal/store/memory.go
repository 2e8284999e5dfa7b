package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"crmhooks/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu                 sync.Mutex
	subs               map[string][]model.Subscription // tenant -> subscriptions
	deliveries         map[string]*memDelivery         // id -> delivery state
	deliveriesByTenant map[string][]string             // tenant -> delivery ids
	dlq                []map[string]any
}

func NewMemory() *Memory {
	return &Memory{
		subs:               map[string][]model.Subscription{},
		deliveries:         map[string]*memDelivery{},
		deliveriesByTenant: map[string][]string{},
		dlq:                []map[string]any{},
	}
}

// memDelivery augments WebhookDelivery with scheduling state and the outcome
// of the last attempt.
type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
	LastError     string
	ResponseCode  int
	ResponseBody  string
	LatencyMs     int
	DeliveredAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	method := req.Method
	if method == "" {
		method = "POST"
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	s := model.Subscription{
		ID:       uuid.New().String(),
		TenantID: req.TenantID,
		URL:      req.URL,
		Method:   method,
		Events:   req.Events,
		Secret:   req.Secret,
		Headers:  req.Headers,
		Active:   active,
	}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		if s.Matches(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[tenantID]
	start := 0
	if cursor != "" {
		for i, s := range list {
			if s.ID == cursor {
				start = i + 1
				break
			}
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription(nil), list[start:end]...)
	next := ""
	if end < len(list) && len(items) > 0 {
		next = items[len(items)-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	found := false
	for _, s := range arr {
		if s.ID == id {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return ErrNotFound
	}
	m.subs[tenantID] = out
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, d WebhookDelivery) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = uuid.New().String()
	d.Status = StatusPending
	d.Attempts = 0
	now := time.Now()
	md := &memDelivery{WebhookDelivery: d, NextAttemptAt: now, CreatedAt: now, UpdatedAt: now}
	m.deliveries[d.ID] = md
	m.deliveriesByTenant[d.TenantID] = append(m.deliveriesByTenant[d.TenantID], d.ID)
	return d.ID, nil
}

// FetchDueWebhookDeliveries claims due rows by flipping them to delivering,
// so a second concurrent poll does not pick them up again.
func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.iterDeliveryIDs() {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if (d.Status == StatusPending || d.Status == StatusRetry) && !d.NextAttemptAt.After(now) {
			d.Status = StatusDelivering
			d.UpdatedAt = now
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, responseBody string, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.ResponseBody = responseBody
	d.LatencyMs = latencyMs
	d.UpdatedAt = time.Now()
	if success {
		d.Status = StatusDelivered
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = StatusRetry
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(1 * time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, responseBody string, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return nil
	}
	d.Attempts++
	d.Status = StatusFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.ResponseBody = responseBody
	d.LatencyMs = latencyMs
	d.UpdatedAt = time.Now()
	m.dlq = append(m.dlq, map[string]any{
		"id":           uuid.New().String(),
		"deliveryId":   id,
		"tenantId":     d.TenantID,
		"eventType":    d.EventType,
		"url":          d.URL,
		"attempts":     d.Attempts,
		"lastError":    lastError,
		"responseCode": responseCode,
		"latencyMs":    latencyMs,
		"createdAt":    time.Now(),
	})
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out := []map[string]any{}
	var last string
	skipping := cursor != ""
	for _, id := range m.deliveriesByTenant[tenantID] {
		if skipping {
			if id == cursor {
				skipping = false
			}
			continue
		}
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() {
				item["nextAttemptAt"] = d.NextAttemptAt
			}
			if d.ResponseCode != 0 {
				item["responseCode"] = d.ResponseCode
			}
			if d.ResponseBody != "" {
				item["responseBody"] = d.ResponseBody
			}
			if d.LastError != "" {
				item["lastError"] = d.LastError
			}
			out = append(out, item)
			last = id
			if len(out) >= limit {
				break
			}
		}
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil || d.TenantID != tenantID {
		return ErrNotFound
	}
	d.Status = StatusPending
	d.NextAttemptAt = time.Now()
	d.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) WebhookMetrics(ctx context.Context, tenantID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(buckets) == 0 {
		buckets = []int{100, 500, 1000}
	}
	type agg struct {
		cnt int
		sum int
		b   []int
	}
	by := map[string]*agg{} // key: eventType|status
	for _, id := range m.deliveriesByTenant[tenantID] {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		// same window semantics as the SQL store: last state change
		if !since.IsZero() && d.UpdatedAt.Before(since) {
			continue
		}
		if eventType != "" && d.EventType != eventType {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		if codeMin > 0 && d.ResponseCode < codeMin {
			continue
		}
		if codeMax > 0 && d.ResponseCode > codeMax {
			continue
		}
		key := d.EventType + "|" + d.Status
		a := by[key]
		if a == nil {
			a = &agg{b: make([]int, len(buckets)+1)}
			by[key] = a
		}
		a.cnt++
		if d.LatencyMs > 0 {
			a.sum += d.LatencyMs
		}
		bi := len(buckets)
		for i, edge := range buckets {
			if d.LatencyMs < edge {
				bi = i
				break
			}
		}
		a.b[bi]++
	}
	out := []map[string]any{}
	for k, a := range by {
		et, st, _ := strings.Cut(k, "|")
		avg := 0
		if a.cnt > 0 {
			avg = a.sum / a.cnt
		}
		row := map[string]any{"event_type": et, "status": st, "cnt": a.cnt, "avg_latency_ms": avg}
		for i := 0; i < len(buckets)+1; i++ {
			row[fmt.Sprintf("b%d", i)] = a.b[i]
		}
		out = append(out, row)
	}
	return out, nil
}

// Dead-letter queue

func (m *Memory) ListWebhookDLQ(ctx context.Context, tenantID, eventType string, olderThan time.Time, codeMin, codeMax int, errorQuery, cursor string, limit int) ([]map[string]any, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []map[string]any{}
	for _, row := range m.dlq {
		if row["tenantId"] != tenantID {
			continue
		}
		if eventType != "" && row["eventType"] != eventType {
			continue
		}
		if !olderThan.IsZero() {
			if ts, ok := row["createdAt"].(time.Time); !ok || !ts.Before(olderThan) {
				continue
			}
		}
		code, _ := row["responseCode"].(int)
		if codeMin > 0 && code < codeMin {
			continue
		}
		if codeMax > 0 && code > codeMax {
			continue
		}
		if errorQuery != "" {
			le, _ := row["lastError"].(string)
			if !strings.Contains(strings.ToLower(le), strings.ToLower(errorQuery)) {
				continue
			}
		}
		out = append(out, row)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, "", nil
}

func (m *Memory) RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeueLocked(tenantID, id)
}

func (m *Memory) RequeueWebhookDLQBulk(ctx context.Context, tenantID string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if err := m.requeueLocked(tenantID, id); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) requeueLocked(tenantID, id string) error {
	for i, row := range m.dlq {
		if row["id"] != id || row["tenantId"] != tenantID {
			continue
		}
		if delID, _ := row["deliveryId"].(string); delID != "" {
			if d := m.deliveries[delID]; d != nil {
				d.Status = StatusPending
				d.NextAttemptAt = time.Now()
				d.UpdatedAt = time.Now()
			}
		}
		m.dlq = append(m.dlq[:i], m.dlq[i+1:]...)
		return nil
	}
	return ErrNotFound
}

func (m *Memory) DeleteWebhookDLQBulk(ctx context.Context, tenantID string, ids []string, olderThan time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := m.dlq[:0]
	byID := map[string]struct{}{}
	for _, id := range ids {
		byID[id] = struct{}{}
	}
	for _, row := range m.dlq {
		if row["tenantId"] == tenantID {
			if _, ok := byID[row["id"].(string)]; ok {
				continue
			}
			if !olderThan.IsZero() {
				if ts, ok := row["createdAt"].(time.Time); ok && ts.Before(olderThan) {
					continue
				}
			}
		}
		keep = append(keep, row)
	}
	m.dlq = keep
	return nil
}

// helper: iterate delivery IDs across tenants
func (m *Memory) iterDeliveryIDs() []string {
	ids := []string{}
	for _, lst := range m.deliveriesByTenant {
		ids = append(ids, lst...)
	}
	return ids
}
