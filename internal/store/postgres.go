package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"crmhooks/internal/model"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// Ping checks connectivity; used by the readiness probe.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// MigrateDir applies every .sql file in dir in lexical order (dev helper;
// production deployments run migrations out of band).
func (p *Postgres) MigrateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := p.db.Exec(string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

// Subscriptions

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	method := req.Method
	if method == "" {
		method = "POST"
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, method, events, secret, headers, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		id, req.TenantID, req.URL, method, ev, nullIfEmpty(req.Secret), toJSON(req.Headers), active)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Method: method, Events: req.Events, Secret: req.Secret, Headers: req.Headers, Active: active}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, method, events, COALESCE(secret,''), headers FROM subscriptions
		WHERE tenant_id=$1 AND active AND (events @> $2::jsonb OR events @> '["*"]'::jsonb)`,
		tenantID, fmt.Sprintf("[%q]", eventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events, headers []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Method, &events, &s.Secret, &headers); err != nil {
			return nil, err
		}
		s.TenantID = tenantID
		s.Active = true
		_ = json.Unmarshal(events, &s.Events)
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &s.Headers)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if cursor != "" {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, method, events, COALESCE(secret,''), headers, active FROM subscriptions
			WHERE tenant_id=$1 AND id::text > $2 ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `SELECT id::text, url, method, events, COALESCE(secret,''), headers, active FROM subscriptions
			WHERE tenant_id=$1 ORDER BY id LIMIT $2`, tenantID, limit)
	}
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []model.Subscription
	var last string
	for rows.Next() {
		var s model.Subscription
		var events, headers []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Method, &events, &s.Secret, &headers, &s.Active); err != nil {
			return nil, "", err
		}
		s.TenantID = tenantID
		_ = json.Unmarshal(events, &s.Events)
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &s.Headers)
		}
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries

// EnqueueWebhook inserts a pending delivery row. When the dedup key collapses
// the insert into an existing row, the returned id is empty and no row was
// created.
func (p *Postgres) EnqueueWebhook(ctx context.Context, d WebhookDelivery) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(d.Payload)
	var inserted string
	err := p.db.QueryRowContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, method, url, secret, headers, payload, status, attempts, next_attempt_at, dedup_key)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending',0,now(),$10)
		ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING
		RETURNING id::text`,
		id, d.TenantID, nullIfEmpty(d.SubscriptionID), d.EventType, d.Method, d.URL, nullIfEmpty(d.Secret), toJSON(d.Headers), d.Payload, dk).Scan(&inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return inserted, nil
}

// FetchDueWebhookDeliveries claims due rows with SKIP LOCKED so concurrent
// worker instances never process the same delivery.
func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `UPDATE webhook_deliveries SET status='delivering', updated_at=now()
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status IN ('pending','retry') AND next_attempt_at <= now()
			ORDER BY next_attempt_at ASC LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text, tenant_id::text, COALESCE(subscription_id::text,''), event_type, method, url, COALESCE(secret,''), headers, payload, status, attempts`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		var headers, payload []byte
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.Method, &d.URL, &d.Secret, &headers, &payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &d.Headers)
		}
		d.Payload = payload
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, responseBody string, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$2, next_attempt_at=$3, response_code=$4, response_body=$5, latency_ms=$6, updated_at=now() WHERE id=$1`,
			id, nullIfEmpty(lastError), *nextAttemptAt, zeroToNull(responseCode), nullIfEmpty(responseBody), latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), response_code=$2, response_body=$3, latency_ms=$4, last_error=NULL, updated_at=now() WHERE id=$1`,
		id, responseCode, nullIfEmpty(responseBody), latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, responseBody string, latencyMs int) error {
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, response_code=$3, response_body=$4, latency_ms=$5, updated_at=now() WHERE id=$1`,
		id, nullIfEmpty(lastError), zeroToNull(responseCode), nullIfEmpty(responseBody), latencyMs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO webhook_dlq (id, tenant_id, delivery_id, event_type, url, secret, payload, attempts, last_error, response_code, latency_ms)
		SELECT gen_random_uuid(), tenant_id, id, event_type, url, secret, payload, attempts, $2, response_code, latency_ms FROM webhook_deliveries WHERE id=$1`,
		id, nullIfEmpty(lastError))
	return err
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(response_code,0), COALESCE(response_body,''), COALESCE(last_error,''), url FROM webhook_deliveries WHERE tenant_id=$1`
	args := []any{tenantID}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(" AND id::text > $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, eventType, st, respBody, lastErr, url string
		var attempts, code int
		var next sql.NullTime
		if err := rows.Scan(&id, &eventType, &st, &attempts, &next, &code, &respBody, &lastErr, &url); err != nil {
			return nil, "", err
		}
		item := map[string]any{"id": id, "eventType": eventType, "status": st, "attempts": attempts, "url": url}
		if next.Valid {
			item["nextAttemptAt"] = next.Time
		}
		if code != 0 {
			item["responseCode"] = code
		}
		if respBody != "" {
			item["responseBody"] = respBody
		}
		if lastErr != "" {
			item["lastError"] = lastErr
		}
		out = append(out, item)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) WebhookMetrics(ctx context.Context, tenantID string, since time.Time, eventType, status string, codeMin, codeMax int, buckets []int) ([]map[string]any, error) {
	if len(buckets) == 0 {
		buckets = []int{100, 500, 1000}
	}
	sel := `SELECT event_type, status, COUNT(*) AS cnt, COALESCE(AVG(latency_ms),0)::int AS avg_latency_ms`
	for i, edge := range buckets {
		lower := 0
		if i > 0 {
			lower = buckets[i-1]
		}
		sel += fmt.Sprintf(", COUNT(*) FILTER (WHERE latency_ms >= %d AND latency_ms < %d) AS b%d", lower, edge, i)
	}
	sel += fmt.Sprintf(", COUNT(*) FILTER (WHERE latency_ms >= %d) AS b%d", buckets[len(buckets)-1], len(buckets))
	q := sel + ` FROM webhook_deliveries WHERE tenant_id=$1 AND updated_at >= $2`
	args := []any{tenantID, since}
	if eventType != "" {
		args = append(args, eventType)
		q += fmt.Sprintf(" AND event_type=$%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if codeMin > 0 {
		args = append(args, codeMin)
		q += fmt.Sprintf(" AND response_code >= $%d", len(args))
	}
	if codeMax > 0 {
		args = append(args, codeMax)
		q += fmt.Sprintf(" AND response_code <= $%d", len(args))
	}
	q += ` GROUP BY event_type, status ORDER BY event_type, status`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, 4+len(buckets)+1)
		var et, st string
		var cnt, avg int
		vals[0], vals[1], vals[2], vals[3] = &et, &st, &cnt, &avg
		bvals := make([]int, len(buckets)+1)
		for i := range bvals {
			vals[4+i] = &bvals[i]
		}
		if err := rows.Scan(vals...); err != nil {
			return nil, err
		}
		row := map[string]any{"event_type": et, "status": st, "cnt": cnt, "avg_latency_ms": avg}
		for i, v := range bvals {
			row[fmt.Sprintf("b%d", i)] = v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Dead-letter queue

func (p *Postgres) ListWebhookDLQ(ctx context.Context, tenantID, eventType string, olderThan time.Time, codeMin, codeMax int, errorQuery, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, COALESCE(delivery_id::text,''), event_type, url, COALESCE(last_error,''), attempts, created_at, COALESCE(response_code,0), COALESCE(latency_ms,0) FROM webhook_dlq WHERE tenant_id=$1`
	args := []any{tenantID}
	if eventType != "" {
		args = append(args, eventType)
		q += fmt.Sprintf(" AND event_type=$%d", len(args))
	}
	if !olderThan.IsZero() {
		args = append(args, olderThan)
		q += fmt.Sprintf(" AND created_at < $%d", len(args))
	}
	if codeMin > 0 {
		args = append(args, codeMin)
		q += fmt.Sprintf(" AND response_code >= $%d", len(args))
	}
	if codeMax > 0 {
		args = append(args, codeMax)
		q += fmt.Sprintf(" AND response_code <= $%d", len(args))
	}
	if errorQuery != "" {
		args = append(args, "%"+errorQuery+"%")
		q += fmt.Sprintf(" AND last_error ILIKE $%d", len(args))
	}
	if cursor != "" {
		args = append(args, cursor)
		q += fmt.Sprintf(" AND id::text > $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, delID, et, url, lastErr string
		var attempts, code, latency int
		var created time.Time
		if err := rows.Scan(&id, &delID, &et, &url, &lastErr, &attempts, &created, &code, &latency); err != nil {
			return nil, "", err
		}
		out = append(out, map[string]any{
			"id": id, "deliveryId": delID, "eventType": et, "url": url,
			"lastError": lastErr, "attempts": attempts, "createdAt": created,
			"responseCode": code, "latencyMs": latency,
		})
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error {
	var delID string
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(delivery_id::text,'') FROM webhook_dlq WHERE tenant_id=$1 AND id=$2`, tenantID, id).Scan(&delID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if delID != "" {
		if _, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', next_attempt_at=now(), updated_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, delID); err != nil {
			return err
		}
	}
	_, err = p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	return err
}

func (p *Postgres) RequeueWebhookDLQBulk(ctx context.Context, tenantID string, ids []string) error {
	for _, id := range ids {
		if err := p.RequeueWebhookDLQ(ctx, tenantID, id); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) DeleteWebhookDLQBulk(ctx context.Context, tenantID string, ids []string, olderThan time.Time) error {
	if len(ids) > 0 {
		for _, id := range ids {
			if _, err := p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE tenant_id=$1 AND id=$2`, tenantID, id); err != nil {
				return err
			}
		}
		return nil
	}
	if !olderThan.IsZero() {
		_, err := p.db.ExecContext(ctx, `DELETE FROM webhook_dlq WHERE tenant_id=$1 AND created_at < $2`, tenantID, olderThan)
		return err
	}
	return nil
}

// helpers

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func zeroToNull(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func toJSON(v any) any {
	if v == nil {
		return nil
	}
	if m, ok := v.(map[string]string); ok && len(m) == 0 {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// computeDedupKey extracts the event envelope id when present so the same
// event enqueued twice for the same endpoint collapses into one delivery.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}
