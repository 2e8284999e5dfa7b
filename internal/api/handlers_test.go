package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"crmhooks/internal/store"
	"crmhooks/internal/webhooks"
)

// newTestServer wires a memory store and a validator whose DNS always
// resolves to a public address, so URL checks never hit the network.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	m := store.NewMemory()
	return &Server{
		Store: m,
		Pub:   webhooks.NewPublisher(m),
		Validator: &webhooks.Validator{LookupIP: func(ctx context.Context, network, host string) ([]net.IP, error) {
			if network == "ip6" {
				return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
			}
			return []net.IP{net.ParseIP("93.184.216.34")}, nil
		}},
		Broker:  NewBroker(),
		Limiter: NewLocalRateLimiter(),
	}
}

func doJSON(t *testing.T, h http.HandlerFunc, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	h(rr, req)
	return rr
}

func TestHealthReady(t *testing.T) {
	s := newTestServer(t)
	if rr := doJSON(t, s.HealthHandler, http.MethodGet, "/healthz", nil); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := doJSON(t, s.ReadyHandler, http.MethodGet, "/readyz", nil); rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestSubscriptionCreateListDelete(t *testing.T) {
	s := newTestServer(t)
	body := []byte(`{"url":"https://hooks.example.com/crm","events":["deal.updated"],"secret":"s"}`)
	rr := doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: got %d: %s", rr.Code, rr.Body.String())
	}
	var created struct {
		ID       string `json:"id"`
		TenantID string `json:"tenantId"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("create body: %v %s", err, rr.Body.String())
	}

	rr = doJSON(t, s.SubscriptionsHandler, http.MethodGet, "/v1/subscriptions", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), created.ID) {
		t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, s.SubscriptionByIDHandler, http.MethodDelete, "/v1/subscriptions/"+created.ID, nil)
	if rr.Code != 204 {
		t.Fatalf("delete: got %d", rr.Code)
	}
	rr = doJSON(t, s.SubscriptionByIDHandler, http.MethodDelete, "/v1/subscriptions/"+created.ID, nil)
	if rr.Code != 404 {
		t.Fatalf("delete missing: got %d", rr.Code)
	}
}

func TestSubscriptionValidation(t *testing.T) {
	s := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"http scheme", `{"url":"http://hooks.example.com/crm","events":["x"]}`},
		{"localhost", `{"url":"https://localhost/crm","events":["x"]}`},
		{"missing url", `{"events":["x"]}`},
		{"no events", `{"url":"https://hooks.example.com/crm","events":[]}`},
		{"bad method", `{"url":"https://hooks.example.com/crm","events":["x"],"method":"GET"}`},
	}
	for _, c := range cases {
		rr := doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", []byte(c.body))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: got %d", c.name, rr.Code)
		}
		var prob Problem
		if err := json.Unmarshal(rr.Body.Bytes(), &prob); err != nil || prob.Status != 400 {
			t.Fatalf("%s: problem body: %s", c.name, rr.Body.String())
		}
	}
}

func TestSubscriptionPrivateHostRejected(t *testing.T) {
	s := newTestServer(t)
	s.Validator = &webhooks.Validator{LookupIP: func(ctx context.Context, network, host string) ([]net.IP, error) {
		if network == "ip6" {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		return []net.IP{net.ParseIP("10.0.0.8")}, nil
	}}
	body := []byte(`{"url":"https://internal.corp.example/hook","events":["deal.updated"]}`)
	rr := doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", body)
	if rr.Code != 400 {
		t.Fatalf("got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "private or loopback") {
		t.Fatalf("reason not surfaced: %s", rr.Body.String())
	}
}

func TestEventsFanOut(t *testing.T) {
	s := newTestServer(t)
	sub := []byte(`{"url":"https://hooks.example.com/crm","events":["deal.*","contact.created"]}`)
	if rr := doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", sub); rr.Code != 201 {
		t.Fatalf("subscribe: %d", rr.Code)
	}

	evt := []byte(`{"type":"contact.created","data":{"contactId":"c1"}}`)
	rr := doJSON(t, s.EventsHandler, http.MethodPost, "/v1/events", evt)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("event: got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Enqueued int `json:"enqueued"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.Enqueued != 1 {
		t.Fatalf("enqueued: %s", rr.Body.String())
	}

	// no subscription matches an unrelated event
	rr = doJSON(t, s.EventsHandler, http.MethodPost, "/v1/events", []byte(`{"type":"invoice.paid"}`))
	if rr.Code != 202 || !strings.Contains(rr.Body.String(), `"enqueued":0`) {
		t.Fatalf("unmatched event: %d %s", rr.Code, rr.Body.String())
	}

	// missing type is rejected
	rr = doJSON(t, s.EventsHandler, http.MethodPost, "/v1/events", []byte(`{"data":{}}`))
	if rr.Code != 400 {
		t.Fatalf("missing type: got %d", rr.Code)
	}
}

func TestAdminDeliveriesListAndRetry(t *testing.T) {
	s := newTestServer(t)
	id, err := s.Store.EnqueueWebhook(context.Background(), store.WebhookDelivery{
		TenantID: "t_demo", EventType: "deal.updated", URL: "https://hooks.example.com/x", Payload: []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// claim and fail once so the row has retry state
	_, _ = s.Store.FetchDueWebhookDeliveries(context.Background(), 10)
	_ = s.Store.MarkWebhookDelivery(context.Background(), id, false, nil, "boom", 500, "", 3)

	rr := doJSON(t, s.WebhookDeliveriesHandler, http.MethodGet, "/v1/admin/webhook-deliveries?status=retry", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), id) {
		t.Fatalf("list: %d %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, s.WebhookDeliveryRetryHandler, http.MethodPost, "/v1/admin/webhook-deliveries/"+id+"/retry", nil)
	if rr.Code != 202 {
		t.Fatalf("retry: got %d", rr.Code)
	}
	rr = doJSON(t, s.WebhookDeliveryRetryHandler, http.MethodPost, "/v1/admin/webhook-deliveries/nope/retry", nil)
	if rr.Code != 404 {
		t.Fatalf("retry missing: got %d", rr.Code)
	}
}

func TestAdminDLQEndpoints(t *testing.T) {
	s := newTestServer(t)
	id, _ := s.Store.EnqueueWebhook(context.Background(), store.WebhookDelivery{
		TenantID: "t_demo", EventType: "deal.updated", URL: "https://hooks.example.com/x", Payload: []byte(`{}`),
	})
	_, _ = s.Store.FetchDueWebhookDeliveries(context.Background(), 10)
	_ = s.Store.FailWebhookDelivery(context.Background(), id, "exhausted", 503, "", 5)

	rr := doJSON(t, s.WebhookDLQHandler, http.MethodGet, "/v1/admin/webhook-dlq", nil)
	if rr.Code != 200 {
		t.Fatalf("dlq list: got %d", rr.Code)
	}
	var listResp struct {
		Items []map[string]any `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &listResp); err != nil || len(listResp.Items) != 1 {
		t.Fatalf("dlq body: %s", rr.Body.String())
	}
	dlqID, _ := listResp.Items[0]["id"].(string)

	rr = doJSON(t, s.WebhookDLQHandler, http.MethodPost, "/v1/admin/webhook-dlq/"+dlqID+"/requeue", nil)
	if rr.Code != 202 {
		t.Fatalf("requeue: got %d", rr.Code)
	}
	rr = doJSON(t, s.WebhookDLQHandler, http.MethodGet, "/v1/admin/webhook-dlq", nil)
	if !strings.Contains(rr.Body.String(), `"items":[]`) {
		t.Fatalf("dlq should be drained: %s", rr.Body.String())
	}

	rr = doJSON(t, s.WebhookDLQHandler, http.MethodPost, "/v1/admin/webhook-dlq/"+dlqID+"/requeue", nil)
	if rr.Code != 404 {
		t.Fatalf("requeue of missing entry: got %d, want 404", rr.Code)
	}
}

func TestAdminEndpointsRequireAdminRole(t *testing.T) {
	s := newTestServer(t)
	paths := []struct {
		h    http.HandlerFunc
		path string
	}{
		{s.SubscriptionsHandler, "/v1/subscriptions"},
		{s.WebhookDeliveriesHandler, "/v1/admin/webhook-deliveries"},
		{s.WebhookDLQHandler, "/v1/admin/webhook-dlq"},
		{s.WebhookMetricsHandler, "/v1/admin/webhook-metrics"},
	}
	for _, c := range paths {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, c.path, nil)
		req.Header.Set("X-Role", "agent")
		c.h(rr, req)
		if rr.Code != 403 {
			t.Fatalf("%s: got %d, want 403", c.path, rr.Code)
		}
	}
}

func TestWebhookMetricsHandler(t *testing.T) {
	s := newTestServer(t)
	id, _ := s.Store.EnqueueWebhook(context.Background(), store.WebhookDelivery{
		TenantID: "t_demo", EventType: "deal.updated", URL: "https://hooks.example.com/x", Payload: []byte(`{}`),
	})
	_, _ = s.Store.FetchDueWebhookDeliveries(context.Background(), 10)
	_ = s.Store.MarkWebhookDelivery(context.Background(), id, true, nil, "", 200, "ok", 42)

	rr := doJSON(t, s.WebhookMetricsHandler, http.MethodGet, "/v1/admin/webhook-metrics?codeClass=2xx", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "deal.updated") {
		t.Fatalf("metrics: %d %s", rr.Code, rr.Body.String())
	}
}

func TestGetPrincipalHeaderFallback(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p := s.getPrincipal(req)
	if p.Tenant != "t_demo" || !p.IsAdmin() {
		t.Fatalf("default principal: %+v", p)
	}
	req.Header.Set("X-Tenant-Id", "t_42")
	req.Header.Set("X-Role", "manager")
	p = s.getPrincipal(req)
	if p.Tenant != "t_42" || p.Role != "manager" || p.IsAdmin() {
		t.Fatalf("header principal: %+v", p)
	}
}
