package model

// SubscriptionRequest is the payload for registering a webhook endpoint.
type SubscriptionRequest struct {
	TenantID string            `json:"tenantId"`
	URL      string            `json:"url"`
	Method   string            `json:"method,omitempty"`
	Events   []string          `json:"events"`
	Secret   string            `json:"secret,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Active   *bool             `json:"active,omitempty"`
}

// Subscription is a tenant-owned webhook endpoint registration. The delivery
// subsystem treats it as read-only; creation and edits go through the config API.
type Subscription struct {
	ID       string            `json:"id"`
	TenantID string            `json:"tenantId"`
	URL      string            `json:"url"`
	Method   string            `json:"method"`
	Events   []string          `json:"events"`
	Secret   string            `json:"secret,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Active   bool              `json:"active"`
}

// Matches reports whether the subscription should receive the event.
func (s Subscription) Matches(eventType string) bool {
	if !s.Active {
		return false
	}
	for _, e := range s.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// EventIn is a business event submitted for fan-out, e.g. "lead.created".
type EventIn struct {
	TenantID string         `json:"tenantId,omitempty"`
	Type     string         `json:"type"`
	Data     map[string]any `json:"data,omitempty"`
}
