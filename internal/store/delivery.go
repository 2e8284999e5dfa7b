package store

// WebhookDelivery is one persisted unit of work: send this event's payload
// snapshot to this subscription. Payload is captured at enqueue time and
// never changes afterwards, so a delivery reflects the state at the moment
// the event fired.
type WebhookDelivery struct {
	ID             string
	TenantID       string
	SubscriptionID string
	EventType      string
	Method         string
	URL            string
	Secret         string
	Headers        map[string]string
	Payload        []byte
	Status         string
	Attempts       int
}

// Delivery statuses. A row moves pending -> delivering -> delivered, or back
// to retry until attempts are exhausted and it lands in failed (and the DLQ).
const (
	StatusPending    = "pending"
	StatusRetry      = "retry"
	StatusDelivering = "delivering"
	StatusDelivered  = "delivered"
	StatusFailed     = "failed"
)
