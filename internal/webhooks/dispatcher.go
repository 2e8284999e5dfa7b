package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Outbound header names. Receivers use the signature header to verify the
// payload and the delivery id header for idempotent handling of retries.
const (
	HeaderEvent      = "X-Webhook-Event"
	HeaderDeliveryID = "X-Webhook-Delivery-Id"
	HeaderSignature  = "X-Webhook-Signature-256"
)

const (
	defaultTimeout      = 10 * time.Second
	defaultMaxBodyBytes = 2048
	truncationMarker    = "\n...[truncated]"
)

// Request describes a single delivery attempt.
type Request struct {
	URL        string
	Method     string // POST, PUT or PATCH; empty means POST
	Payload    any
	Secret     string
	Headers    map[string]string
	EventType  string
	DeliveryID string
}

// Result is the outcome of one attempt. StatusCode is 0 when the request
// never completed (DNS failure, refused connection, TLS error, timeout); in
// that case Err carries the underlying reason. Any completed response,
// including redirects and 5xx, yields its status code and captured body.
type Result struct {
	StatusCode int
	Body       string
	Err        string
	LatencyMs  int
}

// Completed reports whether the receiver produced an HTTP response at all.
func (r Result) Completed() bool { return r.StatusCode != 0 }

// Dispatcher performs exactly one HTTP attempt per call. It never retries;
// scheduling the next attempt is the worker's job.
type Dispatcher struct {
	HTTP         *http.Client
	Timeout      time.Duration
	MaxBodyBytes int
}

// NewDispatcher builds a dispatcher with the fixed delivery budget and a
// client that surfaces redirects instead of following them, so a receiver
// cannot bounce the signed payload to another host.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		HTTP: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		Timeout:      defaultTimeout,
		MaxBodyBytes: defaultMaxBodyBytes,
	}
}

// Send serializes the payload once, signs those exact bytes when a secret is
// configured, and issues the request. Expected failures (timeouts, refused
// connections, non-2xx) come back inside Result; the returned error is
// reserved for caller bugs such as an unserializable payload or a method
// outside POST/PUT/PATCH.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Result, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch {
		return Result{}, fmt.Errorf("unsupported webhook method %q", method)
	}
	var body []byte
	if raw, ok := req.Payload.([]byte); ok {
		body = raw
	} else {
		var err error
		body, err = json.Marshal(req.Payload)
		if err != nil {
			return Result{}, fmt.Errorf("serialize webhook payload: %w", err)
		}
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(HeaderEvent, req.EventType)
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	// Identity headers win over custom ones.
	if req.DeliveryID != "" {
		httpReq.Header.Set(HeaderDeliveryID, req.DeliveryID)
	}
	if req.Secret != "" {
		httpReq.Header.Set(HeaderSignature, SignHMAC(req.Secret, body))
	}

	client := d.HTTP
	if client == nil {
		client = NewDispatcher().HTTP
	}
	start := time.Now()
	resp, err := client.Do(httpReq)
	latency := int(time.Since(start).Milliseconds())
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("request aborted after %s timeout", timeout)
		}
		return Result{Err: msg, LatencyMs: latency}, nil
	}
	defer func() { _ = resp.Body.Close() }()
	return Result{StatusCode: resp.StatusCode, Body: d.captureBody(resp.Body), LatencyMs: latency}, nil
}

// captureBody reads at most MaxBodyBytes of the response and appends the
// truncation marker when the receiver sent more.
func (d *Dispatcher) captureBody(r io.Reader) string {
	limit := d.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	buf, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil && len(buf) == 0 {
		return ""
	}
	if len(buf) > limit {
		return string(buf[:limit]) + truncationMarker
	}
	return string(buf)
}
