package webhooks

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"crmhooks/internal/metrics"
	"crmhooks/internal/store"
)

// Worker polls the store for due deliveries and performs one attempt each.
// The store claims rows at fetch time, so concurrent worker instances never
// touch the same delivery. The worker owns retry scheduling: a failed attempt
// is rescheduled per the retry policy until attempts are exhausted, at which
// point the row is failed into the DLQ.
type Worker struct {
	Store       store.Store
	Dispatcher  *Dispatcher
	Validator   *Validator
	Retry       RetryPolicy
	MaxAttempts int
	Stop        chan struct{}
	// Notify, when set, receives the outcome of every attempt for live
	// streaming to connected dashboards.
	Notify func(tenantID string, event map[string]any)
}

func NewWorker(s store.Store) *Worker {
	max := 5
	if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			max = n
		}
	}
	v := &Validator{}
	if os.Getenv("WEBHOOK_ALLOW_PRIVATE_URLS") == "true" {
		v.AllowPrivate = true
	}
	return &Worker{
		Store:       s,
		Dispatcher:  NewDispatcher(),
		Validator:   v,
		Retry:       DefaultRetryPolicy,
		MaxAttempts: max,
		Stop:        make(chan struct{}),
	}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, 50)
	cancel()
	if err != nil || len(items) == 0 {
		return
	}
	// Each row gets its own context: a batch full of slow endpoints must not
	// starve the rows behind them of their delivery budget.
	for _, it := range items {
		w.attempt(context.Background(), it)
	}
}

// attempt performs exactly one delivery try for a claimed row and records
// the outcome. The URL is re-validated on every attempt: the hostname can
// have re-resolved to a private address since the subscription was saved.
func (w *Worker) attempt(ctx context.Context, it store.WebhookDelivery) {
	var res Result
	if vr := w.Validator.Validate(ctx, it.URL); !vr.Valid {
		res = Result{Err: "url rejected: " + vr.Reason}
	} else {
		var err error
		res, err = w.Dispatcher.Send(ctx, Request{
			URL:        it.URL,
			Method:     it.Method,
			Payload:    it.Payload,
			Secret:     it.Secret,
			Headers:    it.Headers,
			EventType:  it.EventType,
			DeliveryID: it.ID,
		})
		if err != nil {
			res = Result{Err: err.Error()}
		}
	}

	success := res.StatusCode >= 200 && res.StatusCode < 300
	status := store.StatusDelivered
	if !success {
		status = store.StatusRetry
	}
	attemptNo := it.Attempts + 1
	exhausted := !success && attemptNo >= w.MaxAttempts
	// The outcome write runs on its own context: the row was claimed into
	// delivering at fetch time, and an expired dispatch context must never
	// leave it stranded there with no retry scheduled.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if exhausted {
		status = store.StatusFailed
		if err := w.Store.FailWebhookDelivery(recCtx, it.ID, res.Err, res.StatusCode, res.Body, res.LatencyMs); err != nil {
			log.Printf("webhook worker: fail delivery %s: %v", it.ID, err)
		}
	} else {
		next := time.Now().Add(w.Retry.NextDelay(attemptNo))
		if err := w.Store.MarkWebhookDelivery(recCtx, it.ID, success, &next, res.Err, res.StatusCode, res.Body, res.LatencyMs); err != nil {
			log.Printf("webhook worker: record delivery %s: %v", it.ID, err)
		}
	}

	metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
	metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(res.LatencyMs))

	if w.Notify != nil {
		evt := map[string]any{
			"deliveryId": it.ID,
			"eventType":  it.EventType,
			"url":        it.URL,
			"status":     status,
			"attempts":   attemptNo,
			"latencyMs":  res.LatencyMs,
		}
		if res.StatusCode != 0 {
			evt["responseCode"] = res.StatusCode
		}
		if res.Err != "" {
			evt["error"] = res.Err
		}
		w.Notify(it.TenantID, evt)
	}
}
