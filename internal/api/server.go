package api

import (
	"os"
	"strings"

	"crmhooks/internal/auth"
	"crmhooks/internal/store"
	"crmhooks/internal/webhooks"
)

type Server struct {
	Store     store.Store
	Pub       *webhooks.Publisher
	Auth      *auth.Verifier
	Broker    EventBroker
	Limiter   RateLimiter
	Validator *webhooks.Validator
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
	dsn := os.Getenv("DATABASE_URL")
	var s store.Store
	if strings.TrimSpace(dsn) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				return nil, err
			}
		}
		s = sp
	}
	var broker EventBroker
	var limiter RateLimiter
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
			limiter = NewRedisRateLimiter(rb.rdb)
		}
	}
	if broker == nil {
		broker = NewBroker()
	}
	if limiter == nil {
		limiter = NewLocalRateLimiter()
	}
	validator := &webhooks.Validator{}
	if os.Getenv("WEBHOOK_ALLOW_PRIVATE_URLS") == "true" {
		validator.AllowPrivate = true
	}
	return &Server{
		Store:     s,
		Pub:       webhooks.NewPublisher(s),
		Auth:      auth.NewVerifierFromEnv(),
		Broker:    broker,
		Limiter:   limiter,
		Validator: validator,
	}, nil
}

// NewWebhookWorker creates the background worker for webhook deliveries and
// wires its outcome feed into the server's broker for live streaming.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	w := webhooks.NewWorker(s.Store)
	w.Notify = func(tenantID string, event map[string]any) {
		s.Broker.Publish(tenantID, DeliveryEvent{Type: "delivery.attempted", Data: event})
	}
	return w
}
