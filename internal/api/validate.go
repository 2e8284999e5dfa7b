package api

import (
	"context"
	"fmt"

	"crmhooks/internal/model"
)

var allowedMethods = map[string]struct{}{"POST": {}, "PUT": {}, "PATCH": {}}

// validateSubscriptionRequest rejects bad registrations at save time so a
// broken endpoint is never discovered via failed deliveries. The URL check
// includes the SSRF gate, and its reason is surfaced verbatim to the tenant.
func (s *Server) validateSubscriptionRequest(ctx context.Context, req *model.SubscriptionRequest) error {
	if req.URL == "" {
		return fmt.Errorf("url is required")
	}
	if req.Method != "" {
		if _, ok := allowedMethods[req.Method]; !ok {
			return fmt.Errorf("method must be one of POST, PUT, PATCH")
		}
	}
	if len(req.Events) == 0 {
		return fmt.Errorf("at least one event is required")
	}
	for _, e := range req.Events {
		if e == "" {
			return fmt.Errorf("event names must be non-empty")
		}
	}
	if vr := s.Validator.Validate(ctx, req.URL); !vr.Valid {
		return fmt.Errorf("invalid webhook URL: %s", vr.Reason)
	}
	return nil
}
