package webhooks

import "time"

// RetryPolicy maps a 1-based attempt number to the delay before the next
// attempt. Delays beyond the table saturate at the last entry instead of
// growing further.
type RetryPolicy struct {
	DelaysMin []int
}

// DefaultRetryPolicy is the capped, non-exponential schedule used for
// webhook deliveries: 1, 5, 15, then 60 minutes for every later retry.
var DefaultRetryPolicy = RetryPolicy{DelaysMin: []int{1, 5, 15, 60}}

// NextDelay returns the wait after the given failed attempt (attempt >= 1).
func (p RetryPolicy) NextDelay(attempt int) time.Duration {
	delays := p.DelaysMin
	if len(delays) == 0 {
		delays = DefaultRetryPolicy.DelaysMin
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(delays) {
		attempt = len(delays)
	}
	return time.Duration(delays[attempt-1]) * time.Minute
}
