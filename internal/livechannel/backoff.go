package livechannel

import "time"

// Policy configures exponential backoff between automatic reconnects.
type Policy struct {
	BaseDelay   time.Duration // delay before the first retry (default: 1 second)
	MaxAttempts int           // retries allowed before giving up (default: 5)
}

// DefaultPolicy returns the default reconnect policy.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before retry number attempt (1-based):
//   - Attempt 1: 1s
//   - Attempt 2: 2s
//   - Attempt 3: 4s
//   - Attempt 4: 8s
//   - Attempt 5: 16s
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(1<<uint(attempt-1))
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}
