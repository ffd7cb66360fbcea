package realtime

import "time"

const (
	defaultBaseDelay   = time.Second
	defaultMaxAttempts = 5
)

// Backoff is an exponential reconnect policy. MaxAttempts can lower the cap of five
// attempts but never raise it.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// Delay returns base * 2^attempt for the zero-based attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := b.Base
	if base <= 0 {
		base = defaultBaseDelay
	}
	// keep the shift well inside int64
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<uint(attempt))
}

// Exhausted reports whether attempt (zero-based) exceeds the allowed attempts.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.maxAttempts()
}

func (b Backoff) maxAttempts() int {
	if b.MaxAttempts <= 0 || b.MaxAttempts > defaultMaxAttempts {
		return defaultMaxAttempts
	}
	return b.MaxAttempts
}
