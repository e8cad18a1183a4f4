package charge

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Backoff is an exponential retry policy with deterministic jitter.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultBackoff retries a compensation five times over roughly three seconds.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        100 * time.Millisecond,
		Max:         2 * time.Second,
		MaxJitter:   50 * time.Millisecond,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before attempt (0-based). Attempt 0 never waits.
// Jitter is derived from the operation id so replays are reproducible.
func (b Backoff) Delay(operationID string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := int64(1) << min(attempt-1, 30)

	delay := time.Duration(int64(b.Base) * factor)
	if delay > b.Max || delay < 0 {
		delay = b.Max
	}
	return delay + b.jitter(operationID, attempt)
}

func (b Backoff) jitter(operationID string, attempt int) time.Duration {
	if b.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", operationID, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(b.MaxJitter)) //nolint:gosec // MaxJitter is positive
}
