package processor

import "time"

const (
	// DefaultBaseDelay is the backoff base between retry attempts.
	DefaultBaseDelay = 30 * time.Second
	// DefaultMaxDelay caps the exponential backoff.
	DefaultMaxDelay = 30 * time.Minute
)

// NextDelay returns baseDelay * 2^retryCount, capped at maxDelay.
func NextDelay(baseDelay, maxDelay time.Duration, retryCount int) time.Duration {
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}

	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}

	delay := baseDelay

	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= maxDelay || delay <= 0 {
			return maxDelay
		}
	}

	if delay > maxDelay {
		return maxDelay
	}

	return delay
}
