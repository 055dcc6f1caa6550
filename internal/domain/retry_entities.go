// Package domain defines retry and dead-letter entities for resilient
// record processing.
package domain

import (
	"math/rand/v2"
	"time"
)

// RetryConfig defines the retry budget and backoff shape for bus records.
type RetryConfig struct {
	// MaxAttempts bounds Record.Attempt; reaching it converts the record to
	// exactly one DeadLetterEntry.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// Jitter adds +/-20% randomness to prevent thundering herd.
	Jitter bool
}

// DefaultRetryConfig returns the retry policy used by the ingestion flow:
// five attempts with a 5s base doubling to a 5m cap.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   5 * time.Second,
		MaxDelay:    5 * time.Minute,
		Jitter:      true,
	}
}

// Delay returns the backoff delay for a record on its given attempt:
// min(base * 2^attempt, cap), with optional jitter.
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := c.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter && delay > 0 {
		jitter := float64(delay) * 0.2
		delay = time.Duration(float64(delay) - jitter + 2*jitter*rand.Float64())
	}
	return delay
}

// Exhausted reports whether the record's retry budget is spent.
func (c RetryConfig) Exhausted(attempt int) bool {
	return attempt >= c.MaxAttempts
}

// DeadLetterEntry is the terminal form of a record that could not be
// processed. Once written it is never auto-reprocessed; replay is a manual
// operator action.
type DeadLetterEntry struct {
	// ID is a ULID so entries sort by the time they were dead-lettered.
	ID                string    `json:"id"`
	Record            Record    `json:"record"`
	Reason            string    `json:"reason"`
	AttemptsExhausted int       `json:"attempts_exhausted"`
	MovedAt           time.Time `json:"moved_at"`
	ReplayedAt        *time.Time `json:"replayed_at,omitempty"`
}
