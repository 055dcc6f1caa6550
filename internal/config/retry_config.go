// Package config defines retry and runner configuration helpers.
package config

import (
	"time"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// GetRetryConfig returns the consumer-side retry policy.
func (c Config) GetRetryConfig() domain.RetryConfig {
	return domain.RetryConfig{
		MaxAttempts: c.RetryMaxAttempts,
		BaseDelay:   c.RetryBaseDelay,
		MaxDelay:    c.RetryMaxDelay,
		Jitter:      c.RetryJitter,
	}
}

// RunnerConfig holds the checkpointed job runner policy.
type RunnerConfig struct {
	// BaseDelay is the first-retry backoff base.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff window.
	MaxDelay time.Duration
	// TerminalThreshold is the number of consecutive terminal-class errors
	// after which an item is recorded as permanently failed.
	TerminalThreshold int
	// ItemPacing is the minimum spacing between item starts.
	ItemPacing time.Duration
}

// GetRunnerConfig returns the job runner configuration.
// In test environments, uses much shorter delays for faster test execution.
func (c Config) GetRunnerConfig() RunnerConfig {
	if c.IsTest() {
		return RunnerConfig{
			BaseDelay:         10 * time.Millisecond,
			MaxDelay:          100 * time.Millisecond,
			TerminalThreshold: c.RunnerTerminalThreshold,
			ItemPacing:        0,
		}
	}
	return RunnerConfig{
		BaseDelay:         c.RunnerBaseDelay,
		MaxDelay:          c.RunnerMaxDelay,
		TerminalThreshold: c.RunnerTerminalThreshold,
		ItemPacing:        c.RunnerItemPacing,
	}
}
