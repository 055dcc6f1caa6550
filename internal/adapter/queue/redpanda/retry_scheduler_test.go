package redpanda

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

func newTestScheduler(pub *fakePublisher, retry domain.RetryConfig, now time.Time) (*RetryScheduler, *[]time.Duration) {
	var slept []time.Duration
	s := &RetryScheduler{
		publisher: pub,
		retry:     retry,
		now:       func() time.Time { return now },
		sleep: func(_ context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	return s, &slept
}

func TestScheduleWaitsRemainingDelay(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	s, slept := newTestScheduler(pub, domain.RetryConfig{
		MaxAttempts: 5, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute,
	}, now)

	// Attempt 2 waits base*2 = 10s; 4s already elapsed in the topic.
	rec := domain.Record{
		Key:        "PROD-000123",
		Kind:       domain.KindProduct,
		Attempt:    2,
		EnqueuedAt: now.Add(-4 * time.Second),
	}
	require.NoError(t, s.Schedule(context.Background(), rec))

	require.Len(t, *slept, 1)
	assert.Equal(t, 6*time.Second, (*slept)[0])
	require.Len(t, pub.published, 1, "record must be forwarded to its primary topic")
	assert.Equal(t, 2, pub.published[0].Attempt)
}

func TestScheduleForwardsImmediatelyWhenEligible(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	s, slept := newTestScheduler(pub, domain.RetryConfig{
		MaxAttempts: 5, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute,
	}, now)

	rec := domain.Record{
		Key:        "PROD-000124",
		Kind:       domain.KindProduct,
		Attempt:    1,
		EnqueuedAt: now.Add(-time.Minute),
	}
	require.NoError(t, s.Schedule(context.Background(), rec))

	assert.Empty(t, *slept)
	require.Len(t, pub.published, 1)
}

func TestScheduleDelayCapped(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	s, slept := newTestScheduler(pub, domain.RetryConfig{
		MaxAttempts: 10, BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second,
	}, now)

	rec := domain.Record{
		Key:        "PROD-000125",
		Kind:       domain.KindProduct,
		Attempt:    9,
		EnqueuedAt: now,
	}
	require.NoError(t, s.Schedule(context.Background(), rec))

	require.Len(t, *slept, 1)
	assert.Equal(t, 30*time.Second, (*slept)[0])
}

func TestScheduleDeadLettersOverBudgetRecord(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	s, _ := newTestScheduler(pub, domain.RetryConfig{
		MaxAttempts: 3, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute,
	}, now)

	rec := domain.Record{
		Key:        "PROD-000126",
		Kind:       domain.KindProduct,
		Attempt:    3,
		EnqueuedAt: now,
	}
	require.NoError(t, s.Schedule(context.Background(), rec))

	assert.Empty(t, pub.published)
	require.Len(t, pub.deadLetters, 1)
	assert.Equal(t, ReasonAttemptsExhausted, pub.deadLetters[0].Reason)
	assert.Equal(t, 3, pub.deadLetters[0].AttemptsExhausted)
}

func TestRebalanceTimeoutOutlastsLongestHold(t *testing.T) {
	retry := domain.DefaultRetryConfig()
	timeout := rebalanceTimeout(retry)

	// The longest possible hold is the delay cap plus +20% jitter; the
	// rebalance window needs headroom beyond it or a cap-length sleep
	// during a rebalance ejects the scheduler from the group.
	longestHold := retry.MaxDelay + retry.MaxDelay/5
	assert.Greater(t, timeout, longestHold)
	assert.Equal(t, 7*time.Minute, timeout)
}

func TestScheduleSleepCancelled(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	pub := &fakePublisher{}
	s := &RetryScheduler{
		publisher: pub,
		retry:     domain.RetryConfig{MaxAttempts: 5, BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute},
		now:       func() time.Time { return now },
		sleep:     sleepCtx,
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := domain.Record{
		Key:        "PROD-000127",
		Kind:       domain.KindProduct,
		Attempt:    1,
		EnqueuedAt: now,
	}
	err := s.Schedule(ctx, rec)
	require.Error(t, err)
	assert.Empty(t, pub.published, "cancelled wait must not forward the record")
}
