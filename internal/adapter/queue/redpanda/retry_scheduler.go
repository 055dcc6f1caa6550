package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// RetryScheduler consumes the retry topics and forwards each record back to
// its primary topic once its backoff delay has elapsed. Records on a retry
// topic share the same key-based partitioning as the primary topic, so the
// per-key delivery order is preserved: a delayed record blocks the later
// records of its key on the same partition behind it.
type RetryScheduler struct {
	client    *kgo.Client
	publisher domain.Publisher
	retry     domain.RetryConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryScheduler constructs a scheduler over the retry topics.
func NewRetryScheduler(brokers []string, groupID string, publisher domain.Publisher, retry domain.RetryConfig) (*RetryScheduler, error) {
	slog.Info("creating retry scheduler",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(RetryTopics()...),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		// Backoff sleeps can exceed the default rebalance windows; a long
		// poll-to-poll gap must not eject the scheduler from the group.
		kgo.RebalanceTimeout(rebalanceTimeout(retry)),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("retry scheduler client: %w", err)
	}

	return &RetryScheduler{
		client:    client,
		publisher: publisher,
		retry:     retry,
		now:       time.Now,
		sleep:     sleepCtx,
	}, nil
}

// Run polls the retry topics until ctx is cancelled.
func (s *RetryScheduler) Run(ctx context.Context) error {
	slog.Info("retry scheduler started", slog.Any("topics", RetryTopics()))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := s.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return ctx.Err()
				}
				slog.Error("retry fetch error", slog.String("topic", fe.Topic), slog.Any("error", fe.Err))
			}
			continue
		}

		var failed bool
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if failed {
				return
			}
			for _, record := range p.Records {
				var rec domain.Record
				if err := json.Unmarshal(record.Value, &rec); err != nil {
					// A corrupted retry record is unrecoverable here; it is
					// dropped from the retry flow by committing past it.
					slog.Error("undecodable retry record dropped",
						slog.String("topic", record.Topic),
						slog.Int64("offset", record.Offset),
						slog.Any("error", err))
					s.client.MarkCommitRecords(record)
					continue
				}
				if err := s.Schedule(ctx, rec); err != nil {
					if ctx.Err() == nil {
						slog.Error("retry forward failed, record left for redelivery",
							slog.String("key", rec.Key),
							slog.Any("error", err))
					}
					failed = true
					return
				}
				s.client.MarkCommitRecords(record)
			}
		})
	}
}

// Schedule holds the record until it is eligible, then forwards it to its
// primary topic. Records that arrive already over the attempt budget are
// dead-lettered; the processor normally does this, so hitting that path
// means the budget was lowered between runs.
func (s *RetryScheduler) Schedule(ctx domain.Context, rec domain.Record) error {
	if s.retry.Exhausted(rec.Attempt) {
		entry := domain.DeadLetterEntry{
			ID:                ulid.Make().String(),
			Record:            rec,
			Reason:            ReasonAttemptsExhausted,
			AttemptsExhausted: rec.Attempt,
			MovedAt:           s.now().UTC(),
		}
		return s.publisher.PublishDeadLetter(ctx, entry)
	}

	if wait := s.eligibleIn(rec); wait > 0 {
		slog.Debug("holding retry record",
			slog.String("key", rec.Key),
			slog.Int("attempt", rec.Attempt),
			slog.Duration("wait", wait))
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
	return s.publisher.Publish(ctx, rec, false)
}

// eligibleIn returns how much of the record's backoff delay remains. The
// delay is anchored at EnqueuedAt, so time spent sitting in the retry topic
// counts toward it.
func (s *RetryScheduler) eligibleIn(rec domain.Record) time.Duration {
	attempt := rec.Attempt - 1
	if attempt < 0 {
		attempt = 0
	}
	eligibleAt := rec.EnqueuedAt.Add(s.retry.Delay(attempt))
	return eligibleAt.Sub(s.now())
}

// rebalanceTimeout sizes the group rebalance window to outlast the longest
// possible hold: the delay cap plus its jitter ceiling, with a minute of
// headroom.
func rebalanceTimeout(retry domain.RetryConfig) time.Duration {
	hold := retry.MaxDelay + retry.MaxDelay/5
	return hold + time.Minute
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close leaves the group and closes the client.
func (s *RetryScheduler) Close() error {
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
