package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// DLQConsumer archives dead-letter entries into durable storage so
// operators can inspect and replay them long after the topic's retention
// has expired.
type DLQConsumer struct {
	client *kgo.Client
	store  domain.DeadLetterStore

	mark func(...*kgo.Record)
}

// NewDLQConsumer constructs the archiver consumer.
func NewDLQConsumer(brokers []string, groupID string, store domain.DeadLetterStore) (*DLQConsumer, error) {
	slog.Info("creating DLQ consumer",
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
		kgo.ConsumeTopics(TopicDeadLetter),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("dlq consumer client: %w", err)
	}

	return &DLQConsumer{client: client, store: store, mark: client.MarkCommitRecords}, nil
}

// Run archives entries until ctx is cancelled. An entry's offset is marked
// only after the archive insert succeeds; insert failures leave the entry
// for redelivery rather than dropping it.
func (d *DLQConsumer) Run(ctx context.Context) error {
	slog.Info("DLQ consumer started", slog.String("topic", TopicDeadLetter))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := d.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return ctx.Err()
				}
				slog.Error("dlq fetch error", slog.String("topic", fe.Topic), slog.Any("error", fe.Err))
			}
			continue
		}

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			d.archivePartition(ctx, p.Records)
		})
	}
}

// archivePartition archives one partition's batch in order. An insert
// failure stops the batch: marking any later record would advance the
// commit offset past the unarchived entry and silently discard it.
func (d *DLQConsumer) archivePartition(ctx context.Context, records []*kgo.Record) {
	for _, record := range records {
		var entry domain.DeadLetterEntry
		if err := json.Unmarshal(record.Value, &entry); err != nil {
			slog.Error("undecodable dead-letter entry",
				slog.Int64("offset", record.Offset),
				slog.Any("error", err))
			d.mark(record)
			continue
		}
		if err := d.store.Insert(ctx, entry); err != nil {
			slog.Error("archive insert failed, batch left for redelivery",
				slog.String("id", entry.ID),
				slog.Int64("offset", record.Offset),
				slog.Any("error", err))
			return
		}
		slog.Info("dead-letter entry archived",
			slog.String("id", entry.ID),
			slog.String("key", entry.Record.Key),
			slog.String("reason", entry.Reason))
		d.mark(record)
	}
}

// Close leaves the group and closes the client.
func (d *DLQConsumer) Close() error {
	if d.client != nil {
		d.client.Close()
	}
	return nil
}
