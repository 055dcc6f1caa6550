package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// Consumer polls the primary topics and drives each record through the
// Processor. Offsets are marked only after the Processor reports a terminal
// action, so a crash between processing and commit causes redelivery, never
// loss. Records within a partition are processed in order.
type Consumer struct {
	client    *kgo.Client
	processor *Processor
	groupID   string
	topics    []string
}

// NewConsumer constructs a group consumer over the given topics.
func NewConsumer(brokers []string, groupID string, topics []string, processor *Processor) (*Consumer, error) {
	slog.Info("creating redpanda consumer",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.Any("topics", topics))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to consume")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),

		// Only explicitly marked records are committed, and only on the
		// auto-commit tick after the mark.
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda consumer client: %w", err)
	}

	return &Consumer{
		client:    client,
		processor: processor,
		groupID:   groupID,
		topics:    topics,
	}, nil
}

// Run polls and processes records until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("consumer started", slog.String("group_id", c.groupID), slog.Any("topics", c.topics))
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return ctx.Err()
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			continue
		}

		// Process each partition's batch in order; marking happens per
		// record, so an error stops commit progress at the failed record.
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, record := range p.Records {
				if err := c.consumeOne(ctx, record); err != nil {
					if ctx.Err() != nil {
						return
					}
					slog.Error("record left uncommitted for redelivery",
						slog.String("topic", record.Topic),
						slog.Int("partition", int(record.Partition)),
						slog.Int64("offset", record.Offset),
						slog.Any("error", err))
					return
				}
				c.client.MarkCommitRecords(record)
			}
		})
	}
}

// consumeOne decodes and processes a single record, retrying transiently
// until a terminal action lands or ctx is cancelled. Blocking here is
// deliberate: committing past a record with no durable outcome would lose
// it.
func (c *Consumer) consumeOne(ctx context.Context, record *kgo.Record) error {
	rec, err := decodeRecord(record)
	if err != nil {
		// Undecodable bytes can never be processed; hand the raw value to
		// the processor as a validation failure via a synthetic record.
		slog.Error("undecodable record",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		// Start from a zero record: a partial unmarshal may have left
		// garbage in Attempt or the timestamps.
		rec = domain.Record{
			Key:     string(record.Key),
			Kind:    KindForTopic(record.Topic),
			Payload: record.Value,
		}
	}

	bo := 1 * time.Second
	for {
		err := c.processor.Process(ctx, rec)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		slog.Warn("no terminal action yet, retrying record",
			slog.String("key", rec.Key),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(bo):
		}
		if bo < 30*time.Second {
			bo *= 2
		}
	}
}

func decodeRecord(record *kgo.Record) (rec domain.Record, err error) {
	if err := json.Unmarshal(record.Value, &rec); err != nil {
		return rec, fmt.Errorf("unmarshal record at %s/%d: %w", record.Topic, record.Offset, err)
	}
	return rec, nil
}

// Close leaves the group and closes the client, committing any marks.
func (c *Consumer) Close() error {
	if c.client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.client.CommitMarkedOffsets(ctx); err != nil {
			slog.Warn("final offset commit failed", slog.Any("error", err))
		}
		c.client.Close()
	}
	return nil
}
