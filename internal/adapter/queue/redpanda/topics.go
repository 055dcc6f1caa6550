package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

const (
	// TopicProducts carries product records for indexing.
	TopicProducts = "products"
	// TopicProductImages carries image records for embedding.
	TopicProductImages = "product-images"
	// TopicDeadLetter collects records whose retries are exhausted or that
	// can never succeed.
	TopicDeadLetter = "dead-letter-queue"

	retrySuffix = "-retry"

	// Header keys carried on every record.
	headerKind    = "kind"
	headerAttempt = "attempt"
)

// TopicFor returns the topic a record of the given kind is published to.
func TopicFor(kind domain.RecordKind, isRetry bool) string {
	base := PrimaryFor(kind)
	if isRetry {
		return base + retrySuffix
	}
	return base
}

// PrimaryFor returns the primary topic for a record kind.
func PrimaryFor(kind domain.RecordKind) string {
	switch kind {
	case domain.KindProductImage:
		return TopicProductImages
	default:
		return TopicProducts
	}
}

// PrimaryTopics lists the primary ingestion topics.
func PrimaryTopics() []string {
	return []string{TopicProducts, TopicProductImages}
}

// RetryTopics lists the retry topics consumed by the scheduler.
func RetryTopics() []string {
	return []string{TopicProducts + retrySuffix, TopicProductImages + retrySuffix}
}

// KindForTopic maps a topic (primary or retry) back to its record kind.
func KindForTopic(topic string) domain.RecordKind {
	switch topic {
	case TopicProductImages, TopicProductImages + retrySuffix:
		return domain.KindProductImage
	default:
		return domain.KindProduct
	}
}

// EnsureTopics creates all pipeline topics if they do not exist. The
// dead-letter topic gets a single partition; ordering there does not matter
// and one partition keeps the archiver simple.
func EnsureTopics(ctx context.Context, client *kgo.Client, partitions int32) error {
	for _, topic := range PrimaryTopics() {
		if err := createTopicIfNotExists(ctx, client, topic, partitions, 1); err != nil {
			return err
		}
	}
	for _, topic := range RetryTopics() {
		if err := createTopicIfNotExists(ctx, client, topic, partitions, 1); err != nil {
			return err
		}
	}
	return createTopicIfNotExists(ctx, client, TopicDeadLetter, 1, 1)
}

// createTopicIfNotExists creates a topic via the Kafka admin API, treating
// "topic already exists" as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topic request: %w", err)
	}
	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}

	for _, topicResp := range createTopicsResp.Topics {
		if topicResp.ErrorCode != 0 {
			// Error code 36 = TOPIC_ALREADY_EXISTS.
			if topicResp.ErrorCode == 36 {
				slog.Debug("topic already exists", slog.String("topic", topicResp.Topic))
				continue
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic %s: %s (code %d)", topicResp.Topic, errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", topicResp.Topic),
			slog.Int("partitions", int(partitions)))
	}
	return nil
}
