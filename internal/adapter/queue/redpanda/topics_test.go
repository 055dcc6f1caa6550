package redpanda

import (
	"testing"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

func TestTopicFor(t *testing.T) {
	tests := []struct {
		kind    domain.RecordKind
		isRetry bool
		want    string
	}{
		{domain.KindProduct, false, "products"},
		{domain.KindProduct, true, "products-retry"},
		{domain.KindProductImage, false, "product-images"},
		{domain.KindProductImage, true, "product-images-retry"},
	}
	for _, tt := range tests {
		if got := TopicFor(tt.kind, tt.isRetry); got != tt.want {
			t.Errorf("TopicFor(%q, %v) = %q, want %q", tt.kind, tt.isRetry, got, tt.want)
		}
	}
}

func TestKindForTopicRoundTrip(t *testing.T) {
	for _, kind := range []domain.RecordKind{domain.KindProduct, domain.KindProductImage} {
		for _, isRetry := range []bool{false, true} {
			topic := TopicFor(kind, isRetry)
			if got := KindForTopic(topic); got != kind {
				t.Errorf("KindForTopic(%q) = %q, want %q", topic, got, kind)
			}
		}
	}
}

func TestRetryTopics(t *testing.T) {
	got := RetryTopics()
	if len(got) != 2 {
		t.Fatalf("RetryTopics() returned %d topics, want 2", len(got))
	}
	for _, topic := range got {
		if KindForTopic(topic) == "" {
			t.Errorf("retry topic %q has no kind mapping", topic)
		}
	}
}
