// Package domain defines the core entities and ports of the ingestion
// pipeline: records moving over the message bus, the checkpoint state used
// by long-running batch jobs, and the error taxonomy shared by all adapters.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call
	// without invoking the downstream dependency. Always retry later; never
	// a permanent failure of the input.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrTransientDependency marks failures of a downstream dependency that
	// are expected to clear (timeouts, rate limits, 5xx).
	ErrTransientDependency = errors.New("transient dependency failure")
	// ErrValidation marks malformed records. Dead-letter immediately, no retry.
	ErrValidation = errors.New("validation failed")
	// ErrTerminalItem marks job-runner item failures that will never succeed
	// (e.g. a persistent content-policy rejection).
	ErrTerminalItem = errors.New("terminal item failure")
	// ErrPersistence marks checkpoint or dead-letter write failures. These
	// must be retried at the infrastructure level; dropping them would allow
	// false success.
	ErrPersistence = errors.New("persistence failure")
	// ErrPublish is surfaced after local publish retries are exhausted. The
	// caller is expected to re-invoke the whole producer step later.
	ErrPublish = errors.New("publish failed")
)

// Context is an alias to the standard context for port signatures.
type Context = context.Context

// RecordKind identifies the logical stream a record belongs to.
type RecordKind string

const (
	// KindProduct is a full product document for indexing.
	KindProduct RecordKind = "product"
	// KindProductImage is a product-image reference whose embedding is
	// attached to an already indexed product.
	KindProductImage RecordKind = "product-image"
)

// Valid reports whether the kind names a known stream.
func (k RecordKind) Valid() bool {
	return k == KindProduct || k == KindProductImage
}

// Record is the unit of work moving through the pipeline.
//
// Invariants: Key and Kind are immutable once produced; Attempt never
// decreases and is bounded by the configured max attempts, after which the
// record is converted to exactly one DeadLetterEntry. Key is the target
// entity id (product id) and drives both partition affinity and idempotent
// index upserts.
type Record struct {
	Key         string          `json:"key" validate:"required"`
	Kind        RecordKind      `json:"kind" validate:"required,oneof=product product-image"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	FirstSeenAt time.Time       `json:"first_seen_at"`
	// EnqueuedAt is refreshed on every publish; the retry scheduler holds a
	// record until EnqueuedAt plus its backoff delay has elapsed.
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// ProductPayload is the payload of a KindProduct record.
type ProductPayload struct {
	ID          string            `json:"id" validate:"required"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Category    string            `json:"category,omitempty"`
	Subcategory string            `json:"subcategory,omitempty"`
	Brand       string            `json:"brand,omitempty"`
	Price       float64           `json:"price,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// ImagePayload is the payload of a KindProductImage record.
type ImagePayload struct {
	ProductID string `json:"product_id" validate:"required"`
	ImagePath string `json:"image_path" validate:"required"`
}

// ProductDocument is the enriched form written to the search index.
type ProductDocument struct {
	ProductPayload
	TextEmbedding []float32 `json:"text_embedding,omitempty"`
}

// Publisher places records onto the bus with partition affinity by key.
type Publisher interface {
	Publish(ctx Context, rec Record, isRetry bool) error
	PublishDeadLetter(ctx Context, entry DeadLetterEntry) error
}

// Enricher is the downstream embedding dependency. Calls are routed through
// the circuit breaker by the processor; implementations only classify their
// own failures (wrap ErrTransientDependency or ErrValidation).
type Enricher interface {
	EmbedText(ctx Context, text string) ([]float32, error)
	EmbedImage(ctx Context, imagePath string) ([]float32, error)
}

// Indexer receives idempotent upsert-by-key writes. Repeating a write for
// the same key must converge to the same index state.
type Indexer interface {
	UpsertProduct(ctx Context, doc ProductDocument) error
	UpsertImageEmbedding(ctx Context, productID string, embedding []float32) error
}

// WorkItem is one element of a job-runner partition.
type WorkItem struct {
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Generator is the job runner's downstream generate-and-store call.
// Generate errors must be classified: ErrTransientDependency (retry forever
// with backoff), ErrTerminalItem (counts toward the terminal threshold), or
// anything else (treated as transient).
type Generator interface {
	Generate(ctx Context, item WorkItem) error
	// AlreadyDone reports that the item's artifact exists from a previous
	// run, letting the runner fold it into the checkpoint without work.
	AlreadyDone(item WorkItem) bool
}

// DeadLetterStore archives dead-letter entries for operator inspection and
// manual replay.
type DeadLetterStore interface {
	Insert(ctx Context, entry DeadLetterEntry) error
	List(ctx Context, limit, offset int) ([]DeadLetterEntry, error)
	Get(ctx Context, id string) (DeadLetterEntry, error)
	MarkReplayed(ctx Context, id string) error
}

// CheckpointStore persists per-partition checkpoint state. Load returns
// (nil, nil) when no checkpoint exists yet.
type CheckpointStore interface {
	Load(ctx Context, partitionID string) (*CheckpointState, error)
	Save(ctx Context, state *CheckpointState) error
}
