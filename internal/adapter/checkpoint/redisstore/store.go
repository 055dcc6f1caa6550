// Package redisstore implements checkpoint persistence on Redis, for
// runners without durable local disk.
package redisstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// Store keeps one JSON checkpoint value per partition. Entries have no
// TTL: a checkpoint outlives any runner crash and is removed only by an
// operator.
type Store struct {
	rdb *redis.Client
}

// NewStore connects to Redis at addr.
func NewStore(addr string) (*Store, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	return &Store{rdb: redis.NewClient(&redis.Options{Addr: addr})}, nil
}

// NewStoreWithClient wraps an existing client; tests use this with
// miniredis.
func NewStoreWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(partitionID string) string {
	return "checkpoint:partition:" + partitionID
}

// Load reads the partition's checkpoint, returning (nil, nil) when none
// exists yet.
func (s *Store) Load(ctx domain.Context, partitionID string) (*domain.CheckpointState, error) {
	data, err := s.rdb.Get(ctx, key(partitionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint %s: %w: %w", partitionID, domain.ErrPersistence, err)
	}
	var state domain.CheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w: %w", partitionID, domain.ErrPersistence, err)
	}
	return &state, nil
}

// Save replaces the partition's checkpoint value.
func (s *Store) Save(ctx domain.Context, state *domain.CheckpointState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", state.PartitionID, err)
	}
	if err := s.rdb.Set(ctx, key(state.PartitionID), data, 0).Err(); err != nil {
		return fmt.Errorf("save checkpoint %s: %w: %w", state.PartitionID, domain.ErrPersistence, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}
