// Package file implements checkpoint persistence on the local filesystem.
package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

// Store persists one JSON checkpoint file per partition. Writes are
// temp-file-then-rename so a crash mid-write leaves the previous
// checkpoint intact, never a truncated one.
type Store struct {
	dir string
}

// NewStore creates the checkpoint directory if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) path(partitionID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("partition_%s_checkpoint.json", partitionID))
}

func (s *Store) lockPath(partitionID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("partition_%s.lock", partitionID))
}

// Load reads the partition's checkpoint, returning (nil, nil) when none
// exists yet.
func (s *Store) Load(_ domain.Context, partitionID string) (*domain.CheckpointState, error) {
	data, err := os.ReadFile(s.path(partitionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint %s: %w: %w", partitionID, domain.ErrPersistence, err)
	}
	var state domain.CheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w: %w", partitionID, domain.ErrPersistence, err)
	}
	return &state, nil
}

// Save atomically replaces the partition's checkpoint file.
func (s *Store) Save(_ domain.Context, state *domain.CheckpointState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", state.PartitionID, err)
	}

	tmp, err := os.CreateTemp(s.dir, "checkpoint_*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint temp file: %w: %w", domain.ErrPersistence, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write checkpoint %s: %w: %w", state.PartitionID, domain.ErrPersistence, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync checkpoint %s: %w: %w", state.PartitionID, domain.ErrPersistence, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close checkpoint %s: %w: %w", state.PartitionID, domain.ErrPersistence, err)
	}
	if err := os.Rename(tmpName, s.path(state.PartitionID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace checkpoint %s: %w: %w", state.PartitionID, domain.ErrPersistence, err)
	}
	return nil
}

// AcquireLock claims exclusive ownership of a partition. Exactly one
// process may hold a partition's lock; a second caller gets an error
// naming the holder's pid. Release by calling the returned function.
func (s *Store) AcquireLock(partitionID string) (release func(), err error) {
	lockFile := s.lockPath(partitionID)
	f, err := os.OpenFile(lockFile, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			holder, _ := os.ReadFile(lockFile)
			return nil, fmt.Errorf("partition %s already owned by pid %s", partitionID, string(holder))
		}
		return nil, fmt.Errorf("acquire partition lock %s: %w", partitionID, err)
	}
	_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
	_ = f.Close()

	return func() {
		_ = os.Remove(lockFile)
	}, nil
}
