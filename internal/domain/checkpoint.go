package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// CheckpointState is the single source of truth for a partition's batch
// progress: an item is done iff its key is in the completed set.
//
// Invariants: completed and failed keys are disjoint; a key moves from
// neither set into exactly one of them and never back. The state is owned
// exclusively by the single runner processing the partition.
type CheckpointState struct {
	PartitionID string
	TotalItems  int
	completed   map[string]struct{}
	failed      map[string]string
	LastUpdated time.Time
}

// NewCheckpointState creates an empty checkpoint for a partition.
func NewCheckpointState(partitionID string, totalItems int) *CheckpointState {
	return &CheckpointState{
		PartitionID: partitionID,
		TotalItems:  totalItems,
		completed:   make(map[string]struct{}),
		failed:      make(map[string]string),
	}
}

// MarkCompleted records a key as done. It reports false when the key was
// already terminal (completed or failed), in which case the state is
// unchanged.
func (s *CheckpointState) MarkCompleted(key string) bool {
	if s.IsCompleted(key) || s.IsFailed(key) {
		return false
	}
	if s.completed == nil {
		s.completed = make(map[string]struct{})
	}
	s.completed[key] = struct{}{}
	s.LastUpdated = time.Now().UTC()
	return true
}

// MarkFailed records a key as permanently failed with an error summary.
// It reports false when the key was already terminal.
func (s *CheckpointState) MarkFailed(key, summary string) bool {
	if s.IsCompleted(key) || s.IsFailed(key) {
		return false
	}
	if s.failed == nil {
		s.failed = make(map[string]string)
	}
	s.failed[key] = summary
	s.LastUpdated = time.Now().UTC()
	return true
}

// IsCompleted reports whether the key finished successfully.
func (s *CheckpointState) IsCompleted(key string) bool {
	_, ok := s.completed[key]
	return ok
}

// IsFailed reports whether the key was recorded as permanently failed.
func (s *CheckpointState) IsFailed(key string) bool {
	_, ok := s.failed[key]
	return ok
}

// CompletedCount returns the number of completed keys.
func (s *CheckpointState) CompletedCount() int { return len(s.completed) }

// FailedCount returns the number of permanently failed keys.
func (s *CheckpointState) FailedCount() int { return len(s.failed) }

// FailedKeys returns a copy of the failed-key summaries for operator
// inspection.
func (s *CheckpointState) FailedKeys() map[string]string {
	out := make(map[string]string, len(s.failed))
	for k, v := range s.failed {
		out[k] = v
	}
	return out
}

// Remaining filters items down to those with no terminal outcome yet,
// preserving order.
func (s *CheckpointState) Remaining(items []WorkItem) []WorkItem {
	var out []WorkItem
	for _, it := range items {
		if !s.IsCompleted(it.Key) && !s.IsFailed(it.Key) {
			out = append(out, it)
		}
	}
	return out
}

// Complete reports whether every item has a terminal outcome. The runner
// never declares overall success while this is false.
func (s *CheckpointState) Complete() bool {
	return len(s.completed)+len(s.failed) >= s.TotalItems && s.TotalItems > 0
}

// checkpointJSON is the persisted wire form; sets are stored as sorted
// slices so checkpoint files diff cleanly.
type checkpointJSON struct {
	PartitionID   string            `json:"partition_id"`
	TotalItems    int               `json:"total_items"`
	CompletedKeys []string          `json:"completed_keys"`
	FailedKeys    map[string]string `json:"failed_keys,omitempty"`
	LastUpdated   time.Time         `json:"last_updated"`
}

// MarshalJSON implements json.Marshaler.
func (s *CheckpointState) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(s.completed))
	for k := range s.completed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return json.Marshal(checkpointJSON{
		PartitionID:   s.PartitionID,
		TotalItems:    s.TotalItems,
		CompletedKeys: keys,
		FailedKeys:    s.failed,
		LastUpdated:   s.LastUpdated,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *CheckpointState) UnmarshalJSON(data []byte) error {
	var cj checkpointJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	s.PartitionID = cj.PartitionID
	s.TotalItems = cj.TotalItems
	s.LastUpdated = cj.LastUpdated
	s.completed = make(map[string]struct{}, len(cj.CompletedKeys))
	for _, k := range cj.CompletedKeys {
		s.completed[k] = struct{}{}
	}
	s.failed = make(map[string]string, len(cj.FailedKeys))
	for k, v := range cj.FailedKeys {
		// Completed wins when a corrupted file lists a key in both sets.
		if _, ok := s.completed[k]; ok {
			continue
		}
		s.failed[k] = v
	}
	return nil
}
