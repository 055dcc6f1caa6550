package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/product-ingest/internal/domain"
)

type fakeGenerator struct {
	mu          sync.Mutex
	calls       map[string]int
	errs        map[string][]error
	alreadyDone map[string]bool
}

func newFakeGenerator() *fakeGenerator {
	return &fakeGenerator{
		calls:       make(map[string]int),
		errs:        make(map[string][]error),
		alreadyDone: make(map[string]bool),
	}
}

func (f *fakeGenerator) Generate(_ domain.Context, item domain.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[item.Key]++
	queue := f.errs[item.Key]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	f.errs[item.Key] = queue[1:]
	return err
}

func (f *fakeGenerator) AlreadyDone(item domain.WorkItem) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alreadyDone[item.Key]
}

func (f *fakeGenerator) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type memStore struct {
	mu       sync.Mutex
	states   map[string][]byte
	saves    int
	failNext int
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string][]byte)}
}

func (m *memStore) Load(_ domain.Context, partitionID string) (*domain.CheckpointState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.states[partitionID]
	if !ok {
		return nil, nil
	}
	var state domain.CheckpointState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *memStore) Save(_ domain.Context, state *domain.CheckpointState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return fmt.Errorf("store unavailable: %w", domain.ErrPersistence)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	m.states[state.PartitionID] = data
	m.saves++
	return nil
}

func items(keys ...string) []domain.WorkItem {
	out := make([]domain.WorkItem, 0, len(keys))
	for _, k := range keys {
		out = append(out, domain.WorkItem{Key: k})
	}
	return out
}

func newTestRunner(gen domain.Generator, store domain.CheckpointStore, threshold int) *Runner {
	r := New("0", gen, store, Config{
		BaseDelay:         time.Millisecond,
		MaxDelay:          4 * time.Millisecond,
		TerminalThreshold: threshold,
		ItemPacing:        0,
	})
	r.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	r.randf = func() float64 { return 0.5 }
	return r
}

func TestRunCompletesFreshPartition(t *testing.T) {
	gen := newFakeGenerator()
	store := newMemStore()
	r := newTestRunner(gen, store, 10)

	batch := items("PROD-000001", "PROD-000002", "PROD-000003")
	require.NoError(t, r.Run(context.Background(), batch))

	state, err := store.Load(context.Background(), "0")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.Complete())
	assert.Equal(t, 3, state.CompletedCount())
	for _, it := range batch {
		assert.Equal(t, 1, gen.callCount(it.Key))
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	gen := newFakeGenerator()
	store := newMemStore()

	// Simulate a previous run that finished 7 of 10 items before crashing.
	keys := make([]string, 10)
	prev := domain.NewCheckpointState("0", 10)
	for i := range keys {
		keys[i] = fmt.Sprintf("PROD-%06d", i+1)
		if i < 7 {
			prev.MarkCompleted(keys[i])
		}
	}
	require.NoError(t, store.Save(context.Background(), prev))

	r := newTestRunner(gen, store, 10)
	require.NoError(t, r.Run(context.Background(), items(keys...)))

	for i, key := range keys {
		want := 0
		if i >= 7 {
			want = 1
		}
		assert.Equal(t, want, gen.callCount(key), "key %s", key)
	}
}

func TestRunRetriesTransientFailuresUntilSuccess(t *testing.T) {
	gen := newFakeGenerator()
	gen.errs["PROD-000001"] = []error{
		fmt.Errorf("overloaded: %w", domain.ErrTransientDependency),
		fmt.Errorf("overloaded: %w", domain.ErrTransientDependency),
		fmt.Errorf("overloaded: %w", domain.ErrTransientDependency),
	}
	store := newMemStore()
	r := newTestRunner(gen, store, 10)

	require.NoError(t, r.Run(context.Background(), items("PROD-000001")))
	assert.Equal(t, 4, gen.callCount("PROD-000001"))

	state, _ := store.Load(context.Background(), "0")
	assert.True(t, state.IsCompleted("PROD-000001"))
}

func TestRunRecordsItemFailedAfterTerminalThreshold(t *testing.T) {
	gen := newFakeGenerator()
	terminal := fmt.Errorf("content policy: %w", domain.ErrTerminalItem)
	gen.errs["PROD-000002"] = []error{terminal, terminal, terminal}
	store := newMemStore()
	r := newTestRunner(gen, store, 3)

	require.NoError(t, r.Run(context.Background(), items("PROD-000002")))
	assert.Equal(t, 3, gen.callCount("PROD-000002"))

	state, _ := store.Load(context.Background(), "0")
	assert.True(t, state.IsFailed("PROD-000002"))
	assert.True(t, state.Complete(), "failed items are terminal outcomes")
	assert.Contains(t, state.FailedKeys()["PROD-000002"], "content policy")
}

func TestTransientFailureResetsTerminalCount(t *testing.T) {
	gen := newFakeGenerator()
	terminal := fmt.Errorf("rejected: %w", domain.ErrTerminalItem)
	transient := fmt.Errorf("timeout: %w", domain.ErrTransientDependency)
	// Two terminal, one transient, two terminal: never three consecutive.
	gen.errs["PROD-000003"] = []error{terminal, terminal, transient, terminal, terminal}
	store := newMemStore()
	r := newTestRunner(gen, store, 3)

	require.NoError(t, r.Run(context.Background(), items("PROD-000003")))

	state, _ := store.Load(context.Background(), "0")
	assert.True(t, state.IsCompleted("PROD-000003"), "item must complete once errors clear")
	assert.Equal(t, 6, gen.callCount("PROD-000003"))
}

func TestRunRetriesCheckpointSaveFailures(t *testing.T) {
	gen := newFakeGenerator()
	store := newMemStore()
	store.failNext = 2
	r := newTestRunner(gen, store, 10)

	require.NoError(t, r.Run(context.Background(), items("PROD-000004")))

	state, err := store.Load(context.Background(), "0")
	require.NoError(t, err)
	assert.True(t, state.IsCompleted("PROD-000004"), "progress must survive transient store failures")
}

func TestRunFoldsExistingArtifacts(t *testing.T) {
	gen := newFakeGenerator()
	gen.alreadyDone["PROD-000005"] = true
	store := newMemStore()
	r := newTestRunner(gen, store, 10)

	require.NoError(t, r.Run(context.Background(), items("PROD-000005", "PROD-000006")))

	assert.Zero(t, gen.callCount("PROD-000005"), "existing artifacts must not be regenerated")
	assert.Equal(t, 1, gen.callCount("PROD-000006"))

	state, _ := store.Load(context.Background(), "0")
	assert.True(t, state.Complete())
}

func TestRunNeverReturnsFalseSuccess(t *testing.T) {
	gen := newFakeGenerator()
	// An endless transient failure: the run can only end via cancellation,
	// and must not end with nil.
	errs := make([]error, 50)
	for i := range errs {
		errs[i] = fmt.Errorf("down: %w", domain.ErrTransientDependency)
	}
	gen.errs["PROD-000007"] = errs
	store := newMemStore()
	r := newTestRunner(gen, store, 10)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		calls++
		if calls >= 5 {
			cancel()
		}
		return ctx.Err()
	}

	err := r.Run(ctx, items("PROD-000007"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	state, _ := store.Load(context.Background(), "0")
	if state != nil {
		assert.False(t, state.IsCompleted("PROD-000007"))
		assert.False(t, state.IsFailed("PROD-000007"))
	}
}

func TestBackoffDelayFullJitter(t *testing.T) {
	r := New("0", newFakeGenerator(), newMemStore(), Config{
		BaseDelay:         2 * time.Second,
		MaxDelay:          60 * time.Second,
		TerminalThreshold: 10,
	})

	r.randf = func() float64 { return 1.0 }
	assert.Equal(t, 2*time.Second, r.backoffDelay(1))
	assert.Equal(t, 4*time.Second, r.backoffDelay(2))
	assert.Equal(t, 32*time.Second, r.backoffDelay(5))
	assert.Equal(t, 60*time.Second, r.backoffDelay(10), "ceiling capped at MaxDelay")

	r.randf = func() float64 { return 0 }
	assert.Equal(t, time.Duration(0), r.backoffDelay(5), "full jitter can draw zero")
}
