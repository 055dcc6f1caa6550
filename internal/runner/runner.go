// Package runner implements the checkpointed batch job runner: it drives a
// partition of work items to completion across any number of process
// restarts, retrying transient failures indefinitely and recording
// permanently failed items instead of silently skipping them.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/product-ingest/internal/domain"
	"github.com/fairyhunter13/product-ingest/internal/observability"
)

// Config shapes the runner's retry and pacing behavior.
type Config struct {
	// BaseDelay is the backoff base for the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff window.
	MaxDelay time.Duration
	// TerminalThreshold gives up on an item after this many consecutive
	// terminal-class failures. Transient failures never count toward it.
	TerminalThreshold int
	// ItemPacing spaces out item starts to stay under provider rate limits.
	ItemPacing time.Duration
}

// DefaultConfig returns the production runner policy.
func DefaultConfig() Config {
	return Config{
		BaseDelay:         2 * time.Second,
		MaxDelay:          60 * time.Second,
		TerminalThreshold: 10,
		ItemPacing:        2 * time.Second,
	}
}

// Runner processes one partition. Exactly one Runner may own a partition
// at a time; callers enforce that with the checkpoint store's lock before
// constructing it.
type Runner struct {
	partitionID string
	gen         domain.Generator
	store       domain.CheckpointStore
	cfg         Config

	sleep func(ctx context.Context, d time.Duration) error
	randf func() float64
}

// New constructs a Runner for the given partition.
func New(partitionID string, gen domain.Generator, store domain.CheckpointStore, cfg Config) *Runner {
	if cfg.TerminalThreshold <= 0 {
		cfg.TerminalThreshold = DefaultConfig().TerminalThreshold
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig().BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	return &Runner{
		partitionID: partitionID,
		gen:         gen,
		store:       store,
		cfg:         cfg,
		sleep:       sleepCtx,
		randf:       rand.Float64,
	}
}

// Run drives the partition's items to terminal outcomes. It returns nil
// only when every item is completed or recorded as permanently failed;
// any other return means the run must be resumed later. Progress is
// checkpointed before the runner advances past an item, so a crash never
// repeats completed work and never skips incomplete work.
func (r *Runner) Run(ctx context.Context, items []domain.WorkItem) error {
	state, err := r.loadState(ctx, len(items))
	if err != nil {
		return err
	}

	remaining := state.Remaining(items)
	slog.Info("runner starting",
		slog.String("partition", r.partitionID),
		slog.Int("total", len(items)),
		slog.Int("already_done", len(items)-len(remaining)),
		slog.Int("remaining", len(remaining)))

	// Fold in artifacts that exist from before checkpointing was in place;
	// their items complete without any generation work.
	folded := 0
	for _, item := range remaining {
		if r.gen.AlreadyDone(item) {
			if state.MarkCompleted(item.Key) {
				folded++
			}
		}
	}
	if folded > 0 {
		if err := r.persist(ctx, state); err != nil {
			return err
		}
		slog.Info("existing artifacts folded into checkpoint",
			slog.String("partition", r.partitionID),
			slog.Int("folded", folded))
		remaining = state.Remaining(items)
	}

	for i, item := range remaining {
		if i > 0 && r.cfg.ItemPacing > 0 {
			// Pacing gets up to one extra second of jitter so parallel
			// partitions do not fire in lockstep.
			pause := r.cfg.ItemPacing + time.Duration(r.randf()*float64(time.Second))
			if err := r.sleep(ctx, pause); err != nil {
				return err
			}
		}
		if err := r.processItem(ctx, state, item); err != nil {
			return err
		}
	}

	if !state.Complete() {
		return fmt.Errorf("partition %s incomplete: %d/%d items terminal",
			r.partitionID, state.CompletedCount()+state.FailedCount(), state.TotalItems)
	}
	slog.Info("partition complete",
		slog.String("partition", r.partitionID),
		slog.Int("completed", state.CompletedCount()),
		slog.Int("failed", state.FailedCount()))
	return nil
}

// processItem retries one item until it completes or crosses the terminal
// threshold. The item's outcome is checkpointed before the method returns
// success.
func (r *Runner) processItem(ctx context.Context, state *domain.CheckpointState, item domain.WorkItem) error {
	consecutiveFailures := 0
	consecutiveTerminal := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := r.gen.Generate(ctx, item)
		if err == nil {
			state.MarkCompleted(item.Key)
			if err := r.persist(ctx, state); err != nil {
				return err
			}
			observability.RunnerItemsCompletedTotal.WithLabelValues(r.partitionID).Inc()
			slog.Info("item completed",
				slog.String("partition", r.partitionID),
				slog.String("key", item.Key),
				slog.Int("retries", consecutiveFailures))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		consecutiveFailures++
		if errors.Is(err, domain.ErrTerminalItem) {
			consecutiveTerminal++
			if consecutiveTerminal >= r.cfg.TerminalThreshold {
				state.MarkFailed(item.Key, err.Error())
				if perr := r.persist(ctx, state); perr != nil {
					return perr
				}
				observability.RunnerItemsFailedTotal.WithLabelValues(r.partitionID).Inc()
				slog.Error("item permanently failed",
					slog.String("partition", r.partitionID),
					slog.String("key", item.Key),
					slog.Int("terminal_failures", consecutiveTerminal),
					slog.Any("error", err))
				return nil
			}
		} else {
			consecutiveTerminal = 0
		}

		observability.RunnerRetriesTotal.WithLabelValues(r.partitionID).Inc()
		delay := r.backoffDelay(consecutiveFailures)
		slog.Warn("item failed, backing off",
			slog.String("partition", r.partitionID),
			slog.String("key", item.Key),
			slog.Int("consecutive_failures", consecutiveFailures),
			slog.Duration("delay", delay),
			slog.Any("error", err))
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// backoffDelay implements full jitter: a uniform draw from zero to the
// exponential ceiling. Full jitter spreads concurrent retries evenly
// instead of synchronizing them at the ceiling.
func (r *Runner) backoffDelay(consecutiveFailures int) time.Duration {
	ceiling := r.cfg.BaseDelay
	for i := 1; i < consecutiveFailures; i++ {
		ceiling *= 2
		if ceiling >= r.cfg.MaxDelay {
			ceiling = r.cfg.MaxDelay
			break
		}
	}
	if ceiling > r.cfg.MaxDelay {
		ceiling = r.cfg.MaxDelay
	}
	return time.Duration(r.randf() * float64(ceiling))
}

// loadState restores the partition's checkpoint or starts a fresh one.
func (r *Runner) loadState(ctx context.Context, totalItems int) (*domain.CheckpointState, error) {
	state, err := r.store.Load(ctx, r.partitionID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if state == nil {
		state = domain.NewCheckpointState(r.partitionID, totalItems)
		slog.Info("starting fresh checkpoint", slog.String("partition", r.partitionID))
		return state, nil
	}
	// The item list can grow between runs; the checkpoint tracks the
	// current batch size.
	state.TotalItems = totalItems
	slog.Info("checkpoint restored",
		slog.String("partition", r.partitionID),
		slog.Int("completed", state.CompletedCount()),
		slog.Int("failed", state.FailedCount()))
	return state, nil
}

// persist saves the checkpoint, retrying store failures until they clear
// or ctx is cancelled. Dropping a checkpoint write would let the runner
// advance past unrecorded progress, so giving up is not an option.
func (r *Runner) persist(ctx context.Context, state *domain.CheckpointState) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.BaseDelay
	bo.MaxInterval = r.cfg.MaxDelay
	bo.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		if err := r.store.Save(ctx, state); err != nil {
			slog.Error("checkpoint save failed, retrying",
				slog.String("partition", r.partitionID),
				slog.Any("error", err))
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("persist checkpoint: %w: %w", domain.ErrPersistence, err)
	}
	observability.CheckpointWritesTotal.WithLabelValues(r.partitionID).Inc()
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
