package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gigmesh/gigmesh/internal/chain"
)

const (
	// DefaultTimerInterval is how often the outbox is drained.
	DefaultTimerInterval = 30 * time.Second
	// drainBatchSize caps how many tasks one tick picks up.
	drainBatchSize = 50
	// maxTaskAttempts is the total retry budget per task, counting the
	// in-place attempts that preceded enqueueing.
	maxTaskAttempts = 10
	// taskBackoffBase is doubled per attempt, so a flaky RPC endpoint
	// gets hours, not seconds, before the task is abandoned.
	taskBackoffBase = time.Minute
)

// Timer retries queued settlement tasks in the background.
type Timer struct {
	coordinator *Coordinator
	outbox      OutboxStore
	interval    time.Duration
	logger      *slog.Logger
	stop        chan struct{}
	stopOnce    sync.Once
	running     atomic.Bool
	now         func() time.Time
}

// NewTimer creates a settlement retry timer. Pass interval <= 0 for the
// default.
func NewTimer(coordinator *Coordinator, outbox OutboxStore, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultTimerInterval
	}
	return &Timer{
		coordinator: coordinator,
		outbox:      outbox,
		interval:    interval,
		logger:      logger,
		stop:        make(chan struct{}),
		now:         time.Now,
	}
}

// Start launches the background drain loop. Safe to call once.
func (t *Timer) Start() {
	if !t.running.CompareAndSwap(false, true) {
		return
	}

	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		t.logger.Info("settlement retry timer started", "interval", t.interval.String())

		for {
			select {
			case <-ticker.C:
				t.safeDrain()
			case <-t.stop:
				t.running.Store(false)
				t.logger.Info("settlement retry timer stopped")
				return
			}
		}
	}()
}

// Stop signals the drain loop to exit. Closing the channel means the
// signal cannot be lost while the loop is mid-drain; a stopped timer
// cannot be restarted.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
	})
}

// Running reports whether the drain loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// safeDrain keeps a panicking task from killing the loop.
func (t *Timer) safeDrain() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("settlement drain panicked", "panic", r)
		}
	}()
	t.Drain(context.Background())
}

// Drain retries every due task once. Exported so operators can trigger
// a pass without waiting for the ticker.
func (t *Timer) Drain(ctx context.Context) {
	due, err := t.outbox.Due(ctx, t.now(), drainBatchSize)
	if err != nil {
		t.logger.Error("failed to load due settlement tasks", "error", err)
		return
	}

	for _, task := range due {
		t.retryTask(ctx, task)
	}
}

func (t *Timer) retryTask(ctx context.Context, task *Task) {
	err := t.coordinator.ExecuteTask(ctx, task)
	if err == nil || errors.Is(err, ErrAlreadySettled) {
		if delErr := t.outbox.Delete(ctx, task.ID); delErr != nil {
			t.logger.Error("failed to delete settled task", "task_id", task.ID, "error", delErr)
		}
		return
	}

	task.Attempts++
	task.LastError = err.Error()

	fatal := !chain.IsRetryable(err) || task.Attempts >= maxTaskAttempts
	if fatal {
		// Out of road. Keep the task visible for operators but stop
		// burning RPC calls on it.
		t.logger.Error("settlement task abandoned",
			"task_id", task.ID,
			"order_id", task.OrderID,
			"outcome", string(task.Outcome),
			"attempts", task.Attempts,
			"error", err)
		task.NextRunAt = t.now().Add(24 * time.Hour)
	} else {
		backoff := taskBackoffBase * time.Duration(1<<uint(task.Attempts))
		task.NextRunAt = t.now().Add(backoff)
		t.logger.Warn("settlement retry failed",
			"task_id", task.ID,
			"order_id", task.OrderID,
			"attempts", task.Attempts,
			"next_run_at", task.NextRunAt,
			"error", err)
	}

	if rsErr := t.outbox.Reschedule(ctx, task); rsErr != nil {
		t.logger.Error("failed to reschedule settlement task", "task_id", task.ID, "error", rsErr)
	}
}
