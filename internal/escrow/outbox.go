package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Task is a settlement that failed in place and is waiting for the
// background timer to retry it.
type Task struct {
	ID        string
	OrderID   string
	Outcome   Outcome
	Buyer     string
	Seller    string
	Amount    string
	LockRef   string
	Attempts  int
	LastError string
	NextRunAt time.Time
	CreatedAt time.Time
}

// OutboxStore persists pending settlement tasks.
type OutboxStore interface {
	// Enqueue adds a task. Re-enqueueing the same task id replaces it,
	// so a settlement can only ever occupy one slot.
	Enqueue(ctx context.Context, task *Task) error
	// Due returns tasks whose NextRunAt has passed, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// Reschedule records a failed attempt and pushes NextRunAt out.
	Reschedule(ctx context.Context, task *Task) error
	// Delete removes a finished task.
	Delete(ctx context.Context, id string) error
}

// MemoryOutbox is an in-memory OutboxStore for development and tests.
type MemoryOutbox struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

func (m *MemoryOutbox) Enqueue(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *task
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	if t.NextRunAt.IsZero() {
		t.NextRunAt = m.now()
	}
	m.tasks[t.ID] = &t
	return nil
}

func (m *MemoryOutbox) Due(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []*Task
	for _, t := range m.tasks {
		if !t.NextRunAt.After(now) {
			copied := *t
			due = append(due, &copied)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRunAt.Before(due[j].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *MemoryOutbox) Reschedule(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := *task
	m.tasks[t.ID] = &t
	return nil
}

func (m *MemoryOutbox) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

// Len reports the number of queued tasks. Test helper.
func (m *MemoryOutbox) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}
