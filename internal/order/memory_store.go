package order

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	m.orders[o.ID] = copyOrder(o)
	return nil
}

func (m *MemoryStore) ListByAgent(ctx context.Context, agentAddr string, limit int) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(agentAddr)
	var result []*Order
	for _, o := range m.orders {
		if o.BuyerAddr == addr || o.SellerAddr == addr {
			result = append(result, copyOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// copyOrder deep-copies so callers never share timestamp pointers with
// the stored record.
func copyOrder(o *Order) *Order {
	cp := *o
	cp.AcceptedAt = copyTime(o.AcceptedAt)
	cp.DeliveredAt = copyTime(o.DeliveredAt)
	cp.CompletedAt = copyTime(o.CompletedAt)
	cp.CancelledAt = copyTime(o.CancelledAt)
	cp.Deadline = copyTime(o.Deadline)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
