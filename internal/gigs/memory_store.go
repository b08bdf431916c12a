package gigs

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/gigmesh/gigmesh/internal/money"
)

// MemoryStore is an in-memory gig store for demo/development mode.
type MemoryStore struct {
	gigs  map[string]*Gig
	stats map[string]*SellerStats
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory gig store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gigs:  make(map[string]*Gig),
		stats: make(map[string]*SellerStats),
	}
}

func (m *MemoryStore) Create(ctx context.Context, gig *Gig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.gigs[gig.ID]; ok {
		return ErrGigExists
	}
	m.gigs[gig.ID] = gig
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Gig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gig, ok := m.gigs[id]
	if !ok {
		return nil, ErrGigNotFound
	}
	// Copy the tier map so callers can't mutate the stored gig.
	cp := *gig
	cp.Tiers = make(map[Tier]TierSpec, len(gig.Tiers))
	for k, v := range gig.Tiers {
		cp.Tiers[k] = v
	}
	return &cp, nil
}

func (m *MemoryStore) IncrementOrders(ctx context.Context, gigID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gig, ok := m.gigs[gigID]
	if !ok {
		return ErrGigNotFound
	}
	gig.OrdersCount++
	return nil
}

func (m *MemoryStore) RecordCompletion(ctx context.Context, sellerAddr string, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	addr := strings.ToLower(sellerAddr)
	stats, ok := m.stats[addr]
	if !ok {
		stats = &SellerStats{Address: addr, LifetimeEarnings: "0.000000"}
		m.stats[addr] = stats
	}

	earned, err := money.Parse(amount)
	if err != nil {
		return err
	}
	total, err := money.Parse(stats.LifetimeEarnings)
	if err != nil {
		total = big.NewInt(0)
	}

	stats.CompletedOrders++
	stats.LifetimeEarnings = money.Format(total.Add(total, earned))
	return nil
}

func (m *MemoryStore) Stats(ctx context.Context, sellerAddr string) (*SellerStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr := strings.ToLower(sellerAddr)
	stats, ok := m.stats[addr]
	if !ok {
		return &SellerStats{Address: addr, LifetimeEarnings: "0.000000"}, nil
	}
	cp := *stats
	return &cp, nil
}
