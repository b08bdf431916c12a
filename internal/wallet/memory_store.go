package wallet

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) Create(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.Address]; ok {
		return ErrAccountExists
	}
	m.accounts[account.Address] = account
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	account, ok := m.accounts[address]
	if !ok {
		return nil, ErrAccountNotFound
	}
	// Deep copy so callers can't mutate the stored co-signer slice.
	cp := *account
	if account.CoSigners != nil {
		cp.CoSigners = make([]string, len(account.CoSigners))
		copy(cp.CoSigners, account.CoSigners)
	}
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[account.Address]; !ok {
		return ErrAccountNotFound
	}
	m.accounts[account.Address] = account
	return nil
}
