// Package balance caches per-address native and stable-token balances.
//
// Balances are display data. The cache therefore never surfaces fetch
// errors: callers get the freshest snapshot available, a stale one when
// the chain is unreachable, or a zero placeholder when nothing was ever
// fetched. Authoritative checks (order funding, withdrawals) read the
// chain directly and bypass this package.
package balance

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gigmesh/gigmesh/internal/chain"
	"github.com/gigmesh/gigmesh/internal/logging"
)

const (
	// DefaultTTL before a cached snapshot is refetched
	DefaultTTL = 60 * time.Second

	// fetchRetries after the initial attempt, rate-limit errors only
	fetchRetries = 2

	// retryStep is multiplied by the attempt number (500ms, 1s)
	retryStep = 500 * time.Millisecond
)

var cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gigmesh",
	Subsystem: "balance_cache",
	Name:      "lookups_total",
	Help:      "Balance cache lookups by outcome (hit, miss, stale, placeholder).",
}, []string{"outcome"})

func init() {
	prometheus.MustRegister(cacheLookups)
}

// Fetcher reads balances from the chain. *chain.Client satisfies this.
type Fetcher interface {
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	StableBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Snapshot is one address's balances at a point in time.
type Snapshot struct {
	Native    *big.Int
	Stable    *big.Int
	FetchedAt time.Time
	Stale     bool // True when this is an expired snapshot served because refetch failed
}

// Cache is a TTL cache of balance snapshots.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration

	mu      sync.Mutex
	entries map[common.Address]*Snapshot

	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a cache. ttl <= 0 uses DefaultTTL.
func New(fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		entries: make(map[common.Address]*Snapshot),
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// Get returns the balances for addr. It never returns an error.
func (c *Cache) Get(ctx context.Context, addr common.Address) *Snapshot {
	c.mu.Lock()
	cached, ok := c.entries[addr]
	c.mu.Unlock()

	if ok && c.now().Sub(cached.FetchedAt) < c.ttl {
		cacheLookups.WithLabelValues("hit").Inc()
		return cached
	}

	snap, err := c.fetch(ctx, addr)
	if err != nil {
		logging.L(ctx).Warn("balance fetch failed",
			"address", addr.Hex(),
			"error", err)
		if ok {
			cacheLookups.WithLabelValues("stale").Inc()
			stale := *cached
			stale.Stale = true
			return &stale
		}
		cacheLookups.WithLabelValues("placeholder").Inc()
		return &Snapshot{Native: big.NewInt(0), Stable: big.NewInt(0), FetchedAt: c.now()}
	}

	c.mu.Lock()
	c.entries[addr] = snap
	c.mu.Unlock()

	cacheLookups.WithLabelValues("miss").Inc()
	return snap
}

// Invalidate drops the cached snapshot for addr. Called after every
// successful transfer touching addr.
func (c *Cache) Invalidate(addr common.Address) {
	c.mu.Lock()
	delete(c.entries, addr)
	c.mu.Unlock()
}

// fetch reads native and stable balances concurrently.
func (c *Cache) fetch(ctx context.Context, addr common.Address) (*Snapshot, error) {
	var (
		native, stable       *big.Int
		nativeErr, stableErr error
		wg                   sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		native, nativeErr = c.fetchWithRetry(ctx, func() (*big.Int, error) {
			return c.fetcher.NativeBalance(ctx, addr)
		})
	}()
	go func() {
		defer wg.Done()
		stable, stableErr = c.fetchWithRetry(ctx, func() (*big.Int, error) {
			return c.fetcher.StableBalance(ctx, addr)
		})
	}()
	wg.Wait()

	if nativeErr != nil {
		return nil, nativeErr
	}
	if stableErr != nil {
		return nil, stableErr
	}

	return &Snapshot{Native: native, Stable: stable, FetchedAt: c.now()}, nil
}

// fetchWithRetry retries rate-limit-class failures with linear backoff.
// Other failures return immediately.
func (c *Cache) fetchWithRetry(ctx context.Context, fn func() (*big.Int, error)) (*big.Int, error) {
	var lastErr error
	for attempt := 0; attempt <= fetchRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			c.sleep(time.Duration(attempt) * retryStep)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !chain.IsRateLimited(err) {
			break
		}
	}
	return nil, lastErr
}
