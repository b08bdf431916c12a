package balance

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu          sync.Mutex
	native      *big.Int
	stable      *big.Int
	nativeErr   error
	stableErr   error
	nativeCalls int
	stableCalls int
}

func (f *fakeFetcher) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nativeCalls++
	if f.nativeErr != nil {
		return nil, f.nativeErr
	}
	return new(big.Int).Set(f.native), nil
}

func (f *fakeFetcher) StableBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stableCalls++
	if f.stableErr != nil {
		return nil, f.stableErr
	}
	return new(big.Int).Set(f.stable), nil
}

func (f *fakeFetcher) setErrs(nativeErr, stableErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nativeErr = nativeErr
	f.stableErr = stableErr
}

func (f *fakeFetcher) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nativeCalls, f.stableCalls
}

var testAddr = common.HexToAddress("0x1234567890123456789012345678901234567890")

func newTestCache(fetcher *fakeFetcher) *Cache {
	c := New(fetcher, time.Minute)
	c.sleep = func(time.Duration) {} // No real backoff in tests
	return c
}

func TestGet_FetchAndCache(t *testing.T) {
	fetcher := &fakeFetcher{native: big.NewInt(100), stable: big.NewInt(2_000_000)}
	c := newTestCache(fetcher)

	snap := c.Get(context.Background(), testAddr)
	require.NotNil(t, snap)
	assert.Equal(t, int64(100), snap.Native.Int64())
	assert.Equal(t, int64(2_000_000), snap.Stable.Int64())
	assert.False(t, snap.Stale)

	// Second read within TTL hits the cache
	c.Get(context.Background(), testAddr)
	nativeCalls, stableCalls := fetcher.calls()
	assert.Equal(t, 1, nativeCalls)
	assert.Equal(t, 1, stableCalls)
}

func TestGet_TTLExpiry(t *testing.T) {
	fetcher := &fakeFetcher{native: big.NewInt(1), stable: big.NewInt(1)}
	c := newTestCache(fetcher)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Get(context.Background(), testAddr)

	now = now.Add(61 * time.Second)
	c.Get(context.Background(), testAddr)

	nativeCalls, _ := fetcher.calls()
	assert.Equal(t, 2, nativeCalls)
}

func TestGet_StaleOnError(t *testing.T) {
	fetcher := &fakeFetcher{native: big.NewInt(100), stable: big.NewInt(200)}
	c := newTestCache(fetcher)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Get(context.Background(), testAddr)

	// Expire the entry, then make the chain unreachable
	now = now.Add(2 * time.Minute)
	fetcher.setErrs(errors.New("connection refused"), nil)

	snap := c.Get(context.Background(), testAddr)
	require.NotNil(t, snap)
	assert.True(t, snap.Stale)
	assert.Equal(t, int64(100), snap.Native.Int64())
	assert.Equal(t, int64(200), snap.Stable.Int64())
}

func TestGet_ZeroPlaceholderWhenNeverFetched(t *testing.T) {
	fetcher := &fakeFetcher{nativeErr: errors.New("boom"), stableErr: errors.New("boom")}
	c := newTestCache(fetcher)

	snap := c.Get(context.Background(), testAddr)
	require.NotNil(t, snap)
	assert.Equal(t, int64(0), snap.Native.Int64())
	assert.Equal(t, int64(0), snap.Stable.Int64())
}

func TestGet_RetriesRateLimitOnly(t *testing.T) {
	fetcher := &fakeFetcher{native: big.NewInt(1), stable: big.NewInt(1)}
	fetcher.setErrs(errors.New("429 too many requests"), nil)
	c := newTestCache(fetcher)

	c.Get(context.Background(), testAddr)
	nativeCalls, stableCalls := fetcher.calls()
	assert.Equal(t, 3, nativeCalls) // Initial + 2 retries
	assert.Equal(t, 1, stableCalls)

	// Non-rate-limit errors fail fast
	fetcher2 := &fakeFetcher{stable: big.NewInt(1)}
	fetcher2.setErrs(errors.New("execution reverted"), nil)
	c2 := newTestCache(fetcher2)
	c2.Get(context.Background(), testAddr)
	nativeCalls, _ = fetcher2.calls()
	assert.Equal(t, 1, nativeCalls)
}

func TestInvalidate(t *testing.T) {
	fetcher := &fakeFetcher{native: big.NewInt(1), stable: big.NewInt(1)}
	c := newTestCache(fetcher)

	c.Get(context.Background(), testAddr)
	c.Invalidate(testAddr)
	c.Get(context.Background(), testAddr)

	nativeCalls, _ := fetcher.calls()
	assert.Equal(t, 2, nativeCalls)
}
