package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/iperfex-team/dataverse-bulkmw/memquery"
	"github.com/iperfex-team/dataverse-bulkmw/ratelimit"
)

func buildCounting(calls *int64) Builder {
	return func(ctx context.Context, key Key) (*Pool, error) {
		atomic.AddInt64(calls, 1)
		return New([]Client{{Identity: key.Identities[0], Conn: memquery.New(10)}}, Config{RateLimiter: ratelimit.DefaultConfig()})
	}
}

func TestRegistryBuildsOncePerKey(t *testing.T) {
	var calls int64
	r := NewRegistry(buildCounting(&calls))
	defer r.DisposeAll()

	key := Key{Identities: []string{"acct"}, Endpoint: "https://example.test/"}

	p1, err := r.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	p2, err := r.GetOrCreate(context.Background(), key)
	require.NoError(t, err)

	require.Same(t, p1, p2)
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRegistryConcurrentCallersShareOneConstruction(t *testing.T) {
	var calls int64
	r := NewRegistry(buildCounting(&calls))
	defer r.DisposeAll()

	key := Key{Identities: []string{"acct"}, Endpoint: "https://example.test"}

	var wg sync.WaitGroup
	results := make([]*Pool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := r.GetOrCreate(context.Background(), key)
			require.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	for _, p := range results {
		require.Same(t, results[0], p)
	}
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRegistryKeyNormalizationIgnoresOrderAndCase(t *testing.T) {
	var calls int64
	r := NewRegistry(buildCounting(&calls))
	defer r.DisposeAll()

	k1 := Key{Identities: []string{"a", "b"}, Endpoint: "HTTPS://Example.test/"}
	k2 := Key{Identities: []string{"b", "a"}, Endpoint: "https://example.test"}

	p1, err := r.GetOrCreate(context.Background(), k1)
	require.NoError(t, err)
	p2, err := r.GetOrCreate(context.Background(), k2)
	require.NoError(t, err)

	require.Same(t, p1, p2)
	require.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRegistryFailedBuildDoesNotPoisonFutureAttempts(t *testing.T) {
	first := true
	var mu sync.Mutex
	build := func(ctx context.Context, key Key) (*Pool, error) {
		mu.Lock()
		defer mu.Unlock()
		if first {
			first = false
			return nil, fmt.Errorf("boom")
		}
		return New([]Client{{Identity: "acct", Conn: memquery.New(10)}}, Config{RateLimiter: ratelimit.DefaultConfig()})
	}
	r := NewRegistry(build)
	defer r.DisposeAll()

	key := Key{Identities: []string{"acct"}, Endpoint: "ep"}

	_, err := r.GetOrCreate(context.Background(), key)
	require.Error(t, err)

	p, err := r.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestRegistryInvalidateIdentityRemovesMatchingEntries(t *testing.T) {
	var calls int64
	r := NewRegistry(buildCounting(&calls))
	defer r.DisposeAll()

	key := Key{Identities: []string{"acct"}, Endpoint: "ep"}
	_, err := r.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	r.InvalidateIdentity("acct")
	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, time.Millisecond)
}
