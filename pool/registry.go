package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Key identifies one cached pool entry: a normalized (sorted identity
// names, normalized endpoint) pair (spec §3 "CachedPoolEntry").
type Key struct {
	Identities []string
	Endpoint   string
}

// normalized returns a copy of k with identities sorted and the endpoint
// lower-cased/trimmed, plus the string form used as the registry's and
// singleflight's map key.
func (k Key) normalized() (Key, string) {
	ids := append([]string(nil), k.Identities...)
	sort.Strings(ids)
	endpoint := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(k.Endpoint), "/"))
	nk := Key{Identities: ids, Endpoint: endpoint}
	return nk, strings.Join(ids, ",") + "@" + endpoint
}

// Builder constructs a new Pool for a key. Construction failures do not
// poison the registry: a failed attempt is removed, leaving the next
// caller free to retry (spec §3, §4.E).
type Builder func(ctx context.Context, key Key) (*Pool, error)

// Registry is a concurrent, keyed cache of pools with at-most-once async
// construction. Construction concurrency is implemented with
// golang.org/x/sync/singleflight rather than a hand-rolled "future in a
// map" — singleflight gives the same "one builder per key, every caller
// shares its result" guarantee the teacher gets from the double-checked
// map inserts in server/rate_limiter.go and server/query_cache.go, without
// reinventing the bookkeeping.
type Registry struct {
	build Builder

	mu      sync.RWMutex
	entries map[string]*Pool
	keys    map[string]Key // string key -> normalized Key, for invalidation scans

	group singleflight.Group
}

// NewRegistry constructs a registry that uses build to construct pools on
// first reference to a given key.
func NewRegistry(build Builder) *Registry {
	return &Registry{
		build:   build,
		entries: make(map[string]*Pool),
		keys:    make(map[string]Key),
	}
}

// GetOrCreate returns the cached pool for key, constructing it if this is
// the first reference. Concurrent callers for the same key share one
// in-flight construction.
func (r *Registry) GetOrCreate(ctx context.Context, key Key) (*Pool, error) {
	nk, sk := key.normalized()

	r.mu.RLock()
	if p, ok := r.entries[sk]; ok {
		r.mu.RUnlock()
		return p, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do(sk, func() (any, error) {
		// Re-check: another caller may have finished building while we
		// waited to enter Do (the entry could already exist if a prior
		// Do call for this key raced us into the group and completed).
		r.mu.RLock()
		if p, ok := r.entries[sk]; ok {
			r.mu.RUnlock()
			return p, nil
		}
		r.mu.RUnlock()

		p, err := r.build(ctx, nk)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.entries[sk] = p
		r.keys[sk] = nk
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		// Construction failed: nothing was ever inserted, so the next
		// caller for this key starts a fresh attempt (singleflight itself
		// forgets the call once Do returns).
		return nil, fmt.Errorf("pool registry: building pool for %v: %w", nk, err)
	}
	return v.(*Pool), nil
}

// InvalidateIdentity removes and asynchronously disposes every cached
// entry whose identity-list contains name.
func (r *Registry) InvalidateIdentity(name string) {
	r.invalidateWhere(func(k Key) bool {
		for _, id := range k.Identities {
			if id == name {
				return true
			}
		}
		return false
	})
}

// InvalidateEndpoint removes and asynchronously disposes every cached
// entry whose endpoint matches the normalized URL.
func (r *Registry) InvalidateEndpoint(url string) {
	target, _ := Key{Endpoint: url}.normalized()
	r.invalidateWhere(func(k Key) bool { return k.Endpoint == target.Endpoint })
}

func (r *Registry) invalidateWhere(match func(Key) bool) {
	r.mu.Lock()
	var toClose []*Pool
	for sk, k := range r.keys {
		if !match(k) {
			continue
		}
		if p, ok := r.entries[sk]; ok {
			toClose = append(toClose, p)
		}
		delete(r.entries, sk)
		delete(r.keys, sk)
		r.group.Forget(sk)
	}
	r.mu.Unlock()

	for _, p := range toClose {
		go p.Close()
	}
}

// DisposeAll removes every entry and awaits their disposal.
func (r *Registry) DisposeAll() {
	r.mu.Lock()
	pools := make([]*Pool, 0, len(r.entries))
	for sk, p := range r.entries {
		pools = append(pools, p)
		delete(r.entries, sk)
		delete(r.keys, sk)
		r.group.Forget(sk)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(pools))
	for _, p := range pools {
		p := p
		go func() {
			defer wg.Done()
			p.Close()
		}()
	}
	wg.Wait()
}

// Len returns the number of cached entries, for tests.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
