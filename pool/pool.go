// Package pool implements the ConnectionPool (spec §4.C) and the
// CachedPoolRegistry (spec §4.E) that key pools by (identity-set,
// endpoint).
//
// ConnectionPool's checkout selection (among clients not in cooldown: fewest
// in-flight checkouts, then stable identity-name order, then least recently
// used) and its
// thread-safety contract are grounded on the teacher's WorkerPool
// (iperfex-team/burrowctl server/worker_pool.go): a mutex-guarded slice of
// resources, a started/stopped lifecycle, and Stats()-style snapshot
// accessors.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/metrics"
	"github.com/iperfex-team/dataverse-bulkmw/ratelimit"
)

// Client pairs a backend.Client with the identity that owns it, so the
// pool can do per-identity cooldown/quota bookkeeping.
type Client struct {
	Identity string
	Conn     backend.Client
}

// clientState is the pool's private bookkeeping for one pooled client.
type clientState struct {
	client     Client
	inFlight   int
	lastUsedAt time.Time
}

// Config configures a Pool at construction time.
type Config struct {
	RecommendedPerIdentity int // server-recommended per-identity parallelism, floor input
	RateLimiter            ratelimit.Config
	ThrottleCleanup        time.Duration

	// Metrics, when non-nil, is updated from the same critical sections
	// that mutate pool state (spec §4.C/§4.M) — no separate polling loop.
	Metrics *metrics.Registry
	// MetricsKey labels this pool's series in Metrics (the "pool" label).
	// Defaults to the sorted identity names joined with "+" when empty.
	MetricsKey string

	// TracerProvider builds the tracer used for Checkout/Release spans
	// (spec §4.M). Nil uses the global no-op provider.
	TracerProvider trace.TracerProvider
}

// Pool holds an ordered multiset of backend.Clients for one
// (identity-set, endpoint), plus a ThrottleTracker and
// AdaptiveRateController (spec §3 "Pool").
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	clients []*clientState

	identities []string // sorted, unique

	throttle   *ratelimit.ThrottleTracker
	controller *ratelimit.AdaptiveRateController
	recPerID   int

	metrics    *metrics.Registry
	metricsKey string
	tracer     trace.Tracer

	closed bool
}

// New constructs a pool over the given clients. clients must be
// non-empty; every client belongs to exactly one identity in the
// identity-set (spec §3 invariant).
func New(clients []Client, cfg Config) (*Pool, error) {
	if len(clients) == 0 {
		return nil, fmt.Errorf("pool: at least one client is required")
	}

	idSet := map[string]struct{}{}
	states := make([]*clientState, 0, len(clients))
	for _, c := range clients {
		idSet[c.Identity] = struct{}{}
		states = append(states, &clientState{client: c})
	}
	identities := make([]string, 0, len(idSet))
	for id := range idSet {
		identities = append(identities, id)
	}
	sort.Strings(identities)

	metricsKey := cfg.MetricsKey
	if metricsKey == "" {
		metricsKey = strings.Join(identities, "+")
	}

	p := &Pool{
		clients:    states,
		identities: identities,
		throttle:   ratelimit.NewThrottleTracker(cfg.ThrottleCleanup),
		controller: ratelimit.NewAdaptiveRateController(cfg.RateLimiter),
		recPerID:   cfg.RecommendedPerIdentity,
		metrics:    cfg.Metrics,
		metricsKey: metricsKey,
		tracer:     metrics.Tracer(cfg.TracerProvider),
	}
	p.cond = sync.NewCond(&p.mu)

	if p.metrics != nil {
		p.metrics.PoolClientsTotal.WithLabelValues(metricsKey).Set(float64(len(states)))
	}
	return p, nil
}

// Handle is the single-owner checkout result. The caller must not hand it
// to another goroutine, and must call Release exactly once, even if its
// own operation was cancelled (spec §4.C concurrency contract).
type Handle struct {
	pool  *Pool
	state *clientState
}

// Client returns the checked-out backend client.
func (h *Handle) Client() backend.Client { return h.state.client.Conn }

// Identity returns the identity that owns the checked-out client.
func (h *Handle) Identity() string { return h.state.client.Identity }

// Outcome describes what happened to the batch that used a checked-out
// handle, for Release to feed back to the rate controller and throttle
// tracker.
type Outcome struct {
	Duration   time.Duration // batch duration; ignored when Throttled is set
	Throttled  bool
	RetryAfter time.Duration
}

// Checkout returns an eligible client and reserves one unit of parallelism.
// It blocks if every client is in cooldown or if the rate controller has
// reduced the permitted parallelism below the number of in-flight
// checkouts.
func (p *Pool) Checkout(ctx context.Context) (*Handle, error) {
	ctx, span := p.tracer.Start(ctx, "Pool.Checkout")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.closed {
			err := fmt.Errorf("pool: closed")
			span.RecordError(err)
			return nil, err
		}

		if h := p.tryCheckoutLocked(); h != nil {
			p.reportInFlightLocked()
			return h, nil
		}

		if err := p.waitLocked(ctx); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
}

// waitLocked blocks until either the condition variable is signaled (a
// release happened), a cooling-down client becomes eligible, or ctx is
// cancelled. It must be called with p.mu held and returns with p.mu held.
//
// A Release only ever broadcasts once; if every client is presently in
// cooldown, no future Release is guaranteed to happen on its own, so a
// waiter that relied solely on that broadcast could block forever past
// its retry-after (spec §3: "checkout waits until at least one becomes
// eligible or cancellation fires" — eligibility must itself be able to
// wake the wait, not just a release).
func (p *Pool) waitLocked(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	done := make(chan struct{})
	defer close(done)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				p.cond.Broadcast()
			case <-done:
			}
		}()
	}

	if next := p.throttle.NextAvailableAt(p.identities); !next.IsZero() {
		if d := time.Until(next); d > 0 {
			timer := time.AfterFunc(d, p.cond.Broadcast)
			defer timer.Stop()
		}
	}

	p.cond.Wait() // releases p.mu while waiting, reacquires before returning

	return ctx.Err()
}

func (p *Pool) tryCheckoutLocked() *Handle {
	inFlight := p.totalInFlightLocked()
	hardCeiling := p.controller.Snapshot().HardCeiling
	if hardCeiling == 0 {
		// Controller not primed yet; prime it so the invariant
		// inFlight <= hardCeiling*|identities| has a real bound.
		p.controller.GetParallelism(p.recPerID, len(p.identities))
		hardCeiling = p.controller.Snapshot().HardCeiling
	}
	if inFlight >= hardCeiling {
		return nil
	}

	permitted := p.controller.GetParallelism(p.recPerID, len(p.identities))
	if inFlight >= permitted {
		return nil
	}

	best := p.selectLocked()
	if best == nil {
		return nil
	}
	best.inFlight++
	best.lastUsedAt = time.Now()
	return &Handle{pool: p, state: best}
}

// selectLocked implements spec §4.C's selection order: not in cooldown,
// then no in-flight checkouts, then smallest per-client in-flight count,
// ties broken by stable identity-name ordering, then least-recently-used.
func (p *Pool) selectLocked() *clientState {
	var best *clientState
	for _, cs := range p.clients {
		if !p.throttle.IsAvailable(cs.client.Identity) {
			continue
		}
		if best == nil || better(cs, best) {
			best = cs
		}
	}
	return best
}

func better(a, b *clientState) bool {
	if a.inFlight != b.inFlight {
		return a.inFlight < b.inFlight
	}
	if a.client.Identity != b.client.Identity {
		return a.client.Identity < b.client.Identity
	}
	return a.lastUsedAt.Before(b.lastUsedAt)
}

func (p *Pool) totalInFlightLocked() int {
	total := 0
	for _, cs := range p.clients {
		total += cs.inFlight
	}
	return total
}

// reportInFlightLocked mirrors the just-updated in-flight and cooldown
// counts into Metrics, called from the same critical section that
// changes them (spec §4.C/§4.M: no separate polling loop). Must be
// called with p.mu held.
func (p *Pool) reportInFlightLocked() {
	if p.metrics == nil {
		return
	}
	cooling := 0
	for _, cs := range p.clients {
		if !p.throttle.IsAvailable(cs.client.Identity) {
			cooling++
		}
	}
	p.metrics.PoolInFlight.WithLabelValues(p.metricsKey).Set(float64(p.totalInFlightLocked()))
	p.metrics.PoolClientsCooldown.WithLabelValues(p.metricsKey).Set(float64(cooling))
}

// reportControllerLocked mirrors the controller's current/floor/hard
// ceiling into Metrics. Must be called with p.mu held, but reads the
// controller's own lock via Snapshot rather than p.mu.
func (p *Pool) reportControllerLocked() {
	if p.metrics == nil {
		return
	}
	snap := p.controller.Snapshot()
	p.metrics.ControllerCurrent.WithLabelValues(p.metricsKey).Set(float64(snap.Current))
	p.metrics.ControllerFloor.WithLabelValues(p.metricsKey).Set(float64(snap.Floor))
	p.metrics.ControllerHardCeiling.WithLabelValues(p.metricsKey).Set(float64(snap.HardCeiling))
}

// Release returns the client to the pool and feeds the batch outcome to
// the rate controller and (on throttle) the throttle tracker. Thread-safe.
func (p *Pool) Release(h *Handle, outcome Outcome) {
	_, span := p.tracer.Start(context.Background(), "Pool.Release")
	defer span.End()

	p.mu.Lock()
	h.state.inFlight--
	if h.state.inFlight < 0 {
		h.state.inFlight = 0
	}
	p.reportInFlightLocked()
	p.mu.Unlock()
	p.cond.Broadcast()

	if outcome.Throttled {
		p.throttle.RecordCooldown(h.Identity(), time.Now().Add(outcome.RetryAfter))
		p.controller.RecordThrottle(outcome.RetryAfter)
		if p.metrics != nil {
			p.metrics.ThrottleEventsTotal.WithLabelValues(p.metricsKey).Inc()
		}
		p.mu.Lock()
		p.reportControllerLocked()
		p.reportInFlightLocked() // cooldown gauge reflects the just-recorded cooldown
		p.mu.Unlock()
		return
	}
	if outcome.Duration > 0 {
		p.controller.RecordBatchCompletion(outcome.Duration)
		p.mu.Lock()
		p.reportControllerLocked()
		p.mu.Unlock()
	}
}

// Identities returns the sorted, de-duplicated identity names in this
// pool's identity-set.
func (p *Pool) Identities() []string {
	out := make([]string, len(p.identities))
	copy(out, p.identities)
	return out
}

// Controller exposes the pool's rate controller, e.g. for BulkExecutor to
// read the current permitted parallelism directly.
func (p *Pool) Controller() *ratelimit.AdaptiveRateController { return p.controller }

// Throttle exposes the pool's throttle tracker.
func (p *Pool) Throttle() *ratelimit.ThrottleTracker { return p.throttle }

// InFlight returns the total number of checkouts currently outstanding,
// for tests and metrics.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalInFlightLocked()
}

// Close disposes the pool: it stops the throttle tracker's background
// goroutine and wakes any blocked checkouts so they observe closure.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.throttle.Stop()
	return nil
}
