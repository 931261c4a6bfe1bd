// Package bulk implements the BulkExecutor (spec §4.F): batched
// Create/Update/Upsert/Delete dispatch across a pool, live-parallelism
// aware, with throttle/transient/fatal handling and continue-on-error
// semantics.
//
// Batch dispatch is grounded on the teacher's WorkerPool
// (server/worker_pool.go): a bounded number of concurrently in-flight
// units of work, graceful shutdown via context cancellation plus
// sync.WaitGroup, and panic recovery per task. Unlike WorkerPool's fixed
// worker count, the controller's permitted parallelism changes live, so
// admission uses a condition-variable gate re-read before every batch
// (the same shape Pool.Checkout itself uses) rather than one
// errgroup.SetLimit call fixed at group creation — documented in
// DESIGN.md's Open Question ledger. golang.org/x/sync/errgroup still
// supplies "first error wins, cancel the rest" coordination across
// batch goroutines.
package bulk

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/metrics"
	"github.com/iperfex-team/dataverse-bulkmw/pool"
)

// Operation is one of the four bulk verbs (spec §4.F).
type Operation string

const (
	OpCreate Operation = "Create"
	OpUpdate Operation = "Update"
	OpUpsert Operation = "Upsert"
	OpDelete Operation = "Delete"
)

// Options configures one BulkExecutor.Execute call.
type Options struct {
	BatchSize       int
	ContinueOnError bool
	MaxAttempts     int           // for Transient retries and re-queued Throttled batches; default 3
	BaseBackoff     time.Duration // default 200ms, doubled per attempt
}

func (o Options) withDefaults() Options {
	if o.BatchSize < 1 {
		o.BatchSize = 1
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 200 * time.Millisecond
	}
	return o
}

// RecordError is one failed record's result, reported with its source
// index within the original input slice (spec §4.F).
type RecordError struct {
	Index   int
	Code    backend.Code
	Message string
}

// Result is BulkExecutor.Execute's final report (spec §4.F).
type Result struct {
	SuccessCount int
	FailureCount int
	CreatedCount int
	UpdatedCount int
	Errors       []RecordError
	Duration     time.Duration
}

// Executor batches and dispatches bulk operations across a pool.
type Executor struct {
	Pool *pool.Pool

	// Metrics, when non-nil, records per-record success/failure counts
	// for every batch (spec §4.M).
	Metrics *metrics.Registry
	// TracerProvider builds the tracer wrapping each batch's dispatch in
	// a span (spec §4.M: "BulkExecutor.Execute per batch"). Nil uses the
	// global no-op provider.
	TracerProvider trace.TracerProvider

	tracer trace.Tracer

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int
}

// New constructs an Executor bound to p.
func New(p *pool.Pool) *Executor {
	e := &Executor{Pool: p, tracer: metrics.Tracer(nil)}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// bindObservability resolves e.tracer from TracerProvider, called once
// per Execute so a caller that sets Metrics/TracerProvider after New
// (rather than through a constructor argument) still gets them wired.
func (e *Executor) bindObservability() {
	e.tracer = metrics.Tracer(e.TracerProvider)
}

type batch struct {
	offset  int
	records []map[string]any
}

// Execute runs operation against entities in batches of at most
// opts.BatchSize, with at most Pool.Controller().GetParallelism() batches
// in flight at a time (spec §4.F).
func (e *Executor) Execute(ctx context.Context, entities []map[string]any, operation Operation, opts Options) (Result, error) {
	opts = opts.withDefaults()
	e.bindObservability()
	start := time.Now()

	batches := chunk(entities, opts.BatchSize)

	var (
		successCount int64
		createdCount int64
		updatedCount int64
		mu           sync.Mutex
		errs         []RecordError
	)

	recordErr := func(idx int, err error) {
		code := backend.CodeConnectionFatal
		msg := err.Error()
		if berr, ok := backend.AsError(err); ok {
			code, msg = berr.Code, berr.Message
		}
		mu.Lock()
		errs = append(errs, RecordError{Index: idx, Code: code, Message: msg})
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, b := range batches {
		if err := e.admit(gctx); err != nil {
			break
		}
		b := b
		g.Go(func() error {
			defer e.release()
			return e.runBatch(gctx, b, operation, opts, recordErr, &successCount, &createdCount, &updatedCount)
		})
	}

	waitErr := g.Wait()
	if waitErr != nil && !opts.ContinueOnError {
		return Result{}, waitErr
	}

	return Result{
		SuccessCount: int(atomic.LoadInt64(&successCount)),
		FailureCount: len(errs),
		CreatedCount: int(atomic.LoadInt64(&createdCount)),
		UpdatedCount: int(atomic.LoadInt64(&updatedCount)),
		Errors:       errs,
		Duration:     time.Since(start),
	}, nil
}

// admit blocks until fewer than the controller's current permitted
// parallelism batches are in flight, re-reading the ceiling on every
// wake since it changes live (spec §4.F's "at most
// controller.GetParallelism() batches in flight").
func (e *Executor) admit(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ceiling := e.Pool.Controller().GetParallelism(0, len(e.Pool.Identities()))
		if ceiling < 1 {
			ceiling = 1
		}
		if e.inFlight < ceiling {
			e.inFlight++
			return nil
		}
		if err := e.waitLocked(ctx); err != nil {
			return err
		}
	}
}

func (e *Executor) waitLocked(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			e.cond.Broadcast()
		case <-done:
		}
	}()
	e.cond.Wait()
	return ctx.Err()
}

func (e *Executor) release() {
	e.mu.Lock()
	e.inFlight--
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *Executor) runBatch(
	ctx context.Context,
	b batch,
	operation Operation,
	opts Options,
	recordErr func(int, error),
	successCount, createdCount, updatedCount *int64,
) error {
	ctx, span := e.tracer.Start(ctx, "BulkExecutor.Execute")
	defer span.End()

	reqs := make([]backend.Request, len(b.records))
	for i, payload := range b.records {
		reqs[i] = backend.Request{
			Operation: string(operation),
			Entity:    stringField(payload, "entity"),
			ID:        stringField(payload, "id"),
			Payload:   payload,
		}
	}

	for attempt := 1; ; attempt++ {
		var outcomes []backend.Outcome
		runErr := e.Pool.Executor().WithClient(ctx, func(c backend.Client) error {
			o, err := c.ExecuteMultiple(ctx, reqs, backend.ExecuteMultipleOptions{ContinueOnError: opts.ContinueOnError})
			outcomes = o
			return err
		})

		if runErr == nil {
			for i, o := range outcomes {
				if o.Err != nil {
					recordErr(b.offset+i, o.Err)
					e.recordOutcome(operation, false)
					if !opts.ContinueOnError {
						span.RecordError(o.Err)
						return o.Err
					}
					continue
				}
				atomic.AddInt64(successCount, 1)
				e.recordOutcome(operation, true)
				switch operation {
				case OpCreate:
					atomic.AddInt64(createdCount, 1)
				case OpUpdate, OpUpsert:
					atomic.AddInt64(updatedCount, 1)
				}
			}
			return nil
		}

		berr, isBackendErr := backend.AsError(runErr)
		switch {
		case isBackendErr && berr.Code == backend.CodeConnectionThrottled:
			// pool.Executor has already recorded the cooldown and
			// notified the controller; re-queue by retrying once this
			// goroutine's next checkout succeeds (the create-duplicate
			// risk on a re-queued idempotent-or-upsert batch is an
			// application concern per spec §4.F, not handled here).
			if attempt < opts.MaxAttempts {
				continue
			}

		case isBackendErr && berr.Code == backend.CodeConnectionTransient:
			if attempt < opts.MaxAttempts {
				backoff := opts.BaseBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
				select {
				case <-time.After(backoff):
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}

		span.RecordError(runErr)
		for i := range b.records {
			recordErr(b.offset+i, runErr)
			e.recordOutcome(operation, false)
		}
		if !opts.ContinueOnError {
			return runErr
		}
		return nil
	}
}

// recordOutcome increments the per-record success/failure counter for
// operation, a no-op when no Metrics registry is bound (spec §4.M).
func (e *Executor) recordOutcome(operation Operation, success bool) {
	if e.Metrics == nil {
		return
	}
	if success {
		e.Metrics.BulkSuccessTotal.WithLabelValues(string(operation)).Inc()
	} else {
		e.Metrics.BulkFailureTotal.WithLabelValues(string(operation)).Inc()
	}
}

// stringField reads m[key] as a string, the convention every bulk record
// uses to carry its target entity name and record id alongside the field
// payload itself.
func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func chunk(entities []map[string]any, size int) []batch {
	if len(entities) == 0 {
		return nil
	}
	var out []batch
	for i := 0; i < len(entities); i += size {
		end := i + size
		if end > len(entities) {
			end = len(entities)
		}
		out = append(out, batch{offset: i, records: entities[i:end]})
	}
	return out
}
