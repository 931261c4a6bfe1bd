package pool

import (
	"context"
	"time"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// poolExecutor adapts a Pool to plan.Executor: every call checks a client
// out, runs fn, times it, and feeds the outcome back to the pool's rate
// controller and throttle tracker on release.
type poolExecutor struct{ pool *Pool }

// Executor returns p as a plan.Executor, for binding into a plan.Context.
func (p *Pool) Executor() plan.Executor { return poolExecutor{pool: p} }

func (e poolExecutor) WithClient(ctx context.Context, fn func(backend.Client) error) error {
	h, err := e.pool.Checkout(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	err = fn(h.Client())
	elapsed := time.Since(start)

	if berr, ok := backend.AsError(err); ok && berr.Code == backend.CodeConnectionThrottled {
		e.pool.Release(h, Outcome{Throttled: true, RetryAfter: berr.RetryAfter})
		return err
	}
	e.pool.Release(h, Outcome{Duration: elapsed})
	return err
}
