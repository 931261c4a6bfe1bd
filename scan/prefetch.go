package scan

import (
	"context"
	"fmt"

	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// Prefetch wraps a child node in a bounded channel, letting the child run
// ahead of the consumer by up to BufferSize rows (spec §4.H). The producer
// goroutine is grounded on the teacher's buffered WorkerPool.queue plus a
// single-producer drain loop, and its shutdown discipline mirrors
// RateLimiter's stopCh pattern: a done channel the producer always closes,
// so a cancelled consumer never leaks the producer goroutine.
type Prefetch struct {
	Child      plan.Node
	BufferSize int
}

func (n *Prefetch) Description() string {
	return fmt.Sprintf("Prefetch[%d](%s)", n.BufferSize, n.Child.Description())
}

func (n *Prefetch) EstimatedRows() int64 { return n.Child.EstimatedRows() }

func (n *Prefetch) Children() []plan.Node { return []plan.Node{n.Child} }

func (n *Prefetch) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
	size := n.BufferSize
	if size < 1 {
		size = 1
	}
	ctx, span := pctx.StartSpan(ctx, n.Description())
	out := make(chan plan.RowOrErr, size)

	childCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer cancel()
		defer span.End()

		in := n.Child.ExecuteAsync(childCtx, pctx)
		for v := range in {
			select {
			case out <- v:
			case <-ctx.Done():
				return
			}
			if v.Err != nil {
				return
			}
		}
	}()

	return out
}
