package transform

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// ParallelPartition executes N child nodes concurrently, up to
// MaxParallelism simultaneous, streaming their rows into a bounded
// fan-in channel (spec §4.I). Row order across children is not
// preserved. On any child error, the output channel is completed with
// that error; an error whose text matches AggregateLimitMarker is
// converted to backend.AggregateLimitExceeded first.
type ParallelPartition struct {
	Partitions     []plan.Node
	MaxParallelism int
	BufferSize     int

	// AggregateLimitMarker is the substring the backend's wire-level
	// aggregate-record-limit fault carries (spec §6); a BackendClient
	// implementation may already convert this at its boundary, in which
	// case a child error arrives pre-converted and this marker never
	// matches. Defaults to a conservative marker if empty.
	AggregateLimitMarker string
}

func (n *ParallelPartition) Description() string {
	return fmt.Sprintf("ParallelPartition(%d children, max=%d)", len(n.Partitions), n.MaxParallelism)
}

func (n *ParallelPartition) EstimatedRows() int64 {
	var total int64
	for _, c := range n.Partitions {
		r := c.EstimatedRows()
		if r < 0 {
			return -1
		}
		total += r
	}
	return total
}

func (n *ParallelPartition) Children() []plan.Node { return n.Partitions }

func (n *ParallelPartition) marker() string {
	if n.AggregateLimitMarker != "" {
		return n.AggregateLimitMarker
	}
	return "AggregateQueryRecordLimitExceeded"
}

func (n *ParallelPartition) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
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

		maxPar := n.MaxParallelism
		if maxPar < 1 {
			maxPar = 1
		}
		sem := make(chan struct{}, maxPar)

		var wg sync.WaitGroup
		for _, child := range n.Partitions {
			child := child
			select {
			case sem <- struct{}{}:
			case <-childCtx.Done():
				wg.Wait()
				return
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				ch := child.ExecuteAsync(childCtx, pctx)
				for v := range ch {
					if v.Err != nil {
						select {
						case out <- plan.RowOrErr{Err: n.convertErr(v.Err)}:
						case <-childCtx.Done():
						}
						cancel()
						return
					}
					select {
					case out <- v:
					case <-childCtx.Done():
						return
					}
				}
			}()
		}

		// The parent awaits every producer goroutine before the channel
		// drains, so a child's error is never lost even if the consumer
		// stops reading after the first failure (spec §4.I).
		wg.Wait()
	}()

	return out
}

func (n *ParallelPartition) convertErr(err error) error {
	if strings.Contains(err.Error(), n.marker()) {
		return backend.AggregateLimitExceeded()
	}
	return err
}
