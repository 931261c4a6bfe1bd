package scan

import (
	"context"
	"fmt"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// PagingScan auto-pages a native backend query using the backend's paging
// cookie protocol, optionally resuming from a caller-supplied cookie
// and stopping after MaxRows rows (spec §4.H). Every page is requested at
// the backend's default page size; InitialPage only seeds the local page
// counter and is not sent to the backend.
type PagingScan struct {
	plan.Leaf
	Query       string
	RemoteLabel string
	Columns     []string

	InitialPage   int32
	InitialCookie string
	MaxRows       int64 // 0 means unbounded
}

func (n *PagingScan) Description() string {
	return fmt.Sprintf("PagingScan(%s, maxRows=%d)", n.Query, n.MaxRows)
}

func (n *PagingScan) EstimatedRows() int64 { return -1 }

func (n *PagingScan) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
	ctx, span := pctx.StartSpan(ctx, n.Description())
	out := make(chan plan.RowOrErr)
	go func() {
		defer close(out)
		defer span.End()

		ex, err := pctx.Executor(n.RemoteLabel)
		if err != nil {
			plan.Emit(ctx, out, plan.RowOrErr{Err: err})
			return
		}

		pageNumber := n.InitialPage
		if pageNumber == 0 {
			pageNumber = 1
		}
		cookie := n.InitialCookie
		var emitted int64

		for {
			var page backend.Page
			runErr := ex.WithClient(ctx, func(c backend.Client) error {
				p, err := c.RetrieveMultiple(ctx, n.Query, 0, cookie)
				if err != nil {
					return err
				}
				page = p
				return nil
			})
			if runErr != nil {
				plan.Emit(ctx, out, plan.RowOrErr{Err: runErr})
				return
			}

			pctx.Stats.IncPagesFetched()
			pctx.Stats.SetLastPagingCookie(page.PagingCookie)
			if page.TotalCount != nil {
				pctx.Stats.SetTotalCount(*page.TotalCount)
			}

			for _, rec := range page.Records {
				if n.MaxRows > 0 && emitted >= n.MaxRows {
					return
				}
				row := responseToRow(rec, n.Columns)
				if !plan.Emit(ctx, out, plan.RowOrErr{Row: row}) {
					return
				}
				emitted++
				pctx.Stats.AddRowsRead(1)
			}

			if !page.MoreRecords || page.PagingCookie == "" {
				return
			}
			if n.MaxRows > 0 && emitted >= n.MaxRows {
				return
			}
			cookie = page.PagingCookie
			pageNumber++
		}
	}()
	return out
}
