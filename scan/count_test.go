package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iperfex-team/dataverse-bulkmw/backend"
	"github.com/iperfex-team/dataverse-bulkmw/memquery"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// noCountClient wraps a memquery.Client but reports GetTotalCount as
// unsupported, exercising CountOptimized's fallback path.
type noCountClient struct{ *memquery.Client }

func (noCountClient) GetTotalCount(ctx context.Context, entity string) (int64, bool, error) {
	return 0, false, nil
}

func TestCountOptimizedUsesBackendTotalCount(t *testing.T) {
	c := memquery.New(50)
	c.Seed("account", map[string]any{"name": "Acme"}, map[string]any{"name": "Contoso"})

	n := &CountOptimized{Entity: "account", Alias: "total"}
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), newTestContext(c)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	v, ok := rows[0].Get("total")
	require.True(t, ok)
	require.Equal(t, int64(2), v.Int)
}

func TestCountOptimizedFallsBackWhenUnsupported(t *testing.T) {
	inner := memquery.New(50)
	inner.Seed("account", map[string]any{"name": "Acme"}, map[string]any{"name": "Contoso"})
	pctx := plan.NewContext(plan.SingleClientExecutor(noCountClient{inner}))

	fallback := &RemoteScan{Query: "account"}
	n := &CountOptimized{Entity: "account", Alias: "total", Fallback: fallback}

	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, rows, 2, "falls back to enumerating the rows directly")
}

func TestCountOptimizedYieldsNothingWhenUnsupportedAndNoFallback(t *testing.T) {
	inner := memquery.New(50)
	pctx := plan.NewContext(plan.SingleClientExecutor(noCountClient{inner}))

	n := &CountOptimized{Entity: "account", Alias: "total"}
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, rows, 0)
}

func TestCountOptimizedChildrenReflectFallback(t *testing.T) {
	fallback := &RemoteScan{Query: "account"}
	n := &CountOptimized{Fallback: fallback}
	require.Equal(t, []plan.Node{fallback}, n.Children())

	n2 := &CountOptimized{}
	require.Nil(t, n2.Children())
}
