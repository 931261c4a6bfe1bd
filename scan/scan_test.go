package scan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iperfex-team/dataverse-bulkmw/memquery"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

func newTestContext(c *memquery.Client) *plan.Context {
	return plan.NewContext(plan.SingleClientExecutor(c))
}

func TestRemoteScanEmitsEveryRecordOnce(t *testing.T) {
	c := memquery.New(50)
	c.Seed("account", map[string]any{"name": "Acme"}, map[string]any{"name": "Contoso"})

	n := &RemoteScan{Query: "account"}
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), newTestContext(c)))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	names := map[string]bool{}
	for _, r := range rows {
		v, ok := r.Get("name")
		require.True(t, ok)
		names[v.Str] = true
	}
	require.True(t, names["Acme"])
	require.True(t, names["Contoso"])
}

func TestRemoteScanProjectsRequestedColumns(t *testing.T) {
	c := memquery.New(50)
	c.Seed("account", map[string]any{"name": "Acme", "revenue": 100})

	n := &RemoteScan{Query: "account", Columns: []string{"name"}}
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), newTestContext(c)))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []string{"name"}, rows[0].Columns())
}

func TestRemoteScanUpdatesStats(t *testing.T) {
	c := memquery.New(50)
	c.Seed("account", map[string]any{"name": "Acme"})

	pctx := newTestContext(c)
	n := &RemoteScan{Query: "account"}
	_, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)

	require.Equal(t, int64(1), pctx.Stats.PagesFetched())
	require.Equal(t, int64(1), pctx.Stats.RowsRead())
}

func TestRemoteScanErrorsOnUnknownRemoteLabel(t *testing.T) {
	c := memquery.New(50)
	pctx := newTestContext(c)

	n := &RemoteScan{Query: "account", RemoteLabel: "east"}
	_, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.Error(t, err)
}

func TestRemoteScanPropagatesBackendError(t *testing.T) {
	c := memquery.New(50)
	c.ThrottleOnCall(1)
	n := &RemoteScan{Query: "account"}
	_, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), newTestContext(c)))
	require.Error(t, err)
}
