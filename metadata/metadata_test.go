package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/iperfex-team/dataverse-bulkmw/memquery"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

type progressRecorder struct {
	events []string
}

func (p *progressRecorder) Report(level plan.ProgressLevel, message string) {
	p.events = append(p.events, message)
}

func newTestContext() (*plan.Context, *progressRecorder) {
	pctx := plan.NewContext(nil)
	rec := &progressRecorder{}
	pctx.Progress = rec
	return pctx, rec
}

func TestEntityScanListsAllEntities(t *testing.T) {
	src := memquery.NewMetadataSource()
	src.Entities = []string{"account", "contact"}

	n := &Scan{Source: src, Table: TableEntity}
	pctx, rec := newTestContext()
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Empty(t, rec.events, "entity listing is not per-entity and should not warn")
}

func TestAttributeScanLoopsAllEntitiesAndWarns(t *testing.T) {
	src := memquery.NewMetadataSource()
	src.Entities = []string{"account", "contact"}
	src.Attributes["account"] = []plan.Row{plan.NewRow("attribute", []string{"name"}, []plan.Value{plan.String("revenue")})}
	src.Attributes["contact"] = []plan.Row{
		plan.NewRow("attribute", []string{"name"}, []plan.Value{plan.String("firstname")}),
		plan.NewRow("attribute", []string{"name"}, []plan.Value{plan.String("lastname")}),
	}

	n := &Scan{Source: src, Table: TableAttribute}
	pctx, rec := newTestContext()
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Len(t, rec.events, 1, "per-entity tables must emit exactly one O(entities) warning")
}

func TestRelationshipScanDeduplicatesBySchemaNameCaseInsensitive(t *testing.T) {
	src := memquery.NewMetadataSource()
	src.Entities = []string{"account", "contact"}
	shared := plan.NewRow("relationship", []string{"schemaname"}, []plan.Value{plan.String("account_contacts")})
	sharedUpper := plan.NewRow("relationship", []string{"schemaname"}, []plan.Value{plan.String("ACCOUNT_CONTACTS")})
	src.OneToMany["account"] = []plan.Row{shared}
	src.OneToMany["contact"] = []plan.Row{sharedUpper}

	n := &Scan{Source: src, Table: TableRelationshipOneToMany}
	pctx, _ := newTestContext()
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, rows, 1, "the same relationship seen from both participating entities must be deduplicated")
}

func TestRelationshipScanKeepsRowsWithoutSchemaName(t *testing.T) {
	src := memquery.NewMetadataSource()
	src.Entities = []string{"account", "contact"}
	src.OneToMany["account"] = []plan.Row{plan.NewRow("relationship", []string{"target"}, []plan.Value{plan.String("contact")})}
	src.OneToMany["contact"] = []plan.Row{plan.NewRow("relationship", []string{"target"}, []plan.Value{plan.String("account")})}

	n := &Scan{Source: src, Table: TableRelationshipOneToMany}
	pctx, _ := newTestContext()
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, rows, 2, "rows without a schemaname column cannot be deduplicated and must pass through")
}

func TestOptionSetValueScanFiltersByName(t *testing.T) {
	src := memquery.NewMetadataSource()
	src.OptionSetVals["status_reason"] = []plan.Row{
		plan.NewRow("option_set_value", []string{"value"}, []plan.Value{plan.Int(1)}),
		plan.NewRow("option_set_value", []string{"value"}, []plan.Value{plan.Int(2)}),
	}
	src.OptionSetVals["priority"] = []plan.Row{
		plan.NewRow("option_set_value", []string{"value"}, []plan.Value{plan.Int(9)}),
	}

	n := &Scan{Source: src, Table: TableOptionSetValue, OptionSetName: "status_reason"}
	pctx, _ := newTestContext()
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestOptionSetValueScanLoopsAllOptionSetsWhenNameEmpty(t *testing.T) {
	src := memquery.NewMetadataSource()
	src.OptionSets = []plan.Row{
		plan.NewRow("option_set", []string{"name"}, []plan.Value{plan.String("status_reason")}),
		plan.NewRow("option_set", []string{"name"}, []plan.Value{plan.String("priority")}),
	}
	src.OptionSetVals["status_reason"] = []plan.Row{
		plan.NewRow("option_set_value", []string{"value"}, []plan.Value{plan.Int(1)}),
	}
	src.OptionSetVals["priority"] = []plan.Row{
		plan.NewRow("option_set_value", []string{"value"}, []plan.Value{plan.Int(9)}),
	}

	n := &Scan{Source: src, Table: TableOptionSetValue}
	pctx, _ := newTestContext()
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestMetadataScanProjectsRequestedColumns(t *testing.T) {
	src := memquery.NewMetadataSource()
	src.Entities = []string{"account"}

	n := &Scan{Source: src, Table: TableEntity, Columns: []string{"logicalname"}}
	pctx, _ := newTestContext()
	rows, err := plan.Collect(context.Background(), n.ExecuteAsync(context.Background(), pctx))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, []string{"logicalname"}, rows[0].Columns())
}

func TestTableStringRendersEachKind(t *testing.T) {
	require.Equal(t, "entity", TableEntity.String())
	require.Equal(t, "attribute", TableAttribute.String())
	require.Equal(t, "relationship_one_to_many", TableRelationshipOneToMany.String())
	require.Equal(t, "relationship_many_to_many", TableRelationshipManyToMany.String())
	require.Equal(t, "option_set", TableOptionSet.String())
	require.Equal(t, "option_set_value", TableOptionSetValue.String())
}
