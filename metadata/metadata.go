// Package metadata implements the metadata query executor (spec §4.K):
// it adapts the backend's schema surface (entities, attributes,
// relationships, option sets) to row-shaped results for the query
// engine, behind the same plan.Node interface the scan package's leaves
// use.
package metadata

import (
	"context"
	"fmt"
	"strings"

	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// Table names one of the six virtual-table shapes the executor emits
// (spec §4.K).
type Table int

const (
	TableEntity Table = iota
	TableAttribute
	TableRelationshipOneToMany
	TableRelationshipManyToMany
	TableOptionSet
	TableOptionSetValue
)

func (t Table) String() string {
	switch t {
	case TableEntity:
		return "entity"
	case TableAttribute:
		return "attribute"
	case TableRelationshipOneToMany:
		return "relationship_one_to_many"
	case TableRelationshipManyToMany:
		return "relationship_many_to_many"
	case TableOptionSet:
		return "option_set"
	case TableOptionSetValue:
		return "option_set_value"
	default:
		return "unknown"
	}
}

// perEntity reports whether listing t requires looping over every entity
// (spec §4.K: "For per-entity attributes and relationships, the executor
// loops over all entities").
func (t Table) perEntity() bool {
	switch t {
	case TableAttribute, TableRelationshipOneToMany, TableRelationshipManyToMany:
		return true
	default:
		return false
	}
}

// EntityDescriptor names one entity in the schema, for the
// per-entity-looping tables.
type EntityDescriptor struct {
	LogicalName string
}

// Source is the backend's schema surface, abstracted the way backend.Client
// abstracts record operations. A production binding translates these to
// the real metadata service; memquery ships an in-memory double for tests.
type Source interface {
	ListEntities(ctx context.Context) ([]EntityDescriptor, error)
	ListAttributes(ctx context.Context, entity string) ([]plan.Row, error)
	ListRelationshipsOneToMany(ctx context.Context, entity string) ([]plan.Row, error)
	ListRelationshipsManyToMany(ctx context.Context, entity string) ([]plan.Row, error)
	ListOptionSets(ctx context.Context) ([]plan.Row, error)
	ListOptionSetValues(ctx context.Context, optionSetName string) ([]plan.Row, error)
}

// Scan is the metadata virtual-table scan node. It implements plan.Node
// so a metadata query composes with the rest of the plan tree exactly
// like RemoteScan or PagingScan.
type Scan struct {
	plan.Leaf
	Source  Source
	Table   Table
	Columns []string // requested projection; empty means all columns

	// OptionSetName filters TableOptionSetValue to one option set; empty
	// means all option sets (the executor loops ListOptionSets first).
	OptionSetName string
}

func (n *Scan) Description() string {
	return fmt.Sprintf("MetadataScan(%s)", n.Table)
}

func (n *Scan) EstimatedRows() int64 { return -1 }

func (n *Scan) ExecuteAsync(ctx context.Context, pctx *plan.Context) <-chan plan.RowOrErr {
	ctx, span := pctx.StartSpan(ctx, n.Description())
	out := make(chan plan.RowOrErr)
	go func() {
		defer close(out)
		defer span.End()

		if n.Table.perEntity() {
			pctx.Report(plan.ProgressWarning, fmt.Sprintf("metadata %s scan loops over every entity; this operation is O(entities)", n.Table))
		}

		rows, err := n.collect(ctx)
		if err != nil {
			plan.Emit(ctx, out, plan.RowOrErr{Err: err})
			return
		}

		for _, row := range rows {
			projected := row
			if len(n.Columns) > 0 {
				projected = row.Project(n.Columns)
			}
			if !plan.Emit(ctx, out, plan.RowOrErr{Row: projected}) {
				return
			}
		}
	}()
	return out
}

func (n *Scan) collect(ctx context.Context) ([]plan.Row, error) {
	switch n.Table {
	case TableEntity:
		entities, err := n.Source.ListEntities(ctx)
		if err != nil {
			return nil, err
		}
		rows := make([]plan.Row, len(entities))
		for i, e := range entities {
			rows[i] = plan.NewRow("entity", []string{"logicalname"}, []plan.Value{plan.String(e.LogicalName)})
		}
		return rows, nil

	case TableOptionSet:
		return n.Source.ListOptionSets(ctx)

	case TableOptionSetValue:
		if n.OptionSetName != "" {
			return n.Source.ListOptionSetValues(ctx, n.OptionSetName)
		}
		optionSets, err := n.Source.ListOptionSets(ctx)
		if err != nil {
			return nil, err
		}
		var all []plan.Row
		for _, os := range optionSets {
			name, _ := os.Get("name")
			vals, err := n.Source.ListOptionSetValues(ctx, name.String())
			if err != nil {
				return nil, err
			}
			all = append(all, vals...)
		}
		return all, nil

	case TableAttribute:
		return n.collectPerEntity(ctx, n.Source.ListAttributes)

	case TableRelationshipOneToMany:
		return n.collectRelationships(ctx, n.Source.ListRelationshipsOneToMany)

	case TableRelationshipManyToMany:
		return n.collectRelationships(ctx, n.Source.ListRelationshipsManyToMany)

	default:
		return nil, fmt.Errorf("metadata: unknown table %v", n.Table)
	}
}

func (n *Scan) collectPerEntity(ctx context.Context, fetch func(context.Context, string) ([]plan.Row, error)) ([]plan.Row, error) {
	entities, err := n.Source.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	var all []plan.Row
	for _, e := range entities {
		rows, err := fetch(ctx, e.LogicalName)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
	}
	return all, nil
}

// collectRelationships loops every entity and de-duplicates rows by
// schema name (case-insensitive), since the same relationship appears
// under both participating entities (spec §4.K).
func (n *Scan) collectRelationships(ctx context.Context, fetch func(context.Context, string) ([]plan.Row, error)) ([]plan.Row, error) {
	entities, err := n.Source.ListEntities(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var all []plan.Row
	for _, e := range entities {
		rows, err := fetch(ctx, e.LogicalName)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			schemaName, ok := row.Get("schemaname")
			if !ok {
				all = append(all, row)
				continue
			}
			key := strings.ToLower(schemaName.String())
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			all = append(all, row)
		}
	}
	return all, nil
}
