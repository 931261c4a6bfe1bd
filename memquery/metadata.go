package memquery

import (
	"context"

	"github.com/iperfex-team/dataverse-bulkmw/metadata"
	"github.com/iperfex-team/dataverse-bulkmw/plan"
)

// MetadataSource is an in-memory metadata.Source double for metadata
// executor tests.
type MetadataSource struct {
	Entities      []string
	Attributes    map[string][]plan.Row // entity -> attribute rows
	OneToMany     map[string][]plan.Row
	ManyToMany    map[string][]plan.Row
	OptionSets    []plan.Row
	OptionSetVals map[string][]plan.Row // option set name -> value rows
}

func NewMetadataSource() *MetadataSource {
	return &MetadataSource{
		Attributes:    make(map[string][]plan.Row),
		OneToMany:     make(map[string][]plan.Row),
		ManyToMany:    make(map[string][]plan.Row),
		OptionSetVals: make(map[string][]plan.Row),
	}
}

func (m *MetadataSource) ListEntities(ctx context.Context) ([]metadata.EntityDescriptor, error) {
	out := make([]metadata.EntityDescriptor, len(m.Entities))
	for i, e := range m.Entities {
		out[i] = metadata.EntityDescriptor{LogicalName: e}
	}
	return out, nil
}

func (m *MetadataSource) ListAttributes(ctx context.Context, entity string) ([]plan.Row, error) {
	return m.Attributes[entity], nil
}

func (m *MetadataSource) ListRelationshipsOneToMany(ctx context.Context, entity string) ([]plan.Row, error) {
	return m.OneToMany[entity], nil
}

func (m *MetadataSource) ListRelationshipsManyToMany(ctx context.Context, entity string) ([]plan.Row, error) {
	return m.ManyToMany[entity], nil
}

func (m *MetadataSource) ListOptionSets(ctx context.Context) ([]plan.Row, error) {
	return m.OptionSets, nil
}

func (m *MetadataSource) ListOptionSetValues(ctx context.Context, optionSetName string) ([]plan.Row, error) {
	return m.OptionSetVals[optionSetName], nil
}
