package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexsus/internal/identity"
	"nexsus/internal/schema"
	"nexsus/internal/source"
	"nexsus/internal/store"
	"nexsus/internal/types"
)

type fixedEmbedder struct{}

func (fixedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func newEnv(t *testing.T) (*store.SQLiteStore, *schema.Registry) {
	t.Helper()
	st, err := store.Open(":memory:", store.Options{VectorSize: 4}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := source.NewMemorySource()
	src.AddModel(source.ModelSchema{
		Model:   "account.move",
		ModelID: 73,
		Fields: []source.FieldDef{
			{FieldID: 1001, Name: "id", Label: "ID", Type: "integer", Stored: true, InPayload: true},
			{FieldID: 1003, Name: "amount_total", Label: "Total", Type: "monetary", Stored: true, InPayload: true},
		},
	})
	reg := schema.NewRegistry(st, zap.NewNop())
	sy := schema.NewSyncer(src, fixedEmbedder{}, st, reg, zap.NewNop())
	_, err = sy.Sync(context.Background(), nil, false)
	require.NoError(t, err)
	return st, reg
}

func sampleCatalog() Catalog {
	return Catalog{
		Instance: []InstanceItem{
			{Item: 1, Name: "company_currency", Description: "Company currency is EUR", Value: "EUR"},
		},
		Models: []ModelItem{
			{Model: "account.move", ModelID: 73, Label: "Invoice", Description: "Customer and vendor invoices"},
		},
		Fields: []FieldItem{
			{Model: "account.move", ModelID: 73, Field: "amount_total", FieldID: 1003,
				Guidance: "Tax-included grand total"},
		},
	}
}

func TestSyncWritesKnowledgePoints(t *testing.T) {
	st, reg := newEnv(t)
	ctx := context.Background()

	sy := NewSyncer(st, fixedEmbedder{}, reg, zap.NewNop())
	n, warnings, err := sy.Sync(ctx, sampleCatalog(), false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, warnings)

	count, err := st.Count(ctx, store.ByType(types.PointTypeKnowledge), true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	id, err := identity.KnowledgeUUID(identity.LevelField, 73, 1003)
	require.NoError(t, err)
	points, err := st.Retrieve(ctx, []string{id}, true, false)
	require.NoError(t, err)
	require.Len(t, points, 1)

	p := points[0].Payload
	assert.Equal(t, "field", p["knowledge_level"])
	assert.Equal(t, "amount_total", p[types.KeyFieldName])
	assert.Contains(t, p["semantic_text"], "Tax-included grand total")
}

func TestSyncConsistencyWarnings(t *testing.T) {
	st, reg := newEnv(t)
	c := sampleCatalog()
	c.Instance = append(c.Instance, InstanceItem{
		Item: 2, Name: "orphan_cfg", Description: "References a ghost", Model: "no.such.model",
	})
	c.Fields = append(c.Fields, FieldItem{
		Model: "ghost.model", ModelID: 999, Field: "x", FieldID: 42, Guidance: "nothing",
	})

	sy := NewSyncer(st, fixedEmbedder{}, reg, zap.NewNop())
	n, warnings, err := sy.Sync(context.Background(), c, false)
	require.NoError(t, err)
	assert.Equal(t, 5, n) // warnings do not block upserts
	require.Len(t, warnings, 2)
	assert.Contains(t, warnings[0], "no.such.model")
	assert.Contains(t, warnings[1], "model id 999")
}

func TestSyncForceReplaces(t *testing.T) {
	st, reg := newEnv(t)
	ctx := context.Background()

	sy := NewSyncer(st, fixedEmbedder{}, reg, zap.NewNop())
	_, _, err := sy.Sync(ctx, sampleCatalog(), false)
	require.NoError(t, err)

	// Shrink the catalog; force drops the stale points.
	c := sampleCatalog()
	c.Fields = nil
	_, _, err = sy.Sync(ctx, c, true)
	require.NoError(t, err)

	count, err := st.Count(ctx, store.ByType(types.PointTypeKnowledge), true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "knowledge.yaml")
	doc := `
instance:
  - item: 1
    name: company_currency
    description: Company currency is EUR
    value: EUR
models:
  - model: account.move
    model_id: 73
    label: Invoice
    description: Customer and vendor invoices
fields:
  - model: account.move
    model_id: 73
    field: amount_total
    field_id: 1003
    guidance: Tax-included grand total
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	c, err := LoadCatalog(path)
	require.NoError(t, err)
	require.Len(t, c.Instance, 1)
	require.Len(t, c.Models, 1)
	require.Len(t, c.Fields, 1)
	assert.Equal(t, int64(73), c.Models[0].ModelID)
	assert.Equal(t, "amount_total", c.Fields[0].Field)

	_, err = LoadCatalog(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
