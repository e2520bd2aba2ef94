package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) *MemorySource {
	t.Helper()
	src := NewMemorySource()
	src.AddModel(ModelSchema{
		Model:   "m1",
		ModelID: 11,
		Fields: []FieldDef{
			{FieldID: 100, Name: "id", Label: "ID", Type: "integer", Stored: true, InPayload: true},
			{FieldID: 101, Name: "name", Label: "Name", Type: "char", Stored: true, InPayload: true},
		},
	})
	require.NoError(t, src.AddRecord("m1", map[string]any{"id": int64(1), "name": "A", "write_date": "2026-01-10 09:00:00"}))
	require.NoError(t, src.AddRecord("m1", map[string]any{"id": int64(2), "name": "B", "write_date": "2026-02-20 09:00:00"}))
	require.NoError(t, src.AddRecord("m1", map[string]any{"id": int64(3), "name": "C", "write_date": "2026-03-05 09:00:00", "active": false}))
	return src
}

func TestFetchPreservesSourceOrder(t *testing.T) {
	src := seeded(t)
	recs, err := src.Fetch(context.Background(), "m1", FetchOptions{IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "A", recs[0]["name"])
	assert.Equal(t, "C", recs[2]["name"])
}

func TestFetchByIDs(t *testing.T) {
	src := seeded(t)
	recs, err := src.Fetch(context.Background(), "m1", FetchOptions{IDs: []int64{2, 99}})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "B", recs[0]["name"])
}

func TestFetchSkipsArchivedByDefault(t *testing.T) {
	src := seeded(t)
	recs, err := src.Fetch(context.Background(), "m1", FetchOptions{})
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestFetchDateWindow(t *testing.T) {
	src := seeded(t)
	ctx := context.Background()

	recs, err := src.Fetch(ctx, "m1", FetchOptions{DateFrom: "2026-02-01", IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// DateTo is inclusive at day granularity.
	recs, err = src.Fetch(ctx, "m1", FetchOptions{DateTo: "2026-02-20", IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	n, err := src.Count(ctx, "m1", FetchOptions{DateFrom: "2026-03-01", IncludeArchived: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestFetchPagination(t *testing.T) {
	src := seeded(t)
	recs, err := src.Fetch(context.Background(), "m1", FetchOptions{Offset: 1, Limit: 1, IncludeArchived: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "B", recs[0]["name"])
}

func TestUnknownModel(t *testing.T) {
	src := seeded(t)
	_, err := src.Fetch(context.Background(), "ghost", FetchOptions{})
	assert.Error(t, err)
	_, err = src.Schema(context.Background(), "ghost")
	assert.Error(t, err)
}

func TestAddRecordRequiresID(t *testing.T) {
	src := NewMemorySource()
	assert.Error(t, src.AddRecord("m1", map[string]any{"name": "no id"}))
}

func TestLoadCatalogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.json")
	doc := `{
  "models": [
    {
      "model": "m1",
      "model_id": 11,
      "fields": [
        {"field_id": 100, "name": "id", "label": "ID", "type": "integer", "stored": true, "in_payload": true}
      ],
      "records": [
        {"id": 1, "name": "A"},
        {"id": 2, "name": "B"}
      ]
    }
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	src, err := LoadCatalog(path)
	require.NoError(t, err)

	models, err := src.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, models)

	n, err := src.Count(context.Background(), "m1", FetchOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = LoadCatalog(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
