package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexsus/internal/identity"
	"nexsus/internal/logging"
	"nexsus/internal/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:", Options{VectorSize: 4}, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func dataPoint(t *testing.T, modelID, recordID int64, model string, extra map[string]any) types.Point {
	t.Helper()
	id, err := identity.DataUUID(modelID, recordID)
	require.NoError(t, err)
	payload := map[string]any{
		types.KeyPointType:     string(types.PointTypeData),
		types.KeyPointID:       id,
		types.KeyModelName:     model,
		types.KeyModelID:       modelID,
		types.KeyRecordID:      recordID,
		types.KeySyncTimestamp: types.Timestamp(time.Now()),
	}
	for k, v := range extra {
		payload[k] = v
	}
	return types.Point{ID: id, Vector: []float32{1, 0, 0, 0}, Payload: payload}
}

func TestUpsertRetrieve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := dataPoint(t, 10, 1, "res.partner", map[string]any{"name": "Ada"})
	require.NoError(t, s.Upsert(ctx, []types.Point{p}))

	got, err := s.Retrieve(ctx, []string{p.ID}, true, true)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, p.ID, got[0].ID)
	assert.Equal(t, "Ada", got[0].Payload["name"])
	assert.Equal(t, int64(1), got[0].Payload[types.KeyRecordID])
	assert.Equal(t, []float32{1, 0, 0, 0}, got[0].Vector)

	// Missing ids are absent, not errors.
	other, err := identity.DataUUID(10, 99)
	require.NoError(t, err)
	got, err = s.Retrieve(ctx, []string{p.ID, other}, false, false)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := dataPoint(t, 10, 1, "res.partner", map[string]any{"name": "Ada"})
	require.NoError(t, s.Upsert(ctx, []types.Point{p}))
	p.Payload["name"] = "Ada L."
	require.NoError(t, s.Upsert(ctx, []types.Point{p}))

	n, err := s.Count(ctx, ByType(types.PointTypeData), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Retrieve(ctx, []string{p.ID}, true, false)
	require.NoError(t, err)
	assert.Equal(t, "Ada L.", got[0].Payload["name"])
}

func TestScrollPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var points []types.Point
	for i := int64(1); i <= 25; i++ {
		points = append(points, dataPoint(t, 10, i, "res.partner", nil))
	}
	require.NoError(t, s.Upsert(ctx, points))

	var seen []string
	cursor := ""
	for {
		batch, next, err := s.Scroll(ctx, Eq(types.KeyModelName, "res.partner"), 10, cursor)
		require.NoError(t, err)
		for _, p := range batch {
			seen = append(seen, p.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, 25)
	// Insertion order is preserved.
	assert.Equal(t, points[0].ID, seen[0])
	assert.Equal(t, points[24].ID, seen[24])
}

func TestFilterOps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, []types.Point{
		dataPoint(t, 10, 1, "res.partner", map[string]any{"name": "Ben Ross", "credit": 100}),
		dataPoint(t, 10, 2, "res.partner", map[string]any{"name": "Ada", "credit": 250}),
		dataPoint(t, 10, 3, "res.partner", map[string]any{"name": "Cleo", "credit": 50}),
	}))

	count := func(f Filter) int64 {
		n, err := s.Count(ctx, f, true)
		require.NoError(t, err)
		return n
	}

	assert.Equal(t, int64(1), count(Eq("name", "Ada")))
	assert.Equal(t, int64(2), count(Filter{Must: []Condition{{Field: "credit", Op: OpGte, Value: 100}}}))
	assert.Equal(t, int64(1), count(Filter{Must: []Condition{{Field: "credit", Op: OpBetween, Value: []any{60, 120}}}}))
	assert.Equal(t, int64(2), count(Filter{Must: []Condition{{Field: types.KeyRecordID, Op: OpIn, Value: []int64{1, 3}}}}))
	assert.Equal(t, int64(1), count(Filter{Must: []Condition{{Field: "name", Op: OpContains, Value: "ben"}}}))
	assert.Equal(t, int64(0), count(Filter{Must: []Condition{{Field: types.KeyRecordID, Op: OpIn, Value: []int64{}}}}))
	assert.Equal(t, int64(2), count(Filter{Must: []Condition{{Field: "name", Op: OpNe, Value: "Ada"}}}))
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := dataPoint(t, 10, 1, "res.partner", nil)
	b := dataPoint(t, 11, 1, "sale.order", nil)
	require.NoError(t, s.Upsert(ctx, []types.Point{a, b}))

	require.NoError(t, s.Delete(ctx, Eq(types.KeyModelName, "res.partner"), nil))
	n, err := s.Count(ctx, Filter{}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.Delete(ctx, Filter{}, []string{b.ID}))
	n, err = s.Count(ctx, Filter{}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestPayloadIndexIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePayloadIndex(ctx, "partner_id_qdrant", IndexKeyword))
	require.NoError(t, s.CreatePayloadIndex(ctx, "partner_id_qdrant", IndexKeyword))

	info, err := s.CollectionInfo(ctx)
	require.NoError(t, err)
	assert.Contains(t, info.PayloadIndexes, "idx_payload_partner_id_qdrant")
}

func TestSearchScanOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := dataPoint(t, 10, 1, "m", nil)
	a.Vector = []float32{1, 0, 0, 0}
	b := dataPoint(t, 10, 2, "m", nil)
	b.Vector = []float32{0.9, 0.1, 0, 0}
	c := dataPoint(t, 10, 3, "m", nil)
	c.Vector = []float32{0, 1, 0, 0}
	zero := dataPoint(t, 10, 4, "m", nil)
	zero.Vector = []float32{0, 0, 0, 0} // poison value, excluded from recall
	require.NoError(t, s.Upsert(ctx, []types.Point{a, b, c, zero}))

	hits, err := s.Search(ctx, []float32{1, 0, 0, 0}, ByType(types.PointTypeData), 3, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, a.ID, hits[0].Point.ID)
	assert.Equal(t, b.ID, hits[1].Point.ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestGraphEdgeAccumulation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	edge := GraphEdge{
		SourceModel:   "sale.order",
		SourceModelID: 20,
		TargetModel:   "res.partner",
		TargetModelID: 10,
		FieldName:     "partner_id",
		FieldLabel:    "Customer",
		FieldType:     "many2one",
		FieldID:       501,
		EdgeCount:     3,
		UniqueTargets: 2,
		CascadeSource: "sale.order",
	}
	require.NoError(t, s.UpsertGraphEdge(ctx, edge, []float32{1, 0, 0, 0}))

	edge.EdgeCount = 5
	edge.UniqueTargets = 1
	edge.CascadeSource = "account.move"
	require.NoError(t, s.UpsertGraphEdge(ctx, edge, nil))

	id, err := edge.ID()
	require.NoError(t, err)
	got, err := s.Retrieve(ctx, []string{id}, true, true)
	require.NoError(t, err)
	require.Len(t, got, 1)

	p := got[0].Payload
	assert.Equal(t, int64(8), p[KeyEdgeCount])
	assert.Equal(t, int64(2), p[KeyUniqueTargets])
	assert.ElementsMatch(t, []any{"sale.order", "account.move"}, p[KeyCascadeSources])
	// Vector from the first write survives the merge.
	assert.Equal(t, []float32{1, 0, 0, 0}, got[0].Vector)

	n, err := s.Count(ctx, ByType(types.PointTypeGraph), true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestAnnotateGraphEdge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	edge := GraphEdge{
		SourceModel: "sale.order", SourceModelID: 20,
		TargetModel: "res.partner", TargetModelID: 10,
		FieldName: "partner_id", FieldType: "many2one", FieldID: 501,
		EdgeCount: 4, UniqueTargets: 4, CascadeSource: "sale.order",
	}
	require.NoError(t, s.UpsertGraphEdge(ctx, edge, nil))
	id, err := edge.ID()
	require.NoError(t, err)

	require.NoError(t, s.AnnotateGraphEdge(ctx, id, 1, 0.75, true))
	require.NoError(t, s.AnnotateGraphEdge(ctx, id, 0, 1.0, true))

	got, err := s.Retrieve(ctx, []string{id}, true, false)
	require.NoError(t, err)
	p := got[0].Payload
	assert.Equal(t, int64(0), p[KeyLastValidatedOrphans])
	assert.InDelta(t, 1.0, p[KeyIntegrityScore], 1e-9)
	hist, ok := p[KeyValidationHistory].([]any)
	require.True(t, ok)
	assert.Len(t, hist, 2)

	// Counters are untouched by annotation.
	assert.Equal(t, int64(4), p[KeyEdgeCount])

	// Annotating a missing edge is a no-op.
	missing, err := identity.GraphUUID(1, 2, "many2one", 9)
	require.NoError(t, err)
	assert.NoError(t, s.AnnotateGraphEdge(ctx, missing, 0, 1, false))
}
