package cascade

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexsus/internal/failsafe"
	"nexsus/internal/identity"
	"nexsus/internal/schema"
	"nexsus/internal/source"
	"nexsus/internal/store"
	"nexsus/internal/transform"
	"nexsus/internal/types"
)

func TestQueueMergeOnEnqueue(t *testing.T) {
	q := NewQueue()
	merged := q.Enqueue(WorkItem{Model: "res.partner", RecordIDs: []int64{1, 2}, Depth: 2})
	assert.False(t, merged)
	merged = q.Enqueue(WorkItem{Model: "res.partner", RecordIDs: []int64{2, 3}, Depth: 1})
	assert.True(t, merged)
	assert.Equal(t, 1, q.Len())

	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, item.RecordIDs)
	assert.Equal(t, 1, item.Depth)
	assert.Equal(t, 0, q.Len())
}

func TestQueueWholeModelAbsorbsIDs(t *testing.T) {
	q := NewQueue()
	q.Enqueue(WorkItem{Model: "res.partner"}) // whole model
	merged := q.Enqueue(WorkItem{Model: "res.partner", RecordIDs: []int64{7, 8}})
	assert.True(t, merged)

	item, ok := q.Dequeue()
	require.True(t, ok)
	assert.Empty(t, item.RecordIDs, "whole-model scope must not narrow to an id list")

	// And the other way round: an id list widens to the whole model.
	q.Enqueue(WorkItem{Model: "res.partner", RecordIDs: []int64{7}})
	q.Enqueue(WorkItem{Model: "res.partner"})
	item, ok = q.Dequeue()
	require.True(t, ok)
	assert.Empty(t, item.RecordIDs)
}

func TestQueueBatchDequeue(t *testing.T) {
	q := NewQueue()
	q.Enqueue(WorkItem{Model: "a"})
	q.Enqueue(WorkItem{Model: "b"})
	q.Enqueue(WorkItem{Model: "c"})

	batch := q.DequeueBatch(2)
	require.Len(t, batch, 2)
	assert.Equal(t, "a", batch[0].Model)
	assert.Equal(t, "b", batch[1].Model)
	assert.Equal(t, 1, q.Len())

	// Dequeued models can be enqueued again.
	assert.False(t, q.Enqueue(WorkItem{Model: "a"}))
}

func TestVisitedCycleCounting(t *testing.T) {
	v := NewVisited()
	assert.True(t, v.ShouldProcess("res.partner", 7))
	assert.False(t, v.ShouldProcess("res.partner", 7))
	assert.True(t, v.ShouldProcess("res.partner", 8))
	assert.Equal(t, int64(1), v.Cycles())

	out := v.FilterUnvisited("res.partner", []int64{7, 8, 9})
	assert.Equal(t, []int64{9}, out)
	assert.Equal(t, int64(3), v.Cycles())
}

// fixedEmbedder returns constant vectors without an external provider.
type fixedEmbedder struct{ dims int }

func (e fixedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dims)
		out[i][0] = 1
	}
	return out, nil
}

type failEmbedder struct{}

func (failEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, &types.TransientError{Op: "embed", Err: assert.AnError}
}

type env struct {
	store *store.SQLiteStore
	src   *source.MemorySource
	reg   *schema.Registry
	dlq   *failsafe.DLQ
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(":memory:", store.Options{VectorSize: 4}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dlq, err := failsafe.NewDLQ(filepath.Join(t.TempDir(), "dlq.json"), 100, zap.NewNop())
	require.NoError(t, err)

	return &env{
		store: st,
		src:   source.NewMemorySource(),
		reg:   schema.NewRegistry(st, zap.NewNop()),
		dlq:   dlq,
	}
}

func (e *env) addModels(t *testing.T, schemas ...source.ModelSchema) {
	t.Helper()
	for _, ms := range schemas {
		e.src.AddModel(ms)
	}
	sy := schema.NewSyncer(e.src, fixedEmbedder{dims: 4}, e.store, e.reg, zap.NewNop())
	_, err := sy.Sync(context.Background(), nil, false)
	require.NoError(t, err)
}

func (e *env) scheduler(t *testing.T, embedder Embedder, opts Options) *Scheduler {
	t.Helper()
	if embedder == nil {
		embedder = fixedEmbedder{dims: 4}
	}
	settings := failsafe.BreakerSettings{FailureThreshold: 50, ResetTimeout: time.Second, HalfOpenRequests: 1}
	breakers := failsafe.NewBreakers(settings, settings, settings, settings, zap.NewNop())
	tr := transform.NewTransformer(nil, zap.NewNop())
	retry := failsafe.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond}
	return NewScheduler(e.reg, e.src, tr, embedder, e.store, e.dlq, breakers, retry, nil, opts, zap.NewNop())
}

func simpleModel() source.ModelSchema {
	return source.ModelSchema{
		Model:   "m1",
		ModelID: 11,
		Fields: []source.FieldDef{
			{FieldID: 100, Name: "id", Label: "ID", Type: "integer", Stored: true, InPayload: true},
			{FieldID: 101, Name: "name", Label: "Name", Type: "char", Stored: true, InPayload: true},
		},
	}
}

func parentAndPartner() (source.ModelSchema, source.ModelSchema) {
	parent := source.ModelSchema{
		Model:   "m_parent",
		ModelID: 21,
		Fields: []source.FieldDef{
			{FieldID: 200, Name: "id", Label: "ID", Type: "integer", Stored: true, InPayload: true},
			{FieldID: 201, Name: "partner_id", Label: "Partner", Type: "many2one", Stored: true, InPayload: true,
				RelationModel: "m_partner", RelationModelID: 22},
		},
	}
	partner := source.ModelSchema{
		Model:   "m_partner",
		ModelID: 22,
		Fields: []source.FieldDef{
			{FieldID: 300, Name: "id", Label: "ID", Type: "integer", Stored: true, InPayload: true},
			{FieldID: 301, Name: "name", Label: "Name", Type: "char", Stored: true, InPayload: true},
			{FieldID: 302, Name: "parent_id", Label: "Parent", Type: "many2one", Stored: true, InPayload: true,
				RelationModel: "m_partner", RelationModelID: 22},
		},
	}
	return parent, partner
}

func TestMinimalSync(t *testing.T) {
	e := newEnv(t)
	e.addModels(t, simpleModel())
	require.NoError(t, e.src.AddRecord("m1", map[string]any{"id": int64(1), "name": "A"}))
	require.NoError(t, e.src.AddRecord("m1", map[string]any{"id": int64(2), "name": "B"}))

	s := e.scheduler(t, nil, Options{})
	sum, err := s.Run(context.Background(), WorkItem{Model: "m1", ModelID: 11})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.RecordsProcessed)
	assert.Equal(t, int64(2), sum.PointsUpserted)
	assert.Equal(t, int64(1), sum.ModelsSynced)

	ctx := context.Background()
	filter := store.ByType(types.PointTypeData).
		And(store.Condition{Field: types.KeyModelName, Op: store.OpEq, Value: "m1"})
	count, err := e.store.Count(ctx, filter, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	id, err := identity.DataUUID(11, 1)
	require.NoError(t, err)
	points, err := e.store.Retrieve(ctx, []string{id}, true, false)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "A", points[0].Payload["name"])
	assert.Equal(t, "data", points[0].Payload[types.KeyPointType])
}

func TestCascadeFollowsFK(t *testing.T) {
	e := newEnv(t)
	parent, partner := parentAndPartner()
	e.addModels(t, parent, partner)
	require.NoError(t, e.src.AddRecord("m_parent", map[string]any{"id": int64(10), "partner_id": []any{int64(7), "P"}}))
	require.NoError(t, e.src.AddRecord("m_partner", map[string]any{"id": int64(7), "name": "P"}))

	s := e.scheduler(t, nil, Options{Cascade: true, UpdateGraph: true})
	sum, err := s.Run(context.Background(), WorkItem{Model: "m_parent", ModelID: 21})
	require.NoError(t, err)
	assert.Equal(t, int64(2), sum.RecordsProcessed)
	assert.Equal(t, int64(2), sum.ModelsSynced)

	ctx := context.Background()
	parentID, err := identity.DataUUID(21, 10)
	require.NoError(t, err)
	points, err := e.store.Retrieve(ctx, []string{parentID}, true, false)
	require.NoError(t, err)
	require.Len(t, points, 1)

	p := points[0].Payload
	assert.Equal(t, "P", p["partner_id"])
	assert.Equal(t, int64(7), p["partner_id_id"])
	fkUUID, err := identity.DataUUID(22, 7)
	require.NoError(t, err)
	assert.Equal(t, fkUUID, p["partner_id_qdrant"])

	// The cross-reference resolves to the cascaded partner point.
	targets, err := e.store.Retrieve(ctx, []string{fkUUID}, true, false)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "P", targets[0].Payload["name"])
}

func TestCascadeGraphEdge(t *testing.T) {
	e := newEnv(t)
	parent, partner := parentAndPartner()
	e.addModels(t, parent, partner)
	require.NoError(t, e.src.AddRecord("m_parent", map[string]any{"id": int64(10), "partner_id": []any{int64(7), "P"}}))
	require.NoError(t, e.src.AddRecord("m_parent", map[string]any{"id": int64(11), "partner_id": []any{int64(7), "P"}}))
	require.NoError(t, e.src.AddRecord("m_partner", map[string]any{"id": int64(7), "name": "P"}))

	s := e.scheduler(t, nil, Options{Cascade: true, UpdateGraph: true})
	_, err := s.Run(context.Background(), WorkItem{Model: "m_parent", ModelID: 21})
	require.NoError(t, err)

	edgeID, err := identity.GraphUUID(21, 22, "many2one", 201)
	require.NoError(t, err)
	points, err := e.store.Retrieve(context.Background(), []string{edgeID}, true, false)
	require.NoError(t, err)
	require.Len(t, points, 1)

	p := points[0].Payload
	assert.Equal(t, int64(2), p[store.KeyEdgeCount])
	assert.Equal(t, int64(1), p[store.KeyUniqueTargets])
	assert.Equal(t, []any{"m_parent"}, p[store.KeyCascadeSources])
}

func TestCycleProcessedOnce(t *testing.T) {
	e := newEnv(t)
	parent, partner := parentAndPartner()
	e.addModels(t, parent, partner)
	require.NoError(t, e.src.AddRecord("m_parent", map[string]any{"id": int64(10), "partner_id": []any{int64(7), "P7"}}))
	require.NoError(t, e.src.AddRecord("m_partner", map[string]any{"id": int64(7), "name": "P7", "parent_id": []any{int64(8), "P8"}}))
	require.NoError(t, e.src.AddRecord("m_partner", map[string]any{"id": int64(8), "name": "P8", "parent_id": []any{int64(7), "P7"}}))

	s := e.scheduler(t, nil, Options{Cascade: true})
	sum, err := s.Run(context.Background(), WorkItem{Model: "m_parent", ModelID: 21})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, sum.CyclesDetected, int64(1))
	// Partner 7 synced exactly once: 1 parent + 2 partners = 3 records.
	assert.Equal(t, int64(3), sum.RecordsProcessed)
}

func TestSkipExisting(t *testing.T) {
	e := newEnv(t)
	e.addModels(t, simpleModel())
	require.NoError(t, e.src.AddRecord("m1", map[string]any{"id": int64(1), "name": "A"}))
	require.NoError(t, e.src.AddRecord("m1", map[string]any{"id": int64(2), "name": "B"}))

	s := e.scheduler(t, nil, Options{})
	_, err := s.Run(context.Background(), WorkItem{Model: "m1", ModelID: 11, RecordIDs: []int64{1}})
	require.NoError(t, err)

	s2 := e.scheduler(t, nil, Options{SkipExisting: true})
	sum, err := s2.Run(context.Background(), WorkItem{Model: "m1", ModelID: 11, RecordIDs: []int64{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.RecordsProcessed)
}

func TestSkipExistingWholeModelScan(t *testing.T) {
	e := newEnv(t)
	e.addModels(t, simpleModel())
	require.NoError(t, e.src.AddRecord("m1", map[string]any{"id": int64(1), "name": "A"}))

	s := e.scheduler(t, nil, Options{})
	_, err := s.Run(context.Background(), WorkItem{Model: "m1", ModelID: 11})
	require.NoError(t, err)

	require.NoError(t, e.src.AddRecord("m1", map[string]any{"id": int64(2), "name": "B"}))

	// Whole-model scan (no explicit ids) must also skip existing points.
	s2 := e.scheduler(t, nil, Options{SkipExisting: true})
	sum, err := s2.Run(context.Background(), WorkItem{Model: "m1", ModelID: 11})
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.RecordsProcessed)
}

func TestUnknownModelGoesToDLQ(t *testing.T) {
	e := newEnv(t)
	e.addModels(t, simpleModel())

	s := e.scheduler(t, nil, Options{})
	sum, err := s.Run(context.Background(), WorkItem{Model: "nope", RecordIDs: []int64{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.RecordsProcessed)
	assert.Equal(t, 2, sum.DLQSize)

	stats := e.dlq.Stats()
	assert.Equal(t, 2, stats.ByStage[failsafe.StageConfig])
}

func TestEmbeddingFailureGoesToDLQ(t *testing.T) {
	e := newEnv(t)
	e.addModels(t, simpleModel())
	require.NoError(t, e.src.AddRecord("m1", map[string]any{"id": int64(1), "name": "A"}))

	s := e.scheduler(t, failEmbedder{}, Options{})
	sum, err := s.Run(context.Background(), WorkItem{Model: "m1", ModelID: 11})
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.PointsUpserted)
	assert.Equal(t, 1, sum.DLQSize)

	entries := e.dlq.Get()
	require.Len(t, entries, 1)
	assert.Equal(t, failsafe.StageEmbedding, entries[0].FailureStage)
	assert.Equal(t, int64(1), entries[0].RecordID)
	assert.NotEmpty(t, entries[0].EncodedString)
}

func TestIdempotentResync(t *testing.T) {
	e := newEnv(t)
	e.addModels(t, simpleModel())
	require.NoError(t, e.src.AddRecord("m1", map[string]any{"id": int64(1), "name": "A"}))

	for i := 0; i < 2; i++ {
		s := e.scheduler(t, nil, Options{})
		_, err := s.Run(context.Background(), WorkItem{Model: "m1", ModelID: 11})
		require.NoError(t, err)
	}

	filter := store.ByType(types.PointTypeData).
		And(store.Condition{Field: types.KeyModelName, Op: store.OpEq, Value: "m1"})
	count, err := e.store.Count(context.Background(), filter, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
