package query

import (
	"context"
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

type env struct {
	store *store.SQLiteStore
	reg   *schema.Registry
	comp  *Compiler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(":memory:", store.Options{VectorSize: 4}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	src := source.NewMemorySource()
	src.AddModel(source.ModelSchema{
		Model:   "m_parent",
		ModelID: 21,
		Fields: []source.FieldDef{
			{FieldID: 200, Name: "id", Label: "ID", Type: "integer", Stored: true, InPayload: true},
			{FieldID: 201, Name: "partner_id", Label: "Partner", Type: "many2one", Stored: true, InPayload: true,
				RelationModel: "m_partner", RelationModelID: 22},
			{FieldID: 202, Name: "amount", Label: "Amount", Type: "monetary", Stored: true, InPayload: true},
			{FieldID: 203, Name: "order_date", Label: "Order Date", Type: "date", Stored: true, InPayload: true},
			{FieldID: 204, Name: "state", Label: "State", Type: "selection", Stored: true, InPayload: true},
		},
	})
	src.AddModel(source.ModelSchema{
		Model:   "m_partner",
		ModelID: 22,
		Fields: []source.FieldDef{
			{FieldID: 300, Name: "id", Label: "ID", Type: "integer", Stored: true, InPayload: true},
			{FieldID: 301, Name: "name", Label: "Name", Type: "char", Stored: true, InPayload: true},
		},
	})

	reg := schema.NewRegistry(st, zap.NewNop())
	sy := schema.NewSyncer(src, fixedEmbedder{}, st, reg, zap.NewNop())
	_, err = sy.Sync(context.Background(), nil, false)
	require.NoError(t, err)

	return &env{store: st, reg: reg, comp: NewCompiler(st, reg, zap.NewNop())}
}

func (e *env) addPartner(t *testing.T, id int64, name string) {
	t.Helper()
	pid, err := identity.DataUUID(22, id)
	require.NoError(t, err)
	err = e.store.Upsert(context.Background(), []types.Point{{
		ID: pid, Vector: []float32{1, 0, 0, 0},
		Payload: map[string]any{
			types.KeyPointType: string(types.PointTypeData),
			types.KeyPointID:   pid,
			types.KeyModelName: "m_partner",
			types.KeyModelID:   int64(22),
			types.KeyRecordID:  id,
			"name":             name,
		},
	}})
	require.NoError(t, err)
}

func (e *env) addParent(t *testing.T, id, partnerID int64, amount float64, date, state string) {
	t.Helper()
	pid, err := identity.DataUUID(21, id)
	require.NoError(t, err)
	fkUUID, err := identity.DataUUID(22, partnerID)
	require.NoError(t, err)
	err = e.store.Upsert(context.Background(), []types.Point{{
		ID: pid, Vector: []float32{1, 0, 0, 0},
		Payload: map[string]any{
			types.KeyPointType:  string(types.PointTypeData),
			types.KeyPointID:    pid,
			types.KeyModelName:  "m_parent",
			types.KeyModelID:    int64(21),
			types.KeyRecordID:   id,
			"partner_id_id":     partnerID,
			"partner_id_qdrant": fkUUID,
			"amount":            amount,
			"order_date":        date,
			"state":             state,
		},
	}})
	require.NoError(t, err)
}

func seedScenario(t *testing.T, e *env) {
	e.addPartner(t, 7, "Ben Ross")
	e.addPartner(t, 8, "Ada")
	e.addParent(t, 1, 7, 100, "2026-01-10", "draft")
	e.addParent(t, 2, 7, 250, "2026-02-20", "posted")
	e.addParent(t, 3, 8, 50, "2026-03-05", "posted")
}

func recordIDs(points []types.Point) []int64 {
	out := make([]int64, 0, len(points))
	for _, p := range points {
		id, _ := types.Interpret(p.Payload[types.KeyRecordID]).AsInt()
		out = append(out, id)
	}
	return out
}

func TestDottedFilterSoundness(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)
	ctx := context.Background()

	q, err := e.comp.Compile(ctx, "m_parent",
		[]Condition{{Field: "partner_id.name", Op: "contains", Value: "ben"}}, nil)
	require.NoError(t, err)
	res, err := e.comp.Execute(ctx, q, 0)
	require.NoError(t, err)
	dotted := recordIDs(res.Points)

	// Reference path: resolve the partner ids by hand, then filter the
	// parent on partner_id_id.
	q2, err := e.comp.Compile(ctx, "m_parent",
		[]Condition{{Field: "partner_id_id", Op: "in", Value: []int64{7}}}, nil)
	require.NoError(t, err)
	res2, err := e.comp.Execute(ctx, q2, 0)
	require.NoError(t, err)

	assert.ElementsMatch(t, recordIDs(res2.Points), dotted)
	assert.ElementsMatch(t, []int64{1, 2}, dotted)
}

func TestDottedFilterEmptySubQuery(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)
	ctx := context.Background()

	q, err := e.comp.Compile(ctx, "m_parent",
		[]Condition{{Field: "partner_id.name", Op: "contains", Value: "zzz"}}, nil)
	require.NoError(t, err)
	assert.True(t, q.Empty)

	res, err := e.comp.Execute(ctx, q, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Points)
}

func TestNativeEquality(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)
	ctx := context.Background()

	q, err := e.comp.Compile(ctx, "m_parent",
		[]Condition{{Field: "state", Op: "eq", Value: "posted"}}, nil)
	require.NoError(t, err)
	assert.Empty(t, q.AppFilters)

	res, err := e.comp.Execute(ctx, q, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{2, 3}, recordIDs(res.Points))
}

func TestDateRangeIsAppLevel(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)
	ctx := context.Background()

	q, err := e.comp.Compile(ctx, "m_parent",
		[]Condition{{Field: "order_date", Op: "between", Value: []any{"2026-01-01", "2026-02-28"}}}, nil)
	require.NoError(t, err)
	require.Len(t, q.AppFilters, 1)

	res, err := e.comp.Execute(ctx, q, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, recordIDs(res.Points))
}

func TestUnknownFieldInDottedPath(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)

	_, err := e.comp.Compile(context.Background(), "m_parent",
		[]Condition{{Field: "nope.name", Op: "eq", Value: 1}}, nil)
	assert.ErrorIs(t, err, types.ErrFieldNotFound)
}

func TestAggregationSum(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)
	ctx := context.Background()

	q, err := e.comp.Compile(ctx, "m_parent", nil, &Aggregation{Op: "sum", Field: "amount"})
	require.NoError(t, err)
	res, err := e.comp.Execute(ctx, q, 0)
	require.NoError(t, err)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, float64(400), res.Rows[0].Value)
	assert.Equal(t, int64(3), res.Rows[0].Count)
}

func TestAggregationGroupBy(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)
	ctx := context.Background()

	q, err := e.comp.Compile(ctx, "m_parent", nil,
		&Aggregation{Op: "sum", Field: "amount", GroupBy: "state"})
	require.NoError(t, err)
	res, err := e.comp.Execute(ctx, q, 0)
	require.NoError(t, err)

	require.Len(t, res.Rows, 2)
	byKey := map[any]AggRow{}
	for _, r := range res.Rows {
		byKey[r.GroupKey] = r
	}
	assert.Equal(t, float64(100), byKey["draft"].Value)
	assert.Equal(t, float64(300), byKey["posted"].Value)
}

func TestAggregationDateMinMax(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)
	ctx := context.Background()

	q, err := e.comp.Compile(ctx, "m_parent", nil, &Aggregation{Op: "max", Field: "order_date"})
	require.NoError(t, err)
	res, err := e.comp.Execute(ctx, q, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "2026-03-05", res.Rows[0].Value)
}

func TestAggregationUnsafeRejected(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)

	_, err := e.comp.Compile(context.Background(), "m_parent", nil,
		&Aggregation{Op: "sum", Field: "order_date"})
	assert.Error(t, err)
}

func TestFilteredAggregation(t *testing.T) {
	e := newEnv(t)
	seedScenario(t, e)
	ctx := context.Background()

	q, err := e.comp.Compile(ctx, "m_parent",
		[]Condition{{Field: "state", Op: "eq", Value: "posted"}},
		&Aggregation{Op: "avg", Field: "amount"})
	require.NoError(t, err)
	res, err := e.comp.Execute(ctx, q, 0)
	require.NoError(t, err)

	require.Len(t, res.Rows, 1)
	assert.Equal(t, float64(150), res.Rows[0].Value)
}
