// Package query compiles the logical predicate language into store
// operations: native payload filters where indexes exist, app-level
// predicates where they don't, and sub-queries for dotted FK paths.
package query

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"nexsus/internal/schema"
	"nexsus/internal/store"
	"nexsus/internal/types"
)

// subQueryCap bounds the id set a dotted condition may expand into.
const subQueryCap = 10000

// Condition is one predicate. Fields may be dotted (`partner_id.name`) with
// a nesting depth of exactly one.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// AppFilter is a predicate applied in-process during scroll, for conditions
// the store cannot evaluate natively.
type AppFilter struct {
	Field string
	Op    string
	Value any
}

// Match evaluates the predicate against a payload.
func (f AppFilter) Match(payload map[string]any) bool {
	raw, ok := payload[f.Field]
	if !ok {
		return false
	}
	switch f.Op {
	case "contains":
		return strings.Contains(
			strings.ToLower(fmt.Sprintf("%v", raw)),
			strings.ToLower(fmt.Sprintf("%v", f.Value)),
		)
	case "gt", "gte", "lt", "lte":
		return compareOrdered(raw, f.Value, f.Op)
	case "between":
		bounds, ok := f.Value.([]any)
		if !ok || len(bounds) != 2 {
			return false
		}
		return compareOrdered(raw, bounds[0], "gte") && compareOrdered(raw, bounds[1], "lte")
	}
	return false
}

// compareOrdered compares numerically when both sides parse as numbers,
// lexically otherwise (ISO dates order correctly as strings).
func compareOrdered(a, b any, op string) bool {
	av, aok := types.Interpret(a).AsFloat()
	bv, bok := types.Interpret(b).AsFloat()
	var cmp int
	if aok && bok {
		switch {
		case av < bv:
			cmp = -1
		case av > bv:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
	switch op {
	case "gt":
		return cmp > 0
	case "gte":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "lte":
		return cmp <= 0
	}
	return false
}

// Aggregation is one aggregation request.
type Aggregation struct {
	Op      string `json:"op"` // sum, count, avg, min, max
	Field   string `json:"field"`
	GroupBy string `json:"group_by,omitempty"`
}

// CompiledQuery is the executable plan for one request.
type CompiledQuery struct {
	Model       string
	Native      store.Filter
	AppFilters  []AppFilter
	Aggregation *Aggregation
	Empty       bool // a dotted sub-query matched nothing
	Warnings    []string
}

// Compiler turns conditions into plans.
type Compiler struct {
	store    store.Store
	registry *schema.Registry
	logger   *zap.Logger
}

// NewCompiler builds a compiler.
func NewCompiler(s store.Store, registry *schema.Registry, logger *zap.Logger) *Compiler {
	return &Compiler{store: s, registry: registry, logger: logger.Named("query")}
}

var storeOps = map[string]store.Op{
	"eq":       store.OpEq,
	"ne":       store.OpNe,
	"in":       store.OpIn,
	"gt":       store.OpGt,
	"gte":      store.OpGte,
	"lt":       store.OpLt,
	"lte":      store.OpLte,
	"contains": store.OpContains,
	"between":  store.OpBetween,
}

// Compile builds the plan for a model's filter list plus optional
// aggregation.
func (c *Compiler) Compile(ctx context.Context, model string, conditions []Condition, agg *Aggregation) (CompiledQuery, error) {
	m, err := c.registry.Lookup(ctx, model)
	if err != nil {
		return CompiledQuery{}, err
	}

	q := CompiledQuery{
		Model: model,
		Native: store.ByType(types.PointTypeData).
			And(store.Condition{Field: types.KeyModelName, Op: store.OpEq, Value: model}),
		Aggregation: agg,
	}

	for _, cond := range conditions {
		if strings.Contains(cond.Field, ".") {
			if err := c.compileDotted(ctx, m, cond, &q); err != nil {
				return CompiledQuery{}, err
			}
			continue
		}
		if _, ok := storeOps[cond.Op]; !ok {
			return CompiledQuery{}, fmt.Errorf("unsupported operator %q on %s", cond.Op, cond.Field)
		}

		f, _ := m.FieldByName(cond.Field)
		isDate := f.Type == "date" || f.Type == "datetime"
		isRange := cond.Op == "gt" || cond.Op == "gte" || cond.Op == "lt" || cond.Op == "lte" || cond.Op == "between"
		switch {
		case isDate && isRange:
			// Stored dates are strings; range semantics stay in-process.
			q.AppFilters = append(q.AppFilters, AppFilter{Field: cond.Field, Op: cond.Op, Value: cond.Value})
		case cond.Op == "contains" && !c.registry.IsIndexed(cond.Field):
			q.AppFilters = append(q.AppFilters, AppFilter{Field: cond.Field, Op: cond.Op, Value: cond.Value})
			q.Warnings = append(q.Warnings, fmt.Sprintf("contains on unindexed field %s runs in-process", cond.Field))
		default:
			q.Native = q.Native.And(store.Condition{Field: cond.Field, Op: storeOps[cond.Op], Value: cond.Value})
		}
	}

	if agg != nil {
		if err := c.validateAggregation(ctx, model, agg, &q); err != nil {
			return CompiledQuery{}, err
		}
	}
	return q, nil
}

// compileDotted resolves `fk.scalar` via a sub-query against the target
// model, substituting `<fk>_id IN (...)`.
func (c *Compiler) compileDotted(ctx context.Context, m *schema.Model, cond Condition, q *CompiledQuery) error {
	parts := strings.Split(cond.Field, ".")
	if len(parts) != 2 {
		return fmt.Errorf("dotted field %s: nesting depth must be exactly one", cond.Field)
	}
	fkName, scalar := parts[0], parts[1]

	fk, ok := m.FieldByName(fkName)
	if !ok {
		return fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, m.Name, fkName)
	}
	if !fk.IsRelational() || fk.FKModel == "" {
		return fmt.Errorf("field %s of %s is not a resolvable FK", fkName, m.Name)
	}

	sub, err := c.Compile(ctx, fk.FKModel, []Condition{{Field: scalar, Op: cond.Op, Value: cond.Value}}, nil)
	if err != nil {
		return fmt.Errorf("sub-query on %s: %w", fk.FKModel, err)
	}

	ids, err := c.collectRecordIDs(ctx, sub)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		q.Empty = true
		return nil
	}
	if len(ids) >= subQueryCap {
		q.Warnings = append(q.Warnings, fmt.Sprintf("sub-query on %s.%s hit the %d id cap; results may be partial", fkName, scalar, subQueryCap))
	}
	q.Native = q.Native.And(store.Condition{Field: fkName + "_id", Op: store.OpIn, Value: ids})
	return nil
}

// collectRecordIDs scrolls the sub-plan and returns matching record ids.
func (c *Compiler) collectRecordIDs(ctx context.Context, q CompiledQuery) ([]int64, error) {
	var ids []int64
	cursor := ""
	for len(ids) < subQueryCap {
		points, next, err := c.store.Scroll(ctx, q.Native, 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("sub-query scroll failed: %w", err)
		}
		for _, p := range points {
			if !matchAll(q.AppFilters, p.Payload) {
				continue
			}
			if id, ok := types.Interpret(p.Payload[types.KeyRecordID]).AsInt(); ok {
				ids = append(ids, id)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return ids, nil
}

func matchAll(filters []AppFilter, payload map[string]any) bool {
	for _, f := range filters {
		if !f.Match(payload) {
			return false
		}
	}
	return true
}

func (c *Compiler) validateAggregation(ctx context.Context, model string, agg *Aggregation, q *CompiledQuery) error {
	safe, err := c.registry.IsAggregationSafe(ctx, model, agg.Field, agg.Op)
	if err != nil {
		return err
	}
	if !safe {
		return fmt.Errorf("aggregation %s(%s) is not safe on %s", agg.Op, agg.Field, model)
	}
	if agg.GroupBy != "" && !c.registry.IsIndexed(agg.GroupBy) {
		q.Warnings = append(q.Warnings, fmt.Sprintf("group-by key %s is not payload-indexed", agg.GroupBy))
	}
	return nil
}
