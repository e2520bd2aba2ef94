package query

import (
	"context"
	"fmt"
	"sort"

	"nexsus/internal/types"
)

// AggRow is one aggregation result row. GroupKey is nil for ungrouped
// aggregations; Value is numeric except for min/max over date fields, where
// it is the boundary ISO string.
type AggRow struct {
	GroupKey any   `json:"group_key,omitempty"`
	Value    any   `json:"value"`
	Count    int64 `json:"count"`
}

// Result is the outcome of executing a plan: matched points for plain
// queries, rows for aggregations.
type Result struct {
	Points   []types.Point `json:"points,omitempty"`
	Rows     []AggRow      `json:"rows,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Execute runs a compiled plan. Plain queries scroll up to limit matches;
// aggregations scroll-and-fold the full match set. The store has no grouped
// aggregation primitive, so the fold path is the only one; its result shape
// is what a native path would produce.
func (c *Compiler) Execute(ctx context.Context, q CompiledQuery, limit int) (Result, error) {
	res := Result{Warnings: q.Warnings}
	if q.Empty {
		return res, nil
	}
	if limit <= 0 {
		limit = 100
	}

	if q.Aggregation == nil {
		points, err := c.scrollMatches(ctx, q, limit)
		if err != nil {
			return Result{}, err
		}
		res.Points = points
		return res, nil
	}

	points, err := c.scrollMatches(ctx, q, 0)
	if err != nil {
		return Result{}, err
	}
	rows, err := fold(points, *q.Aggregation)
	if err != nil {
		return Result{}, err
	}
	res.Rows = rows
	return res, nil
}

// scrollMatches pages through the native filter applying app-level
// predicates. limit 0 means all matches.
func (c *Compiler) scrollMatches(ctx context.Context, q CompiledQuery, limit int) ([]types.Point, error) {
	var out []types.Point
	cursor := ""
	for {
		points, next, err := c.store.Scroll(ctx, q.Native, 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("query scroll failed: %w", err)
		}
		for _, p := range points {
			if !matchAll(q.AppFilters, p.Payload) {
				continue
			}
			out = append(out, p)
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

type aggAcc struct {
	sum   float64
	minN  float64
	maxN  float64
	minS  string
	maxS  string
	isStr bool
	seen  bool
	count int64
}

func (a *aggAcc) observe(v types.Value) {
	if n, ok := v.AsFloat(); ok {
		if !a.seen || n < a.minN {
			a.minN = n
		}
		if !a.seen || n > a.maxN {
			a.maxN = n
		}
		a.sum += n
		a.seen = true
		return
	}
	if v.Kind == types.ValueString {
		if !a.seen || v.Str < a.minS {
			a.minS = v.Str
		}
		if !a.seen || v.Str > a.maxS {
			a.maxS = v.Str
		}
		a.isStr = true
		a.seen = true
	}
}

// fold computes the aggregation over the matched points.
func fold(points []types.Point, agg Aggregation) ([]AggRow, error) {
	groups := make(map[any]*aggAcc)
	var order []any

	for _, p := range points {
		var key any
		if agg.GroupBy != "" {
			key = p.Payload[agg.GroupBy]
		}
		a, ok := groups[key]
		if !ok {
			a = &aggAcc{}
			groups[key] = a
			order = append(order, key)
		}

		raw, present := p.Payload[agg.Field]
		if !present && agg.Op != "count" {
			continue
		}
		a.count++
		if agg.Op != "count" {
			a.observe(types.Interpret(raw))
		}
	}

	sort.Slice(order, func(i, j int) bool {
		return fmt.Sprintf("%v", order[i]) < fmt.Sprintf("%v", order[j])
	})

	rows := make([]AggRow, 0, len(order))
	for _, key := range order {
		a := groups[key]
		row := AggRow{GroupKey: key, Count: a.count}
		switch agg.Op {
		case "count":
			row.Value = a.count
		case "sum":
			row.Value = a.sum
		case "avg":
			if a.count > 0 {
				row.Value = a.sum / float64(a.count)
			} else {
				row.Value = float64(0)
			}
		case "min":
			if a.isStr {
				row.Value = a.minS
			} else {
				row.Value = a.minN
			}
		case "max":
			if a.isStr {
				row.Value = a.maxS
			} else {
				row.Value = a.maxN
			}
		default:
			return nil, fmt.Errorf("unsupported aggregation op %q", agg.Op)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
