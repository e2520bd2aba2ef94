package store

import (
	"fmt"
	"strings"

	"nexsus/internal/types"
)

// Op is a filter operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpIn       Op = "in"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpContains Op = "contains"
	OpBetween  Op = "between"
	OpIsEmpty  Op = "is_empty"
)

// Condition is one predicate over a payload field.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Filter is a conjunction of conditions. An empty filter matches everything.
type Filter struct {
	Must []Condition
}

// Eq is shorthand for a single equality condition.
func Eq(field string, value any) Filter {
	return Filter{Must: []Condition{{Field: field, Op: OpEq, Value: value}}}
}

// And appends more conditions.
func (f Filter) And(conds ...Condition) Filter {
	f.Must = append(append([]Condition{}, f.Must...), conds...)
	return f
}

// ByType restricts to one point type.
func ByType(pt types.PointType) Filter {
	return Eq(types.KeyPointType, string(pt))
}

// columnFields are payload keys mirrored into real table columns.
var columnFields = map[string]string{
	types.KeyPointType:     "point_type",
	types.KeyModelName:     "model_name",
	types.KeyModelID:       "model_id",
	types.KeyRecordID:      "record_id",
	types.KeySyncTimestamp: "sync_timestamp",
	types.KeyPointID:       "id",
}

func fieldExpr(field string) string {
	if col, ok := columnFields[field]; ok {
		return col
	}
	// json_extract path; the key is quoted so dots inside field names stay literal.
	return fmt.Sprintf(`json_extract(payload, '$."%s"')`, strings.ReplaceAll(field, `"`, `""`))
}

// whereClause compiles the filter into a SQL fragment plus bind args.
// Returns "1=1" for an empty filter.
func whereClause(f Filter) (string, []any, error) {
	if len(f.Must) == 0 {
		return "1=1", nil, nil
	}
	var parts []string
	var args []any
	for _, c := range f.Must {
		expr := fieldExpr(c.Field)
		switch c.Op {
		case OpEq:
			parts = append(parts, expr+" = ?")
			args = append(args, c.Value)
		case OpNe:
			parts = append(parts, expr+" IS NOT ?")
			args = append(args, c.Value)
		case OpGt:
			parts = append(parts, expr+" > ?")
			args = append(args, c.Value)
		case OpGte:
			parts = append(parts, expr+" >= ?")
			args = append(args, c.Value)
		case OpLt:
			parts = append(parts, expr+" < ?")
			args = append(args, c.Value)
		case OpLte:
			parts = append(parts, expr+" <= ?")
			args = append(args, c.Value)
		case OpContains:
			parts = append(parts, "lower("+expr+") LIKE '%' || lower(?) || '%'")
			args = append(args, fmt.Sprintf("%v", c.Value))
		case OpIn:
			vals, err := valueList(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("in condition on %s: %w", c.Field, err)
			}
			if len(vals) == 0 {
				// IN () matches nothing.
				parts = append(parts, "1=0")
				continue
			}
			parts = append(parts, expr+" IN ("+placeholders(len(vals))+")")
			args = append(args, vals...)
		case OpBetween:
			vals, err := valueList(c.Value)
			if err != nil || len(vals) != 2 {
				return "", nil, fmt.Errorf("between condition on %s requires [low, high]", c.Field)
			}
			parts = append(parts, expr+" BETWEEN ? AND ?")
			args = append(args, vals[0], vals[1])
		case OpIsEmpty:
			parts = append(parts, "("+expr+" IS NULL OR "+expr+" = '' )")
		default:
			return "", nil, fmt.Errorf("unsupported filter op %q on %s", c.Op, c.Field)
		}
	}
	return strings.Join(parts, " AND "), args, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func valueList(v any) ([]any, error) {
	switch list := v.(type) {
	case []any:
		return list, nil
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, nil
	case []int64:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, nil
	case []int:
		out := make([]any, len(list))
		for i, n := range list {
			out[i] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected a list, got %T", v)
}
