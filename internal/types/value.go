package types

import (
	"strconv"
	"strings"
)

// ValueKind tags the variant of a raw record value.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueBool
	ValueInt
	ValueFloat
	ValueString
	ValueIDName // [id, name] FK tuple
	ValueIDList // list of numeric ids
	ValueJSON   // nested object
)

// Value is the tagged form of one raw record field. ERP records are
// heterogeneous maps with conventions like `[id, name]` tuples and `false`
// as the empty sentinel; Interpret normalizes them into exactly one variant.
type Value struct {
	Kind ValueKind
	Bool bool
	Int  int64
	Flt  float64
	Str  string
	ID   int64
	Name string
	IDs  []int64
	Obj  map[string]any
}

// Interpret converts a JSON-decoded raw value into its tagged variant.
func Interpret(raw any) Value {
	switch v := raw.(type) {
	case nil:
		return Value{Kind: ValueNull}
	case bool:
		return Value{Kind: ValueBool, Bool: v}
	case int:
		return Value{Kind: ValueInt, Int: int64(v)}
	case int64:
		return Value{Kind: ValueInt, Int: v}
	case float64:
		if v == float64(int64(v)) {
			return Value{Kind: ValueInt, Int: int64(v)}
		}
		return Value{Kind: ValueFloat, Flt: v}
	case string:
		return Value{Kind: ValueString, Str: strings.TrimSpace(v)}
	case []any:
		return interpretList(v)
	case map[string]any:
		return Value{Kind: ValueJSON, Obj: v}
	default:
		return Value{Kind: ValueNull}
	}
}

func interpretList(list []any) Value {
	if len(list) == 0 {
		return Value{Kind: ValueIDList, IDs: nil}
	}
	// Two-element [id, name] tuple is the many2one wire shape.
	if len(list) == 2 {
		if id, ok := asInt(list[0]); ok {
			if name, ok := list[1].(string); ok {
				return Value{Kind: ValueIDName, ID: id, Name: name}
			}
		}
	}
	ids := make([]int64, 0, len(list))
	for _, item := range list {
		id, ok := asInt(item)
		if !ok {
			// Mixed list: keep it as opaque JSON under a wrapper key so the
			// payload stays inspectable.
			return Value{Kind: ValueJSON, Obj: map[string]any{"items": list}}
		}
		ids = append(ids, id)
	}
	return Value{Kind: ValueIDList, IDs: ids}
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}

// relationalTypes are the ERP field types where `false` means "no value".
var relationalTypes = map[string]bool{
	"many2one":  true,
	"one2many":  true,
	"many2many": true,
	"char":      true,
	"text":      true,
	"selection": true,
	"date":      true,
	"datetime":  true,
	"json":      true,
}

// IsEmpty reports whether the value counts as empty for the given ERP field
// type. `false` is empty for relational/text fields but a real boolean for
// boolean fields; zero is a valid number for quantitative fields.
func (v Value) IsEmpty(fieldType string) bool {
	switch v.Kind {
	case ValueNull:
		return true
	case ValueBool:
		return !v.Bool && relationalTypes[fieldType]
	case ValueString:
		return v.Str == ""
	case ValueIDList:
		return len(v.IDs) == 0
	case ValueJSON:
		return len(v.Obj) == 0
	default:
		return false
	}
}

// AsInt extracts an integer where the variant allows one. Numeric strings
// parse; an IdName tuple yields its id.
func (v Value) AsInt() (int64, bool) {
	switch v.Kind {
	case ValueInt:
		return v.Int, true
	case ValueFloat:
		if v.Flt == float64(int64(v.Flt)) {
			return int64(v.Flt), true
		}
	case ValueString:
		if i, err := strconv.ParseInt(v.Str, 10, 64); err == nil {
			return i, true
		}
	case ValueIDName:
		return v.ID, true
	}
	return 0, false
}

// AsFloat extracts a float where the variant allows one.
func (v Value) AsFloat() (float64, bool) {
	switch v.Kind {
	case ValueInt:
		return float64(v.Int), true
	case ValueFloat:
		return v.Flt, true
	case ValueString:
		if f, err := strconv.ParseFloat(v.Str, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Raw returns the value in plain JSON-encodable form for payload storage.
func (v Value) Raw() any {
	switch v.Kind {
	case ValueNull:
		return nil
	case ValueBool:
		return v.Bool
	case ValueInt:
		return v.Int
	case ValueFloat:
		return v.Flt
	case ValueString:
		return v.Str
	case ValueIDName:
		return []any{v.ID, v.Name}
	case ValueIDList:
		ids := make([]any, len(v.IDs))
		for i, id := range v.IDs {
			ids[i] = id
		}
		return ids
	case ValueJSON:
		return v.Obj
	}
	return nil
}
