package transform

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"nexsus/internal/schema"
	"nexsus/internal/types"
)

// dateLayouts are the wire forms ERP date fields arrive in.
var dateLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC3339,
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// humanizeValue renders one field value for the narrative sentence.
func humanizeValue(v types.Value, f schema.Field) string {
	switch v.Kind {
	case types.ValueIDName:
		return v.Name
	case types.ValueBool:
		if v.Bool {
			return "Yes"
		}
		return "No"
	case types.ValueIDList:
		return fmt.Sprintf("%d items", len(v.IDs))
	case types.ValueJSON:
		return renderObject(v.Obj)
	case types.ValueInt:
		if f.Type == "monetary" || f.Type == "float" {
			return humanize.Commaf(float64(v.Int))
		}
		return humanize.Comma(v.Int)
	case types.ValueFloat:
		return humanize.Commaf(v.Flt)
	case types.ValueString:
		if f.Type == "date" || f.Type == "datetime" {
			if t, ok := parseDate(v.Str); ok {
				return t.Format("January 2, 2006")
			}
		}
		return v.Str
	}
	return fmt.Sprintf("%v", v.Raw())
}

// renderObject flattens a JSON object into "k1: v1, k2: v2" with stable key
// order.
func renderObject(obj map[string]any) string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %v", k, obj[k]))
	}
	return strings.Join(parts, ", ")
}

// defaultNarrative builds the standard single-sentence narrative. Empty
// values are skipped.
func defaultNarrative(model *schema.Model, values map[string]types.Value) string {
	var sb strings.Builder
	sb.WriteString("In model ")
	sb.WriteString(model.Name)
	for _, f := range model.Fields {
		v, ok := values[f.Name]
		if !ok || v.IsEmpty(f.Type) {
			continue
		}
		sb.WriteString(", ")
		sb.WriteString(f.Label)
		sb.WriteString(" - ")
		sb.WriteString(humanizeValue(v, f))
	}
	return sb.String()
}
