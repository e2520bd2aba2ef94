// Package transform turns raw ERP records into embeddable narratives and
// typed payloads, emitting FK cross-reference UUIDs along the way.
package transform

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"nexsus/internal/identity"
	"nexsus/internal/schema"
	"nexsus/internal/types"
)

// FKRef is one observed outgoing reference, grouped per relational field.
// The scheduler uses these to accumulate graph edges and to enqueue cascade
// targets.
type FKRef struct {
	Field         schema.Field
	TargetModel   string
	TargetModelID int64
	TargetIDs     []int64
}

// Result is the transformed form of one record.
type Result struct {
	PointID   string
	RecordID  int64
	Narrative string
	Payload   map[string]any
	FKRefs    []FKRef
}

// Transformer converts records of any model; it is stateless apart from the
// loaded narrative patterns.
type Transformer struct {
	patterns map[string]Pattern
	logger   *zap.Logger
}

// NewTransformer builds a transformer. patterns may be nil.
func NewTransformer(patterns map[string]Pattern, logger *zap.Logger) *Transformer {
	if patterns == nil {
		patterns = make(map[string]Pattern)
	}
	return &Transformer{patterns: patterns, logger: logger.Named("transform")}
}

// Transform converts one raw record. The record must carry a numeric "id".
func (t *Transformer) Transform(model *schema.Model, record map[string]any, syncTime time.Time) (Result, error) {
	recordID, ok := types.Interpret(record["id"]).AsInt()
	if !ok {
		return Result{}, fmt.Errorf("record of %s has no numeric id", model.Name)
	}
	pointID, err := identity.DataUUID(model.ID, recordID)
	if err != nil {
		return Result{}, fmt.Errorf("record %s/%d: %w", model.Name, recordID, err)
	}

	values := make(map[string]types.Value, len(record))
	for k, raw := range record {
		values[k] = types.Interpret(raw)
	}

	payload := map[string]any{
		types.KeyPointType:     string(types.PointTypeData),
		types.KeyPointID:       pointID,
		types.KeyModelName:     model.Name,
		types.KeyModelID:       model.ID,
		types.KeyRecordID:      recordID,
		types.KeySyncTimestamp: types.Timestamp(syncTime),
	}

	var refs []FKRef
	for _, f := range model.Fields {
		if f.Name == "id" {
			continue
		}
		switch {
		case f.Type == "many2one":
			t.applyMany2One(model, f, record, values, payload, &refs)
		case f.Type == "one2many" || f.Type == "many2many":
			t.applyX2Many(f, values, payload, &refs)
		case f.Type == "json" && f.JSONFKModel != "":
			t.applyJSONFK(model, f, values, payload, &refs)
		default:
			v, ok := values[f.Name]
			if !ok || !f.InPayload || v.IsEmpty(f.Type) {
				continue
			}
			payload[f.Name] = v.Raw()
		}
	}

	narrative := t.narrative(model, values)
	return Result{
		PointID:   pointID,
		RecordID:  recordID,
		Narrative: narrative,
		Payload:   payload,
		FKRefs:    refs,
	}, nil
}

func (t *Transformer) narrative(model *schema.Model, values map[string]types.Value) string {
	if p, ok := t.patterns[model.Name]; ok {
		return renderPattern(p, model, values)
	}
	return defaultNarrative(model, values)
}

// applyMany2One writes the FK contract keys irrespective of payload
// eligibility: `<field>_id`, `<field>` (display name when known) and
// `<field>_qdrant` when the target model id is known.
func (t *Transformer) applyMany2One(model *schema.Model, f schema.Field, record map[string]any, values map[string]types.Value, payload map[string]any, refs *[]FKRef) {
	id, name, ok := extractFK(record, values, f.Name)
	if !ok {
		if v, present := values[f.Name]; present && !v.IsEmpty(f.Type) {
			t.logger.Warn("unparseable FK value, leaving slot empty",
				zap.String("model", model.Name),
				zap.String("field", f.Name),
			)
		}
		return
	}
	payload[f.Name+"_id"] = id
	if name != "" {
		payload[f.Name] = name
	}
	if f.FKModelID == 0 {
		return
	}
	if ref, err := identity.DataUUID(f.FKModelID, id); err == nil {
		payload[f.Name+types.QdrantSuffix] = ref
		*refs = append(*refs, FKRef{
			Field:         f,
			TargetModel:   f.FKModel,
			TargetModelID: f.FKModelID,
			TargetIDs:     []int64{id},
		})
	}
}

// applyX2Many writes the id array and, when the target model id is known,
// the parallel `<field>_qdrant` UUID array.
func (t *Transformer) applyX2Many(f schema.Field, values map[string]types.Value, payload map[string]any, refs *[]FKRef) {
	v, ok := values[f.Name]
	if !ok || v.Kind != types.ValueIDList || len(v.IDs) == 0 {
		return
	}
	payload[f.Name] = v.Raw()
	if f.FKModelID == 0 {
		return
	}
	uuids := make([]any, 0, len(v.IDs))
	for _, id := range v.IDs {
		ref, err := identity.DataUUID(f.FKModelID, id)
		if err != nil {
			continue
		}
		uuids = append(uuids, ref)
	}
	if len(uuids) == 0 {
		return
	}
	payload[f.Name+types.QdrantSuffix] = uuids
	*refs = append(*refs, FKRef{
		Field:         f,
		TargetModel:   f.FKModel,
		TargetModelID: f.FKModelID,
		TargetIDs:     append([]int64{}, v.IDs...),
	})
}

// applyJSONFK maps JSON object keys to data UUIDs per the JSON-FK
// declaration.
func (t *Transformer) applyJSONFK(model *schema.Model, f schema.Field, values map[string]types.Value, payload map[string]any, refs *[]FKRef) {
	v, ok := values[f.Name]
	if !ok || v.Kind != types.ValueJSON || len(v.Obj) == 0 {
		return
	}
	if f.InPayload {
		payload[f.Name] = v.Raw()
	}

	keys := make([]string, 0, len(v.Obj))
	for key := range v.Obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var ids []int64
	var uuids []any
	for _, key := range keys {
		id, ok := types.Interpret(key).AsInt()
		if !ok {
			t.logger.Warn("non-numeric JSON-FK key, skipping",
				zap.String("model", model.Name),
				zap.String("field", f.Name),
				zap.String("key", key),
			)
			continue
		}
		ref, err := identity.DataUUID(f.JSONFKModelID, id)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		uuids = append(uuids, ref)
	}
	if len(uuids) == 0 {
		return
	}
	payload[f.Name+types.QdrantSuffix] = uuids
	*refs = append(*refs, FKRef{
		Field:         f,
		TargetModel:   f.JSONFKModel,
		TargetModelID: f.JSONFKModelID,
		TargetIDs:     ids,
	})
}

// extractFK resolves a many2one value from the three accepted wire shapes:
// `[id, name]` tuple, bare number or numeric string, legacy `X_id`/`X_name`
// columns. First parse wins.
func extractFK(record map[string]any, values map[string]types.Value, field string) (int64, string, bool) {
	if v, ok := values[field]; ok {
		switch v.Kind {
		case types.ValueIDName:
			return v.ID, v.Name, true
		case types.ValueInt:
			return v.Int, "", true
		case types.ValueString:
			if id, ok := v.AsInt(); ok {
				return id, "", true
			}
		}
	}
	if raw, ok := record[field+"_id"]; ok {
		if id, ok := types.Interpret(raw).AsInt(); ok {
			name := ""
			if v := types.Interpret(record[field+"_name"]); v.Kind == types.ValueString {
				name = v.Str
			}
			return id, name, true
		}
	}
	return 0, "", false
}
