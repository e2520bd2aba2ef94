package source

import (
	"context"
	"fmt"
	"sort"
)

// MemorySource is an in-process RecordSource backed by maps. Tests and dry
// runs use it; the JSON catalog source builds on it.
type MemorySource struct {
	schemas map[string]ModelSchema
	records map[string]map[int64]map[string]any
	order   map[string][]int64 // source delivery order per model
}

// NewMemorySource returns an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		schemas: make(map[string]ModelSchema),
		records: make(map[string]map[int64]map[string]any),
		order:   make(map[string][]int64),
	}
}

// AddModel registers a model schema.
func (m *MemorySource) AddModel(schema ModelSchema) {
	m.schemas[schema.Model] = schema
	if m.records[schema.Model] == nil {
		m.records[schema.Model] = make(map[int64]map[string]any)
	}
}

// AddRecord registers one record. The record map must carry an "id" key.
func (m *MemorySource) AddRecord(model string, record map[string]any) error {
	id, ok := recordID(record)
	if !ok {
		return fmt.Errorf("record for %s has no numeric id", model)
	}
	if m.records[model] == nil {
		m.records[model] = make(map[int64]map[string]any)
	}
	if _, exists := m.records[model][id]; !exists {
		m.order[model] = append(m.order[model], id)
	}
	m.records[model][id] = record
	return nil
}

// RemoveRecord drops a record, for cleanup tests.
func (m *MemorySource) RemoveRecord(model string, id int64) {
	delete(m.records[model], id)
	order := m.order[model][:0]
	for _, rid := range m.order[model] {
		if rid != id {
			order = append(order, rid)
		}
	}
	m.order[model] = order
}

// matchDate compares the record's write_date against the window. ISO dates
// order lexically; records without a write_date pass.
func matchDate(rec map[string]any, from, to string) bool {
	wd, _ := rec["write_date"].(string)
	if wd == "" {
		return true
	}
	if from != "" && wd < from {
		return false
	}
	if to != "" && wd[:min(len(wd), len(to))] > to {
		return false
	}
	return true
}

func recordID(record map[string]any) (int64, bool) {
	switch v := record["id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Fetch implements RecordSource.
func (m *MemorySource) Fetch(ctx context.Context, model string, opts FetchOptions) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	recs, ok := m.records[model]
	if !ok {
		return nil, fmt.Errorf("unknown model %q", model)
	}

	ids := m.order[model]
	if len(opts.IDs) > 0 {
		ids = opts.IDs
	}

	var out []map[string]any
	for _, id := range ids {
		rec, ok := recs[id]
		if !ok {
			continue
		}
		if !opts.IncludeArchived {
			if active, isBool := rec["active"].(bool); isBool && !active {
				continue
			}
		}
		if !matchDate(rec, opts.DateFrom, opts.DateTo) {
			continue
		}
		out = append(out, rec)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Count implements RecordSource.
func (m *MemorySource) Count(ctx context.Context, model string, opts FetchOptions) (int64, error) {
	recs, err := m.Fetch(ctx, model, FetchOptions{
		IDs:             opts.IDs,
		DateFrom:        opts.DateFrom,
		DateTo:          opts.DateTo,
		IncludeArchived: opts.IncludeArchived,
	})
	if err != nil {
		return 0, err
	}
	return int64(len(recs)), nil
}

// ListModels implements RecordSource.
func (m *MemorySource) ListModels(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m.schemas))
	for name := range m.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Schema implements RecordSource.
func (m *MemorySource) Schema(ctx context.Context, model string) (ModelSchema, error) {
	if err := ctx.Err(); err != nil {
		return ModelSchema{}, err
	}
	schema, ok := m.schemas[model]
	if !ok {
		return ModelSchema{}, fmt.Errorf("unknown model %q", model)
	}
	return schema, nil
}
