// Package schema holds the schema registry (cached model/field metadata read
// from schema points) and the schema syncer that writes those points.
package schema

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"nexsus/internal/store"
	"nexsus/internal/types"
)

// Field is one field of a model as the registry sees it.
type Field struct {
	ID            int64
	Name          string
	Label         string
	Type          string
	Stored        bool
	InPayload     bool
	FKModel       string // target model name for relational fields
	FKModelID     int64  // 0 when the target model id is unknown
	JSONFKModel   string // target model for JSON-FK mapped fields
	JSONFKModelID int64
}

// IsRelational reports whether the field carries FK references.
func (f Field) IsRelational() bool {
	switch f.Type {
	case "many2one", "one2many", "many2many", "one2one":
		return true
	case "json":
		return f.JSONFKModel != ""
	}
	return false
}

// Model is the cached metadata of one model.
type Model struct {
	Name      string
	ID        int64
	PKFieldID int64
	Fields    []Field

	byName map[string]int
}

// BuildModel assembles a Model from an explicit field list: fields are
// sorted by id, indexed by name, and the field named "id" becomes the PK.
func BuildModel(name string, id int64, fields []Field) *Model {
	m := &Model{Name: name, ID: id, Fields: append([]Field{}, fields...), byName: make(map[string]int)}
	sort.Slice(m.Fields, func(i, j int) bool { return m.Fields[i].ID < m.Fields[j].ID })
	for i, f := range m.Fields {
		m.byName[f.Name] = i
		if f.Name == "id" {
			m.PKFieldID = f.ID
		}
	}
	return m
}

// FieldByName resolves a field on the model.
func (m *Model) FieldByName(name string) (Field, bool) {
	i, ok := m.byName[name]
	if !ok {
		return Field{}, false
	}
	return m.Fields[i], true
}

// PayloadFields returns the payload-eligible subset in schema order.
func (m *Model) PayloadFields() []Field {
	var out []Field
	for _, f := range m.Fields {
		if f.InPayload {
			out = append(out, f)
		}
	}
	return out
}

// RelationalFields returns the FK-carrying subset in schema order.
func (m *Model) RelationalFields() []Field {
	var out []Field
	for _, f := range m.Fields {
		if f.IsRelational() {
			out = append(out, f)
		}
	}
	return out
}

// HasOutgoingFKs reports whether any field references another model with a
// known model id. Targets without it are leaves for graph purposes.
func (m *Model) HasOutgoingFKs() bool {
	for _, f := range m.Fields {
		if f.IsRelational() && (f.FKModelID != 0 || f.JSONFKModelID != 0) {
			return true
		}
	}
	return false
}

// numericTypes support the full aggregation set.
var numericTypes = map[string]bool{
	"integer":  true,
	"float":    true,
	"monetary": true,
}

// dateTypes support only min/max/count.
var dateTypes = map[string]bool{
	"date":     true,
	"datetime": true,
}

// Registry caches model metadata read back from schema points. It never
// writes; the syncer does. ClearCache must follow any schema change.
type Registry struct {
	store  store.Store
	logger *zap.Logger

	mu      sync.RWMutex
	cache   map[string]*Model
	byID    map[int64]string
	indexed map[string]bool
}

// NewRegistry builds a registry over the unified store.
func NewRegistry(s store.Store, logger *zap.Logger) *Registry {
	r := &Registry{
		store:   s,
		logger:  logger.Named("registry"),
		cache:   make(map[string]*Model),
		byID:    make(map[int64]string),
		indexed: make(map[string]bool),
	}
	for _, f := range []string{
		types.KeyPointType, types.KeyModelName, types.KeyModelID,
		types.KeyRecordID, types.KeyFieldID, types.KeyFieldName, types.KeyPointID,
	} {
		r.indexed[f] = true
	}
	return r
}

// ClearCache drops every cached model. Call after schema sync.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*Model)
	r.byID = make(map[int64]string)
}

// ModelExists reports whether schema points exist for the model.
func (r *Registry) ModelExists(ctx context.Context, name string) bool {
	_, err := r.Lookup(ctx, name)
	return err == nil
}

// Lookup returns the cached model, loading it from schema points on a miss.
func (r *Registry) Lookup(ctx context.Context, name string) (*Model, error) {
	r.mu.RLock()
	if m, ok := r.cache[name]; ok {
		r.mu.RUnlock()
		return m, nil
	}
	r.mu.RUnlock()

	m, err := r.load(ctx, name)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[name] = m
	r.byID[m.ID] = name
	r.mu.Unlock()
	return m, nil
}

func (r *Registry) load(ctx context.Context, name string) (*Model, error) {
	filter := store.ByType(types.PointTypeSchema).
		And(store.Condition{Field: types.KeyModelName, Op: store.OpEq, Value: name})

	m := &Model{Name: name, byName: make(map[string]int)}
	cursor := ""
	for {
		points, next, err := r.store.Scroll(ctx, filter, 500, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to load schema for %s: %w", name, err)
		}
		for _, p := range points {
			f := fieldFromPayload(p.Payload)
			m.Fields = append(m.Fields, f)
			if m.ID == 0 {
				m.ID = payloadInt(p.Payload, types.KeyModelID)
			}
			if f.Name == "id" {
				m.PKFieldID = f.ID
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	if len(m.Fields) == 0 {
		return nil, fmt.Errorf("%w: %s", types.ErrModelNotFound, name)
	}
	sort.Slice(m.Fields, func(i, j int) bool { return m.Fields[i].ID < m.Fields[j].ID })
	for i, f := range m.Fields {
		m.byName[f.Name] = i
	}
	r.logger.Debug("loaded model schema",
		zap.String("model", name),
		zap.Int64("model_id", m.ID),
		zap.Int("fields", len(m.Fields)),
	)
	return m, nil
}

func fieldFromPayload(p map[string]any) Field {
	f := Field{
		ID:        payloadInt(p, types.KeyFieldID),
		FKModelID: payloadInt(p, "fk_location_model_id"),
	}
	f.Name, _ = p[types.KeyFieldName].(string)
	f.Label, _ = p["field_label"].(string)
	f.Type, _ = p["field_type"].(string)
	f.Stored, _ = p["stored"].(bool)
	f.InPayload, _ = p["payload_flag"].(bool)
	f.FKModel, _ = p["fk_location_model"].(string)
	f.JSONFKModel, _ = p["json_fk_model"].(string)
	f.JSONFKModelID = payloadInt(p, "json_fk_model_id")
	return f
}

func payloadInt(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// ModelID resolves a model name to its id.
func (r *Registry) ModelID(ctx context.Context, name string) (int64, error) {
	m, err := r.Lookup(ctx, name)
	if err != nil {
		return 0, err
	}
	return m.ID, nil
}

// ModelNameByID resolves a model id back to its name, scanning schema
// points when the cache has not seen the model yet.
func (r *Registry) ModelNameByID(ctx context.Context, id int64) (string, error) {
	r.mu.RLock()
	if name, ok := r.byID[id]; ok {
		r.mu.RUnlock()
		return name, nil
	}
	r.mu.RUnlock()

	filter := store.ByType(types.PointTypeSchema).
		And(store.Condition{Field: types.KeyModelID, Op: store.OpEq, Value: id})
	points, _, err := r.store.Scroll(ctx, filter, 1, "")
	if err != nil {
		return "", err
	}
	if len(points) == 0 {
		return "", fmt.Errorf("%w: model_id %d", types.ErrModelNotFound, id)
	}
	name, _ := points[0].Payload[types.KeyModelName].(string)
	// Warm the full cache entry for later lookups.
	if _, err := r.Lookup(ctx, name); err != nil {
		return "", err
	}
	return name, nil
}

// Fields returns the ordered field list of a model.
func (r *Registry) Fields(ctx context.Context, name string) ([]Field, error) {
	m, err := r.Lookup(ctx, name)
	if err != nil {
		return nil, err
	}
	return m.Fields, nil
}

// FieldByName resolves one field.
func (r *Registry) FieldByName(ctx context.Context, model, field string) (Field, error) {
	m, err := r.Lookup(ctx, model)
	if err != nil {
		return Field{}, err
	}
	f, ok := m.FieldByName(field)
	if !ok {
		return Field{}, fmt.Errorf("%w: %s.%s", types.ErrFieldNotFound, model, field)
	}
	return f, nil
}

// IsAggregationSafe validates a (field, op) pair: numeric types support
// sum/avg/min/max/count, date types only min/max/count, everything else
// only count.
func (r *Registry) IsAggregationSafe(ctx context.Context, model, field, op string) (bool, error) {
	f, err := r.FieldByName(ctx, model, field)
	if err != nil {
		return false, err
	}
	switch {
	case op == "count":
		return true, nil
	case numericTypes[f.Type]:
		return op == "sum" || op == "avg" || op == "min" || op == "max", nil
	case dateTypes[f.Type]:
		return op == "min" || op == "max", nil
	}
	return false, nil
}

// RegisterIndexedFields records payload fields that carry keyword indexes,
// so the filter compiler can route conditions natively.
func (r *Registry) RegisterIndexedFields(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.indexed[n] = true
	}
}

// IsIndexed reports whether the field has a payload index.
func (r *Registry) IsIndexed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.indexed[name]
}
