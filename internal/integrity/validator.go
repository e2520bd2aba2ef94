// Package integrity computes FK integrity over the unified collection
// without performing any sync: it walks data points, probes every
// cross-reference, and reports the orphans.
package integrity

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"nexsus/internal/identity"
	"nexsus/internal/schema"
	"nexsus/internal/store"
	"nexsus/internal/types"
)

const (
	defaultScrollBatch = 1000
	defaultProbeChunk  = 100
	defaultDetailCap   = 100
)

// FieldScan is the probe result for one relational field of a model.
// TotalRefs counts reference occurrences across all records; Orphans holds
// the unique missing targets, with their occurrence counts in RefCounts.
type FieldScan struct {
	Field     schema.Field
	TotalRefs int64
	Orphans   []string // unique referenced UUIDs missing from the store
	RefCounts map[string]int64
}

// Missing reports how many reference occurrences point at an absent target,
// the same unit as TotalRefs.
func (s FieldScan) Missing() int64 {
	var n int64
	for _, u := range s.Orphans {
		n += s.RefCounts[u]
	}
	return n
}

// OrphanDetail is one resolved orphan reference.
type OrphanDetail struct {
	FieldName      string `json:"field_name"`
	OrphanUUID     string `json:"orphan_uuid"`
	TargetModelID  int64  `json:"target_model_id"`
	TargetRecordID int64  `json:"target_record_id"`
}

// ModelReport is the per-model integrity result. Reference counters all
// share a unit, occurrences: a target referenced by three records counts
// three times in TotalFKReferences and, when absent, in MissingReferences.
// The Inbound fields are filled only on bidirectional runs and cover
// references other models hold into this one.
type ModelReport struct {
	Model             string           `json:"model"`
	TotalRecords      int64            `json:"total_records"`
	FKFieldsChecked   int              `json:"fk_fields_checked"`
	TotalFKReferences int64            `json:"total_fk_references"`
	MissingReferences int64            `json:"missing_references"`
	Unparseable       int64            `json:"unparseable"`
	OrphanDetails     []OrphanDetail   `json:"orphan_details"`
	MissingByTarget   map[string]int64 `json:"missing_by_target"`
	InboundReferences int64            `json:"inbound_references,omitempty"`
	InboundMissing    int64            `json:"inbound_missing,omitempty"`
	InboundBySource   map[string]int64 `json:"inbound_by_source,omitempty"`
}

// Score is the model's integrity score, 1 when no reference is missing.
func (r ModelReport) Score() float64 {
	if r.TotalFKReferences == 0 {
		return 1
	}
	return 1 - float64(r.MissingReferences)/float64(r.TotalFKReferences)
}

// GlobalReport rolls up per-model reports plus a histogram of missing
// references by target model.
type GlobalReport struct {
	Models            []ModelReport    `json:"models"`
	TotalRecords      int64            `json:"total_records"`
	TotalFKReferences int64            `json:"total_fk_references"`
	MissingReferences int64            `json:"missing_references"`
	Unparseable       int64            `json:"unparseable"`
	MissingByTarget   map[string]int64 `json:"missing_by_target"`
	InboundReferences int64            `json:"inbound_references,omitempty"`
	InboundMissing    int64            `json:"inbound_missing,omitempty"`
}

// Options tune a validation run.
type Options struct {
	GraphFeedback bool // write score and orphan count onto graph edges
	TrackHistory  bool // append a snapshot to the edge's history ring
	Bidirectional bool // also probe references other models hold into each model
	DetailCap     int
}

// Validator walks data points and probes their cross-references.
type Validator struct {
	store       store.Store
	registry    *schema.Registry
	logger      *zap.Logger
	scrollBatch int
	probeChunk  int
}

// NewValidator builds a validator.
func NewValidator(s store.Store, registry *schema.Registry, logger *zap.Logger) *Validator {
	return &Validator{
		store:       s,
		registry:    registry,
		logger:      logger.Named("integrity"),
		scrollBatch: defaultScrollBatch,
		probeChunk:  defaultProbeChunk,
	}
}

// ScanModel scrolls every data point of the model, collects the referenced
// UUIDs per relational field, and probes their existence. Store failures are
// fatal.
func (v *Validator) ScanModel(ctx context.Context, model string) (int64, []FieldScan, error) {
	m, err := v.registry.Lookup(ctx, model)
	if err != nil {
		return 0, nil, err
	}
	return v.scanFields(ctx, model, m.RelationalFields())
}

// ScanInbound probes the references other models hold into the target: for
// every model with data points whose schema carries a relational field
// aimed at the target, the field's references are collected and probed.
// Scans are keyed by the referencing model's name.
func (v *Validator) ScanInbound(ctx context.Context, target string) (map[string][]FieldScan, error) {
	m, err := v.registry.Lookup(ctx, target)
	if err != nil {
		return nil, err
	}
	sources, err := v.modelsWithData(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]FieldScan)
	for _, name := range sources {
		if name == target {
			continue
		}
		sm, err := v.registry.Lookup(ctx, name)
		if err != nil {
			v.logger.Warn("skipping unregistered referencing model",
				zap.String("model", name), zap.Error(err))
			continue
		}
		var fields []schema.Field
		for _, f := range sm.RelationalFields() {
			if f.FKModelID == m.ID || f.JSONFKModelID == m.ID {
				fields = append(fields, f)
			}
		}
		if len(fields) == 0 {
			continue
		}
		_, scans, err := v.scanFields(ctx, name, fields)
		if err != nil {
			return nil, err
		}
		out[name] = scans
	}
	return out, nil
}

// scanFields scrolls the model's data points, counting the references the
// given relational fields hold, and probes each unique target.
func (v *Validator) scanFields(ctx context.Context, model string, fields []schema.Field) (int64, []FieldScan, error) {
	refs := make(map[string]map[string]int64, len(fields))
	for _, f := range fields {
		refs[f.Name] = make(map[string]int64)
	}

	filter := store.ByType(types.PointTypeData).
		And(store.Condition{Field: types.KeyModelName, Op: store.OpEq, Value: model})
	var totalRecords int64
	cursor := ""
	for {
		points, next, err := v.store.Scroll(ctx, filter, v.scrollBatch, cursor)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to scroll %s data points: %w", model, err)
		}
		totalRecords += int64(len(points))
		for _, p := range points {
			for _, f := range fields {
				for _, ref := range refUUIDs(p.Payload[f.Name+types.QdrantSuffix]) {
					refs[f.Name][ref]++
				}
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	scans := make([]FieldScan, 0, len(fields))
	for _, f := range fields {
		uuids := sortedKeys(refs[f.Name])
		orphans, err := v.probeMissing(ctx, uuids)
		if err != nil {
			return 0, nil, err
		}
		var total int64
		for _, n := range refs[f.Name] {
			total += n
		}
		scans = append(scans, FieldScan{
			Field:     f,
			TotalRefs: total,
			Orphans:   orphans,
			RefCounts: refs[f.Name],
		})
	}
	return totalRecords, scans, nil
}

// refUUIDs extracts the UUID list from a `*_qdrant` payload value, which is
// either a single string or an array.
func refUUIDs(raw any) []string {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// probeMissing retrieves the UUIDs in chunks and returns those the store
// does not hold.
func (v *Validator) probeMissing(ctx context.Context, uuids []string) ([]string, error) {
	var missing []string
	for start := 0; start < len(uuids); start += v.probeChunk {
		end := start + v.probeChunk
		if end > len(uuids) {
			end = len(uuids)
		}
		chunk := uuids[start:end]
		found, err := v.store.Retrieve(ctx, chunk, false, false)
		if err != nil {
			return nil, fmt.Errorf("failed to probe references: %w", err)
		}
		present := make(map[string]bool, len(found))
		for _, p := range found {
			present[p.ID] = true
		}
		for _, id := range chunk {
			if !present[id] {
				missing = append(missing, id)
			}
		}
	}
	return missing, nil
}

// ValidateModel produces the per-model report and, when enabled, annotates
// the model's graph edges with the outcome.
func (v *Validator) ValidateModel(ctx context.Context, model string, opts Options) (ModelReport, error) {
	if opts.DetailCap <= 0 {
		opts.DetailCap = defaultDetailCap
	}
	m, err := v.registry.Lookup(ctx, model)
	if err != nil {
		return ModelReport{}, err
	}
	totalRecords, scans, err := v.ScanModel(ctx, model)
	if err != nil {
		return ModelReport{}, err
	}

	report := ModelReport{
		Model:           model,
		TotalRecords:    totalRecords,
		FKFieldsChecked: len(scans),
		MissingByTarget: make(map[string]int64),
	}
	for _, scan := range scans {
		report.TotalFKReferences += scan.TotalRefs
		report.MissingReferences += scan.Missing()

		for _, orphan := range scan.Orphans {
			occurrences := scan.RefCounts[orphan]
			modelID, recordID, err := identity.ParseData(orphan)
			if err != nil {
				report.Unparseable += occurrences
				v.logger.Warn("unparseable orphan uuid",
					zap.String("model", model),
					zap.String("uuid", orphan),
				)
				continue
			}
			target, err := v.registry.ModelNameByID(ctx, modelID)
			if err != nil {
				target = fmt.Sprintf("model_id:%d", modelID)
			}
			report.MissingByTarget[target] += occurrences
			if len(report.OrphanDetails) < opts.DetailCap {
				report.OrphanDetails = append(report.OrphanDetails, OrphanDetail{
					FieldName:      scan.Field.Name,
					OrphanUUID:     orphan,
					TargetModelID:  modelID,
					TargetRecordID: recordID,
				})
			}
		}

		if opts.GraphFeedback {
			v.annotateEdge(ctx, m, scan, opts.TrackHistory)
		}
	}

	if opts.Bidirectional {
		inbound, err := v.ScanInbound(ctx, model)
		if err != nil {
			return ModelReport{}, err
		}
		report.InboundBySource = make(map[string]int64)
		for src, scans := range inbound {
			for _, scan := range scans {
				report.InboundReferences += scan.TotalRefs
				if miss := scan.Missing(); miss > 0 {
					report.InboundMissing += miss
					report.InboundBySource[src] += miss
				}
			}
		}
	}
	return report, nil
}

// annotateEdge writes the field's validation outcome onto its graph edge.
// Missing edges are fine: the edge appears once the model syncs with graph
// updates enabled.
func (v *Validator) annotateEdge(ctx context.Context, m *schema.Model, scan FieldScan, trackHistory bool) {
	targetModelID := scan.Field.FKModelID
	if targetModelID == 0 {
		targetModelID = scan.Field.JSONFKModelID
	}
	if targetModelID == 0 {
		return
	}
	edgeID, err := identity.GraphUUID(m.ID, targetModelID, scan.Field.Type, scan.Field.ID)
	if err != nil {
		return
	}
	missing := scan.Missing()
	score := float64(1)
	if scan.TotalRefs > 0 {
		score = 1 - float64(missing)/float64(scan.TotalRefs)
	}
	if err := v.store.AnnotateGraphEdge(ctx, edgeID, missing, score, trackHistory); err != nil {
		v.logger.Warn("failed to annotate graph edge",
			zap.String("model", m.Name),
			zap.String("field", scan.Field.Name),
			zap.Error(err),
		)
	}
}

// Validate runs per-model validation over the given models (every model
// with data points when empty) and rolls up the global report.
func (v *Validator) Validate(ctx context.Context, models []string, opts Options) (GlobalReport, error) {
	if len(models) == 0 {
		var err error
		models, err = v.modelsWithData(ctx)
		if err != nil {
			return GlobalReport{}, err
		}
	}
	global := GlobalReport{MissingByTarget: make(map[string]int64)}
	for _, model := range models {
		report, err := v.ValidateModel(ctx, model, opts)
		if err != nil {
			return GlobalReport{}, err
		}
		global.Models = append(global.Models, report)
		global.TotalRecords += report.TotalRecords
		global.TotalFKReferences += report.TotalFKReferences
		global.MissingReferences += report.MissingReferences
		global.Unparseable += report.Unparseable
		global.InboundReferences += report.InboundReferences
		global.InboundMissing += report.InboundMissing
		for target, n := range report.MissingByTarget {
			global.MissingByTarget[target] += n
		}
	}
	return global, nil
}

// modelsWithData lists distinct model names that have data points.
func (v *Validator) modelsWithData(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	filter := store.ByType(types.PointTypeData)
	cursor := ""
	for {
		points, next, err := v.store.Scroll(ctx, filter, v.scrollBatch, cursor)
		if err != nil {
			return nil, fmt.Errorf("failed to scroll data points: %w", err)
		}
		for _, p := range points {
			if name, ok := p.Payload[types.KeyModelName].(string); ok {
				seen[name] = true
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return sortedKeys(seen), nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
