package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"nexsus/internal/identity"
	"nexsus/internal/types"
)

// GraphEdge summarizes one FK relationship (source_model, field, target
// model). There is exactly one graph point per triple; successive upserts
// accumulate: edge_count sums, unique_targets takes the max,
// cascade_sources unions.
type GraphEdge struct {
	SourceModel   string
	SourceModelID int64
	TargetModel   string
	TargetModelID int64
	FieldName     string
	FieldLabel    string
	FieldType     string
	FieldID       int64
	IsLeaf        bool
	EdgeCount     int64
	UniqueTargets int64
	CascadeSource string // model that triggered this write
}

// Payload keys specific to graph points.
const (
	KeyEdgeCount      = "edge_count"
	KeyUniqueTargets  = "unique_targets"
	KeyCascadeSources = "cascade_sources"
	KeyLastCascade    = "last_cascade"
	KeyIsLeaf         = "is_leaf"

	KeyLastValidated        = "last_validated"
	KeyLastValidatedOrphans = "last_validated_orphans"
	KeyIntegrityScore       = "integrity_score"
	KeyValidationHistory    = "validation_history"
)

// validationHistoryCap bounds the ring of past validation snapshots kept on
// an edge when history tracking is on.
const validationHistoryCap = 10

// ID derives the deterministic graph UUID of the edge.
func (e GraphEdge) ID() (string, error) {
	return identity.GraphUUID(e.SourceModelID, e.TargetModelID, e.FieldType, e.FieldID)
}

// UpsertGraphEdge merges the edge into the collection. The read-merge-write
// runs inside the store's single write connection, so concurrent workers
// serialize here. vectorIfNew is only used when the edge point does not
// exist yet.
func (s *SQLiteStore) UpsertGraphEdge(ctx context.Context, edge GraphEdge, vectorIfNew []float32) error {
	id, err := edge.ID()
	if err != nil {
		return err
	}

	existing, err := s.Retrieve(ctx, []string{id}, true, true)
	if err != nil {
		return fmt.Errorf("failed to read graph edge %s: %w", id, err)
	}

	payload := map[string]any{
		types.KeyPointType:     string(types.PointTypeGraph),
		types.KeyPointID:       id,
		"source_model":         edge.SourceModel,
		"source_model_id":      edge.SourceModelID,
		"target_model":         edge.TargetModel,
		"target_model_id":      edge.TargetModelID,
		types.KeyFieldName:     edge.FieldName,
		"field_label":          edge.FieldLabel,
		"field_type":           edge.FieldType,
		types.KeyFieldID:       edge.FieldID,
		KeyIsLeaf:              edge.IsLeaf,
		KeyEdgeCount:           edge.EdgeCount,
		KeyUniqueTargets:       edge.UniqueTargets,
		KeyCascadeSources:      []any{edge.CascadeSource},
		KeyLastCascade:         types.Timestamp(time.Now()),
		types.KeySyncTimestamp: types.Timestamp(time.Now()),
	}
	vector := vectorIfNew

	if len(existing) > 0 {
		prev := existing[0].Payload
		payload[KeyEdgeCount] = asI64(prev[KeyEdgeCount]) + edge.EdgeCount
		payload[KeyUniqueTargets] = maxI64(asI64(prev[KeyUniqueTargets]), edge.UniqueTargets)
		payload[KeyCascadeSources] = unionSources(prev[KeyCascadeSources], edge.CascadeSource)
		// Integrity annotations written by the validator survive cascades.
		for _, k := range []string{KeyLastValidated, KeyLastValidatedOrphans, KeyIntegrityScore, KeyValidationHistory} {
			if v, ok := prev[k]; ok {
				payload[k] = v
			}
		}
		vector = existing[0].Vector
	}

	return s.Upsert(ctx, []types.Point{{ID: id, Vector: vector, Payload: payload}})
}

// AnnotateGraphEdge patches validation results onto an existing edge,
// leaving the accumulated counters untouched. Missing edges are skipped:
// validation may run before the edge's source model ever synced.
func (s *SQLiteStore) AnnotateGraphEdge(ctx context.Context, edgeID string, orphans int64, score float64, trackHistory bool) error {
	existing, err := s.Retrieve(ctx, []string{edgeID}, true, true)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		return nil
	}
	p := existing[0].Payload
	now := types.Timestamp(time.Now())
	p[KeyLastValidated] = now
	p[KeyLastValidatedOrphans] = orphans
	p[KeyIntegrityScore] = score
	if trackHistory {
		hist, _ := p[KeyValidationHistory].([]any)
		hist = append(hist, map[string]any{
			"validated_at": now,
			"orphans":      orphans,
			"score":        score,
		})
		if len(hist) > validationHistoryCap {
			hist = hist[len(hist)-validationHistoryCap:]
		}
		p[KeyValidationHistory] = hist
	}
	return s.Upsert(ctx, []types.Point{{ID: edgeID, Vector: existing[0].Vector, Payload: p}})
}

func asI64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func unionSources(prev any, source string) []any {
	seen := map[string]bool{}
	var out []string
	if list, ok := prev.([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok && !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	if source != "" && !seen[source] {
		out = append(out, source)
	}
	sort.Strings(out)
	res := make([]any, len(out))
	for i, s := range out {
		res[i] = s
	}
	return res
}
