// Package types holds the shared value model of the ingestion core: point
// types, the tagged record-value variants, and the error taxonomy.
package types

import "time"

// PointType discriminates the four kinds of points sharing the unified
// collection.
type PointType string

const (
	PointTypeSchema    PointType = "schema"
	PointTypeData      PointType = "data"
	PointTypeGraph     PointType = "graph"
	PointTypeKnowledge PointType = "knowledge"
	PointTypeInvalid   PointType = "invalid"
)

// Universal payload keys present on every point.
const (
	KeyPointType     = "point_type"
	KeyPointID       = "point_id"
	KeySyncTimestamp = "sync_timestamp"
	KeyModelName     = "model_name"
	KeyModelID       = "model_id"
	KeyRecordID      = "record_id"
	KeyFieldID       = "field_id"
	KeyFieldName     = "field_name"
)

// QdrantSuffix is the payload-key suffix for FK cross-reference UUIDs.
// `<field>_qdrant` holds the deterministic UUID(s) of the FK target point(s).
const QdrantSuffix = "_qdrant"

// Point is one addressable entry in the unified collection.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Timestamp formats t the way every sync_timestamp is stored.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
