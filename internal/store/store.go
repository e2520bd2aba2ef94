// Package store is the unified-collection adapter: every point type shares
// one physical collection, discriminated by point_type, with payload
// filters, ANN search and scroll over it.
package store

import (
	"context"

	"nexsus/internal/types"
)

// IndexKind selects the payload index type for a field.
type IndexKind string

const (
	IndexKeyword IndexKind = "keyword"
	IndexInteger IndexKind = "integer"
	IndexBool    IndexKind = "bool"
	IndexText    IndexKind = "text"
)

// CollectionInfo describes the collection and its configuration.
type CollectionInfo struct {
	Name            string
	VectorSize      int
	Distance        string
	PointsByType    map[types.PointType]int64
	TotalPoints     int64
	PayloadIndexes  []string
	VecIndexEnabled bool
	HNSWM           int
	HNSWEfConstruct int
	HNSWEfSearch    int
	Quantization    bool
}

// ScoredPoint is a search hit with its cosine similarity score.
type ScoredPoint struct {
	Point types.Point
	Score float32
}

// Store is the typed surface over the unified collection. All writes are
// synchronous: a returned nil error means subsequent Scroll/Count/Retrieve
// calls observe the write.
type Store interface {
	Upsert(ctx context.Context, points []types.Point) error
	Retrieve(ctx context.Context, ids []string, withPayload, withVector bool) ([]types.Point, error)
	Scroll(ctx context.Context, filter Filter, limit int, cursor string) ([]types.Point, string, error)
	Search(ctx context.Context, vector []float32, filter Filter, limit int, scoreThreshold float32) ([]ScoredPoint, error)
	Count(ctx context.Context, filter Filter, exact bool) (int64, error)
	Delete(ctx context.Context, filter Filter, ids []string) error
	CreatePayloadIndex(ctx context.Context, field string, kind IndexKind) error
	CollectionInfo(ctx context.Context) (CollectionInfo, error)
	UpsertGraphEdge(ctx context.Context, edge GraphEdge, vectorIfNew []float32) error
	AnnotateGraphEdge(ctx context.Context, edgeID string, orphans int64, score float64, trackHistory bool) error
	Close() error
}
