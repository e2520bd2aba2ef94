package schema

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nexsus/internal/identity"
	"nexsus/internal/source"
	"nexsus/internal/store"
	"nexsus/internal/types"
)

// Embedder is the slice of the embedding gateway the syncer needs.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Syncer writes schema points from the source's metadata stream. It is the
// only component allowed to mutate schema points.
type Syncer struct {
	src      source.RecordSource
	embedder Embedder
	store    store.Store
	registry *Registry
	logger   *zap.Logger
}

// NewSyncer builds a schema syncer.
func NewSyncer(src source.RecordSource, embedder Embedder, s store.Store, registry *Registry, logger *zap.Logger) *Syncer {
	return &Syncer{
		src:      src,
		embedder: embedder,
		store:    s,
		registry: registry,
		logger:   logger.Named("schema_sync"),
	}
}

// Sync writes schema points for the given models (all source models when
// empty). force deletes existing schema points for each model first.
func (sy *Syncer) Sync(ctx context.Context, models []string, force bool) (int, error) {
	if len(models) == 0 {
		var err error
		models, err = sy.src.ListModels(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list models: %w", err)
		}
	}

	schemas := make([]source.ModelSchema, 0, len(models))
	pkByModelID := make(map[int64]int64)
	for _, model := range models {
		ms, err := sy.src.Schema(ctx, model)
		if err != nil {
			return 0, fmt.Errorf("failed to read schema for %s: %w", model, err)
		}
		schemas = append(schemas, ms)
		for _, f := range ms.Fields {
			if f.Name == "id" {
				pkByModelID[ms.ModelID] = f.FieldID
			}
		}
	}

	total := 0
	for _, ms := range schemas {
		n, err := sy.syncModel(ctx, ms, pkByModelID, force)
		if err != nil {
			return total, err
		}
		total += n
	}
	sy.registry.ClearCache()
	return total, nil
}

func (sy *Syncer) syncModel(ctx context.Context, ms source.ModelSchema, pkByModelID map[int64]int64, force bool) (int, error) {
	if force {
		filter := store.ByType(types.PointTypeSchema).
			And(store.Condition{Field: types.KeyModelName, Op: store.OpEq, Value: ms.Model})
		if err := sy.store.Delete(ctx, filter, nil); err != nil {
			return 0, fmt.Errorf("failed to clear schema points for %s: %w", ms.Model, err)
		}
	}

	texts := make([]string, len(ms.Fields))
	for i, f := range ms.Fields {
		texts[i] = fmt.Sprintf("Field %s (%s) of model %s, type %s", f.Label, f.Name, ms.Model, f.Type)
	}
	vectors, err := sy.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed schema texts for %s: %w", ms.Model, err)
	}

	now := types.Timestamp(time.Now())
	points := make([]types.Point, 0, len(ms.Fields))
	for i, f := range ms.Fields {
		id, err := identity.SchemaUUID(f.FieldID)
		if err != nil {
			return 0, fmt.Errorf("invalid field id for %s.%s: %w", ms.Model, f.Name, err)
		}
		payload := map[string]any{
			types.KeyPointType:     string(types.PointTypeSchema),
			types.KeyPointID:       id,
			types.KeyFieldID:       f.FieldID,
			types.KeyFieldName:     f.Name,
			types.KeyModelName:     ms.Model,
			types.KeyModelID:       ms.ModelID,
			"field_label":          f.Label,
			"field_type":           f.Type,
			"stored":               f.Stored,
			"payload_flag":         f.InPayload,
			"embedding_text":       texts[i],
			types.KeySyncTimestamp: now,
		}
		if f.RelationModel != "" {
			payload["fk_location_model"] = f.RelationModel
			payload["fk_location_model_id"] = f.RelationModelID
			if pk, ok := pkByModelID[f.RelationModelID]; ok {
				fkID, err := identity.SchemaUUID(pk)
				if err == nil {
					payload["fk_qdrant_id"] = fkID
				}
			}
		}
		if f.JSONFKModel != "" {
			payload["json_fk_model"] = f.JSONFKModel
			payload["json_fk_model_id"] = f.JSONFKModelID
		}
		points = append(points, types.Point{ID: id, Vector: vectors[i], Payload: payload})
	}

	if err := sy.store.Upsert(ctx, points); err != nil {
		return 0, fmt.Errorf("failed to upsert schema points for %s: %w", ms.Model, err)
	}
	sy.logger.Info("schema synced",
		zap.String("model", ms.Model),
		zap.Int64("model_id", ms.ModelID),
		zap.Int("fields", len(points)),
	)
	return len(points), nil
}
