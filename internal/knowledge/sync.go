package knowledge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"nexsus/internal/identity"
	"nexsus/internal/schema"
	"nexsus/internal/store"
	"nexsus/internal/types"
)

// maxSemanticChars bounds the embedded knowledge text.
const maxSemanticChars = 2000

// Embedder is the slice of the embedding gateway the syncer needs.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// Syncer writes knowledge points from a catalog.
type Syncer struct {
	store    store.Store
	embedder Embedder
	registry *schema.Registry
	logger   *zap.Logger
}

// NewSyncer builds a knowledge syncer.
func NewSyncer(s store.Store, embedder Embedder, registry *schema.Registry, logger *zap.Logger) *Syncer {
	return &Syncer{
		store:    s,
		embedder: embedder,
		registry: registry,
		logger:   logger.Named("knowledge"),
	}
}

// Sync embeds and upserts the catalog's three item streams. Cross-level
// inconsistencies come back as warnings, never errors. force deletes all
// existing knowledge points first.
func (sy *Syncer) Sync(ctx context.Context, catalog Catalog, force bool) (int, []string, error) {
	warnings := sy.checkConsistency(ctx, catalog)

	if force {
		if err := sy.store.Delete(ctx, store.ByType(types.PointTypeKnowledge), nil); err != nil {
			return 0, warnings, fmt.Errorf("failed to clear knowledge points: %w", err)
		}
	}

	var points []types.Point
	var texts []string
	add := func(id, text string, payload map[string]any) {
		payload[types.KeyPointType] = string(types.PointTypeKnowledge)
		payload[types.KeyPointID] = id
		payload["semantic_text"] = text
		payload[types.KeySyncTimestamp] = types.Timestamp(time.Now())
		points = append(points, types.Point{ID: id, Payload: payload})
		texts = append(texts, text)
	}

	for _, item := range catalog.Instance {
		id, err := identity.KnowledgeUUID(identity.LevelInstance, 0, item.Item)
		if err != nil {
			return 0, warnings, fmt.Errorf("instance item %d: %w", item.Item, err)
		}
		add(id, truncate(instanceText(item)), map[string]any{
			"knowledge_level": identity.LevelInstance.String(),
			"name":            item.Name,
			"description":     item.Description,
			"config_model":    item.Model,
			"config_value":    item.Value,
		})
	}
	for _, item := range catalog.Models {
		id, err := identity.KnowledgeUUID(identity.LevelModel, item.ModelID, 0)
		if err != nil {
			return 0, warnings, fmt.Errorf("model item %s: %w", item.Model, err)
		}
		add(id, truncate(modelText(item)), map[string]any{
			"knowledge_level":  identity.LevelModel.String(),
			types.KeyModelName: item.Model,
			types.KeyModelID:   item.ModelID,
			"label":            item.Label,
			"description":      item.Description,
			"usage":            item.Usage,
		})
	}
	for _, item := range catalog.Fields {
		id, err := identity.KnowledgeUUID(identity.LevelField, item.ModelID, item.FieldID)
		if err != nil {
			return 0, warnings, fmt.Errorf("field item %s.%s: %w", item.Model, item.Field, err)
		}
		add(id, truncate(fieldText(item)), map[string]any{
			"knowledge_level":  identity.LevelField.String(),
			types.KeyModelName: item.Model,
			types.KeyModelID:   item.ModelID,
			types.KeyFieldName: item.Field,
			types.KeyFieldID:   item.FieldID,
			"guidance":         item.Guidance,
		})
	}

	if len(points) == 0 {
		return 0, warnings, nil
	}
	vectors, err := sy.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return 0, warnings, fmt.Errorf("failed to embed knowledge texts: %w", err)
	}
	for i := range points {
		points[i].Vector = vectors[i]
	}
	if err := sy.store.Upsert(ctx, points); err != nil {
		return 0, warnings, fmt.Errorf("failed to upsert knowledge points: %w", err)
	}

	sy.logger.Info("knowledge synced",
		zap.Int("points", len(points)),
		zap.Int("warnings", len(warnings)),
	)
	return len(points), warnings, nil
}

// checkConsistency validates cross-level references: instance items that
// name a model must find it in the model stream; field items must reference
// model ids known to the schema registry.
func (sy *Syncer) checkConsistency(ctx context.Context, catalog Catalog) []string {
	var warnings []string
	models := make(map[string]bool, len(catalog.Models))
	for _, m := range catalog.Models {
		models[m.Model] = true
	}
	for _, item := range catalog.Instance {
		if item.Model != "" && !models[item.Model] {
			warnings = append(warnings, fmt.Sprintf("instance item %q references model %s absent from model metadata", item.Name, item.Model))
		}
	}
	for _, item := range catalog.Fields {
		if _, err := sy.registry.ModelNameByID(ctx, item.ModelID); err != nil {
			warnings = append(warnings, fmt.Sprintf("field item %s.%s references model id %d with no schema points", item.Model, item.Field, item.ModelID))
		}
	}
	return warnings
}

func instanceText(item InstanceItem) string {
	parts := []string{fmt.Sprintf("Instance configuration %s: %s", item.Name, item.Description)}
	if item.Value != "" {
		parts = append(parts, "Value: "+item.Value)
	}
	if item.Model != "" {
		parts = append(parts, "Model: "+item.Model)
	}
	return strings.Join(parts, ". ")
}

func modelText(item ModelItem) string {
	text := fmt.Sprintf("Model %s (%s): %s", item.Label, item.Model, item.Description)
	if item.Usage != "" {
		text += ". Usage: " + item.Usage
	}
	return text
}

func fieldText(item FieldItem) string {
	return fmt.Sprintf("Field %s of model %s: %s", item.Field, item.Model, item.Guidance)
}

func truncate(text string) string {
	if len(text) > maxSemanticChars {
		return text[:maxSemanticChars]
	}
	return text
}
