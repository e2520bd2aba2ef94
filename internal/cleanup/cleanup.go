// Package cleanup removes data points whose source records no longer exist.
package cleanup

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"nexsus/internal/identity"
	"nexsus/internal/schema"
	"nexsus/internal/source"
	"nexsus/internal/store"
	"nexsus/internal/types"
)

// Report summarizes one cleanup run.
type Report struct {
	Model      string   `json:"model"`
	StoreCount int64    `json:"store_count"`
	Stale      int64    `json:"stale"`
	Deleted    int64    `json:"deleted"`
	DryRun     bool     `json:"dry_run"`
	StaleIDs   []string `json:"stale_ids,omitempty"`
}

// Cleaner compares store contents against the source of truth.
type Cleaner struct {
	store    store.Store
	src      source.RecordSource
	registry *schema.Registry
	logger   *zap.Logger
}

// NewCleaner builds a cleaner.
func NewCleaner(s store.Store, src source.RecordSource, registry *schema.Registry, logger *zap.Logger) *Cleaner {
	return &Cleaner{store: s, src: src, registry: registry, logger: logger.Named("cleanup")}
}

// Run finds data points of the model whose record ids the source no longer
// delivers, and deletes them unless dryRun. Child records referenced by the
// stale points are kept.
func (c *Cleaner) Run(ctx context.Context, model string, dryRun bool) (Report, error) {
	m, err := c.registry.Lookup(ctx, model)
	if err != nil {
		return Report{}, err
	}

	sourceIDs, err := c.sourceIDSet(ctx, model)
	if err != nil {
		return Report{}, err
	}

	report := Report{Model: model, DryRun: dryRun}
	var stale []string
	filter := store.ByType(types.PointTypeData).
		And(store.Condition{Field: types.KeyModelName, Op: store.OpEq, Value: model})
	cursor := ""
	for {
		points, next, err := c.store.Scroll(ctx, filter, 1000, cursor)
		if err != nil {
			return Report{}, fmt.Errorf("failed to scroll %s data points: %w", model, err)
		}
		report.StoreCount += int64(len(points))
		for _, p := range points {
			_, recordID, err := identity.ParseData(p.ID)
			if err != nil {
				c.logger.Warn("skipping unparseable point id", zap.String("id", p.ID))
				continue
			}
			if !sourceIDs[recordID] {
				stale = append(stale, p.ID)
			}
		}
		if next == "" {
			break
		}
		cursor = next
	}

	report.Stale = int64(len(stale))
	report.StaleIDs = stale
	if dryRun || len(stale) == 0 {
		return report, nil
	}

	if err := c.store.Delete(ctx, store.Filter{}, stale); err != nil {
		return Report{}, fmt.Errorf("failed to delete stale points of %s: %w", model, err)
	}
	report.Deleted = report.Stale
	c.logger.Info("stale points removed",
		zap.String("model", m.Name),
		zap.Int64("deleted", report.Deleted),
	)
	return report, nil
}

// sourceIDSet pages the source and collects the full id set.
func (c *Cleaner) sourceIDSet(ctx context.Context, model string) (map[int64]bool, error) {
	ids := make(map[int64]bool)
	offset := 0
	const page = 1000
	for {
		records, err := c.src.Fetch(ctx, model, source.FetchOptions{
			Fields: []string{"id"},
			Offset: offset,
			Limit:  page,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %s source ids: %w", model, err)
		}
		for _, rec := range records {
			if id, ok := types.Interpret(rec["id"]).AsInt(); ok {
				ids[id] = true
			}
		}
		if len(records) < page {
			return ids, nil
		}
		offset += len(records)
	}
}
