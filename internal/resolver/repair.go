// Package resolver repairs FK integrity: it finds orphaned cross-references
// and syncs the missing target records.
package resolver

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"nexsus/internal/cascade"
	"nexsus/internal/identity"
	"nexsus/internal/integrity"
	"nexsus/internal/schema"
)

// DefaultSyncLimit caps the record ids submitted per target model.
const DefaultSyncLimit = 5000

// Syncer runs targeted cascade work. Satisfied by cascade.Scheduler.
type Syncer interface {
	Run(ctx context.Context, roots ...cascade.WorkItem) (cascade.Summary, error)
}

// Summary is the repair outcome for one target model.
type Summary struct {
	Found   int64 `json:"found"`
	Synced  int64 `json:"synced"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

// Repairer scans source models for orphans and submits targeted syncs.
type Repairer struct {
	validator *integrity.Validator
	registry  *schema.Registry
	syncer    Syncer
	syncLimit int
	logger    *zap.Logger
}

// NewRepairer builds a repairer. limit <= 0 uses the default.
func NewRepairer(v *integrity.Validator, registry *schema.Registry, syncer Syncer, limit int, logger *zap.Logger) *Repairer {
	if limit <= 0 {
		limit = DefaultSyncLimit
	}
	return &Repairer{
		validator: v,
		registry:  registry,
		syncer:    syncer,
		syncLimit: limit,
		logger:    logger.Named("resolver"),
	}
}

// Repair scans the source models, groups their orphans by target model, and
// syncs each group. Unknown target model ids are reported under a
// `model_id:<n>` bucket and skipped. The operation is idempotent: a second
// run over unchanged data finds nothing to sync.
func (r *Repairer) Repair(ctx context.Context, sourceModels []string) (map[string]Summary, error) {
	groups := make(map[string]*orphanGroup)

	for _, model := range sourceModels {
		_, scans, err := r.validator.ScanModel(ctx, model)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", model, err)
		}
		for _, scan := range scans {
			for _, orphan := range scan.Orphans {
				targetModelID, recordID, err := identity.ParseData(orphan)
				if err != nil {
					r.logger.Warn("unparseable orphan uuid, skipping",
						zap.String("model", model),
						zap.String("uuid", orphan),
					)
					continue
				}
				name, err := r.registry.ModelNameByID(ctx, targetModelID)
				if err != nil {
					name = fmt.Sprintf("model_id:%d", targetModelID)
				}
				g, ok := groups[name]
				if !ok {
					g = &orphanGroup{modelID: targetModelID, ids: make(map[int64]bool)}
					groups[name] = g
				}
				g.ids[recordID] = true
			}
		}
	}

	result := make(map[string]Summary, len(groups))
	for _, name := range sortedGroupNames(groups) {
		g := groups[name]
		found := int64(len(g.ids))
		sum := Summary{Found: found}

		if isUnknownBucket(name) {
			sum.Skipped = found
			result[name] = sum
			r.logger.Warn("orphans reference unknown model, not syncing",
				zap.String("bucket", name),
				zap.Int64("found", found),
			)
			continue
		}

		ids := sortedIDs(g.ids)
		if len(ids) > r.syncLimit {
			sum.Skipped = int64(len(ids) - r.syncLimit)
			ids = ids[:r.syncLimit]
		}

		runSum, err := r.syncer.Run(ctx, cascade.WorkItem{
			Model:     name,
			ModelID:   g.modelID,
			RecordIDs: ids,
		})
		if err != nil {
			sum.Failed = int64(len(ids))
			result[name] = sum
			r.logger.Error("targeted sync failed",
				zap.String("model", name),
				zap.Error(err),
			)
			continue
		}
		sum.Synced = runSum.RecordsProcessed
		sum.Failed = int64(len(ids)) - runSum.RecordsProcessed
		if sum.Failed < 0 {
			sum.Failed = 0
		}
		result[name] = sum
		r.logger.Info("orphan group repaired",
			zap.String("model", name),
			zap.Int64("found", sum.Found),
			zap.Int64("synced", sum.Synced),
			zap.Int64("failed", sum.Failed),
			zap.Int64("skipped", sum.Skipped),
		)
	}
	return result, nil
}

type orphanGroup struct {
	modelID int64
	ids     map[int64]bool
}

func isUnknownBucket(name string) bool {
	return len(name) > 9 && name[:9] == "model_id:"
}

func sortedGroupNames(groups map[string]*orphanGroup) []string {
	out := make([]string, 0, len(groups))
	for name := range groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func sortedIDs(set map[int64]bool) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
