package cascade

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"nexsus/internal/failsafe"
	"nexsus/internal/identity"
	"nexsus/internal/schema"
	"nexsus/internal/source"
	"nexsus/internal/store"
	"nexsus/internal/transform"
	"nexsus/internal/types"
)

// Embedder is the slice of the embedding gateway the scheduler needs.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// WatermarkWriter records per-model sync progress. Optional.
type WatermarkWriter interface {
	Update(model string, records int64, at time.Time) error
}

// Options tune one scheduler run.
type Options struct {
	ParallelTargets int
	FetchBatchSize  int
	EmbedBatchSize  int
	UpsertBatchSize int
	SkipExisting    bool
	UpdateGraph     bool
	Cascade         bool
	IncludeArchived bool
	DateFrom        string // applied to depth-0 fetches only
	DateTo          string
}

func (o Options) withDefaults() Options {
	if o.ParallelTargets <= 0 {
		o.ParallelTargets = 3
	}
	if o.FetchBatchSize <= 0 {
		o.FetchBatchSize = 200
	}
	if o.EmbedBatchSize <= 0 {
		o.EmbedBatchSize = 100
	}
	if o.UpsertBatchSize <= 0 {
		o.UpsertBatchSize = 200
	}
	return o
}

// Summary is the user-visible outcome of one run.
type Summary struct {
	RecordsProcessed int64
	PointsUpserted   int64
	ModelsSynced     int64
	CyclesDetected   int64
	DLQSize          int
	BreakerTrips     int64
	Elapsed          time.Duration
}

// Scheduler drives cascading model syncs: a worker pool consumes the work
// queue, each worker running the eight-stage sync step for one model.
type Scheduler struct {
	registry  *schema.Registry
	src       source.RecordSource
	transform *transform.Transformer
	embedder  Embedder
	store     store.Store
	dlq       *failsafe.DLQ
	breakers  *failsafe.Breakers
	retry     failsafe.RetryPolicy
	watermark WatermarkWriter
	opts      Options
	logger    *zap.Logger

	records atomic.Int64
	points  atomic.Int64
	models  atomic.Int64
}

// NewScheduler wires a scheduler. watermark may be nil.
func NewScheduler(
	registry *schema.Registry,
	src source.RecordSource,
	tr *transform.Transformer,
	embedder Embedder,
	st store.Store,
	dlq *failsafe.DLQ,
	breakers *failsafe.Breakers,
	retry failsafe.RetryPolicy,
	watermark WatermarkWriter,
	opts Options,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		registry:  registry,
		src:       src,
		transform: tr,
		embedder:  embedder,
		store:     st,
		dlq:       dlq,
		breakers:  breakers,
		retry:     retry,
		watermark: watermark,
		opts:      opts.withDefaults(),
		logger:    logger.Named("cascade"),
	}
}

// Run processes the root items and everything they cascade into. Worker
// errors are absorbed into the DLQ; only cancellation or a fatal store
// failure aborts the run.
func (s *Scheduler) Run(ctx context.Context, roots ...WorkItem) (Summary, error) {
	start := time.Now()
	s.records.Store(0)
	s.points.Store(0)
	s.models.Store(0)

	queue := NewQueue()
	visited := NewVisited()
	for _, r := range roots {
		queue.Enqueue(r)
	}

	var runErr error
	for queue.Len() > 0 {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		batch := queue.DequeueBatch(s.opts.ParallelTargets)
		g, gctx := errgroup.WithContext(ctx)
		for _, item := range batch {
			item := item
			g.Go(func() error {
				return s.syncStep(gctx, queue, visited, item)
			})
		}
		if err := g.Wait(); err != nil {
			runErr = err
			break
		}
	}

	sum := Summary{
		RecordsProcessed: s.records.Load(),
		PointsUpserted:   s.points.Load(),
		ModelsSynced:     s.models.Load(),
		CyclesDetected:   visited.Cycles(),
		DLQSize:          s.dlq.Size(),
		BreakerTrips:     s.breakers.TotalTrips(),
		Elapsed:          time.Since(start),
	}
	s.logger.Info("cascade run finished",
		zap.Int64("records", sum.RecordsProcessed),
		zap.Int64("points", sum.PointsUpserted),
		zap.Int64("models", sum.ModelsSynced),
		zap.Int64("cycles", sum.CyclesDetected),
		zap.Int("dlq", sum.DLQSize),
		zap.Int64("breaker_trips", sum.BreakerTrips),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, runErr
}

// fkAgg accumulates the references observed for one relational field across
// a whole sync step.
type fkAgg struct {
	field         schema.Field
	targetModel   string
	targetModelID int64
	count         int64
	targets       map[int64]bool
}

func (s *Scheduler) syncStep(ctx context.Context, queue *Queue, visited *Visited, item WorkItem) error {
	log := s.logger.With(zap.String("model", item.Model), zap.Int("depth", item.Depth))

	model, err := s.registry.Lookup(ctx, item.Model)
	if err != nil {
		log.Warn("unknown model, aborting item", zap.Error(err))
		s.dlqRecords(item.Model, item.ModelID, item.RecordIDs, failsafe.StageConfig, err, 0)
		return nil
	}

	records, err := s.fetchRecords(ctx, model, visited, item)
	if err != nil {
		if types.Classify(err) == types.KindCancelled {
			return err
		}
		log.Warn("fetch failed, aborting item", zap.Error(err))
		s.dlqRecords(model.Name, model.ID, item.RecordIDs, failsafe.StageConfig, err, 0)
		return nil
	}
	if len(records) == 0 {
		return nil
	}

	results := make([]transform.Result, 0, len(records))
	now := time.Now()
	for _, rec := range records {
		res, err := s.transform.Transform(model, rec, now)
		if err != nil {
			id, _ := types.Interpret(rec["id"]).AsInt()
			s.dlqRecords(model.Name, model.ID, []int64{id}, failsafe.StageEncoding, err, 0)
			continue
		}
		results = append(results, res)
	}

	upserted := s.embedAndUpsert(ctx, model, results, log)
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.opts.UpdateGraph {
		s.updateGraph(ctx, model, results, log)
	}
	s.createModelIndexes(ctx, model, log)

	if s.opts.Cascade {
		s.enqueueTargets(queue, model, item, results)
	}

	s.records.Add(int64(len(records)))
	s.points.Add(upserted)
	s.models.Add(1)
	if s.watermark != nil {
		if err := s.watermark.Update(model.Name, int64(len(records)), now); err != nil {
			log.Warn("failed to persist watermark", zap.Error(err))
		}
	}
	log.Info("model synced",
		zap.Int("records", len(records)),
		zap.Int64("points", upserted),
	)
	return nil
}

// fetchRecords resolves the item's record set: explicit ids are visited- and
// existence-filtered then fetched in chunks; an empty id set pages the whole
// model.
func (s *Scheduler) fetchRecords(ctx context.Context, model *schema.Model, visited *Visited, item WorkItem) ([]map[string]any, error) {
	opts := source.FetchOptions{IncludeArchived: s.opts.IncludeArchived}
	if item.Depth == 0 {
		opts.DateFrom = s.opts.DateFrom
		opts.DateTo = s.opts.DateTo
	}

	if len(item.RecordIDs) > 0 {
		ids := visited.FilterUnvisited(model.Name, item.RecordIDs)
		if s.opts.SkipExisting {
			ids = s.dropExisting(ctx, model, ids)
		}
		var out []map[string]any
		for start := 0; start < len(ids); start += s.opts.FetchBatchSize {
			end := start + s.opts.FetchBatchSize
			if end > len(ids) {
				end = len(ids)
			}
			chunkOpts := opts
			chunkOpts.IDs = ids[start:end]
			recs, err := s.fetchChunk(ctx, model.Name, chunkOpts)
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}
		return out, nil
	}

	var out []map[string]any
	offset := 0
	for {
		chunkOpts := opts
		chunkOpts.Offset = offset
		chunkOpts.Limit = s.opts.FetchBatchSize
		recs, err := s.fetchChunk(ctx, model.Name, chunkOpts)
		if err != nil {
			return nil, err
		}
		var ids []int64
		byID := make(map[int64]map[string]any, len(recs))
		for _, rec := range recs {
			id, ok := types.Interpret(rec["id"]).AsInt()
			if !ok || !visited.ShouldProcess(model.Name, id) {
				continue
			}
			ids = append(ids, id)
			byID[id] = rec
		}
		if s.opts.SkipExisting {
			ids = s.dropExisting(ctx, model, ids)
		}
		for _, id := range ids {
			out = append(out, byID[id])
		}
		if len(recs) < s.opts.FetchBatchSize {
			return out, nil
		}
		offset += len(recs)
	}
}

func (s *Scheduler) fetchChunk(ctx context.Context, model string, opts source.FetchOptions) ([]map[string]any, error) {
	var recs []map[string]any
	err := s.breakers.Records.Execute(ctx, func() error {
		return failsafe.Retry(ctx, s.retry, s.logger, "fetch records", func() error {
			var err error
			recs, err = s.src.Fetch(ctx, model, opts)
			return err
		})
	})
	return recs, err
}

// dropExisting removes ids whose data point is already in the store.
func (s *Scheduler) dropExisting(ctx context.Context, model *schema.Model, ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	for start := 0; start < len(ids); start += 100 {
		end := start + 100
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		uuids := make([]string, 0, len(chunk))
		byUUID := make(map[string]int64, len(chunk))
		for _, id := range chunk {
			u, err := identity.DataUUID(model.ID, id)
			if err != nil {
				continue
			}
			uuids = append(uuids, u)
			byUUID[u] = id
		}
		existing, err := s.store.Retrieve(ctx, uuids, false, false)
		if err != nil {
			// On a read failure, keep the whole chunk; upserts are idempotent.
			out = append(out, chunk...)
			continue
		}
		for _, p := range existing {
			delete(byUUID, p.ID)
		}
		for _, id := range chunk {
			if _, missing := byUUID[uuidFor(model.ID, id)]; missing {
				out = append(out, id)
			}
		}
	}
	return out
}

func uuidFor(modelID, recordID int64) string {
	u, _ := identity.DataUUID(modelID, recordID)
	return u
}

// embedAndUpsert runs stages 5 and 6, DLQing failed chunks at record
// granularity. Returns the number of points written.
func (s *Scheduler) embedAndUpsert(ctx context.Context, model *schema.Model, results []transform.Result, log *zap.Logger) int64 {
	var upserted int64
	batchNo := 0
	for start := 0; start < len(results); start += s.opts.EmbedBatchSize {
		batchNo++
		end := start + s.opts.EmbedBatchSize
		if end > len(results) {
			end = len(results)
		}
		chunk := results[start:end]

		texts := make([]string, len(chunk))
		for i, r := range chunk {
			texts[i] = r.Narrative
		}
		vectors, err := s.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			log.Warn("embedding failed for batch", zap.Int("batch", batchNo), zap.Error(err))
			s.dlqResults(model, chunk, failsafe.StageEmbedding, err, batchNo)
			continue
		}

		points := make([]types.Point, len(chunk))
		for i, r := range chunk {
			points[i] = types.Point{ID: r.PointID, Vector: vectors[i], Payload: r.Payload}
		}
		for ustart := 0; ustart < len(points); ustart += s.opts.UpsertBatchSize {
			uend := ustart + s.opts.UpsertBatchSize
			if uend > len(points) {
				uend = len(points)
			}
			err := s.breakers.Store.Execute(ctx, func() error {
				return failsafe.Retry(ctx, s.retry, s.logger, "upsert points", func() error {
					return s.store.Upsert(ctx, points[ustart:uend])
				})
			})
			if err != nil {
				log.Warn("upsert failed for batch", zap.Int("batch", batchNo), zap.Error(err))
				s.dlqResults(model, chunk[ustart:uend], failsafe.StageUpsert, err, batchNo)
				continue
			}
			upserted += int64(uend - ustart)
		}
	}
	return upserted
}

// updateGraph merges one edge per distinct relational field observed.
func (s *Scheduler) updateGraph(ctx context.Context, model *schema.Model, results []transform.Result, log *zap.Logger) {
	aggs := aggregateRefs(results)
	for _, agg := range aggs {
		isLeaf := true
		if target, err := s.registry.Lookup(ctx, agg.targetModel); err == nil {
			isLeaf = !target.HasOutgoingFKs()
		}
		edge := store.GraphEdge{
			SourceModel:   model.Name,
			SourceModelID: model.ID,
			TargetModel:   agg.targetModel,
			TargetModelID: agg.targetModelID,
			FieldName:     agg.field.Name,
			FieldLabel:    agg.field.Label,
			FieldType:     agg.field.Type,
			FieldID:       agg.field.ID,
			IsLeaf:        isLeaf,
			EdgeCount:     agg.count,
			UniqueTargets: int64(len(agg.targets)),
			CascadeSource: model.Name,
		}
		text := fmt.Sprintf("Relation %s (%s) from %s to %s", agg.field.Label, agg.field.Name, model.Name, agg.targetModel)
		var vector []float32
		if vecs, err := s.embedder.EmbedDocuments(ctx, []string{text}); err == nil {
			vector = vecs[0]
		}
		if err := s.store.UpsertGraphEdge(ctx, edge, vector); err != nil {
			log.Warn("graph edge upsert failed",
				zap.String("field", agg.field.Name),
				zap.Error(err),
			)
		}
	}
}

func aggregateRefs(results []transform.Result) []*fkAgg {
	byField := make(map[string]*fkAgg)
	var order []string
	for _, r := range results {
		for _, ref := range r.FKRefs {
			agg, ok := byField[ref.Field.Name]
			if !ok {
				agg = &fkAgg{
					field:         ref.Field,
					targetModel:   ref.TargetModel,
					targetModelID: ref.TargetModelID,
					targets:       make(map[int64]bool),
				}
				byField[ref.Field.Name] = agg
				order = append(order, ref.Field.Name)
			}
			agg.count += int64(len(ref.TargetIDs))
			for _, id := range ref.TargetIDs {
				agg.targets[id] = true
			}
		}
	}
	out := make([]*fkAgg, 0, len(order))
	for _, name := range order {
		out = append(out, byField[name])
	}
	return out
}

// enqueueTargets builds depth+1 work items from the observed FK targets.
func (s *Scheduler) enqueueTargets(queue *Queue, model *schema.Model, item WorkItem, results []transform.Result) {
	for _, agg := range aggregateRefs(results) {
		ids := make([]int64, 0, len(agg.targets))
		for id := range agg.targets {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		queue.Enqueue(WorkItem{
			Model:            agg.targetModel,
			ModelID:          agg.targetModelID,
			RecordIDs:        ids,
			Depth:            item.Depth + 1,
			TriggeredByModel: model.Name,
			TriggeredByField: agg.field.Name,
		})
	}
}

// createModelIndexes adds dynamic keyword indexes for the synced model's
// payload fields so filter compilation stays native.
func (s *Scheduler) createModelIndexes(ctx context.Context, model *schema.Model, log *zap.Logger) {
	var names []string
	for _, f := range model.PayloadFields() {
		names = append(names, f.Name)
	}
	for _, f := range model.RelationalFields() {
		names = append(names, f.Name+"_id", f.Name+types.QdrantSuffix)
	}
	for _, name := range names {
		if err := s.store.CreatePayloadIndex(ctx, name, store.IndexKeyword); err != nil {
			log.Warn("failed to create payload index", zap.String("field", name), zap.Error(err))
			return
		}
	}
	s.registry.RegisterIndexedFields(names...)
}

func (s *Scheduler) dlqRecords(model string, modelID int64, ids []int64, stage string, err error, batch int) {
	for _, id := range ids {
		s.dlq.Add(failsafe.DLQEntry{
			RecordID:     id,
			ModelName:    model,
			ModelID:      modelID,
			FailureStage: stage,
			ErrorMessage: err.Error(),
			BatchNumber:  batch,
		})
	}
}

func (s *Scheduler) dlqResults(model *schema.Model, results []transform.Result, stage string, err error, batch int) {
	for _, r := range results {
		entry := failsafe.DLQEntry{
			RecordID:     r.RecordID,
			ModelName:    model.Name,
			ModelID:      model.ID,
			FailureStage: stage,
			ErrorMessage: err.Error(),
			BatchNumber:  batch,
		}
		if stage == failsafe.StageEmbedding {
			entry.EncodedString = r.Narrative
		}
		s.dlq.Add(entry)
	}
}
