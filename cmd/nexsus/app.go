package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nexsus/internal/cascade"
	"nexsus/internal/config"
	"nexsus/internal/embedding"
	"nexsus/internal/failsafe"
	"nexsus/internal/schema"
	"nexsus/internal/source"
	"nexsus/internal/store"
	"nexsus/internal/transform"
	"nexsus/internal/watermark"
)

// usageError marks bad invocations so main can exit 2 instead of 1.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func isUsageError(err error) bool {
	var ue usageError
	return errors.As(err, &ue)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s expects %d argument(s), got %d", cmd.Name(), n, len(args))}
		}
		return nil
	}
}

func init() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError{err}
	})
}

// app holds the wired pipeline shared by every subcommand.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *store.SQLiteStore
	src       source.RecordSource
	registry  *schema.Registry
	gateway   *embedding.Gateway
	breakers  *failsafe.Breakers
	dlq       *failsafe.DLQ
	retry     failsafe.RetryPolicy
	watermark *watermark.Tracker
}

func newApp() (*app, error) {
	st, err := store.Open(cfg.Store.Path, store.Options{
		Collection:      cfg.Store.Collection,
		VectorSize:      cfg.Store.VectorSize,
		HNSWM:           cfg.Store.HNSWM,
		HNSWEfConstruct: cfg.Store.HNSWEfConstruct,
		HNSWEfSearch:    cfg.Store.HNSWEfSearch,
		Quantization:    cfg.Store.Quantization,
	}, logger)
	if err != nil {
		return nil, err
	}

	catalogPath := cfg.Paths.CatalogPath
	if flagSourceCatalog != "" {
		catalogPath = flagSourceCatalog
	}
	var src source.RecordSource
	loaded, err := source.LoadCatalog(catalogPath)
	switch {
	case err == nil:
		src = loaded
	case errors.Is(err, os.ErrNotExist):
		// Commands that never fetch (status, dlq) still work without one.
		logger.Warn("record source catalog not found", zap.String("path", catalogPath))
		src = source.NewMemorySource()
	default:
		st.Close()
		return nil, err
	}

	breakers := failsafe.NewBreakers(
		breakerSettings(cfg.Breakers.Schema),
		breakerSettings(cfg.Breakers.Records),
		breakerSettings(cfg.Breakers.Embedding),
		breakerSettings(cfg.Breakers.Store),
		logger,
	)
	retry := failsafe.RetryPolicy{
		MaxAttempts: cfg.Breakers.RetryAttempts,
		BaseDelay:   cfg.Breakers.RetryBaseDelay,
	}

	engine, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		Dimensions:     cfg.Store.VectorSize,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	gateway := embedding.NewGateway(engine, breakers.Embedding, retry, embedding.GatewayConfig{
		MaxBatchTokens: cfg.Embedding.MaxBatchTokens,
		MaxBatchItems:  cfg.Embedding.MaxBatchItems,
		MaxTextChars:   cfg.Embedding.MaxTextChars,
	}, logger)

	dlq, err := failsafe.NewDLQ(cfg.DLQ.Path, cfg.DLQ.MaxSize, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		src:       src,
		registry:  schema.NewRegistry(st, logger),
		gateway:   gateway,
		breakers:  breakers,
		dlq:       dlq,
		retry:     retry,
		watermark: watermark.NewTracker(cfg.Paths.WatermarkDir),
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
}

func breakerSettings(c config.BreakerConfig) failsafe.BreakerSettings {
	return failsafe.BreakerSettings{
		FailureThreshold: c.FailureThreshold,
		ResetTimeout:     c.ResetTimeout,
		HalfOpenRequests: c.HalfOpenRequests,
	}
}

// scheduler wires a cascade scheduler with the app's shared pieces.
func (a *app) scheduler(opts cascade.Options) (*cascade.Scheduler, error) {
	patterns, err := transform.LoadPatterns(a.cfg.Paths.PatternsDir, a.logger)
	if err != nil {
		return nil, err
	}
	tr := transform.NewTransformer(patterns, a.logger)
	return cascade.NewScheduler(
		a.registry, a.src, tr, a.gateway, a.store,
		a.dlq, a.breakers, a.retry, a.watermark,
		opts, a.logger,
	), nil
}

// syncOptions folds the config defaults with per-run flag overrides.
func (a *app) syncOptions(cascadeOn, skipExisting, includeArchived bool, dateFrom, dateTo string) cascade.Options {
	return cascade.Options{
		ParallelTargets: a.cfg.Sync.ParallelTargets,
		FetchBatchSize:  a.cfg.Sync.FetchBatchSize,
		EmbedBatchSize:  a.cfg.Sync.EmbedBatchSize,
		UpsertBatchSize: a.cfg.Sync.UpsertBatchSize,
		SkipExisting:    skipExisting,
		UpdateGraph:     a.cfg.Sync.UpdateGraph,
		Cascade:         cascadeOn,
		IncludeArchived: includeArchived,
		DateFrom:        dateFrom,
		DateTo:          dateTo,
	}
}
