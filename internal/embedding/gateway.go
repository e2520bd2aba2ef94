package embedding

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"nexsus/internal/failsafe"
	"nexsus/internal/types"
)

// GatewayConfig tunes the gateway around its engine.
type GatewayConfig struct {
	MaxBatchTokens int
	MaxBatchItems  int
	MaxTextChars   int
}

// Gateway is the embedding front door: it sanitizes, batches, retries,
// guards the provider with a circuit breaker, and degrades batch
// rejections to per-item calls. It always returns one vector per input, in
// order; individually rejected texts come back as zero vectors.
type Gateway struct {
	engine  Engine
	breaker *failsafe.Breaker
	retry   failsafe.RetryPolicy
	cfg     GatewayConfig
	logger  *zap.Logger
}

// NewGateway wraps an engine.
func NewGateway(engine Engine, breaker *failsafe.Breaker, retry failsafe.RetryPolicy, cfg GatewayConfig, logger *zap.Logger) *Gateway {
	return &Gateway{
		engine:  engine,
		breaker: breaker,
		retry:   retry,
		cfg:     cfg,
		logger:  logger.Named("embedding"),
	}
}

// Dimensions exposes the engine's vector size.
func (g *Gateway) Dimensions() int { return g.engine.Dimensions() }

// EmbedDocuments embeds a sequence of document texts.
func (g *Gateway) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return g.embed(ctx, texts, InputDocument)
}

// EmbedQuery embeds one query text.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	out, err := g.embed(ctx, []string{text}, InputQuery)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (g *Gateway) embed(ctx context.Context, texts []string, input InputType) ([][]float32, error) {
	clean := make([]string, len(texts))
	for i, t := range texts {
		clean[i] = sanitize(t, g.cfg.MaxTextChars, g.logger)
	}

	out := make([][]float32, len(texts))
	for _, b := range planBatches(clean, g.cfg.MaxBatchTokens, g.cfg.MaxBatchItems) {
		vectors, err := g.embedBatch(ctx, b, input)
		if err != nil {
			return nil, err
		}
		for j, idx := range b.indexes {
			out[idx] = vectors[j]
		}
	}
	return out, nil
}

func (g *Gateway) embedBatch(ctx context.Context, b batch, input InputType) ([][]float32, error) {
	var vectors [][]float32
	err := g.breaker.Execute(ctx, func() error {
		return failsafe.Retry(ctx, g.retry, g.logger, "embed batch", func() error {
			var err error
			vectors, err = g.engine.EmbedBatch(ctx, b.texts, input)
			return err
		})
	})
	if err == nil {
		if len(vectors) != len(b.texts) {
			return nil, fmt.Errorf("engine %s returned %d vectors for %d texts", g.engine.Name(), len(vectors), len(b.texts))
		}
		return vectors, nil
	}

	var rej *types.RejectedError
	if !errors.As(err, &rej) {
		return nil, err
	}

	// The provider rejected the batch as a whole. Degrade to per-item
	// calls; only the actually poisoned texts get zero vectors.
	g.logger.Warn("batch rejected, degrading to per-item embedding",
		zap.Int("batch_size", len(b.texts)),
		zap.Int("status", rej.Status),
	)
	vectors = make([][]float32, len(b.texts))
	for i, text := range b.texts {
		vec, itemErr := g.embedOne(ctx, text, input)
		if itemErr != nil {
			var itemRej *types.RejectedError
			if errors.As(itemErr, &itemRej) {
				g.logger.Warn("text rejected individually, substituting zero vector",
					zap.Int("index", b.indexes[i]),
					zap.Int("status", itemRej.Status),
				)
				vectors[i] = make([]float32, g.engine.Dimensions())
				continue
			}
			return nil, itemErr
		}
		vectors[i] = vec
	}
	return vectors, nil
}

func (g *Gateway) embedOne(ctx context.Context, text string, input InputType) ([]float32, error) {
	var vec []float32
	err := g.breaker.Execute(ctx, func() error {
		return failsafe.Retry(ctx, g.retry, g.logger, "embed item", func() error {
			var err error
			vec, err = g.engine.Embed(ctx, text, input)
			return err
		})
	})
	return vec, err
}
