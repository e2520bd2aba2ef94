// Package failsafe is the failure envelope of the ingestion core: one
// circuit breaker per external service, a retry policy for transient
// faults, and the persistent dead-letter queue.
package failsafe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"nexsus/internal/types"
)

// Service names used for the per-service breakers.
const (
	ServiceSchema    = "schema"
	ServiceRecords   = "records"
	ServiceEmbedding = "embedding"
	ServiceStore     = "store"
)

// BreakerSettings tunes one breaker.
type BreakerSettings struct {
	FailureThreshold uint32        // consecutive failures before opening
	ResetTimeout     time.Duration // open -> half-open delay
	HalfOpenRequests uint32        // consecutive successes to close
}

// DefaultBreakerSettings matches the per-service defaults.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 3,
		ResetTimeout:     30 * time.Second,
		HalfOpenRequests: 2,
	}
}

// Breaker guards calls to a single external service. It fails fast with a
// typed CircuitOpenError while open and counts timeouts as failures.
type Breaker struct {
	name    string
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	openedAt time.Time
	trips    int64
}

// NewBreaker builds a breaker for the named service.
func NewBreaker(name string, s BreakerSettings, logger *zap.Logger) *Breaker {
	if s.FailureThreshold == 0 {
		s = DefaultBreakerSettings()
	}
	b := &Breaker{name: name, timeout: s.ResetTimeout, logger: logger.Named("breaker")}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenRequests,
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.mu.Lock()
			if to == gobreaker.StateOpen {
				b.openedAt = time.Now()
				b.trips++
			}
			b.mu.Unlock()
			b.logger.Info("circuit breaker state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

// Execute runs fn under the breaker. The context is checked first so
// cancellation never counts as a service failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &types.CircuitOpenError{Service: b.name, Remaining: b.remaining()}
	}
	return err
}

func (b *Breaker) remaining() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return 0
	}
	rem := b.timeout - time.Since(b.openedAt)
	if rem < 0 {
		rem = 0
	}
	return rem
}

// State reports closed, half-open or open.
func (b *Breaker) State() string { return b.cb.State().String() }

// Trips reports how often the breaker has opened.
func (b *Breaker) Trips() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trips
}

// Breakers bundles the per-service breakers the pipeline shares.
type Breakers struct {
	Schema    *Breaker
	Records   *Breaker
	Embedding *Breaker
	Store     *Breaker
}

// NewBreakers builds the standard set.
func NewBreakers(schema, records, embedding, store BreakerSettings, logger *zap.Logger) *Breakers {
	return &Breakers{
		Schema:    NewBreaker(ServiceSchema, schema, logger),
		Records:   NewBreaker(ServiceRecords, records, logger),
		Embedding: NewBreaker(ServiceEmbedding, embedding, logger),
		Store:     NewBreaker(ServiceStore, store, logger),
	}
}

// TotalTrips sums trips across all services for run summaries.
func (bs *Breakers) TotalTrips() int64 {
	return bs.Schema.Trips() + bs.Records.Trips() + bs.Embedding.Trips() + bs.Store.Trips()
}
