package failsafe

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexsus/internal/logging"
	"nexsus/internal/types"
)

func testBreaker(t *testing.T, reset time.Duration) *Breaker {
	t.Helper()
	return NewBreaker("test", BreakerSettings{
		FailureThreshold: 3,
		ResetTimeout:     reset,
		HalfOpenRequests: 2,
	}, logging.Nop())
}

func TestBreakerTransitions(t *testing.T) {
	b := testBreaker(t, 50*time.Millisecond)
	ctx := context.Background()
	boom := errors.New("boom")

	// Three consecutive failures open the breaker.
	for i := 0; i < 3; i++ {
		err := b.Execute(ctx, func() error { return boom })
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())
	assert.Equal(t, int64(1), b.Trips())

	// While open, calls fail fast with a typed error carrying the remaining time.
	err := b.Execute(ctx, func() error { return nil })
	var co *types.CircuitOpenError
	require.ErrorAs(t, err, &co)
	assert.Equal(t, "test", co.Service)
	assert.Equal(t, types.KindCircuitOpen, types.Classify(err))

	// After the reset timeout the next call probes in half-open; two
	// consecutive successes close it again.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, "half-open", b.State())
	require.NoError(t, b.Execute(ctx, func() error { return nil }))
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(t, 30*time.Millisecond)
	ctx := context.Background()
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return boom })
	}
	require.Equal(t, "open", b.State())

	time.Sleep(40 * time.Millisecond)
	_ = b.Execute(ctx, func() error { return boom })
	assert.Equal(t, "open", b.State())
	assert.Equal(t, int64(2), b.Trips())
}

func TestBreakerCancelledContext(t *testing.T) {
	b := testBreaker(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func() error { t.Fatal("must not run"); return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", b.State())
}

func TestRetryTransientOnly(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	ctx := context.Background()

	t.Run("transient retried until success", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, p, logging.Nop(), "fetch", func() error {
			calls++
			if calls < 3 {
				return &types.TransientError{Op: "fetch", Err: errors.New("503")}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("transient exhausted propagates", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, p, logging.Nop(), "fetch", func() error {
			calls++
			return &types.TransientError{Op: "fetch", Err: errors.New("timeout")}
		})
		assert.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Equal(t, types.KindTransient, types.Classify(err))
	})

	t.Run("rejection not retried", func(t *testing.T) {
		calls := 0
		rej := &types.RejectedError{Op: "embed", Status: 400, Msg: "bad request"}
		err := Retry(ctx, p, logging.Nop(), "embed", func() error {
			calls++
			return rej
		})
		assert.Equal(t, 1, calls)
		var got *types.RejectedError
		assert.ErrorAs(t, err, &got)
	})
}

func newTestDLQ(t *testing.T) *DLQ {
	t.Helper()
	q, err := NewDLQ(filepath.Join(t.TempDir(), "dlq.json"), 1000, logging.Nop())
	require.NoError(t, err)
	return q
}

func TestDLQDeduplication(t *testing.T) {
	q := newTestDLQ(t)

	e := DLQEntry{RecordID: 7, ModelName: "res.partner", ModelID: 55, FailureStage: StageEmbedding, ErrorMessage: "first"}
	require.NoError(t, q.Add(e))
	e.ErrorMessage = "second"
	require.NoError(t, q.Add(e))

	entries := q.Get()
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].RetryCount)
	assert.Equal(t, "second", entries[0].ErrorMessage)
}

func TestDLQEvictionOldestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.json")
	q, err := NewDLQ(path, 3, logging.Nop())
	require.NoError(t, err)

	for i := int64(1); i <= 4; i++ {
		require.NoError(t, q.Add(DLQEntry{RecordID: i, ModelName: "m", FailureStage: StageUpsert}))
	}

	entries := q.Get()
	require.Len(t, entries, 3)
	assert.Equal(t, int64(2), entries[0].RecordID)
	assert.Equal(t, int64(4), entries[2].RecordID)

	// Dedup still works after eviction reindexing.
	require.NoError(t, q.Add(DLQEntry{RecordID: 3, ModelName: "m", FailureStage: StageUpsert}))
	assert.Equal(t, 3, q.Size())
}

func TestDLQPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlq.json")
	q, err := NewDLQ(path, 10, logging.Nop())
	require.NoError(t, err)
	require.NoError(t, q.Add(DLQEntry{RecordID: 1, ModelName: "sale.order", FailureStage: StageEncoding}))
	require.NoError(t, q.Add(DLQEntry{RecordID: 2, ModelName: "sale.order", FailureStage: StageUpsert}))

	// Reopen from disk.
	q2, err := NewDLQ(path, 10, logging.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, q2.Size())

	stats := q2.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.ByModel["sale.order"])
	assert.Equal(t, 1, stats.ByStage[StageUpsert])
}

func TestDLQClearScoped(t *testing.T) {
	q := newTestDLQ(t)
	require.NoError(t, q.Add(DLQEntry{RecordID: 1, ModelName: "a", FailureStage: StageUpsert}))
	require.NoError(t, q.Add(DLQEntry{RecordID: 1, ModelName: "b", FailureStage: StageUpsert}))

	require.NoError(t, q.Clear("a"))
	entries := q.Get()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].ModelName)

	require.NoError(t, q.Clear(""))
	assert.Equal(t, 0, q.Size())
}

func TestBreakersBundle(t *testing.T) {
	s := DefaultBreakerSettings()
	bs := NewBreakers(s, s, s, s, logging.Nop())
	for i := 0; i < 3; i++ {
		_ = bs.Embedding.Execute(context.Background(), func() error { return fmt.Errorf("down") })
	}
	assert.Equal(t, int64(1), bs.TotalTrips())
}
