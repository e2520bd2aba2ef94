package watermark

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdateAndGet(t *testing.T) {
	tr := NewTracker(t.TempDir())

	m, err := tr.Get("account.move")
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.RecordsSeen)
	assert.Empty(t, m.LastSync)

	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	require.NoError(t, tr.Update("account.move", 10, at))
	require.NoError(t, tr.Update("account.move", 5, at.Add(time.Hour)))

	m, err = tr.Get("account.move")
	require.NoError(t, err)
	assert.Equal(t, int64(15), m.RecordsSeen)
	assert.Equal(t, "2026-08-24T13:00:00Z", m.LastSync)
}

func TestModelsAreIndependent(t *testing.T) {
	tr := NewTracker(t.TempDir())
	require.NoError(t, tr.Update("a", 1, time.Now()))
	require.NoError(t, tr.Update("b", 2, time.Now()))

	a, err := tr.Get("a")
	require.NoError(t, err)
	b, err := tr.Get("b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.RecordsSeen)
	assert.Equal(t, int64(2), b.RecordsSeen)
}
