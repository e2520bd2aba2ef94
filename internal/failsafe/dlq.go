package failsafe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Failure stages recorded in DLQ entries.
const (
	StageConfig    = "config"
	StageEncoding  = "encoding"
	StageEmbedding = "embedding"
	StageUpsert    = "upsert"
)

// DLQEntry is one failed record. Entries are deduplicated on
// (model_name, record_id); re-inserting bumps retry_count.
type DLQEntry struct {
	RecordID      int64  `json:"record_id"`
	ModelName     string `json:"model_name"`
	ModelID       int64  `json:"model_id"`
	FailureStage  string `json:"failure_stage"`
	ErrorMessage  string `json:"error_message"`
	BatchNumber   int    `json:"batch_number"`
	EncodedString string `json:"encoded_string,omitempty"`
	FailedAt      string `json:"failed_at"`
	RetryCount    int    `json:"retry_count"`
}

// DLQ is a bounded, deduplicated, file-persisted queue of failed records.
// Writes hit disk immediately; there is no in-memory buffering window.
type DLQ struct {
	mu      sync.Mutex
	path    string
	maxSize int
	entries []DLQEntry     // oldest first
	index   map[string]int // key -> position in entries
	logger  *zap.Logger
}

func dlqKey(model string, recordID int64) string {
	return fmt.Sprintf("%s:%d", model, recordID)
}

// NewDLQ opens (or creates) the DLQ file at path.
func NewDLQ(path string, maxSize int, logger *zap.Logger) (*DLQ, error) {
	if maxSize <= 0 {
		maxSize = 1000
	}
	q := &DLQ{
		path:    path,
		maxSize: maxSize,
		index:   make(map[string]int),
		logger:  logger.Named("dlq"),
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *DLQ) load() error {
	data, err := os.ReadFile(q.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read dlq file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, &q.entries); err != nil {
		return fmt.Errorf("failed to parse dlq file %s: %w", q.path, err)
	}
	for i, e := range q.entries {
		q.index[dlqKey(e.ModelName, e.RecordID)] = i
	}
	return nil
}

// persist rewrites the file atomically: write to temp, rename.
func (q *DLQ) persist() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("failed to create dlq directory: %w", err)
	}
	data, err := json.MarshalIndent(q.entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write dlq temp file: %w", err)
	}
	if err := os.Rename(tmp, q.path); err != nil {
		return fmt.Errorf("failed to replace dlq file: %w", err)
	}
	return nil
}

// Add inserts or updates an entry. An existing (model, record) key keeps its
// place but takes the new failure details and an incremented retry_count.
// When the size cap is exceeded the oldest entry is evicted.
func (q *DLQ) Add(e DLQEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e.FailedAt = time.Now().UTC().Format(time.RFC3339)
	key := dlqKey(e.ModelName, e.RecordID)

	if pos, ok := q.index[key]; ok {
		e.RetryCount = q.entries[pos].RetryCount + 1
		q.entries[pos] = e
	} else {
		e.RetryCount = 1
		q.entries = append(q.entries, e)
		q.index[key] = len(q.entries) - 1
		for len(q.entries) > q.maxSize {
			evicted := q.entries[0]
			q.entries = q.entries[1:]
			q.reindex()
			q.logger.Warn("dlq full, evicted oldest entry",
				zap.String("model", evicted.ModelName),
				zap.Int64("record_id", evicted.RecordID),
			)
		}
	}

	q.logger.Info("dlq entry recorded",
		zap.String("model", e.ModelName),
		zap.Int64("record_id", e.RecordID),
		zap.String("stage", e.FailureStage),
		zap.Int("retry_count", e.RetryCount),
	)
	return q.persist()
}

func (q *DLQ) reindex() {
	q.index = make(map[string]int, len(q.entries))
	for i, e := range q.entries {
		q.index[dlqKey(e.ModelName, e.RecordID)] = i
	}
}

// Get returns a copy of all entries, oldest first.
func (q *DLQ) Get() []DLQEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DLQEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Size returns the current entry count.
func (q *DLQ) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// DLQStats aggregates entries by model and by failure stage.
type DLQStats struct {
	Total   int            `json:"total"`
	ByModel map[string]int `json:"by_model"`
	ByStage map[string]int `json:"by_stage"`
}

// Stats computes the aggregate view.
func (q *DLQ) Stats() DLQStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := DLQStats{
		Total:   len(q.entries),
		ByModel: make(map[string]int),
		ByStage: make(map[string]int),
	}
	for _, e := range q.entries {
		s.ByModel[e.ModelName]++
		s.ByStage[e.FailureStage]++
	}
	return s
}

// Clear removes all entries, or only those of one model when model != "".
func (q *DLQ) Clear(model string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if model == "" {
		q.entries = nil
		q.index = make(map[string]int)
	} else {
		kept := q.entries[:0]
		for _, e := range q.entries {
			if e.ModelName != model {
				kept = append(kept, e)
			}
		}
		q.entries = kept
		q.reindex()
	}
	return q.persist()
}
