// Package watermark persists per-model sync progress as small JSON files,
// rewritten atomically.
package watermark

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nexsus/internal/types"
)

// Mark is one model's sync watermark.
type Mark struct {
	Model       string `json:"model"`
	LastSync    string `json:"last_sync"`
	RecordsSeen int64  `json:"records_seen"`
}

// Tracker owns the watermark directory. One file per model.
type Tracker struct {
	mu  sync.Mutex
	dir string
}

// NewTracker builds a tracker rooted at dir.
func NewTracker(dir string) *Tracker {
	return &Tracker{dir: dir}
}

func (t *Tracker) pathFor(model string) string {
	safe := strings.ReplaceAll(model, ".", "_")
	return filepath.Join(t.dir, safe+".json")
}

// Update writes the model's watermark: last sync time and cumulative record
// count.
func (t *Tracker) Update(model string, records int64, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, _ := t.read(model)
	mark := Mark{
		Model:       model,
		LastSync:    types.Timestamp(at),
		RecordsSeen: prev.RecordsSeen + records,
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create watermark directory: %w", err)
	}
	data, err := json.MarshalIndent(mark, "", "  ")
	if err != nil {
		return err
	}
	path := t.pathFor(model)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write watermark temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace watermark file: %w", err)
	}
	return nil
}

// Get reads the model's watermark. A missing file yields a zero mark.
func (t *Tracker) Get(model string) (Mark, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.read(model)
}

func (t *Tracker) read(model string) (Mark, error) {
	data, err := os.ReadFile(t.pathFor(model))
	if os.IsNotExist(err) {
		return Mark{Model: model}, nil
	}
	if err != nil {
		return Mark{}, err
	}
	var m Mark
	if err := json.Unmarshal(data, &m); err != nil {
		return Mark{}, fmt.Errorf("invalid watermark file for %s: %w", model, err)
	}
	return m, nil
}
