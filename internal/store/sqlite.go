package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"nexsus/internal/types"
)

// Options tunes the SQLite-backed collection. HNSW and quantization knobs
// are accepted for store parity and surfaced through CollectionInfo; the
// vec0 index does not consume them.
type Options struct {
	Collection      string
	VectorSize      int
	HNSWM           int
	HNSWEfConstruct int
	HNSWEfSearch    int
	Quantization    bool
}

// fixedIndexFields get payload indexes at collection creation; every other
// field is indexed dynamically after its model syncs.
var fixedIndexFields = []string{
	types.KeyPointType,
	types.KeyModelName,
	types.KeyModelID,
	types.KeyRecordID,
	types.KeyFieldID,
	types.KeyFieldName,
	types.KeyPointID,
}

// SQLiteStore implements Store over a single SQLite database: one points
// table for payloads plus a vec0 virtual table for ANN cosine search when
// the sqlite-vec extension is compiled in. Without the extension, search
// degrades to a filtered scan with app-side cosine.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	vecIdx bool
	logger *zap.Logger
}

// Open opens (or creates) the collection database at path. ":memory:" gives
// an ephemeral store for tests.
func Open(path string, opts Options, logger *zap.Logger) (*SQLiteStore, error) {
	if opts.VectorSize <= 0 {
		opts.VectorSize = 1024
	}
	if opts.Collection == "" {
		opts.Collection = "nexsus_unified"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}
	// Single connection keeps writes serialized and makes :memory: safe.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &SQLiteStore{db: db, opts: opts, logger: logger.Named("store")}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS points (
			id             TEXT PRIMARY KEY,
			point_type     TEXT NOT NULL,
			model_name     TEXT,
			model_id       INTEGER,
			record_id      INTEGER,
			sync_timestamp TEXT,
			payload        TEXT NOT NULL,
			vector         BLOB
		)`)
	if err != nil {
		return fmt.Errorf("failed to create points table: %w", err)
	}

	s.detectVecExtension()
	if s.vecIdx {
		ddl := fmt.Sprintf(
			"CREATE VIRTUAL TABLE IF NOT EXISTS vec_points USING vec0(embedding float[%d] distance_metric=cosine)",
			s.opts.VectorSize)
		if _, err := s.db.Exec(ddl); err != nil {
			s.logger.Warn("failed to create vec0 table, continuing without ANN index", zap.Error(err))
			s.vecIdx = false
		}
	} else {
		s.logger.Warn("sqlite-vec extension not available, search uses filtered scan")
	}

	for _, field := range fixedIndexFields {
		if err := s.CreatePayloadIndex(context.Background(), field, IndexKeyword); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) detectVecExtension() {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err == nil {
		s.vecIdx = true
		s.logger.Info("sqlite-vec extension detected", zap.String("version", version))
	}
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Upsert writes points synchronously. The id's rowid is preserved across
// updates so the ANN index rows stay aligned.
func (s *SQLiteStore) Upsert(ctx context.Context, points []types.Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s: %w", p.ID, err)
		}
		pt, _ := p.Payload[types.KeyPointType].(string)
		modelName, _ := p.Payload[types.KeyModelName].(string)
		modelID := intPayload(p.Payload[types.KeyModelID])
		recordID := intPayload(p.Payload[types.KeyRecordID])
		ts, _ := p.Payload[types.KeySyncTimestamp].(string)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO points (id, point_type, model_name, model_id, record_id, sync_timestamp, payload, vector)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				point_type = excluded.point_type,
				model_name = excluded.model_name,
				model_id = excluded.model_id,
				record_id = excluded.record_id,
				sync_timestamp = excluded.sync_timestamp,
				payload = excluded.payload,
				vector = excluded.vector`,
			p.ID, pt, modelName, modelID, recordID, ts, string(payload), encodeVector(p.Vector))
		if err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", p.ID, err)
		}

		if s.vecIdx && len(p.Vector) == s.opts.VectorSize && !isZeroVector(p.Vector) {
			var rowid int64
			if err := tx.QueryRowContext(ctx, "SELECT rowid FROM points WHERE id = ?", p.ID).Scan(&rowid); err != nil {
				return fmt.Errorf("failed to resolve rowid for %s: %w", p.ID, err)
			}
			if _, err := tx.ExecContext(ctx, "DELETE FROM vec_points WHERE rowid = ?", rowid); err != nil {
				return fmt.Errorf("failed to refresh ann row for %s: %w", p.ID, err)
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO vec_points (rowid, embedding) VALUES (?, ?)",
				rowid, encodeVector(p.Vector)); err != nil {
				return fmt.Errorf("failed to index vector for %s: %w", p.ID, err)
			}
		}
	}
	return tx.Commit()
}

func intPayload(v any) any {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return nil
}

// Retrieve fetches points by id. Missing ids are simply absent from the
// result; existence probes rely on that.
func (s *SQLiteStore) Retrieve(ctx context.Context, ids []string, withPayload, withVector bool) ([]types.Point, error) {
	var out []types.Point
	const chunk = 500
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		part := ids[start:end]
		query := "SELECT id, payload, vector FROM points WHERE id IN (" + placeholders(len(part)) + ")"
		args := make([]any, len(part))
		for i, id := range part {
			args[i] = id
		}
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("retrieve failed: %w", err)
		}
		batch, err := scanPoints(rows, withPayload, withVector)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func scanPoints(rows *sql.Rows, withPayload, withVector bool) ([]types.Point, error) {
	defer rows.Close()
	var out []types.Point
	for rows.Next() {
		var (
			id      string
			payload string
			blob    []byte
		)
		if err := rows.Scan(&id, &payload, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan point: %w", err)
		}
		p := types.Point{ID: id}
		if withPayload {
			m, err := decodePayload(payload)
			if err != nil {
				return nil, fmt.Errorf("corrupt payload for %s: %w", id, err)
			}
			p.Payload = m
		}
		if withVector {
			vec, err := decodeVector(blob)
			if err != nil {
				return nil, fmt.Errorf("corrupt vector for %s: %w", id, err)
			}
			p.Vector = vec
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// decodePayload parses payload JSON, restoring integral numbers to int64 so
// ids survive the JSON round trip unchanged.
func decodePayload(raw string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return normalizeNumbers(m).(map[string]any), nil
}

func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(t), 10, 64); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	}
	return v
}

// Scroll pages through points matching the filter in insertion order. The
// cursor is opaque; pass "" to start and stop when the returned cursor is "".
func (s *SQLiteStore) Scroll(ctx context.Context, filter Filter, limit int, cursor string) ([]types.Point, string, error) {
	if limit <= 0 {
		limit = 1000
	}
	where, args, err := whereClause(filter)
	if err != nil {
		return nil, "", err
	}
	after := int64(0)
	if cursor != "" {
		after, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("invalid scroll cursor %q", cursor)
		}
	}
	query := "SELECT rowid, id, payload, vector FROM points WHERE " + where + " AND rowid > ? ORDER BY rowid LIMIT ?"
	args = append(args, after, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("scroll failed: %w", err)
	}
	defer rows.Close()

	var out []types.Point
	var lastRow int64
	for rows.Next() {
		var (
			rowid   int64
			id      string
			payload string
			blob    []byte
		)
		if err := rows.Scan(&rowid, &id, &payload, &blob); err != nil {
			return nil, "", fmt.Errorf("failed to scan scroll row: %w", err)
		}
		m, err := decodePayload(payload)
		if err != nil {
			return nil, "", fmt.Errorf("corrupt payload for %s: %w", id, err)
		}
		out = append(out, types.Point{ID: id, Payload: m})
		lastRow = rowid
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	next := ""
	if len(out) == limit {
		next = strconv.FormatInt(lastRow, 10)
	}
	return out, next, nil
}

// Search runs ANN cosine search under the filter. With the vec0 index it
// oversamples k and post-filters; without it, it scans the filtered subset.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, filter Filter, limit int, scoreThreshold float32) ([]ScoredPoint, error) {
	if limit <= 0 {
		limit = 10
	}
	if s.vecIdx && len(vector) == s.opts.VectorSize {
		hits, err := s.searchANN(ctx, vector, filter, limit, scoreThreshold)
		if err == nil {
			return hits, nil
		}
		s.logger.Warn("ann search failed, falling back to scan", zap.Error(err))
	}
	return s.searchScan(ctx, vector, filter, limit, scoreThreshold)
}

func (s *SQLiteStore) searchANN(ctx context.Context, vector []float32, filter Filter, limit int, scoreThreshold float32) ([]ScoredPoint, error) {
	where, args, err := whereClause(filter)
	if err != nil {
		return nil, err
	}
	// Oversample so post-filtering still fills the page.
	k := limit * 4
	query := `
		SELECT p.id, p.payload, q.distance
		FROM (SELECT rowid, distance FROM vec_points WHERE embedding MATCH ? AND k = ?) q
		JOIN points p ON p.rowid = q.rowid
		WHERE ` + where + `
		ORDER BY q.distance
		LIMIT ?`
	all := append([]any{encodeVector(vector), k}, args...)
	all = append(all, limit)
	rows, err := s.db.QueryContext(ctx, query, all...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScoredPoint
	for rows.Next() {
		var (
			id       string
			payload  string
			distance float64
		)
		if err := rows.Scan(&id, &payload, &distance); err != nil {
			return nil, err
		}
		score := float32(1 - distance)
		if score < scoreThreshold {
			continue
		}
		m, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredPoint{Point: types.Point{ID: id, Payload: m}, Score: score})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) searchScan(ctx context.Context, vector []float32, filter Filter, limit int, scoreThreshold float32) ([]ScoredPoint, error) {
	where, args, err := whereClause(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, payload, vector FROM points WHERE "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("search scan failed: %w", err)
	}
	defer rows.Close()

	var out []ScoredPoint
	for rows.Next() {
		var (
			id      string
			payload string
			blob    []byte
		)
		if err := rows.Scan(&id, &payload, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob)
		if err != nil || len(vec) == 0 {
			continue
		}
		score := cosineSimilarity(vector, vec)
		if score < scoreThreshold || isZeroVector(vec) {
			continue
		}
		m, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, ScoredPoint{Point: types.Point{ID: id, Payload: m}, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of points matching the filter. SQLite counts are
// always exact; the flag exists for interface parity.
func (s *SQLiteStore) Count(ctx context.Context, filter Filter, exact bool) (int64, error) {
	where, args, err := whereClause(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM points WHERE "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count failed: %w", err)
	}
	return n, nil
}

// Delete removes points by filter, by ids, or both.
func (s *SQLiteStore) Delete(ctx context.Context, filter Filter, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete tx: %w", err)
	}
	defer tx.Rollback()

	deleteRows := func(where string, args []any) error {
		if s.vecIdx {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM vec_points WHERE rowid IN (SELECT rowid FROM points WHERE "+where+")", args...); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM points WHERE "+where, args...)
		return err
	}

	if len(ids) > 0 {
		where := "id IN (" + placeholders(len(ids)) + ")"
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		if err := deleteRows(where, args); err != nil {
			return fmt.Errorf("delete by ids failed: %w", err)
		}
	}
	if len(filter.Must) > 0 {
		where, args, err := whereClause(filter)
		if err != nil {
			return err
		}
		if err := deleteRows(where, args); err != nil {
			return fmt.Errorf("delete by filter failed: %w", err)
		}
	}
	return tx.Commit()
}

// CreatePayloadIndex creates an expression index over a payload field.
// Re-creating an existing index is a no-op.
func (s *SQLiteStore) CreatePayloadIndex(ctx context.Context, field string, kind IndexKind) error {
	name := "idx_payload_" + sanitizeIndexName(field)
	ddl := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON points(%s)", name, fieldExpr(field))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create payload index on %s: %w", field, err)
	}
	return nil
}

func sanitizeIndexName(field string) string {
	var b strings.Builder
	for _, r := range field {
		if r == '.' || r == '-' || r == ' ' {
			b.WriteRune('_')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CollectionInfo reports counts by point type, configured tunables, and
// the payload index list.
func (s *SQLiteStore) CollectionInfo(ctx context.Context) (CollectionInfo, error) {
	info := CollectionInfo{
		Name:            s.opts.Collection,
		VectorSize:      s.opts.VectorSize,
		Distance:        "cosine",
		PointsByType:    make(map[types.PointType]int64),
		VecIndexEnabled: s.vecIdx,
		HNSWM:           s.opts.HNSWM,
		HNSWEfConstruct: s.opts.HNSWEfConstruct,
		HNSWEfSearch:    s.opts.HNSWEfSearch,
		Quantization:    s.opts.Quantization,
	}
	rows, err := s.db.QueryContext(ctx, "SELECT point_type, COUNT(*) FROM points GROUP BY point_type")
	if err != nil {
		return info, fmt.Errorf("collection info failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			pt string
			n  int64
		)
		if err := rows.Scan(&pt, &n); err != nil {
			return info, err
		}
		info.PointsByType[types.PointType(pt)] = n
		info.TotalPoints += n
	}
	if err := rows.Err(); err != nil {
		return info, err
	}

	idxRows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'index' AND name LIKE 'idx_payload_%' ORDER BY name")
	if err != nil {
		return info, err
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var name string
		if err := idxRows.Scan(&name); err != nil {
			return info, err
		}
		info.PayloadIndexes = append(info.PayloadIndexes, name)
	}
	return info, idxRows.Err()
}
