// Package sqlitevec provides an embedded vector backend on SQLite:
// vectors are stored as float32 blobs and ranked by cosine similarity.
package sqlitevec

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/mira/internal/vector"
)

// Backend implements vector.Backend on a single SQLite file. Every
// collection shares one table, discriminated by a collection column.
type Backend struct {
	db *sql.DB

	mu     sync.Mutex
	known  map[string]bool
	closed bool
}

// New opens (or creates) the backend at path. Use ":memory:" for tests.
func New(path string) (*Backend, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &vector.VectorError{Kind: vector.KindUnavailable, Op: "open", Err: err}
	}
	db.SetMaxOpenConns(1)

	b := &Backend{db: db, known: make(map[string]bool)}
	if err := b.init(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) init() error {
	_, err := b.db.Exec(`
		CREATE TABLE IF NOT EXISTS points (
			id TEXT NOT NULL,
			collection TEXT NOT NULL,
			entry_id INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			content TEXT,
			salience REAL NOT NULL DEFAULT 0,
			tags TEXT,
			timestamp DATETIME,
			embedding BLOB NOT NULL,
			PRIMARY KEY (collection, id)
		)`)
	if err != nil {
		return &vector.VectorError{Kind: vector.KindBackend, Op: "init", Err: err}
	}
	_, err = b.db.Exec(`CREATE INDEX IF NOT EXISTS idx_points_session ON points(collection, session_id)`)
	if err != nil {
		return &vector.VectorError{Kind: vector.KindBackend, Op: "init", Err: err}
	}
	_, err = b.db.Exec(`
		CREATE TABLE IF NOT EXISTS collections (
			name TEXT PRIMARY KEY,
			dimension INTEGER NOT NULL
		)`)
	if err != nil {
		return &vector.VectorError{Kind: vector.KindBackend, Op: "init", Err: err}
	}
	return nil
}

// EnsureCollection records the collection and its pinned dimension.
func (b *Backend) EnsureCollection(ctx context.Context, name string, dim int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var existing int
	err := b.db.QueryRowContext(ctx, `SELECT dimension FROM collections WHERE name = ?`, name).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := b.db.ExecContext(ctx, `INSERT INTO collections (name, dimension) VALUES (?, ?)`, name, dim); err != nil {
			return &vector.VectorError{Kind: vector.KindBackend, Op: "ensure collection", Err: err}
		}
	case err != nil:
		return &vector.VectorError{Kind: vector.KindBackend, Op: "ensure collection", Err: err}
	default:
		if existing != dim {
			return &vector.VectorError{Kind: vector.KindDimensionMismatch, Op: "ensure collection",
				Err: fmt.Errorf("collection %s pinned at %d, requested %d", name, existing, dim)}
		}
	}
	b.known[name] = true
	return nil
}

// Upsert stores points, replacing any with the same id.
func (b *Backend) Upsert(ctx context.Context, collection string, points []vector.Point) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return &vector.VectorError{Kind: vector.KindBackend, Op: "upsert", Err: err}
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO points (id, collection, entry_id, session_id, content, salience, tags, timestamp, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return &vector.VectorError{Kind: vector.KindBackend, Op: "upsert", Err: err}
	}
	defer stmt.Close()

	for _, p := range points {
		tags, _ := json.Marshal(p.Tags)
		if _, err := stmt.ExecContext(ctx, p.ID, collection, p.EntryID, p.SessionID,
			p.Content, p.Salience, string(tags), p.Timestamp, encodeEmbedding(p.Vector)); err != nil {
			return &vector.VectorError{Kind: vector.KindBackend, Op: "upsert", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &vector.VectorError{Kind: vector.KindBackend, Op: "upsert", Err: err}
	}
	return nil
}

// Query ranks the session's points by cosine similarity.
func (b *Backend) Query(ctx context.Context, collection, sessionID string, vec []float32, k int) ([]vector.Hit, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, entry_id, session_id, content, salience, tags, timestamp, embedding
		FROM points WHERE collection = ? AND session_id = ?`, collection, sessionID)
	if err != nil {
		return nil, &vector.VectorError{Kind: vector.KindBackend, Op: "query", Err: err}
	}
	defer rows.Close()

	var hits []vector.Hit
	for rows.Next() {
		var p vector.Point
		var tags sql.NullString
		var content sql.NullString
		var ts sql.NullTime
		var blob []byte
		if err := rows.Scan(&p.ID, &p.EntryID, &p.SessionID, &content, &p.Salience, &tags, &ts, &blob); err != nil {
			return nil, &vector.VectorError{Kind: vector.KindBackend, Op: "query", Err: err}
		}
		p.Content = content.String
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &p.Tags)
		}
		if ts.Valid {
			p.Timestamp = ts.Time
		}
		score := cosineSimilarity(vec, decodeEmbedding(blob))
		hits = append(hits, vector.Hit{Point: p, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, &vector.VectorError{Kind: vector.KindBackend, Op: "query", Err: err}
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Scroll lists every point id in a collection.
func (b *Backend) Scroll(ctx context.Context, collection string) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM points WHERE collection = ?`, collection)
	if err != nil {
		return nil, &vector.VectorError{Kind: vector.KindBackend, Op: "scroll", Err: err}
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &vector.VectorError{Kind: vector.KindBackend, Op: "scroll", Err: err}
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes one point.
func (b *Backend) Delete(ctx context.Context, collection, pointID string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM points WHERE collection = ? AND id = ?`, collection, pointID)
	if err != nil {
		return &vector.VectorError{Kind: vector.KindBackend, Op: "delete", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &vector.VectorError{Kind: vector.KindNotFound, Op: "delete"}
	}
	return nil
}

// Close releases the database handle.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// encodeEmbedding converts []float32 to little-endian IEEE 754 bytes.
func encodeEmbedding(embedding []float32) []byte {
	if len(embedding) == 0 {
		return nil
	}
	data := make([]byte, len(embedding)*4)
	for i, f := range embedding {
		bits := math.Float32bits(f)
		data[i*4] = byte(bits)
		data[i*4+1] = byte(bits >> 8)
		data[i*4+2] = byte(bits >> 16)
		data[i*4+3] = byte(bits >> 24)
	}
	return data
}

// decodeEmbedding converts stored bytes back to []float32.
func decodeEmbedding(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(data)/4)
	for i := range embedding {
		bits := uint32(data[i*4]) |
			uint32(data[i*4+1])<<8 |
			uint32(data[i*4+2])<<16 |
			uint32(data[i*4+3])<<24
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

// cosineSimilarity computes the cosine of the angle between two vectors.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
