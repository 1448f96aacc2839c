package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS archive_records (
	record_id  TEXT PRIMARY KEY,
	node_id    TEXT NOT NULL,
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	ts         REAL NOT NULL,
	node_title TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_archive_node_ts ON archive_records(node_id, ts);
CREATE TABLE IF NOT EXISTS archive_meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

var ErrRecordNotFound = errors.New("archive record not found")

// MetaStore is the durable, append-only record database beside the vector
// index. It serves context-window scans and survives restarts; qdrant holds
// the embeddings, this holds the truth.
type MetaStore struct {
	db *sql.DB
}

// OpenMetaStore opens (creating if needed) the archive database under dir.
// The embedding model name is pinned in the store on first open; reopening
// with a different model fails rather than silently mixing vector spaces.
func OpenMetaStore(dir, embeddingModel string) (*MetaStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "archive.db"))
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply archive schema: %w", err)
	}
	s := &MetaStore{db: db}
	if err := s.pinEmbeddingModel(embeddingModel); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MetaStore) pinEmbeddingModel(model string) error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM archive_meta WHERE key = 'embedding_model'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(`INSERT INTO archive_meta (key, value) VALUES ('embedding_model', ?)`, model)
		return err
	case err != nil:
		return fmt.Errorf("read embedding model: %w", err)
	case stored != model:
		return fmt.Errorf("archive was built with embedding model %q, refusing to open with %q; use a fresh collection", stored, model)
	}
	return nil
}

// Insert stores a record. Re-inserting an existing record id is a no-op so
// every turn maps to exactly one row.
func (s *MetaStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO archive_records (record_id, node_id, role, text, ts, node_title) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.NodeID, rec.Role, rec.Text, tsFloat(rec.Timestamp), rec.NodeTitle)
	return err
}

// Get fetches one record by id.
func (s *MetaStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT record_id, node_id, role, text, ts, node_title FROM archive_records WHERE record_id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

// Window returns the records of one node whose timestamps fall within
// [center-w, center+w], in chronological order.
func (s *MetaStore) Window(ctx context.Context, nodeID string, center time.Time, w time.Duration) ([]Record, error) {
	c := tsFloat(center)
	half := w.Seconds()
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, node_id, role, text, ts, node_title FROM archive_records
		 WHERE node_id = ? AND ts >= ? AND ts <= ? ORDER BY ts ASC`,
		nodeID, c-half, c+half)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count reports the total number of archived records.
func (s *MetaStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM archive_records`).Scan(&n)
	return n, err
}

func (s *MetaStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var ts float64
	if err := row.Scan(&rec.ID, &rec.NodeID, &rec.Role, &rec.Text, &ts, &rec.NodeTitle); err != nil {
		return Record{}, err
	}
	rec.Timestamp = tsTime(ts)
	return rec, nil
}
