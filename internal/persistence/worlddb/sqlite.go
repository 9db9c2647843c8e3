package worlddb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"voxelsync.dev/internal/voxel"
	"voxelsync.dev/internal/world/chunk"
)

// SQLite stores chunk records as zstd-compressed blobs keyed by coordinate.
type SQLite struct {
	db     *sql.DB
	volume int

	enc *zstd.Encoder
	dec *zstd.Decoder

	loads atomic.Uint64
	saves atomic.Uint64
}

// OpenSQLite opens (or creates) the world database at path. volume is the
// block count of one chunk and is used to validate stored records.
func OpenSQLite(path string, volume int) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db, volume: volume, enc: enc, dec: dec}, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			data BLOB NOT NULL,
			PRIMARY KEY (x, y, z)
		);`,
		`CREATE TABLE IF NOT EXISTS world_properties (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) LoadChunk(ctx context.Context, coord voxel.Vec3i) (chunk.Record, bool, error) {
	s.loads.Add(1)
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM chunks WHERE x = ? AND y = ? AND z = ?`, coord.X, coord.Y, coord.Z,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return chunk.Record{}, false, nil
	}
	if err != nil {
		return chunk.Record{}, false, fmt.Errorf("load chunk %s: %w", coord, err)
	}
	raw, err := s.dec.DecodeAll(blob, nil)
	if err != nil {
		return chunk.Record{}, false, fmt.Errorf("load chunk %s: %w", coord, err)
	}
	rec, err := chunk.UnmarshalRecord(coord, raw, s.volume)
	if err != nil {
		return chunk.Record{}, false, err
	}
	return rec, true, nil
}

func (s *SQLite) SaveChunk(ctx context.Context, rec chunk.Record) error {
	if len(rec.Blocks) != s.volume {
		return fmt.Errorf("save chunk %s: %d blocks, want %d", rec.Coord, len(rec.Blocks), s.volume)
	}
	raw, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	blob := s.enc.EncodeAll(raw, nil)
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chunks(x, y, z, data) VALUES(?, ?, ?, ?)`,
		rec.Coord.X, rec.Coord.Y, rec.Coord.Z, blob)
	if err != nil {
		return fmt.Errorf("save chunk %s: %w", rec.Coord, err)
	}
	s.saves.Add(1)
	return nil
}

func (s *SQLite) LoadWorldProperties(ctx context.Context) (Properties, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM world_properties WHERE key = ?`, PropertiesKey,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Properties{}, false, nil
	}
	if err != nil {
		return Properties{}, false, fmt.Errorf("load world properties: %w", err)
	}
	var p Properties
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Properties{}, false, fmt.Errorf("decode world properties: %w", err)
	}
	return p, true, nil
}

func (s *SQLite) SaveWorldProperties(ctx context.Context, p Properties) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO world_properties(key, value) VALUES(?, ?)`, PropertiesKey, string(b))
	if err != nil {
		return fmt.Errorf("save world properties: %w", err)
	}
	return nil
}

// ChunkCount returns the number of persisted chunk records.
func (s *SQLite) ChunkCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLite) Stats() Stats {
	n, _ := s.ChunkCount(context.Background())
	return Stats{Loads: s.loads.Load(), Saves: s.saves.Load(), Chunks: n}
}

func (s *SQLite) Close() error {
	s.dec.Close()
	_ = s.enc.Close()
	return s.db.Close()
}
