package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	revision INTEGER NOT NULL,
	data BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLite stores assets in a single table of a SQLite database.
type SQLite struct {
	db    *sql.DB
	reads singleflight.Group
	stats counters
}

var _ Storage = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-memory database.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serializes writers and keeps ":memory:" databases
	// from splitting across connections.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err = db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err = db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Read collapses concurrent reads of the same asset into one query. The
// shared query ignores cancellation; each caller stops waiting on its own
// context.
func (s *SQLite) Read(ctx context.Context, id string) (Record, error) {
	s.stats.reads.Add(1)
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	shared := context.WithoutCancel(ctx)
	ch := s.reads.DoChan(id, func() (any, error) {
		var (
			rec     = Record{ID: id}
			updated int64
		)
		err := s.db.QueryRowContext(shared,
			`SELECT revision, data, updated_at FROM assets WHERE id = ?`, id,
		).Scan(&rec.Revision, &rec.Data, &updated)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return nil, fmt.Errorf("read asset %s: %w", id, err)
		}
		rec.UpdatedAt = time.Unix(0, updated)
		return rec, nil
	})

	select {
	case <-ctx.Done():
		return Record{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if errors.Is(res.Err, ErrNotFound) {
				s.stats.misses.Add(1)
			}
			return Record{}, res.Err
		}
		return res.Val.(Record), nil
	}
}

func (s *SQLite) Write(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO assets (id, revision, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			revision = excluded.revision,
			data = excluded.data,
			updated_at = excluded.updated_at
		WHERE excluded.revision >= assets.revision`,
		rec.ID, rec.Revision, rec.Data, rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("write asset %s: %w", rec.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s at revision %d", ErrStaleRevision, rec.ID, rec.Revision)
	}
	s.stats.writes.Add(1)
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.stats.deletes.Add(1)
	return nil
}

func (s *SQLite) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, revision, length(data), updated_at FROM assets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Info
	for rows.Next() {
		var (
			info    Info
			updated int64
		)
		if err = rows.Scan(&info.ID, &info.Revision, &info.Size, &updated); err != nil {
			return nil, fmt.Errorf("scan asset row: %w", err)
		}
		info.UpdatedAt = time.Unix(0, updated)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLite) Statistics() Statistics { return s.stats.snapshot() }

func (s *SQLite) Close() error {
	return s.db.Close()
}
