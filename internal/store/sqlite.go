package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) a SQLite database at path. A single
// connection is kept open so read-modify-write transactions serialize.
func OpenSQLite(path string) (*Backend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure db dir: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &Backend{db: db}, nil
}

// SQLTable stores each record as a JSON body next to an indexed status column.
type SQLTable[T Record] struct {
	db   *sql.DB
	name string
}

func newSQLTable[T Record](db *sql.DB, name string) (*SQLTable[T], error) {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    key TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    body TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_status ON %[1]s(status);
`, name)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", name, err)
	}
	return &SQLTable[T]{db: db, name: name}, nil
}

func (s *SQLTable[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	var body string
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT body FROM %s WHERE key = ?`, s.name), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return zero, fmt.Errorf("get %s %s: %w", s.name, key, err)
	}
	return decodeRow[T]([]byte(body))
}

func (s *SQLTable[T]) Insert(ctx context.Context, record T) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", record.RecordKey(), err)
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, status, body, updated_at) VALUES (?, ?, ?, ?)`, s.name),
		record.RecordKey(), record.RecordStatus(), string(body), time.Now().UnixMilli())
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return fmt.Errorf("%w: %s", ErrExists, record.RecordKey())
		}
		return fmt.Errorf("insert %s %s: %w", s.name, record.RecordKey(), err)
	}
	return nil
}

func (s *SQLTable[T]) Put(ctx context.Context, record T) error {
	return s.put(ctx, s.db, record)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLTable[T]) put(ctx context.Context, exec execer, record T) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", record.RecordKey(), err)
	}
	_, err = exec.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (key, status, body, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET status = excluded.status, body = excluded.body, updated_at = excluded.updated_at`, s.name),
		record.RecordKey(), record.RecordStatus(), string(body), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("put %s %s: %w", s.name, record.RecordKey(), err)
	}
	return nil
}

func (s *SQLTable[T]) Update(ctx context.Context, key string, fn func(*T) error) (T, error) {
	var zero T
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, fmt.Errorf("begin %s: %w", s.name, err)
	}
	defer tx.Rollback()

	var body string
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT body FROM %s WHERE key = ?`, s.name), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return zero, fmt.Errorf("get %s %s: %w", s.name, key, err)
	}
	record, err := decodeRow[T]([]byte(body))
	if err != nil {
		return zero, err
	}
	if err := fn(&record); err != nil {
		return zero, err
	}
	if record.RecordKey() != key {
		return zero, fmt.Errorf("store: update changed key %s to %s", key, record.RecordKey())
	}
	if err := s.put(ctx, tx, record); err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, fmt.Errorf("commit %s %s: %w", s.name, key, err)
	}
	return record, nil
}

func (s *SQLTable[T]) Delete(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.name), key)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", s.name, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return nil
}

func (s *SQLTable[T]) List(ctx context.Context) ([]T, error) {
	return s.ListByStatus(ctx)
}

// ListByStatus returns matching records ordered by key.
func (s *SQLTable[T]) ListByStatus(ctx context.Context, statuses ...string) ([]T, error) {
	query := fmt.Sprintf(`SELECT body FROM %s`, s.name)
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY key`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.name, err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", s.name, err)
		}
		record, err := decodeRow[T]([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
