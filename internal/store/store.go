// Package store provides the persistence tables the orchestrator keeps its
// tasks, rounds, workflows, sync states and conflicts in. Every table supports
// point lookups, scans by status, and atomic single-row read-modify-write.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrNotFound reports a missing key.
	ErrNotFound = errors.New("store: record not found")
	// ErrExists reports an insert over an existing key.
	ErrExists = errors.New("store: record already exists")
)

// Record is implemented by every persisted row type.
type Record interface {
	RecordKey() string
	RecordStatus() string
}

// Table is a keyed collection of records.
//
// Update runs fn against a private copy of the stored row while holding the
// row's exclusive lock; the row is written back only when fn returns nil. fn
// must not call back into the backend: the SQLite backend holds its only
// connection for the duration of the transaction.
type Table[T Record] interface {
	Get(ctx context.Context, key string) (T, error)
	Insert(ctx context.Context, record T) error
	Put(ctx context.Context, record T) error
	Update(ctx context.Context, key string, fn func(*T) error) (T, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]T, error)
	ListByStatus(ctx context.Context, statuses ...string) ([]T, error)
}

// Table names used by the orchestrator.
const (
	TableTasks      = "tasks"
	TableRounds     = "rounds"
	TableWorkflows  = "workflows"
	TableSyncStates = "sync_states"
	TableConflicts  = "conflicts"
)

var tableName = regexp.MustCompile(`^[a-z][a-z_]*$`)

// Backend hands out tables. A zero Backend (or one from Memory) keeps rows in
// process memory; OpenSQLite persists them.
type Backend struct {
	db *sql.DB
}

// Memory returns an in-process backend.
func Memory() *Backend {
	return &Backend{}
}

// Persistent reports whether tables survive a restart.
func (b *Backend) Persistent() bool {
	return b != nil && b.db != nil
}

// Close releases the database handle, if any.
func (b *Backend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// OpenTable returns the named table from the backend, creating it if needed.
func OpenTable[T Record](b *Backend, name string) (Table[T], error) {
	if !tableName.MatchString(name) {
		return nil, fmt.Errorf("store: invalid table name %q", name)
	}
	if b == nil || b.db == nil {
		return NewMemoryTable[T](), nil
	}
	return newSQLTable[T](b.db, name)
}

func matchesStatus(status string, statuses []string) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, candidate := range statuses {
		if candidate == status {
			return true
		}
	}
	return false
}
