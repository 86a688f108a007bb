package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

type testRow struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Count  int    `json:"count"`
	Tags   []string
}

func (r testRow) RecordKey() string    { return r.ID }
func (r testRow) RecordStatus() string { return r.Status }

func backends(t *testing.T) map[string]*Backend {
	t.Helper()
	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "test.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]*Backend{
		"memory": Memory(),
		"sqlite": sqlite,
	}
}

func TestTableContract(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		table, err := OpenTable[testRow](backend, "rows")
		if err != nil {
			t.Fatalf("%s: open table: %v", name, err)
		}
		if err := table.Insert(ctx, testRow{ID: "b", Status: "pending"}); err != nil {
			t.Fatalf("%s: insert: %v", name, err)
		}
		if err := table.Insert(ctx, testRow{ID: "b", Status: "pending"}); !errors.Is(err, ErrExists) {
			t.Fatalf("%s: expected ErrExists, got %v", name, err)
		}
		if err := table.Put(ctx, testRow{ID: "a", Status: "done", Tags: []string{"x"}}); err != nil {
			t.Fatalf("%s: put: %v", name, err)
		}
		if _, err := table.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound, got %v", name, err)
		}

		updated, err := table.Update(ctx, "b", func(row *testRow) error {
			row.Count++
			row.Status = "done"
			return nil
		})
		if err != nil {
			t.Fatalf("%s: update: %v", name, err)
		}
		if updated.Count != 1 {
			t.Fatalf("%s: expected count 1, got %d", name, updated.Count)
		}

		sentinel := errors.New("abort")
		if _, err := table.Update(ctx, "b", func(row *testRow) error {
			row.Count = 99
			return sentinel
		}); !errors.Is(err, sentinel) {
			t.Fatalf("%s: expected callback error, got %v", name, err)
		}
		got, err := table.Get(ctx, "b")
		if err != nil || got.Count != 1 {
			t.Fatalf("%s: aborted update leaked: %+v %v", name, got, err)
		}

		done, err := table.ListByStatus(ctx, "done")
		if err != nil {
			t.Fatalf("%s: list: %v", name, err)
		}
		if len(done) != 2 || done[0].ID != "a" || done[1].ID != "b" {
			t.Fatalf("%s: unexpected scan %+v", name, done)
		}
		pending, _ := table.ListByStatus(ctx, "pending")
		if len(pending) != 0 {
			t.Fatalf("%s: expected no pending rows, got %+v", name, pending)
		}

		if err := table.Delete(ctx, "a"); err != nil {
			t.Fatalf("%s: delete: %v", name, err)
		}
		if err := table.Delete(ctx, "a"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("%s: expected ErrNotFound on second delete, got %v", name, err)
		}
		all, _ := table.List(ctx)
		if len(all) != 1 {
			t.Fatalf("%s: expected one row left, got %d", name, len(all))
		}
	}
}

func TestMemoryTableReturnsCopies(t *testing.T) {
	ctx := context.Background()
	table := NewMemoryTable[testRow]()
	row := testRow{ID: "a", Status: "x", Tags: []string{"one"}}
	if err := table.Put(ctx, row); err != nil {
		t.Fatal(err)
	}
	row.Tags[0] = "mutated"
	got, _ := table.Get(ctx, "a")
	if got.Tags[0] != "one" {
		t.Fatalf("table shares memory with caller: %v", got.Tags)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "concord.db")
	backend, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	table, err := OpenTable[testRow](backend, TableTasks)
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if err := table.Put(ctx, testRow{ID: "t1", Status: "assigned"}); err != nil {
		t.Fatal(err)
	}
	backend.Close()

	reopened, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if !reopened.Persistent() {
		t.Fatalf("sqlite backend should be persistent")
	}
	table, _ = OpenTable[testRow](reopened, TableTasks)
	rows, err := table.ListByStatus(ctx, "assigned")
	if err != nil || len(rows) != 1 {
		t.Fatalf("expected recovered row, got %v %v", rows, err)
	}
}

func TestOpenTableRejectsBadNames(t *testing.T) {
	if _, err := OpenTable[testRow](Memory(), "rows; DROP"); err == nil {
		t.Fatalf("expected invalid name error")
	}
}
