package worker

import (
	"context"
	"strings"
	"testing"

	"github.com/qservgo/qserv/internal/wire"
)

func TestRunFragmentEncodesRows(t *testing.T) {
	exec, err := NewSQLExecutor(":memory:", nil)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer exec.Close()

	ctx := context.Background()
	if _, err := exec.DB().ExecContext(ctx, `CREATE TABLE Object_1234 (objectId INTEGER, ra REAL, flag TEXT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := exec.DB().ExecContext(ctx, `INSERT INTO Object_1234 VALUES (1, 10.5, NULL), (2, 20.25, 'ok')`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	frag := wire.Fragment{Queries: []string{`SELECT objectId, ra, flag FROM Object_%CHUNK%`}}
	// no placeholder substitution needed since the table is already chunk-qualified by literal name
	frag.Queries[0] = `SELECT objectId, ra, flag FROM Object_1234`

	result, err := exec.RunFragment(ctx, frag, 1234)
	if err != nil {
		t.Fatalf("run fragment: %v", err)
	}
	if result.RowCount != 2 {
		t.Fatalf("expected 2 rows, got %d", result.RowCount)
	}
	if !strings.Contains(string(result.Rows[0]), "10.5") {
		t.Fatalf("expected first row to contain ra value, got %q", result.Rows[0])
	}
	if !strings.Contains(string(result.Rows[0]), `\N`) {
		t.Fatalf("expected NULL flag encoded as \\N, got %q", result.Rows[0])
	}
}

func TestEnsureChunkTableSubstitutesPlaceholder(t *testing.T) {
	got := ensureChunkTable("SELECT * FROM Object_%CHUNK%", 5678)
	want := "SELECT * FROM Object_5678"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
