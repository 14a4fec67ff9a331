// Package worker runs the worker daemon: a local SQLite stand-in for the
// chunk-resident RDBMS (sqlexec.go) and the dispatch loop that turns
// incoming TaskMsgs into scheduled Tasks and streamed Results (server.go).
package worker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/qservgo/qserv/internal/csvcodec"
	"github.com/qservgo/qserv/internal/observability"
	"github.com/qservgo/qserv/internal/wire"
)

// SQLExecutor runs a TaskMsg's SQL fragments against the worker's local
// chunk database and encodes result rows the way they are framed on the
// wire: one []byte per row via csvcodec.
type SQLExecutor struct {
	db      *sql.DB
	metrics *observability.Metrics
	dialect csvcodec.Dialect
}

// NewSQLExecutor opens (or creates) the SQLite database backing one
// worker's chunk tables. dbPath is typically one file per worker; chunk
// tables live inside it named by convention (e.g. Object_1234).
func NewSQLExecutor(dbPath string, metrics *observability.Metrics) (*SQLExecutor, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("worker: open chunk database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; one chunk query at a time per handle
	db.SetConnMaxLifetime(time.Hour)

	return &SQLExecutor{db: db, metrics: metrics, dialect: csvcodec.DefaultDialect}, nil
}

func (e *SQLExecutor) DB() *sql.DB { return e.db }

func (e *SQLExecutor) Close() error { return e.db.Close() }

// ExecResult is one Fragment's query output, already row-encoded.
type ExecResult struct {
	Rows     [][]byte
	RowCount int64
}

// RunFragment executes every query of one Fragment in sequence (the last
// query is presumed to be the SELECT whose rows are returned; any
// preceding queries are DDL/temp-table setup, per Qserv's fragment
// convention) and encodes the result set.
func (e *SQLExecutor) RunFragment(ctx context.Context, frag wire.Fragment, chunkID int32) (ExecResult, error) {
	if len(frag.Queries) == 0 {
		return ExecResult{}, nil
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		e.recordOp("begin", false)
		return ExecResult{}, fmt.Errorf("worker: begin fragment tx: %w", err)
	}
	defer tx.Rollback()

	for _, q := range frag.Queries[:len(frag.Queries)-1] {
		if _, err := tx.ExecContext(ctx, ensureChunkTable(q, chunkID)); err != nil {
			e.recordOp("exec", false)
			return ExecResult{}, fmt.Errorf("worker: fragment setup query failed: %w", err)
		}
	}

	selectQuery := ensureChunkTable(frag.Queries[len(frag.Queries)-1], chunkID)
	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		e.recordOp("query", false)
		return ExecResult{}, fmt.Errorf("worker: fragment select failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		e.recordOp("query", false)
		return ExecResult{}, err
	}

	var out ExecResult
	scratch := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range scratch {
		ptrs[i] = &scratch[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			e.recordOp("scan", false)
			return ExecResult{}, err
		}
		out.Rows = append(out.Rows, e.encodeRow(scratch))
		out.RowCount++
	}
	if err := rows.Err(); err != nil {
		e.recordOp("query", false)
		return ExecResult{}, err
	}

	if err := tx.Commit(); err != nil {
		e.recordOp("commit", false)
		return ExecResult{}, err
	}
	e.recordOp("query", true)
	return out, nil
}

// encodeRow renders one SQL row in the same delimited, escaped format
// csvcodec.Editor produces for file-offloaded results, so both paths
// share one row encoding.
func (e *SQLExecutor) encodeRow(values []interface{}) []byte {
	fields := make([][]byte, len(values))
	for i, v := range values {
		if v == nil {
			fields[i] = e.dialect.Encode(nil, true)
			continue
		}
		fields[i] = e.dialect.Encode([]byte(fmt.Sprint(v)), false)
	}
	return joinFields(fields, e.dialect.Delimiter)
}

func joinFields(fields [][]byte, delim byte) []byte {
	n := 0
	for _, f := range fields {
		n += len(f) + 1
	}
	out := make([]byte, 0, n)
	for i, f := range fields {
		if i > 0 {
			out = append(out, delim)
		}
		out = append(out, f...)
	}
	return out
}

func (e *SQLExecutor) recordOp(op string, success bool) {
	if e.metrics == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	e.metrics.DatabaseOperationsTotal.WithLabelValues(op, result).Inc()
}

// ensureChunkTable substitutes the legacy %CHUNK% placeholder some
// fragments still carry with the dispatched chunk's id; most fragments
// arrive with already chunk-qualified table names and are unaffected.
func ensureChunkTable(query string, chunkID int32) string {
	return strings.ReplaceAll(query, "%CHUNK%", fmt.Sprint(chunkID))
}
