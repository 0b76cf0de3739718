package sink

import (
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rillflow/rill/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// SQLite records every delivered insert, retraction, and fault into a
// SQLite audit table for offline inspection. It is an inspection aid,
// not a durable replay log: the engine never reads it back.
//
// Uses WAL mode so readers can inspect while the engine writes.
type SQLite struct {
	queryID string
	db      *sql.DB
}

// OpenSQLite creates or opens the audit database at path and binds the
// sink to a query id. Idempotent: pragmas and schema apply on every
// open.
func OpenSQLite(path, queryID string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect audit database: %w", err)
	}

	// SQLite allows one writer; keep a single connection ready.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply audit schema: %w", err)
	}

	return &SQLite{queryID: queryID, db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// OnEvents implements Sink. Write failures are logged and skipped; the
// audit trail is best-effort and must never stall a propagation.
func (s *SQLite) OnEvents(ts time.Time, inserts []*event.Event, removes []*event.Remove, faults []event.Fault) {
	now := time.Now().UnixMilli()
	for _, ev := range inserts {
		s.record("insert", ev.Stream, ev.String(), ev.Timestamp.UnixMilli(), now)
	}
	for _, rm := range removes {
		s.record("retract", rm.Event.Stream, rm.Event.String(), rm.Timestamp.UnixMilli(), now)
	}
	for _, f := range faults {
		s.record("fault", f.Stream, f.Err.Error(), f.Timestamp.UnixMilli(), now)
	}
}

func (s *SQLite) record(kind, stream, payload string, eventMS, recordedMS int64) {
	_, err := s.db.Exec(
		`INSERT INTO emissions (query_id, kind, stream, payload, event_ms, recorded_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		s.queryID, kind, stream, payload, eventMS, recordedMS,
	)
	if err != nil {
		slog.Error("audit sink write failed", "query", s.queryID, "kind", kind, "error", err)
	}
}

// Count returns the number of recorded emissions of one kind for the
// bound query.
func (s *SQLite) Count(kind string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM emissions WHERE query_id = ? AND kind = ?`,
		s.queryID, kind,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count emissions: %w", err)
	}
	return n, nil
}
