// Package accesslog records one row per proxied request.
// Rows hold request metadata only, never response bodies.
package accesslog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/lib/pq"
)

// Entry describes how one request was handled.
type Entry struct {
	Time      time.Time     `json:"time"`
	Method    string        `json:"method"`
	URL       string        `json:"url"`
	Key       string        `json:"key"`
	Cache     string        `json:"cache"`
	FwdReason string        `json:"fwd,omitempty"`
	Status    int           `json:"status"`
	Collapsed bool          `json:"collapsed"`
	Duration  time.Duration `json:"duration"`
	RemoteIP  string        `json:"remoteIp"`
}

// Writer persists access log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
	// Recent returns at most limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// NoopWriter ignores all writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error           { return nil }
func (NoopWriter) Recent(_ context.Context, _ int) ([]Entry, error) { return nil, nil }
func (NoopWriter) Close() error                                     { return nil }

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// DefaultMaxRows is the number of rows an in-memory log keeps
// when no other limit is given.
const DefaultMaxRows = 10000

// SQLWriter persists entries to SQLite or Postgres.
// If maxRows is positive only the newest maxRows entries are kept.
type SQLWriter struct {
	db      *sql.DB
	dialect string
	maxRows int
}

// NewMemoryWriter opens a private in-memory SQLite database keeping at most
// maxRows entries (DefaultMaxRows if maxRows is not positive).
// Its contents are lost when the writer is closed.
func NewMemoryWriter(maxRows int) (*SQLWriter, error) {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	db, err := sql.Open(dialectSQLite, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory access log: %w", err)
	}
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	return newSQLWriter(db, dialectSQLite, maxRows)
}

// NewSQLiteWriter opens or creates a SQLite database file.
// Zero maxRows keeps every entry.
func NewSQLiteWriter(filename string, maxRows int) (*SQLWriter, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" {
		return NewMemoryWriter(maxRows)
	}
	db, err := sql.Open(dialectSQLite, filename)
	if err != nil {
		return nil, fmt.Errorf("open sqlite access log: %w", err)
	}
	db.SetMaxOpenConns(1)
	w, err := newSQLWriter(db, dialectSQLite, maxRows)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set sqlite journal mode: %w", err)
	}
	return w, nil
}

// NewPostgresWriter connects to Postgres using a lib/pq DSN.
// Zero maxRows keeps every entry.
func NewPostgresWriter(dsn string, maxRows int) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open(dialectPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres access log: %w", err)
	}
	return newSQLWriter(db, dialectPostgres, maxRows)
}

func newSQLWriter(db *sql.DB, dialect string, maxRows int) (*SQLWriter, error) {
	w := &SQLWriter{db: db, dialect: dialect, maxRows: maxRows}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s access log: %w", w.dialect, err)
	}

	id := "id INTEGER PRIMARY KEY"
	if w.dialect == dialectPostgres {
		id = "id BIGSERIAL PRIMARY KEY"
	}
	// times are unix nanoseconds, durations microseconds
	ddl := `
CREATE TABLE IF NOT EXISTS access_log (
	` + id + `,
	time BIGINT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	key TEXT,
	cache TEXT NOT NULL,
	fwd_reason TEXT,
	status INTEGER NOT NULL,
	collapsed BOOLEAN NOT NULL,
	duration_us BIGINT NOT NULL,
	remote_ip TEXT
);`
	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize access log schema: %w", err)
	}
	return nil
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}

	query := `INSERT INTO access_log(time, method, url, key, cache, fwd_reason, status, collapsed, duration_us, remote_ip)
	VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if w.dialect == dialectPostgres {
		query = `INSERT INTO access_log(time, method, url, key, cache, fwd_reason, status, collapsed, duration_us, remote_ip)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	}

	_, err := w.db.ExecContext(ctx, query,
		entry.Time.UnixNano(),
		entry.Method,
		entry.URL,
		entry.Key,
		entry.Cache,
		entry.FwdReason,
		entry.Status,
		entry.Collapsed,
		entry.Duration.Microseconds(),
		entry.RemoteIP,
	)
	if err != nil {
		return fmt.Errorf("write access log: %w", err)
	}
	return w.trim(ctx)
}

// trim deletes all but the newest maxRows entries.
// Ids only grow, so everything at or below max(id)-maxRows is older.
func (w *SQLWriter) trim(ctx context.Context) error {
	if w.maxRows <= 0 {
		return nil
	}
	query := `DELETE FROM access_log WHERE id <= (SELECT max(id) FROM access_log) - ?`
	if w.dialect == dialectPostgres {
		query = `DELETE FROM access_log WHERE id <= (SELECT max(id) FROM access_log) - $1`
	}
	if _, err := w.db.ExecContext(ctx, query, w.maxRows); err != nil {
		return fmt.Errorf("trim access log: %w", err)
	}
	return nil
}

func (w *SQLWriter) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT time, method, url, key, cache, fwd_reason, status, collapsed, duration_us, remote_ip
	FROM access_log ORDER BY id DESC LIMIT ?`
	if w.dialect == dialectPostgres {
		query = `SELECT time, method, url, key, cache, fwd_reason, status, collapsed, duration_us, remote_ip
		FROM access_log ORDER BY id DESC LIMIT $1`
	}

	rows, err := w.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query access log: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		var ts, durationUs int64
		var key, fwd, ip sql.NullString
		if err := rows.Scan(&ts, &e.Method, &e.URL, &key, &e.Cache, &fwd, &e.Status, &e.Collapsed, &durationUs, &ip); err != nil {
			return nil, fmt.Errorf("scan access log: %w", err)
		}
		e.Time = time.Unix(0, ts).UTC()
		e.Duration = time.Duration(durationUs) * time.Microsecond
		e.Key = key.String
		e.FwdReason = fwd.String
		e.RemoteIP = ip.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read access log: %w", err)
	}
	return entries, nil
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// Open selects a writer from a target string:
// "off" disables logging, "memory" (or empty) keeps rows in memory,
// postgres:// and postgresql:// URLs connect to Postgres
// and anything else is taken as a SQLite file name.
// maxRows caps the number of kept entries, zero keeps all of them
// except in memory where DefaultMaxRows applies.
func Open(target string, maxRows int) (Writer, error) {
	target = strings.TrimSpace(target)
	switch {
	case target == "off":
		return NoopWriter{}, nil
	case target == "" || target == "memory":
		return NewMemoryWriter(maxRows)
	case strings.HasPrefix(target, "postgres://"), strings.HasPrefix(target, "postgresql://"):
		return NewPostgresWriter(target, maxRows)
	default:
		return NewSQLiteWriter(target, maxRows)
	}
}
