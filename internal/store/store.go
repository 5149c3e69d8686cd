// Package store indexes parsed reports in SQLite.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/impact/internal/report"
)

//go:embed migrations/001_reports.sql
var migrationV1 string

// ErrNotFound is returned when no report has the requested id.
var ErrNotFound = errors.New("report not found")

// Entry is one indexed report.
type Entry struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	Checksum   string    `json:"checksum"`
	Identifier string    `json:"identifier"`
	Session    string    `json:"session,omitempty"`
	PID        uint64    `json:"pid,omitempty"`
	Platform   string    `json:"platform,omitempty"`
	Crashed    bool      `json:"crashed"`
	Kind       string    `json:"kind,omitempty"`
	Summary    string    `json:"summary"`
	Threads    int       `json:"threads"`
	IngestedAt time.Time `json:"ingested_at"`
}

// Store is a SQLite-backed report index. It is safe for concurrent use.
type Store struct {
	path string
	db   *sql.DB
	// mu serializes writers; SQLite allows one at a time and a deferred
	// transaction that upgrades to a write lock fails instead of waiting.
	mu sync.Mutex
}

// Open opens or creates the index at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{path: path, db: db}

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		// No schema yet.
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Checksum identifies the content of a report file.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put indexes rep, read from path with the given raw content. Re-ingesting
// the same path replaces the previous entry but keeps its id. It returns
// the stored entry and whether anything changed.
func (s *Store) Put(ctx context.Context, path string, data []byte, rep *report.Report) (*Entry, bool, error) {
	body, err := json.Marshal(rep)
	if err != nil {
		return nil, false, fmt.Errorf("marshaling report: %w", err)
	}

	e := entryFor(path, data, rep)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID, existingSum string
	err = tx.QueryRowContext(ctx, "SELECT id, checksum FROM reports WHERE path = ?", path).Scan(&existingID, &existingSum)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		e.ID = uuid.NewString()
	case err != nil:
		return nil, false, fmt.Errorf("looking up %s: %w", path, err)
	default:
		if existingSum == e.Checksum {
			existing, err := s.get(ctx, tx, existingID)
			return existing, false, err
		}
		e.ID = existingID
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (id, path, checksum, identifier, session, pid, platform, crashed, kind, summary, threads, body, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			checksum = excluded.checksum,
			identifier = excluded.identifier,
			session = excluded.session,
			pid = excluded.pid,
			platform = excluded.platform,
			crashed = excluded.crashed,
			kind = excluded.kind,
			summary = excluded.summary,
			threads = excluded.threads,
			body = excluded.body,
			ingested_at = excluded.ingested_at`,
		e.ID, e.Path, e.Checksum, e.Identifier, e.Session, int64(e.PID), e.Platform, e.Crashed,
		e.Kind, e.Summary, e.Threads, string(body), e.IngestedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, fmt.Errorf("storing %s: %w", path, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing: %w", err)
	}
	return e, true, nil
}

func entryFor(path string, data []byte, rep *report.Report) *Entry {
	e := &Entry{
		Path:       path,
		Checksum:   Checksum(data),
		Crashed:    rep.Crashed(),
		Summary:    rep.Summary(),
		Threads:    len(rep.Threads),
		IngestedAt: time.Now().UTC(),
	}
	if rep.Application != nil {
		e.Identifier = rep.Application.ID
		e.Session = rep.Application.Session
		e.PID = rep.Application.PID
	}
	if rep.Environment != nil {
		e.Platform = rep.Environment.Platform
	}
	switch {
	case rep.Exception != nil:
		e.Kind = rep.Exception.Type
	case rep.Signal != nil:
		e.Kind = rep.Signal.Name
	}
	return e
}

const entryColumns = "id, path, checksum, identifier, session, pid, platform, crashed, kind, summary, threads, ingested_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var pid int64
	var ingested string
	if err := row.Scan(&e.ID, &e.Path, &e.Checksum, &e.Identifier, &e.Session, &pid, &e.Platform,
		&e.Crashed, &e.Kind, &e.Summary, &e.Threads, &ingested); err != nil {
		return nil, err
	}
	e.PID = uint64(pid)
	t, err := time.Parse(time.RFC3339Nano, ingested)
	if err != nil {
		return nil, fmt.Errorf("parsing ingest time of %s: %w", e.ID, err)
	}
	e.IngestedAt = t
	return &e, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, id string) (*Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, "SELECT "+entryColumns+" FROM reports WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading report %s: %w", id, err)
	}
	return e, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	return s.get(ctx, s.db, id)
}

// Report returns the parsed report stored under id.
func (s *Store) Report(ctx context.Context, id string) (*report.Report, error) {
	var body string
	err := s.db.QueryRowContext(ctx, "SELECT body FROM reports WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading report %s: %w", id, err)
	}
	var rep report.Report
	if err := json.Unmarshal([]byte(body), &rep); err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", id, err)
	}
	return &rep, nil
}

// Filter narrows List.
type Filter struct {
	Identifier  string
	CrashedOnly bool
	Limit       int
}

// List returns entries, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	query := "SELECT " + entryColumns + " FROM reports WHERE 1 = 1"
	var args []any
	if f.Identifier != "" {
		query += " AND identifier = ?"
		args = append(args, f.Identifier)
	}
	if f.CrashedOnly {
		query += " AND crashed = 1"
	}
	query += " ORDER BY ingested_at DESC, path ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("listing reports: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	return entries, nil
}

// Delete removes the entry with the given id.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM reports WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting report %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
