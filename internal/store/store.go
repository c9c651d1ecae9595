// Package store keeps received crash reports in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hugo-lorenzo-mato/crashtracker/internal/core"
	"github.com/hugo-lorenzo-mato/crashtracker/internal/crashinfo"
)

//go:embed migrations/001_reports.sql
var migrationV1 string

// DefaultListLimit caps List when no limit is given.
const DefaultListLimit = 100

// Summary is the indexed part of a stored report.
type Summary struct {
	UUID       string     `json:"uuid"`
	ReceivedAt time.Time  `json:"received_at"`
	CrashedAt  *time.Time `json:"crashed_at,omitempty"`
	Signame    string     `json:"signame,omitempty"`
	Incomplete bool       `json:"incomplete"`
	Library    string     `json:"library,omitempty"`
	Version    string     `json:"version,omitempty"`
	Message    string     `json:"message,omitempty"`
}

// Record is a stored report.
type Record struct {
	Summary
	Report *crashinfo.CrashInfo `json:"report"`
}

// Store is a SQLite-backed report store.
type Store struct {
	path string
	db   *sql.DB
	mu   sync.RWMutex
	now  func() time.Time
}

// Open opens (and creates) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	s := &Store{path: path, db: db, now: time.Now}

	if err := s.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		// Table doesn't exist yet
		version = 0
	}
	if version < 1 {
		if _, err := s.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Save stores report, replacing an earlier copy with the same uuid.
func (s *Store) Save(ctx context.Context, report *crashinfo.CrashInfo) (Summary, error) {
	if report == nil || report.UUID == "" {
		return Summary{}, core.ErrProtocol(core.CodeMalformedLine, "report has no uuid")
	}
	body, err := json.Marshal(report)
	if err != nil {
		return Summary{}, fmt.Errorf("marshaling report: %w", err)
	}
	sum := summarize(report)
	sum.ReceivedAt = s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (
			uuid, received_at, crashed_at, signame, incomplete, library, version, message, body
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			received_at = excluded.received_at,
			crashed_at = excluded.crashed_at,
			signame = excluded.signame,
			incomplete = excluded.incomplete,
			library = excluded.library,
			version = excluded.version,
			message = excluded.message,
			body = excluded.body
	`,
		sum.UUID, sum.ReceivedAt.UnixNano(), nullableTime(sum.CrashedAt),
		nullableString(sum.Signame), sum.Incomplete,
		nullableString(sum.Library), nullableString(sum.Version), nullableString(sum.Message),
		string(body),
	)
	if err != nil {
		return Summary{}, fmt.Errorf("saving report %s: %w", sum.UUID, err)
	}
	return sum, nil
}

// Get loads one report.
func (s *Store) Get(ctx context.Context, uuid string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT uuid, received_at, crashed_at, signame, incomplete, library, version, message, body
		FROM reports WHERE uuid = ?`, uuid)

	var rec Record
	var body string
	if err := scanSummary(row, &rec.Summary, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound("report", uuid)
		}
		return nil, fmt.Errorf("loading report %s: %w", uuid, err)
	}
	report, err := crashinfo.Decode([]byte(body))
	if err != nil {
		return nil, fmt.Errorf("decoding report %s: %w", uuid, err)
	}
	rec.Report = report
	return &rec, nil
}

// List returns the most recently received reports first. A limit of zero
// or less means DefaultListLimit.
func (s *Store) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, received_at, crashed_at, signame, incomplete, library, version, message, NULL
		FROM reports ORDER BY received_at DESC, uuid LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := scanSummary(rows, &sum, nil); err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Count returns the number of stored reports.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting reports: %w", err)
	}
	return n, nil
}

// Delete removes a report.
func (s *Store) Delete(ctx context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM reports WHERE uuid = ?", uuid)
	if err != nil {
		return fmt.Errorf("deleting report %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrNotFound("report", uuid)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(sc scanner, sum *Summary, body *string) error {
	var (
		received                           int64
		crashed                            sql.NullInt64
		signame, library, version, message sql.NullString
		rawBody                            sql.NullString
	)
	err := sc.Scan(&sum.UUID, &received, &crashed, &signame, &sum.Incomplete,
		&library, &version, &message, &rawBody)
	if err != nil {
		return err
	}
	sum.ReceivedAt = time.Unix(0, received).UTC()
	if crashed.Valid {
		t := time.Unix(0, crashed.Int64).UTC()
		sum.CrashedAt = &t
	}
	sum.Signame = signame.String
	sum.Library = library.String
	sum.Version = version.String
	sum.Message = message.String
	if body != nil {
		*body = rawBody.String
	}
	return nil
}

func summarize(r *crashinfo.CrashInfo) Summary {
	sum := Summary{
		UUID:       r.UUID,
		CrashedAt:  r.Timestamp,
		Incomplete: r.Incomplete,
		Message:    r.Message,
	}
	if r.SigInfo != nil {
		sum.Signame = r.SigInfo.Signame
	}
	if r.Metadata != nil {
		sum.Library = r.Metadata.LibraryName
		sum.Version = r.Metadata.LibraryVersion
	}
	return sum
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
