package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status is an artifact's lifecycle stage
type Status string

const (
	StatusStaged   Status = "staged"
	StatusUploaded Status = "uploaded"
	StatusFailed   Status = "failed"
	StatusDeleted  Status = "deleted"
)

// Entry is one artifact row
type Entry struct {
	ArtifactID string    `json:"artifact_id"`
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	RemoteURL  string    `json:"remote_url"`
	Bytes      int64     `json:"bytes"`
	Status     Status    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Filter narrows List results
type Filter struct {
	Status Status // empty matches all
	Limit  int    // 0 means 100
}

const schema = `
	CREATE TABLE IF NOT EXISTS artifacts (
		artifactId TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		remoteUrl TEXT NOT NULL DEFAULT '',
		bytes INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		createdAt REAL NOT NULL,
		updatedAt REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS artifacts_status ON artifacts(status, updatedAt);
`

// Store records artifact lifecycle changes
type Store struct {
	db *sql.DB
}

// Open opens or creates the journal database at path
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; SQLite serialises writes anyway
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts or updates the entry for e.ArtifactID. The creation time of
// an existing row is preserved.
func (s *Store) Record(ctx context.Context, e Entry) error {
	now := time.Now()
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = now
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.UpdatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifactId, name, path, remoteUrl, bytes, status, reason, attempts, error, createdAt, updatedAt)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(artifactId) DO UPDATE SET
			name = excluded.name,
			path = excluded.path,
			remoteUrl = excluded.remoteUrl,
			bytes = excluded.bytes,
			status = excluded.status,
			reason = excluded.reason,
			attempts = excluded.attempts,
			error = excluded.error,
			updatedAt = excluded.updatedAt
	`, e.ArtifactID, e.Name, e.Path, e.RemoteURL, e.Bytes, string(e.Status), e.Reason, e.Attempts, e.Error,
		unixFromTime(e.CreatedAt), unixFromTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("record artifact %s: %w", e.ArtifactID, err)
	}
	return nil
}

// Get returns the entry for an artifact, or nil if it is unknown.
func (s *Store) Get(ctx context.Context, artifactID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT artifactId, name, path, remoteUrl, bytes, status, reason, attempts, error, createdAt, updatedAt
		FROM artifacts
		WHERE artifactId = ?
	`, artifactID)

	e, err := scanEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	return e, nil
}

// List returns entries, most recently updated first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT artifactId, name, path, remoteUrl, bytes, status, reason, attempts, error, createdAt, updatedAt
		FROM artifacts`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY updatedAt DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Counts returns the number of entries per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM artifacts GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var status string
	var createdAt, updatedAt float64

	if err := row.Scan(&e.ArtifactID, &e.Name, &e.Path, &e.RemoteURL, &e.Bytes, &status,
		&e.Reason, &e.Attempts, &e.Error, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	e.Status = Status(status)
	e.CreatedAt = timeFromUnix(createdAt)
	e.UpdatedAt = timeFromUnix(updatedAt)
	return &e, nil
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
