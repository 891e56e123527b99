package download

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/ytget/vrenv/internal/model"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so created_at sorts lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

//go:embed migrations/001_downloads.sql
var sqliteMigration string

// SQLiteStore persists downloads in an SQLite database so unfinished
// transfers survive restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) the database at dsn. Use ":memory:"
// for an in-memory database.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writes and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigration); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts a download record
func (s *SQLiteStore) Save(ctx context.Context, d model.Download) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (id, uri, title, output_path, status, progress, bytes_done, bytes_total, last_error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			uri = excluded.uri,
			title = excluded.title,
			output_path = excluded.output_path,
			status = excluded.status,
			progress = excluded.progress,
			bytes_done = excluded.bytes_done,
			bytes_total = excluded.bytes_total,
			last_error = excluded.last_error,
			finished_at = excluded.finished_at
	`, d.ID, d.URI, d.Title, d.OutputPath, string(d.Status), d.Progress, d.BytesDone, d.BytesTotal,
		d.LastError, formatTime(d.CreatedAt), formatTime(d.FinishedAt))
	if err != nil {
		return fmt.Errorf("save download %s: %w", d.ID, err)
	}
	return nil
}

// Delete removes a download record
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete download %s: %w", id, err)
	}
	return nil
}

// List returns all records, oldest first
func (s *SQLiteStore) List(ctx context.Context) ([]model.Download, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, uri, title, output_path, status, progress, bytes_done, bytes_total, last_error, created_at, finished_at
		FROM downloads
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()

	var out []model.Download
	for rows.Next() {
		var d model.Download
		var status, created, finished string
		if err := rows.Scan(&d.ID, &d.URI, &d.Title, &d.OutputPath, &status, &d.Progress,
			&d.BytesDone, &d.BytesTotal, &d.LastError, &created, &finished); err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		d.Status = model.DownloadStatus(status)
		d.CreatedAt = parseTime(created)
		d.FinishedAt = parseTime(finished)
		out = append(out, d)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
