package lineage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"easel/internal/config"
)

// ErrLocked reports that another process holds the lineage store lock.
var ErrLocked = errors.New("lineage store is locked by another process")

// Store manages lineage persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	lock *flock.Flock
}

// Open initializes or connects to the lineage database, acquiring the
// store's file lock first.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.Paths.DataDir, "lineage.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lineage lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "lineage.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, lock: lock}
	if err := store.applySchema(context.Background()); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	return store, nil
}

// Close releases the database connection and the file lock.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	var dbErr error
	if s.db != nil {
		dbErr = s.db.Close()
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil && dbErr == nil {
			dbErr = err
		}
	}
	return dbErr
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) applySchema(ctx context.Context) error {
	var current int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > schemaVersion {
		return fmt.Errorf("lineage db schema %d is newer than supported %d", current, schemaVersion)
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// RegisterRequest stores a newly discovered request and returns its lineage id.
func (s *Store) RegisterRequest(ctx context.Context, content, resourceKey string, index int, sourceTag string) (string, error) {
	id := uuid.NewString()
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests (lineage_id, resource_key, content, ordinal, source_tag, created_at)
         VALUES (?, ?, ?, ?, ?, ?)`,
		id, resourceKey, content, index, sourceTag, timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("insert request: %w", err)
	}
	return id, nil
}

// AddVersion records an applied result for a lineage id.
func (s *Store) AddVersion(ctx context.Context, lineageID, resultURL string, failed bool) error {
	if lineageID == "" {
		return errors.New("lineage id required")
	}
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO versions (lineage_id, result_url, failed, created_at)
         SELECT lineage_id, ?, ?, ? FROM requests WHERE lineage_id = ?`,
		resultURL, boolToInt(failed), timestamp, lineageID,
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("unknown lineage id %s", lineageID)
	}
	return nil
}

// Entry summarizes one registered request with its latest version.
type Entry struct {
	LineageID    string
	ResourceKey  string
	Content      string
	Ordinal      int
	SourceTag    string
	CreatedAt    time.Time
	ResultURL    string
	Failed       bool
	VersionCount int
}

// History lists requests for a resource in discovery order, each with its
// most recent version. An empty resourceKey lists everything.
func (s *Store) History(ctx context.Context, resourceKey string) ([]Entry, error) {
	query := `
        SELECT r.lineage_id, r.resource_key, r.content, r.ordinal, r.source_tag, r.created_at,
               COALESCE(v.result_url, ''), COALESCE(v.failed, 0),
               (SELECT COUNT(*) FROM versions WHERE lineage_id = r.lineage_id)
        FROM requests r
        LEFT JOIN versions v ON v.id = (
            SELECT id FROM versions WHERE lineage_id = r.lineage_id ORDER BY id DESC LIMIT 1
        )`
	args := make([]any, 0, 1)
	if resourceKey != "" {
		query += " WHERE r.resource_key = ?"
		args = append(args, resourceKey)
	}
	query += " ORDER BY r.created_at, r.ordinal"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var createdAt string
		var failed int
		if err := rows.Scan(
			&entry.LineageID, &entry.ResourceKey, &entry.Content, &entry.Ordinal,
			&entry.SourceTag, &createdAt, &entry.ResultURL, &failed, &entry.VersionCount,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if parsed, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
			entry.CreatedAt = parsed
		}
		entry.Failed = failed != 0
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
