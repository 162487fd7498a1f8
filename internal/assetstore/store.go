// Package assetstore persists AudioAsset records in SQLite, keyed uniquely
// by NarrationItem id. It is the single shared mutable resource between the
// batch and single-item generation paths; writes are last-writer-wins.
package assetstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhuiye8/narration-service/internal/core"
)

const dirPermissions = 0o750

const schema = `
CREATE TABLE IF NOT EXISTS audio_assets (
	item_id          TEXT PRIMARY KEY,
	file_path        TEXT NOT NULL DEFAULT '',
	public_url       TEXT NOT NULL DEFAULT '',
	format           TEXT NOT NULL DEFAULT '',
	file_size        INTEGER NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	content_hash     TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'none',
	last_error       TEXT NOT NULL DEFAULT '',
	generated_at     DATETIME,
	updated_at       DATETIME NOT NULL
);
`

const assetColumns = `item_id, file_path, public_url, format, file_size,
	duration_seconds, content_hash, status, last_error, generated_at, updated_at`

// Store is a SQLite-backed implementation of core.AssetStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the asset database at the given path
// and prepares the schema. WAL mode and a busy timeout are enabled so the
// batch and single-item paths can share the store.
func Open(databasePath string) (*Store, error) {
	mkdirErr := os.MkdirAll(filepath.Dir(databasePath), dirPermissions)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", mkdirErr)
	}

	db, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open asset database: %w", err)
	}

	pingErr := db.Ping()
	if pingErr != nil {
		return nil, fmt.Errorf("failed to ping asset database: %w", pingErr)
	}

	_, pragmaErr := db.Exec(`
		PRAGMA busy_timeout = 5000;
		PRAGMA journal_mode = WAL;
	`)
	if pragmaErr != nil {
		return nil, fmt.Errorf("failed to set database pragmas: %w", pragmaErr)
	}

	_, schemaErr := db.Exec(schema)
	if schemaErr != nil {
		return nil, fmt.Errorf("failed to initialize asset schema: %w", schemaErr)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close asset database: %w", err)
	}

	return nil
}

// Upsert inserts or replaces the asset record for its item id.
func (s *Store) Upsert(ctx context.Context, asset core.AudioAsset) error {
	query := `
	INSERT INTO audio_assets (` + assetColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(item_id) DO UPDATE SET
		file_path = excluded.file_path,
		public_url = excluded.public_url,
		format = excluded.format,
		file_size = excluded.file_size,
		duration_seconds = excluded.duration_seconds,
		content_hash = excluded.content_hash,
		status = excluded.status,
		last_error = excluded.last_error,
		generated_at = excluded.generated_at,
		updated_at = excluded.updated_at`

	updatedAt := asset.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	var generatedAt any
	if !asset.GeneratedAt.IsZero() {
		generatedAt = asset.GeneratedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		asset.ItemID, asset.FilePath, asset.PublicURL, asset.Format,
		asset.FileSize, asset.DurationSeconds, asset.ContentHash,
		string(asset.Status), asset.LastError, generatedAt, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert asset for item %s: %w", asset.ItemID, err)
	}

	return nil
}

// Get returns the asset record for an item id, or nil when none exists.
func (s *Store) Get(ctx context.Context, itemID string) (*core.AudioAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM audio_assets WHERE item_id = ?`

	asset, err := scanAsset(s.db.QueryRowContext(ctx, query, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read asset for item %s: %w", itemID, err)
	}

	return asset, nil
}

// Delete removes the asset record for an item id. Deleting an absent
// record is not an error.
func (s *Store) Delete(ctx context.Context, itemID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM audio_assets WHERE item_id = ?`, itemID)
	if err != nil {
		return fmt.Errorf("failed to delete asset for item %s: %w", itemID, err)
	}

	return nil
}

// List returns every asset record ordered by item id.
func (s *Store) List(ctx context.Context) ([]core.AudioAsset, error) {
	query := `SELECT ` + assetColumns + ` FROM audio_assets ORDER BY item_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	defer rows.Close()

	var assets []core.AudioAsset

	for rows.Next() {
		asset, scanErr := scanAsset(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan asset row: %w", scanErr)
		}

		assets = append(assets, *asset)
	}

	rowsErr := rows.Err()
	if rowsErr != nil {
		return nil, fmt.Errorf("failed while iterating assets: %w", rowsErr)
	}

	return assets, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*core.AudioAsset, error) {
	var (
		asset       core.AudioAsset
		status      string
		generatedAt sql.NullTime
	)

	err := row.Scan(&asset.ItemID, &asset.FilePath, &asset.PublicURL,
		&asset.Format, &asset.FileSize, &asset.DurationSeconds,
		&asset.ContentHash, &status, &asset.LastError,
		&generatedAt, &asset.UpdatedAt)
	if err != nil {
		return nil, err
	}

	asset.Status = core.AssetStatus(status)
	if generatedAt.Valid {
		asset.GeneratedAt = generatedAt.Time
	}

	return &asset, nil
}
