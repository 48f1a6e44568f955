// Package sqlstore persists plugin records in PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS plugins (
	id TEXT PRIMARY KEY,
	plugin_key TEXT NOT NULL UNIQUE,
	hook TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	version TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	author TEXT NOT NULL DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	package_path TEXT NOT NULL DEFAULT '',
	digest TEXT NOT NULL DEFAULT '',
	installed_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

const hookIndex = `CREATE INDEX IF NOT EXISTS idx_plugins_hook ON plugins (hook, enabled)`

const recordColumns = `id, plugin_key, hook, name, version, description, author, enabled, package_path, digest, installed_at, updated_at`

const upsertRecord = `INSERT INTO plugins (` + recordColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (plugin_key) DO UPDATE SET
	id = excluded.id,
	hook = excluded.hook,
	name = excluded.name,
	version = excluded.version,
	description = excluded.description,
	author = excluded.author,
	enabled = excluded.enabled,
	package_path = excluded.package_path,
	digest = excluded.digest,
	installed_at = excluded.installed_at,
	updated_at = excluded.updated_at`

// Store implements storage.Store on database/sql
type Store struct {
	db *sql.DB
}

// New wraps db. Call Migrate before first use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the plugins table and its indexes
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create plugins table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, hookIndex); err != nil {
		return fmt.Errorf("failed to create hook index: %w", err)
	}
	return nil
}

// DB returns the underlying pool
func (s *Store) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*storage.Record, error) {
	var rec storage.Record
	err := row.Scan(
		&rec.ID, &rec.Key, &rec.Hook, &rec.Name, &rec.Version, &rec.Description, &rec.Author,
		&rec.Enabled, &rec.PackagePath, &rec.Digest, &rec.InstalledAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save implements storage.Store.Save
func (s *Store) Save(ctx context.Context, rec *storage.Record) (*storage.Record, error) {
	if rec == nil || rec.Key == "" {
		return nil, fmt.Errorf("record key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	prev, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM plugins WHERE plugin_key = $1`, rec.Key))
	if errors.Is(err, sql.ErrNoRows) {
		prev, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load existing record: %w", err)
	}

	_, err = tx.ExecContext(ctx, upsertRecord,
		rec.ID, rec.Key, rec.Hook, rec.Name, rec.Version, rec.Description, rec.Author,
		rec.Enabled, rec.PackagePath, rec.Digest, rec.InstalledAt, rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit record: %w", err)
	}
	return prev, nil
}

// GetByKey implements storage.Store.GetByKey
func (s *Store) GetByKey(ctx context.Context, key string) (*storage.Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM plugins WHERE plugin_key = $1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plugin record %s: %w", key, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// List implements storage.Store.List
func (s *Store) List(ctx context.Context) ([]*storage.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM plugins ORDER BY plugin_key`)
}

// ListEnabled implements storage.Store.ListEnabled
func (s *Store) ListEnabled(ctx context.Context) ([]*storage.Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM plugins WHERE enabled = $1 ORDER BY plugin_key`, true)
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*storage.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*storage.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return out, nil
}

// SetEnabled implements storage.Store.SetEnabled
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plugins SET enabled = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("plugin record id %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// DeleteByKey implements storage.Store.DeleteByKey
func (s *Store) DeleteByKey(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE plugin_key = $1`, key); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// LookupActiveByHook implements plugins.HookResolver
func (s *Store) LookupActiveByHook(ctx context.Context, hook string) (*plugins.PluginRecord, error) {
	var rec plugins.PluginRecord
	err := s.db.QueryRowContext(ctx,
		`SELECT id, plugin_key, hook FROM plugins WHERE hook = $1 AND enabled = $2 ORDER BY plugin_key LIMIT 1`,
		hook, true,
	).Scan(&rec.ID, &rec.Key, &rec.Hook)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up hook %s: %w", hook, err)
	}
	return &rec, nil
}

// Close implements storage.Store.Close
func (s *Store) Close() error {
	return s.db.Close()
}
