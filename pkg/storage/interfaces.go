package storage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// ErrNotFound is returned when a record or package does not exist.
var ErrNotFound = errors.New("not found")

// Record is the persisted state of an installed plugin.
type Record struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Hook        string    `json:"hook,omitempty"`
	Name        string    `json:"name,omitempty"`
	Version     string    `json:"version,omitempty"`
	Description string    `json:"description,omitempty"`
	Author      string    `json:"author,omitempty"`
	Enabled     bool      `json:"enabled"`
	PackagePath string    `json:"packagePath"`
	Digest      string    `json:"digest"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PluginRecord returns the view used for hook resolution.
func (r *Record) PluginRecord() *plugins.PluginRecord {
	return &plugins.PluginRecord{ID: r.ID, Key: r.Key, Hook: r.Hook}
}

// Store persists plugin records. It answers hook lookups for the plugin manager.
type Store interface {
	plugins.HookResolver

	// Save inserts rec, or replaces the record with the same key. The replaced
	// record is returned, nil when the key was new.
	Save(ctx context.Context, rec *Record) (*Record, error)
	// GetByKey returns the record for key or ErrNotFound.
	GetByKey(ctx context.Context, key string) (*Record, error)
	// List returns all records ordered by key.
	List(ctx context.Context) ([]*Record, error)
	// ListEnabled returns the enabled records ordered by key.
	ListEnabled(ctx context.Context) ([]*Record, error)
	// SetEnabled flips the enabled flag of the record with id.
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// DeleteByKey removes the record for key. Missing keys are not an error.
	DeleteByKey(ctx context.Context, key string) error
	// Close releases the store.
	Close() error
}

// PackageStore keeps durable copies of plugin package archives.
type PackageStore interface {
	Put(ctx context.Context, name string, content io.Reader) error
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, name string) error
}

// Config for storage backends
type Config struct {
	Type string `yaml:"type"` // "memory", "sqlite", "postgres"

	// SQLite config
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL config
	PostgresURL      string        `yaml:"postgresUrl"`
	PostgresMaxConns int           `yaml:"postgresMaxConns"`
	PostgresMinConns int           `yaml:"postgresMinConns"`
	PostgresTimeout  time.Duration `yaml:"postgresTimeout"`

	// Package archive config
	PackageType    string `yaml:"packageType"` // "filesystem", "s3"
	FilesystemRoot string `yaml:"filesystemRoot"`

	// S3 config
	S3Endpoint     string `yaml:"s3Endpoint"`
	S3Region       string `yaml:"s3Region"`
	S3Bucket       string `yaml:"s3Bucket"`
	S3Prefix       string `yaml:"s3Prefix"`
	S3AccessKey    string `yaml:"s3AccessKey"`
	S3SecretKey    string `yaml:"s3SecretKey"`
	S3UsePathStyle bool   `yaml:"s3UsePathStyle"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "sqlite",
		SQLitePath:       "/var/lib/plugd/plugd.db",
		PostgresMaxConns: 10,
		PostgresMinConns: 2,
		PostgresTimeout:  5 * time.Second,
		PackageType:      "filesystem",
		FilesystemRoot:   "/var/lib/plugd/archive",
		S3Region:         "us-east-1",
		S3Prefix:         "packages/",
	}
}
