// Package installer drives the plugin manager from every install trigger
// (HTTP uploads, the drop directory, boot-time restore and reconcile) and keeps
// the persisted records, archived packages and live registry in step.
package installer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/storage"
)

// Config configures the installer service
type Config struct {
	// WorkDir holds the package files backing live loaders.
	WorkDir string
	// RestoreWorkers bounds parallel installs during Restore.
	RestoreWorkers int
	// InspectCacheSize and InspectCacheTTL size the manifest inspection cache.
	InspectCacheSize int
	InspectCacheTTL  time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		WorkDir:          filepath.Join(os.TempDir(), "plugd"),
		RestoreWorkers:   4,
		InspectCacheSize: 128,
		InspectCacheTTL:  10 * time.Minute,
	}
}

// Service installs and removes plugins
type Service struct {
	cfg       Config
	manager   *plugins.Manager
	store     storage.Store
	packages  storage.PackageStore
	publisher events.Publisher
	inspected *lru.LRU[string, *plugins.Manifest]
	log       *logrus.Logger

	// active maps a live plugin key to the record id backing it
	active sync.Map

	reconcileMu sync.Mutex
}

// Option configures a Service
type Option func(*Service)

// WithPublisher sets the lifecycle event publisher
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithLogger sets the logger
func WithLogger(log *logrus.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService creates an installer service
func NewService(cfg Config, manager *plugins.Manager, store storage.Store, packages storage.PackageStore, opts ...Option) (*Service, error) {
	def := DefaultConfig()
	if cfg.WorkDir == "" {
		cfg.WorkDir = def.WorkDir
	}
	if cfg.RestoreWorkers <= 0 {
		cfg.RestoreWorkers = def.RestoreWorkers
	}
	if cfg.InspectCacheSize <= 0 {
		cfg.InspectCacheSize = def.InspectCacheSize
	}
	if cfg.InspectCacheTTL <= 0 {
		cfg.InspectCacheTTL = def.InspectCacheTTL
	}

	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	s := &Service{
		cfg:       cfg,
		manager:   manager,
		store:     store,
		packages:  packages,
		publisher: events.Discard,
		inspected: lru.NewLRU[string, *plugins.Manifest](cfg.InspectCacheSize, nil, cfg.InspectCacheTTL),
		log:       logrus.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func packageName(recordID string) string {
	return recordID + ".zip"
}

func (s *Service) workPath(recordID string) string {
	return filepath.Join(s.cfg.WorkDir, packageName(recordID))
}

// stage copies content into the work directory and returns its sha256 digest
func (s *Service) stage(path string, content io.Reader) (string, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to stage package: %w", err)
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(f, h), content); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to stage package: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to stage package: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Install stages content, hands it to the plugin manager and, when the plugin
// went live, archives the package and persists its record. A confirmation
// outcome changes nothing.
func (s *Service) Install(ctx context.Context, source string, content io.Reader, force bool) (*plugins.InstallResult, error) {
	id := uuid.NewString()
	staged := s.workPath(id)
	log := s.log.WithFields(logrus.Fields{"source": source, "record": id})

	digest, err := s.stage(staged, content)
	if err != nil {
		return nil, err
	}

	result, err := s.manager.Install(ctx, staged, force)
	if err != nil || !result.Installed() {
		os.Remove(staged)
		return result, err
	}

	manifest := result.Manifest
	if err := s.persist(ctx, id, digest, staged, manifest); err != nil {
		log.WithError(err).Error("Failed to persist plugin, rolling back")
		s.rollback(ctx, manifest.Key, log)
		os.Remove(staged)
		return nil, err
	}

	log.WithFields(logrus.Fields{"plugin": manifest.Key, "hook": manifest.Hook}).Info("Plugin installed")
	return result, nil
}

// rollback unloads a plugin whose record could not be saved and reloads the
// record that was live under the same key before it, if any.
func (s *Service) rollback(ctx context.Context, key string, log logrus.FieldLogger) {
	if _, err := s.manager.Uninstall(ctx, key); err != nil {
		log.WithError(err).Error("Failed to roll back plugin")
		return
	}
	if _, ok := s.active.Load(key); !ok {
		return
	}

	rec, err := s.store.GetByKey(ctx, key)
	if err == nil {
		err = s.restore(ctx, rec)
	}
	if err != nil {
		s.active.Delete(key)
		log.WithError(err).WithField("plugin", key).Warn("Previous plugin could not be reloaded, key is down until reconcile")
	}
}

// InstallFile installs the package at path
func (s *Service) InstallFile(ctx context.Context, path string, force bool) (*plugins.InstallResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", plugins.ErrPackageUnreadable, path, err)
	}
	defer f.Close()

	return s.Install(ctx, filepath.Base(path), f, force)
}

func (s *Service) persist(ctx context.Context, id, digest, staged string, manifest *plugins.Manifest) error {
	f, err := os.Open(staged)
	if err != nil {
		return fmt.Errorf("failed to open staged package: %w", err)
	}
	err = s.packages.Put(ctx, packageName(id), f)
	f.Close()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec := &storage.Record{
		ID:          id,
		Key:         manifest.Key,
		Hook:        manifest.Hook,
		Name:        manifest.Name,
		Version:     manifest.Version,
		Description: manifest.Description,
		Author:      manifest.Author,
		Enabled:     true,
		PackagePath: packageName(id),
		Digest:      digest,
		InstalledAt: now,
		UpdatedAt:   now,
	}

	prev, err := s.store.Save(ctx, rec)
	if err != nil {
		s.packages.Delete(ctx, packageName(id))
		return err
	}
	s.active.Store(rec.Key, rec.ID)

	eventType := events.EventPluginInstalled
	if prev != nil {
		eventType = events.EventPluginReplaced
		s.discardPackage(ctx, prev)
	}

	if manifest.ReplaceTargetID != "" {
		s.disable(ctx, manifest.ReplaceTargetID)
	}

	s.publish(ctx, eventType, rec)
	return nil
}

// disable deactivates the record that held a hook taken over by a forced
// install and unloads its plugin.
func (s *Service) disable(ctx context.Context, recordID string) {
	log := s.log.WithField("record", recordID)
	if err := s.store.SetEnabled(ctx, recordID, false); err != nil {
		log.WithError(err).Warn("Failed to disable replaced plugin")
		return
	}

	recs, err := s.store.List(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to look up replaced plugin")
		return
	}
	for _, rec := range recs {
		if rec.ID != recordID {
			continue
		}
		s.unload(ctx, rec.Key)
		s.publish(ctx, events.EventPluginDisabled, rec)
		return
	}
}

// unload removes the live plugin for key and its work file
func (s *Service) unload(ctx context.Context, key string) error {
	if _, err := s.manager.Uninstall(ctx, key); err != nil {
		return err
	}
	if id, ok := s.active.LoadAndDelete(key); ok {
		os.Remove(s.workPath(id.(string)))
	}
	return nil
}

func (s *Service) discardPackage(ctx context.Context, rec *storage.Record) {
	if err := s.packages.Delete(ctx, rec.PackagePath); err != nil {
		s.log.WithError(err).WithField("record", rec.ID).Warn("Failed to delete superseded package")
	}
	os.Remove(s.workPath(rec.ID))
}

func (s *Service) publish(ctx context.Context, typ events.EventType, rec *storage.Record) {
	event := events.NewEvent(typ, rec.Key)
	event.Hook = rec.Hook
	event.RecordID = rec.ID
	event.Version = rec.Version
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.log.WithError(err).WithField("event", typ).Warn("Failed to publish event")
	}
}

// Uninstall removes the plugin, its record and its archived package.
// Unknown keys succeed.
func (s *Service) Uninstall(ctx context.Context, key string) error {
	if key == "" {
		return plugins.ErrInvalidKey
	}
	if err := s.unload(ctx, key); err != nil {
		return err
	}

	rec, err := s.store.GetByKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.DeleteByKey(ctx, key); err != nil {
		return err
	}
	s.discardPackage(ctx, rec)
	s.publish(ctx, events.EventPluginUninstalled, rec)
	return nil
}

// Get returns the persisted record for key
func (s *Service) Get(ctx context.Context, key string) (*storage.Record, error) {
	return s.store.GetByKey(ctx, key)
}

// List returns every persisted record
func (s *Service) List(ctx context.Context) ([]*storage.Record, error) {
	return s.store.List(ctx)
}

// Live reports whether key has a live instance
func (s *Service) Live(key string) bool {
	_, ok := s.manager.GetLoader(key)
	return ok
}

// Invoke calls method on the live plugin registered under key
func (s *Service) Invoke(ctx context.Context, key, method string, args ...interface{}) ([]interface{}, error) {
	inst, err := s.manager.GetInstance(key)
	if err != nil {
		return nil, err
	}
	return inst.Invoke(ctx, method, args...)
}

// Inspect reads the manifest of a package without installing it. Results are
// cached by content digest.
func (s *Service) Inspect(ctx context.Context, content io.Reader) (*plugins.Manifest, error) {
	tmp := filepath.Join(s.cfg.WorkDir, "inspect-"+uuid.NewString()+".zip")
	digest, err := s.stage(tmp, content)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	if manifest, ok := s.inspected.Get(digest); ok {
		return manifest, nil
	}

	manifest, err := s.readManifest(tmp)
	if err != nil {
		return nil, err
	}
	s.inspected.Add(digest, manifest)
	return manifest, nil
}

func (s *Service) readManifest(path string) (*plugins.Manifest, error) {
	loader, err := plugins.OpenLoader(path, plugins.WithLoaderLogger(s.log))
	if err != nil {
		return nil, err
	}
	defer loader.Unload()

	return plugins.ReadManifest(loader)
}

// Restore installs every enabled record. Failures are logged and joined; one
// bad package does not stop the others.
func (s *Service) Restore(ctx context.Context) error {
	recs, err := s.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list plugins: %w", err)
	}

	var mu sync.Mutex
	var errs []error

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(s.cfg.RestoreWorkers)
	for _, rec := range recs {
		rec := rec
		eg.Go(func() error {
			if err := s.restore(ctx, rec); err != nil {
				s.log.WithError(err).WithField("plugin", rec.Key).Error("Failed to restore plugin")
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", rec.Key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()

	s.log.WithField("count", len(recs)-len(errs)).Info("Restored plugins")
	return errors.Join(errs...)
}

func (s *Service) restore(ctx context.Context, rec *storage.Record) error {
	path := s.workPath(rec.ID)
	if _, err := os.Stat(path); err != nil {
		rc, err := s.packages.Get(ctx, rec.PackagePath)
		if err != nil {
			return err
		}
		_, err = s.stage(path, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}

	// the install below is forced, so a foreign key must never reach it
	manifest, err := s.readManifest(path)
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("restore of %s: %w", rec.Key, err)
	}
	if manifest.Key != rec.Key {
		os.Remove(path)
		return fmt.Errorf("package for %s declares key %s", rec.Key, manifest.Key)
	}

	result, err := s.manager.Install(ctx, path, true)
	if err != nil {
		os.Remove(path)
		return err
	}
	if !result.Installed() {
		os.Remove(path)
		return fmt.Errorf("restore of %s was not confirmed: %s", rec.Key, result.Confirmation.Message)
	}

	if prev, ok := s.active.Swap(rec.Key, rec.ID); ok && prev.(string) != rec.ID {
		os.Remove(s.workPath(prev.(string)))
	}
	return nil
}

// Reconcile brings the live registry in line with the enabled records: plugins
// without an enabled record are unloaded and enabled records that are missing or
// stale are installed.
func (s *Service) Reconcile(ctx context.Context) error {
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	recs, err := s.store.ListEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to list plugins: %w", err)
	}

	want := make(map[string]*storage.Record, len(recs))
	for _, rec := range recs {
		want[rec.Key] = rec
	}

	var errs []error
	for _, key := range s.manager.Keys() {
		if _, ok := want[key]; ok {
			continue
		}
		if err := s.unload(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}

	for _, rec := range recs {
		if id, ok := s.active.Load(rec.Key); ok && id.(string) == rec.ID && s.Live(rec.Key) {
			continue
		}
		if err := s.restore(ctx, rec); err != nil {
			s.log.WithError(err).WithField("plugin", rec.Key).Error("Failed to reconcile plugin")
			errs = append(errs, fmt.Errorf("%s: %w", rec.Key, err))
		}
	}
	return errors.Join(errs...)
}
