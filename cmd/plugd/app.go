package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugd/pkg/api"
	"github.com/platinummonkey/plugd/pkg/config"
	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/platinummonkey/plugd/pkg/httputil"
	"github.com/platinummonkey/plugd/pkg/installer"
	"github.com/platinummonkey/plugd/pkg/observability"
	"github.com/platinummonkey/plugd/pkg/plugins"
	"github.com/platinummonkey/plugd/pkg/storage"
	"github.com/platinummonkey/plugd/pkg/storage/sqlstore"
)

// app holds the wired components of a plugd node
type app struct {
	cfg      *config.Config
	log      *logrus.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	db       *sql.DB
	store    storage.Store
	packages storage.PackageStore
	redis    *redis.Client
	bus      *events.RedisBus

	manager *plugins.Manager
	service *installer.Service
	handler http.Handler
}

func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*app, error) {
	a := &app{
		cfg:      cfg,
		log:      log,
		registry: prometheus.NewRegistry(),
	}
	a.metrics = observability.NewMetrics(a.registry)

	store, db, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.db = db
	a.store = storage.Instrument(store, a.metrics, cfg.Storage.Type)

	a.packages, err = openPackages(ctx, cfg.Storage)
	if err != nil {
		a.store.Close()
		return nil, err
	}

	publishers := []events.Publisher{events.NewLogPublisher(log)}
	if cfg.Events.RedisURL != "" {
		opts, err := cfg.Events.RedisOptions()
		if err != nil {
			a.store.Close()
			return nil, err
		}
		a.redis = redis.NewClient(opts)
		a.bus = events.NewRedisBus(a.redis, cfg.Events.Channel, cfg.Events.NodeID, log)
		publishers = append(publishers, a.bus)
	}

	a.manager = plugins.NewManager(a.store, plugins.WithLogger(log), plugins.WithMetrics(a.metrics))

	a.service, err = installer.NewService(installer.Config{
		WorkDir:          cfg.Installer.WorkDir,
		RestoreWorkers:   cfg.Installer.RestoreWorkers,
		InspectCacheSize: cfg.Installer.InspectCacheSize,
		InspectCacheTTL:  cfg.Installer.InspectCacheTTL,
	}, a.manager, a.store, a.packages,
		installer.WithPublisher(events.NewMultiPublisher(a.metrics, publishers...)),
		installer.WithLogger(log))
	if err != nil {
		a.close()
		return nil, err
	}

	a.handler = a.routes()
	return a, nil
}

func (a *app) routes() http.Handler {
	router := mux.NewRouter()
	if a.cfg.Observability.MetricsEnabled {
		router.Use(observability.HTTPMetricsMiddleware(a.metrics))
		observability.RegisterMetricsEndpoint(router, a.registry)
	}

	checker := observability.NewHealthChecker(a.db, a.redis).
		WithPluginCount(func() int { return len(a.manager.Keys()) }).
		WithVersion(version)
	observability.RegisterHealthRoutes(router, checker)

	api.NewServer(a.service,
		api.WithRouter(router),
		api.WithLogger(a.log),
		api.WithMaxUploadBytes(a.cfg.Server.MaxUploadBytes))

	return httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(a.log),
		httputil.LoggingMiddleware(a.log),
	)(router)
}

func (a *app) httpServer() *http.Server {
	s := a.cfg.Server
	return &http.Server{
		Addr:         net.JoinHostPort(s.Host, s.Port),
		Handler:      a.handler,
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
		IdleTimeout:  s.IdleTimeout,
	}
}

func (a *app) close() error {
	var err error
	if a.manager != nil {
		err = a.manager.Shutdown(context.Background())
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// openStore opens the record store. The returned *sql.DB is nil for the
// memory backend.
func openStore(ctx context.Context, cfg storage.Config) (storage.Store, *sql.DB, error) {
	var conn sqlstore.ConnectionConfig
	switch cfg.Type {
	case "memory":
		return storage.NewMemoryStore(), nil, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		conn = sqlstore.ConnectionConfig{
			Driver: sqlstore.DriverSQLite,
			DSN:    fmt.Sprintf("file:%s?_busy_timeout=5000", cfg.SQLitePath),
		}
	case "postgres":
		conn = sqlstore.ConnectionConfig{
			Driver:   sqlstore.DriverPostgres,
			DSN:      cfg.PostgresURL,
			MaxConns: cfg.PostgresMaxConns,
			MinConns: cfg.PostgresMinConns,
			Timeout:  cfg.PostgresTimeout,
		}
	default:
		return nil, nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}

	db, err := sqlstore.Connect(ctx, conn)
	if err != nil {
		return nil, nil, err
	}
	store := sqlstore.New(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store, db, nil
}

func openPackages(ctx context.Context, cfg storage.Config) (storage.PackageStore, error) {
	switch cfg.PackageType {
	case "filesystem":
		return storage.NewFileSystemPackageStore(cfg.FilesystemRoot)
	case "s3":
		return storage.NewS3PackageStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported package store: %s", cfg.PackageType)
	}
}
