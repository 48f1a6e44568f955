// Package observability provides logging, Prometheus metrics, health checks and
// graceful shutdown for plugd.
//
// # Logging
//
//	log, err := observability.NewLogger("info", observability.FormatJSON, os.Stdout)
//
// # Metrics
//
// Metrics implements the plugin lifecycle recorder, so the open package gauge
// tracks every loader the plugin manager opens and releases:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	mgr := plugins.NewManager(store, plugins.WithMetrics(metrics))
//	router.Use(observability.HTTPMetricsMiddleware(metrics))
//	observability.RegisterMetricsEndpoint(router, registry)
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient).WithPluginCount(func() int {
//		return len(mgr.Keys())
//	})
//	observability.RegisterHealthRoutes(router, checker)
package observability
