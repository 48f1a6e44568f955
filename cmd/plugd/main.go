package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugd/pkg/async"
	"github.com/platinummonkey/plugd/pkg/config"
	"github.com/platinummonkey/plugd/pkg/events"
	"github.com/platinummonkey/plugd/pkg/observability"
	"github.com/platinummonkey/plugd/pkg/watcher"
)

var version = "dev"

const reconcileTimeout = 5 * time.Minute

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (same as PLUGD_CONFIG)")
	flag.Parse()

	if *configPath != "" {
		os.Setenv("PLUGD_CONFIG", *configPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err != nil {
		logrus.Fatalf("Failed to create logger: %v", err)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("plugd stopped with errors")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}

	if err := a.service.Restore(ctx); err != nil {
		log.WithError(err).Warn("Some plugins could not be restored")
	}

	server := a.httpServer()
	shutdown := observability.NewShutdownManager(log, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("background", func(context.Context) error {
		cancel()
		return nil
	})

	if cfg.Watcher.Dir != "" {
		w := watcher.New(watcher.Config{
			Dir:      cfg.Watcher.Dir,
			Force:    cfg.Watcher.Force,
			Debounce: cfg.Watcher.Debounce,
		}, a.service, log)
		if err := w.Start(ctx); err != nil {
			a.close()
			return err
		}
		shutdown.Register("watcher", func(context.Context) error {
			w.Stop()
			return nil
		})
	}

	reconcile := async.NewCoalescer(ctx, log, reconcileTimeout, "reconcile", a.service.Reconcile)
	shutdown.Register("reconcile", func(context.Context) error {
		reconcile.Wait()
		return nil
	})

	if schedule := cfg.Scheduler.ReconcileSchedule; schedule != "" {
		c := cron.New()
		if _, err := c.AddFunc(schedule, reconcile.Trigger); err != nil {
			a.close()
			return err
		}
		c.Start()
		log.WithField("schedule", schedule).Info("Reconcile scheduled")
		shutdown.Register("scheduler", func(ctx context.Context) error {
			select {
			case <-c.Stop().Done():
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	if a.bus != nil {
		err := a.bus.Subscribe(ctx, func(_ context.Context, e events.Event) {
			log.WithFields(logrus.Fields{"event": e.Type, "plugin": e.Key, "origin": e.Origin}).
				Debug("Peer event received")
			reconcile.Trigger()
		})
		if err != nil {
			log.WithError(err).Warn("Failed to subscribe to plugin events, relying on scheduled reconcile")
		}
	}

	shutdown.Register("plugins", a.manager.Shutdown)
	if a.redis != nil {
		shutdown.Register("redis", func(context.Context) error { return a.redis.Close() })
	}
	shutdown.Register("store", func(context.Context) error { return a.store.Close() })

	go func() {
		defer observability.RecoverPanic(log, "http server")
		log.WithFields(logrus.Fields{"addr": server.Addr, "version": version}).Info("Starting plugd")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("HTTP server failed")
			cancel()
		}
	}()

	return shutdown.WaitForShutdown(ctx)
}
