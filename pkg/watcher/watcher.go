// Package watcher installs plugin packages dropped into a directory.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/plugd/pkg/plugins"
)

// RejectedSuffix is appended to packages that could not be installed
const RejectedSuffix = ".rejected"

// Installer installs a package file
type Installer interface {
	InstallFile(ctx context.Context, path string, force bool) (*plugins.InstallResult, error)
}

// Config configures the drop directory watcher
type Config struct {
	Dir      string
	Force    bool
	Debounce time.Duration
}

// Watcher installs *.zip files that appear in a directory. Installed packages
// are removed from the directory; packages that fail or need confirmation are
// renamed with RejectedSuffix.
type Watcher struct {
	cfg       Config
	installer Installer
	log       *logrus.Logger

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	debounce map[string]*time.Timer
	wg       sync.WaitGroup
}

// New creates a watcher; nil logger uses logrus.New()
func New(cfg Config, installer Installer, log *logrus.Logger) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if log == nil {
		log = logrus.New()
	}
	return &Watcher{
		cfg:       cfg,
		installer: installer,
		log:       log,
		debounce:  make(map[string]*time.Timer),
	}
}

// Start installs packages already present and then watches for new ones until
// ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create drop directory: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(w.cfg.Dir); err != nil {
		fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.cfg.Dir, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.watcher = fw
	w.cancel = cancel
	w.mu.Unlock()

	w.scan(ctx)

	w.wg.Add(1)
	go w.loop(ctx, fw)

	w.log.WithField("dir", w.cfg.Dir).Info("Watching drop directory")
	return nil
}

// Stop ends watching and waits for in-flight installs
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
	for path, timer := range w.debounce {
		if timer.Stop() {
			w.wg.Done()
		}
		delete(w.debounce, path)
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		w.log.WithError(err).Warn("Failed to scan drop directory")
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isPackage(e.Name()) {
			continue
		}
		w.process(ctx, filepath.Join(w.cfg.Dir, e.Name()))
	}
}

func (w *Watcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !isPackage(event.Name) {
				continue
			}
			w.schedule(ctx, event.Name)
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Watcher error")
		}
	}
}

// schedule processes path once writes to it have settled
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.debounce[path]; ok && timer.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.debounce[path] = time.AfterFunc(w.cfg.Debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.debounce, path)
		w.mu.Unlock()
		w.process(ctx, path)
	})
}

func (w *Watcher) process(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := os.Stat(path); err != nil {
		return
	}

	log := w.log.WithField("path", path)
	result, err := w.installer.InstallFile(ctx, path, w.cfg.Force)
	switch {
	case err != nil:
		log.WithError(err).Error("Failed to install dropped package")
		w.reject(path)
	case !result.Installed():
		log.WithField("reason", result.Confirmation.Reason).Warn(result.Confirmation.Message)
		w.reject(path)
	default:
		log.WithField("plugin", result.Manifest.Key).Info("Installed dropped package")
		if err := os.Remove(path); err != nil {
			log.WithError(err).Warn("Failed to remove installed package")
		}
	}
}

func (w *Watcher) reject(path string) {
	if err := os.Rename(path, path+RejectedSuffix); err != nil {
		w.log.WithError(err).WithField("path", path).Warn("Failed to mark package rejected")
	}
}

func isPackage(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".zip")
}
