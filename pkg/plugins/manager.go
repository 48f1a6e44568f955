package plugins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// MetricsRecorder receives plugin lifecycle measurements.
type MetricsRecorder interface {
	InstallCompleted(outcome string, d time.Duration)
	Uninstalled(status string)
	SetLoaded(n int)
	LoaderOpened()
	LoaderClosed()
}

type noopRecorder struct{}

func (noopRecorder) InstallCompleted(string, time.Duration) {}
func (noopRecorder) Uninstalled(string)                     {}
func (noopRecorder) SetLoaded(int)                          {}
func (noopRecorder) LoaderOpened()                          {}
func (noopRecorder) LoaderClosed()                          {}

// Manager installs, replaces and uninstalls plugins.
type Manager struct {
	registry   *Registry
	hooks      HookResolver
	host       *HostModules
	discoverer *Discoverer
	metrics    MetricsRecorder
	log        *logrus.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(log *logrus.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithHost sets the host modules shared by every plugin.
func WithHost(h *HostModules) ManagerOption {
	return func(m *Manager) {
		m.host = h
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(rec MetricsRecorder) ManagerOption {
	return func(m *Manager) {
		if rec != nil {
			m.metrics = rec
		}
	}
}

// WithRegistry sets the registry the manager writes to.
func WithRegistry(r *Registry) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.registry = r
		}
	}
}

// NewManager creates a manager. hooks may be nil, in which case hook conflicts
// are never reported.
func NewManager(hooks HookResolver, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: NewRegistry(),
		hooks:    hooks,
		host:     NewHostModules(),
		metrics:  noopRecorder{},
		log:      logrus.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.discoverer = NewDiscoverer(m.log)
	return m
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// GetInstance returns the live instance for key.
func (m *Manager) GetInstance(key string) (*Instance, error) {
	return m.registry.GetInstance(key)
}

// GetLoader returns the loader for key.
func (m *Manager) GetLoader(key string) (IsolatedLoader, bool) {
	return m.registry.GetLoader(key)
}

// Keys returns the installed plugin keys.
func (m *Manager) Keys() []string {
	return m.registry.Keys()
}

// Install loads the package at path and makes its plugin live.
//
// A hook already claimed by another active plugin, or an existing plugin with the
// same key, yields OutcomeNeedsConfirmation unless force is set. With force the
// hook holder's record id is returned as Manifest.ReplaceTargetID and an existing
// plugin with the same key is replaced. Every exit that does not install releases
// the loader opened for this call.
func (m *Manager) Install(ctx context.Context, path string, force bool) (result *InstallResult, err error) {
	start := time.Now()
	defer func() {
		m.metrics.InstallCompleted(installOutcome(result, err), time.Since(start))
	}()

	log := m.log.WithFields(logrus.Fields{"path": path, "force": force})

	loader, err := OpenLoader(path,
		WithHostModules(m.host),
		WithLoaderLogger(m.log),
		WithCloseHook(m.metrics.LoaderClosed),
	)
	if err != nil {
		log.WithError(err).Error("Failed to open plugin package")
		return nil, err
	}
	m.metrics.LoaderOpened()

	live := false
	defer func() {
		if live {
			return
		}
		if uerr := loader.Unload(); uerr != nil {
			log.WithError(uerr).Warn("Failed to release plugin package")
		}
	}()

	ctx = WithActiveLoader(ctx, loader)
	restore := loader.Enter(ctx)
	defer restore()

	manifest, err := ReadManifest(loader)
	if err != nil {
		log.WithError(err).Error("Invalid plugin manifest")
		return nil, err
	}
	log = log.WithField("plugin", manifest.Key)

	if manifest.Hook != "" && m.hooks != nil {
		holder, err := m.hooks.LookupActiveByHook(ctx, manifest.Hook)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve hook %s: %w", manifest.Hook, err)
		}
		if holder != nil && holder.Key != manifest.Key {
			if !force {
				log.WithField("hook", manifest.Hook).Info("Hook already claimed, confirmation required")
				return needsConfirmation(manifest, ReasonHookConflict, fmt.Sprintf(
					"plugin %q already uses hook %q, installing will disable it", holder.Key, manifest.Hook)), nil
			}
			manifest.ReplaceTargetID = holder.ID
		}
	}

	typ, err := m.discoverer.Discover(loader)
	if err != nil {
		log.WithError(err).Error("Plugin discovery failed")
		return nil, err
	}

	confirm, err := m.register(ctx, manifest.Key, typ, loader, force)
	if err != nil {
		log.WithError(err).Error("Plugin registration failed")
		return nil, err
	}
	if confirm != nil {
		log.Info("Plugin key exists, confirmation required")
		return &InstallResult{Outcome: OutcomeNeedsConfirmation, Manifest: manifest, Confirmation: confirm}, nil
	}

	live = true
	log.WithField("type", typ.Name).Info("Installed plugin")
	return installed(manifest), nil
}

// register instantiates typ and publishes it under key together with loader.
// A superseded loader is unloaded once the swap is visible.
func (m *Manager) register(ctx context.Context, key string, typ *Type, loader IsolatedLoader, force bool) (*Confirmation, error) {
	unlock := m.registry.lock(key)
	defer unlock()

	if !force && m.registry.Has(key) {
		return &Confirmation{
			Code:    CodeNeedsConfirmation,
			Message: fmt.Sprintf("plugin %q already exists, reinstalling will overwrite it", key),
			Reason:  ReasonKeyExists,
		}, nil
	}

	inst, err := typ.instantiate(ctx, key)
	if err != nil {
		return nil, err
	}

	prevInst, prevLoader := m.registry.swap(key, inst, loader)
	m.metrics.SetLoaded(m.registry.Len())

	if prevLoader != nil && prevLoader != loader {
		if prevInst != nil {
			m.destroy(ctx, prevInst)
		}
		if err := prevLoader.Unload(); err != nil {
			m.log.WithError(err).WithField("plugin", key).Warn("Failed to release replaced plugin package")
		}
	}
	return nil, nil
}

// Uninstall removes the plugin registered under key and releases its package.
// Uninstalling an unknown key succeeds.
func (m *Manager) Uninstall(ctx context.Context, key string) (ok bool, err error) {
	if key == "" {
		return false, ErrInvalidKey
	}

	unlock := m.registry.lock(key)
	defer unlock()

	loader, found := m.registry.GetLoader(key)
	if !found && !m.registry.Has(key) {
		return true, nil
	}

	log := m.log.WithField("plugin", key)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrUninstallFailed, key, r)
		}
		if err != nil {
			log.WithError(err).Error("Failed to uninstall plugin")
			m.metrics.Uninstalled("error")
			ok = false
		} else {
			m.metrics.Uninstalled("ok")
		}
	}()

	if loader != nil {
		ctx = WithActiveLoader(ctx, loader)
		restore := loader.Enter(ctx)
		defer restore()
	}

	inst, _ := m.registry.remove(key)
	m.metrics.SetLoaded(m.registry.Len())

	if inst != nil {
		m.destroy(ctx, inst)
	}
	if loader != nil {
		if uerr := loader.Unload(); uerr != nil {
			return false, fmt.Errorf("%w: %s: %v", ErrUninstallFailed, key, uerr)
		}
	}

	log.Info("Uninstalled plugin")
	return true, nil
}

// destroy runs the instance's optional destroy hook. Failures are logged only.
func (m *Manager) destroy(ctx context.Context, inst *Instance) {
	if !inst.HasMethod("destroy") {
		return
	}
	if _, err := inst.Invoke(ctx, "destroy"); err != nil {
		m.log.WithError(err).WithField("plugin", inst.Key()).Warn("Plugin destroy hook failed")
	}
}

// Shutdown uninstalls every plugin.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, key := range m.registry.Keys() {
		if _, err := m.Uninstall(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func installOutcome(result *InstallResult, err error) string {
	switch {
	case err != nil:
		return "failed"
	case result == nil:
		return "unknown"
	default:
		return string(result.Outcome)
	}
}
