package plugins

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the plugin runtime.
var (
	// ErrPackageUnreadable is returned when a package archive cannot be opened.
	ErrPackageUnreadable = errors.New("plugin package unreadable")
	// ErrMissingManifest is returned when a package carries no plugin.json or plugin.yaml.
	ErrMissingManifest = errors.New("plugin manifest missing")
	// ErrInvalidManifest is returned when the manifest cannot be parsed.
	ErrInvalidManifest = errors.New("plugin manifest invalid")
	// ErrMissingKey is returned when the manifest has no key.
	ErrMissingKey = errors.New("plugin key missing")
	// ErrNoPluginFound is returned when a package has no entry point.
	ErrNoPluginFound = errors.New("no plugin entry point found")
	// ErrMultiplePluginsFound is returned when a package has more than one entry point.
	ErrMultiplePluginsFound = errors.New("multiple plugin entry points found")
	// ErrInstantiationFailed is returned when the entry point cannot be constructed.
	ErrInstantiationFailed = errors.New("plugin instantiation failed")
	// ErrUninstallFailed is returned when a plugin's resources cannot be released.
	ErrUninstallFailed = errors.New("plugin uninstall failed")
	// ErrPluginNotFound is returned when no plugin is registered under a key.
	ErrPluginNotFound = errors.New("plugin not found")
	// ErrInvalidKey is returned for an empty plugin key.
	ErrInvalidKey = errors.New("invalid plugin key")
	// ErrClassNotFound is returned when a module resolves neither from the package nor the host.
	ErrClassNotFound = errors.New("module not found")
	// ErrResourceNotFound is returned when a package has no entry with the requested name.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrLoaderClosed is returned by a loader after Unload.
	ErrLoaderClosed = errors.New("loader is closed")
	// ErrMethodNotFound is returned when an instance does not define the invoked method.
	ErrMethodNotFound = errors.New("method not found")
)

// ClassNotFoundError names the module that could not be resolved.
type ClassNotFoundError struct {
	Name string
}

func (e *ClassNotFoundError) Error() string {
	return fmt.Sprintf("module %q not found", e.Name)
}

// Is reports ErrClassNotFound equivalence.
func (e *ClassNotFoundError) Is(target error) bool {
	return target == ErrClassNotFound
}

// MissingDependencyError is returned when a module exists in the package but one of
// the modules it requires cannot be resolved.
type MissingDependencyError struct {
	Module     string
	Dependency string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("module %q requires missing module %q", e.Module, e.Dependency)
}

// Unwrap exposes the underlying class-not-found error.
func (e *MissingDependencyError) Unwrap() error {
	return &ClassNotFoundError{Name: e.Dependency}
}

// ModuleError wraps a failure raised while executing a module's code.
type ModuleError struct {
	Module string
	Err    error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %q: %v", e.Module, e.Err)
}

func (e *ModuleError) Unwrap() error {
	return e.Err
}

// ErrorKind classifies plugin runtime errors.
type ErrorKind string

const (
	KindUnknown    ErrorKind = "unknown"
	KindValidation ErrorKind = "validation"
	KindResource   ErrorKind = "resource"
	KindFatal      ErrorKind = "fatal"
	KindNotFound   ErrorKind = "not_found"
)

// KindOf maps an error returned by this package to its category.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrMissingManifest),
		errors.Is(err, ErrInvalidManifest),
		errors.Is(err, ErrMissingKey),
		errors.Is(err, ErrNoPluginFound),
		errors.Is(err, ErrMultiplePluginsFound),
		errors.Is(err, ErrInvalidKey):
		return KindValidation
	case errors.Is(err, ErrPluginNotFound),
		errors.Is(err, ErrMethodNotFound),
		errors.Is(err, ErrResourceNotFound):
		return KindNotFound
	case errors.Is(err, ErrUninstallFailed):
		return KindFatal
	case errors.Is(err, ErrPackageUnreadable),
		errors.Is(err, ErrInstantiationFailed),
		errors.Is(err, ErrClassNotFound),
		errors.Is(err, ErrLoaderClosed):
		return KindResource
	}

	var modErr *ModuleError
	if errors.As(err, &modErr) {
		return KindResource
	}
	return KindUnknown
}
