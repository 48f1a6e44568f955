package plugins

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Discoverer finds the single entry point of a package.
type Discoverer struct {
	suffix string
	log    *logrus.Logger
}

// NewDiscoverer creates a discoverer that accepts marked modules whose last name
// segment ends in PluginSuffix.
func NewDiscoverer(log *logrus.Logger) *Discoverer {
	if log == nil {
		log = logrus.New()
	}
	return &Discoverer{suffix: PluginSuffix, log: log}
}

// Discover loads every module in the package and returns the one entry point.
// Entries that cannot be required by name and modules that fail only because a
// module they require is absent are skipped; any other load failure aborts
// discovery.
func (d *Discoverer) Discover(loader IsolatedLoader) (*Type, error) {
	var candidates []*Type

	for _, entry := range loader.Entries() {
		if !strings.HasSuffix(entry, ModuleExt) {
			continue
		}

		name := ModuleName(entry)
		// files like lib/json.min.lua cannot be reached by require
		if ModuleEntry(name) != entry {
			d.log.WithField("entry", entry).Debug("Skipping entry that is not addressable as a module")
			continue
		}

		t, err := loader.Load(name)
		if err != nil {
			var missing *MissingDependencyError
			if errors.As(err, &missing) {
				d.log.WithFields(logrus.Fields{
					"module":     missing.Module,
					"dependency": missing.Dependency,
				}).Debug("Skipping module with missing dependency")
				continue
			}
			return nil, fmt.Errorf("failed to load module %s: %w", name, err)
		}

		if t.IsPlugin() && strings.HasSuffix(t.SimpleName(), d.suffix) {
			candidates = append(candidates, t)
		}
	}

	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w in %s", ErrNoPluginFound, loader.Path())
	case 1:
		return candidates[0], nil
	default:
		names := make([]string, len(candidates))
		for i, c := range candidates {
			names[i] = c.Name
		}
		return nil, fmt.Errorf("%w in %s: %s", ErrMultiplePluginsFound, loader.Path(), strings.Join(names, ", "))
	}
}
