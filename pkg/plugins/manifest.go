package plugins

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFiles are the package entries searched for a manifest, in order.
var ManifestFiles = []string{"plugin.json", "plugin.yaml", "plugin.yml"}

// Manifest describes a plugin package.
type Manifest struct {
	Key         string                 `yaml:"key" json:"key"`
	Hook        string                 `yaml:"hook,omitempty" json:"hook,omitempty"`
	Name        string                 `yaml:"name,omitempty" json:"name,omitempty"`
	Version     string                 `yaml:"version,omitempty" json:"version,omitempty"`
	Description string                 `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string                 `yaml:"author,omitempty" json:"author,omitempty"`
	Config      map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`

	// ReplaceTargetID is set by install when a forced install supersedes the
	// record currently holding Hook. It is never read from the package.
	ReplaceTargetID string `yaml:"-" json:"replaceTargetId,omitempty"`
}

// ParseManifest decodes the manifest read from the entry name. Files ending in
// .json are decoded as JSON, anything else as YAML.
func ParseManifest(name string, data []byte) (*Manifest, error) {
	var manifest Manifest
	var err error
	if strings.HasSuffix(name, ".json") {
		err = json.Unmarshal(data, &manifest)
	} else {
		err = yaml.Unmarshal(data, &manifest)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidManifest, name, err)
	}

	manifest.ReplaceTargetID = ""

	manifest.Key = strings.TrimSpace(manifest.Key)
	manifest.Hook = strings.TrimSpace(manifest.Hook)
	if manifest.Key == "" {
		return nil, ErrMissingKey
	}

	return &manifest, nil
}

// ReadManifest reads the manifest from a loaded package.
func ReadManifest(loader IsolatedLoader) (*Manifest, error) {
	for _, name := range ManifestFiles {
		rc, err := loader.OpenResource(name)
		if errors.Is(err, ErrResourceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		return ParseManifest(name, data)
	}

	return nil, ErrMissingManifest
}
