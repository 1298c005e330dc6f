// Package archive materializes bundle revisions from their sources and persists the
// per-bundle records the framework restores on restart.
package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/bundlehost/resolver"
)

// Static errors for archive package
var (
	ErrManifestNotFound      = errors.New("bundle manifest not found")
	ErrManifestInvalid       = errors.New("bundle manifest is invalid")
	ErrUnsupportedFormat     = errors.New("unsupported manifest format")
	ErrUnsupportedSource     = errors.New("unsupported bundle source")
	ErrUnknownMemoryLocation = errors.New("no in-memory bundle registered for location")
	ErrRecordNotFound        = errors.New("bundle record not found")
	ErrUnsafeArchivePath     = errors.New("archive entry escapes extraction root")
)

// ManifestFiles lists the file names searched for at the root of a bundle, in order.
var ManifestFiles = []string{"manifest.yaml", "manifest.yml", "manifest.toml"}

// Manifest describes a bundle.
type Manifest struct {
	SymbolicName string                 `yaml:"symbolic_name" toml:"symbolic_name" json:"symbolicName"`
	Name         string                 `yaml:"name,omitempty" toml:"name" json:"name,omitempty"`
	Version      string                 `yaml:"version,omitempty" toml:"version" json:"version,omitempty"`
	Description  string                 `yaml:"description,omitempty" toml:"description" json:"description,omitempty"`
	Activator    string                 `yaml:"activator,omitempty" toml:"activator" json:"activator,omitempty"`
	Provides     []resolver.Capability  `yaml:"provides,omitempty" toml:"provides" json:"provides,omitempty"`
	Requires     []resolver.Requirement `yaml:"requires,omitempty" toml:"requires" json:"requires,omitempty"`
	Headers      map[string]string      `yaml:"headers,omitempty" toml:"headers" json:"headers,omitempty"`
}

// Validate checks the fields the framework relies on.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.SymbolicName) == "" {
		return fmt.Errorf("%w: symbolic_name is required", ErrManifestInvalid)
	}
	if _, err := resolver.Canonical(m.Version); err != nil {
		return fmt.Errorf("%w: %w", ErrManifestInvalid, err)
	}
	for _, c := range m.Provides {
		if c.Namespace == "" || c.Name == "" {
			return fmt.Errorf("%w: capability needs namespace and name", ErrManifestInvalid)
		}
		if _, err := resolver.Canonical(c.Version); err != nil {
			return fmt.Errorf("%w: capability %s: %w", ErrManifestInvalid, c.Name, err)
		}
	}
	for _, r := range m.Requires {
		if r.Namespace == "" || r.Name == "" {
			return fmt.Errorf("%w: requirement needs namespace and name", ErrManifestInvalid)
		}
		if _, err := resolver.ParseRange(r.Range); err != nil {
			return fmt.Errorf("%w: requirement %s: %w", ErrManifestInvalid, r.Name, err)
		}
	}
	return nil
}

// Capabilities returns the capabilities the bundle provides, including the implicit
// "bundle" capability named after its symbolic name.
func (m Manifest) Capabilities() []resolver.Capability {
	caps := make([]resolver.Capability, 0, len(m.Provides)+1)
	caps = append(caps, resolver.Capability{Namespace: "bundle", Name: m.SymbolicName, Version: m.Version})
	return append(caps, m.Provides...)
}

// ParseManifest decodes manifest data. format is "yaml", "yml" or "toml".
func ParseManifest(data []byte, format string) (Manifest, error) {
	var m Manifest
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return m, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}
	case "toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return m, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}
	default:
		return m, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err := m.Validate(); err != nil {
		return m, err
	}
	return m, nil
}

// LoadManifestFile reads and parses a manifest file, picking the format by extension.
func LoadManifestFile(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return Manifest{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	return ParseManifest(data, filepath.Ext(path))
}

// FindManifest loads the first manifest present at the root of dir.
func FindManifest(dir string) (Manifest, error) {
	for _, name := range ManifestFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadManifestFile(path)
		}
	}
	return Manifest{}, fmt.Errorf("%w: %s", ErrManifestNotFound, dir)
}
