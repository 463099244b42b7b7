// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// APIVersion is the extension API the host implements. Manifests may
// constrain it with api-version.
const APIVersion = "1.2.0"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name         string          `yaml:"name" json:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version      string          `yaml:"version" json:"version" jsonschema:"minLength=1"`
	APIVersion   string          `yaml:"api-version,omitempty" json:"api-version,omitempty"`
	Namespace    string          `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	BindTo       string          `yaml:"bind-to,omitempty" json:"bind-to,omitempty"`
	MetricsID    int             `yaml:"metrics-id,omitempty" json:"metrics-id,omitempty" jsonschema:"minimum=0"`
	Capabilities []string        `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Extensions   []ExtensionSpec `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	Configs      []ConfigSpec    `yaml:"configs,omitempty" json:"configs,omitempty"`
}

// ExtensionSpec declares one Lua-scripted extension.
type ExtensionSpec struct {
	Name    string   `yaml:"name" json:"name" jsonschema:"pattern=^[a-z][a-z0-9_-]*$"`
	Script  string   `yaml:"script" json:"script" jsonschema:"minLength=1"`
	Depends []string `yaml:"depends,omitempty" json:"depends,omitempty"`
	Bind    string   `yaml:"bind,omitempty" json:"bind,omitempty"`
	Threads int      `yaml:"threads,omitempty" json:"threads,omitempty" jsonschema:"minimum=0"`
}

// ConfigSpec declares a mapped YAML configuration file.
type ConfigSpec struct {
	Name string `yaml:"name" json:"name" jsonschema:"minLength=1"`
	File string `yaml:"file" json:"file" jsonschema:"minLength=1"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

var extensionPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.Code("MANIFEST_INVALID").Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, oops.Code("MANIFEST_INVALID").Wrapf(err, "invalid YAML")
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return invalid(m.Name, "name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return invalid(m.Name, "name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return invalid(m.Name, "version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return invalid(m.Name, "version %q is not semver: %v", m.Version, err)
	}
	if err := m.CheckAPIVersion(); err != nil {
		return err
	}
	if m.MetricsID < 0 {
		return invalid(m.Name, "metrics-id cannot be negative")
	}

	seen := make(map[string]bool, len(m.Extensions))
	for i, ext := range m.Extensions {
		if !extensionPattern.MatchString(ext.Name) {
			return invalid(m.Name, "extensions[%d]: name %q must match %s", i, ext.Name, extensionPattern)
		}
		if seen[ext.Name] {
			return invalid(m.Name, "extensions[%d]: duplicate extension %q", i, ext.Name)
		}
		seen[ext.Name] = true
		if ext.Script == "" {
			return invalid(m.Name, "extensions[%d]: script is required", i)
		}
		if ext.Threads < 0 {
			return invalid(m.Name, "extensions[%d]: threads cannot be negative", i)
		}
	}

	configs := make(map[string]bool, len(m.Configs))
	for i, c := range m.Configs {
		if c.Name == "" || c.File == "" {
			return invalid(m.Name, "configs[%d]: name and file are required", i)
		}
		if configs[c.Name] {
			return invalid(m.Name, "configs[%d]: duplicate config %q", i, c.Name)
		}
		configs[c.Name] = true
	}

	return nil
}

// CheckAPIVersion reports whether the host's APIVersion satisfies the
// manifest's api-version constraint. An empty constraint accepts any host.
func (m *Manifest) CheckAPIVersion() error {
	if m.APIVersion == "" {
		return nil
	}
	c, err := semver.NewConstraint(m.APIVersion)
	if err != nil {
		return invalid(m.Name, "api-version %q is not a valid constraint: %v", m.APIVersion, err)
	}
	host := semver.MustParse(APIVersion)
	if !c.Check(host) {
		return oops.Code("MANIFEST_API_MISMATCH").
			With("plugin", m.Name).
			With("api_version", m.APIVersion).
			With("host_api", APIVersion).
			Errorf("plugin requires api %s, host provides %s", m.APIVersion, APIVersion)
	}
	return nil
}

// TypeID returns the qualified extension type for a declared extension
// or dependency. Names without a '.' are local to this plugin.
func (m *Manifest) TypeID(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return m.Name + "." + name
}

func invalid(name, format string, args ...any) error {
	return oops.Code("MANIFEST_INVALID").With("plugin", name).Errorf(format, args...)
}
