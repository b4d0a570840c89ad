package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Manifest describes a process to build: the executable image, its startup
// strings, the namespace it sees, and where shared objects are resolved from.
type Manifest struct {
	Name       string      `yaml:"name"`
	Executable string      `yaml:"executable"`
	Args       []string    `yaml:"args"`
	Env        []string    `yaml:"env"`
	Namespace  []MountSpec `yaml:"namespace"`

	// LibDirs are searched in order by the loader service when the
	// executable names a dynamic linker.
	LibDirs []string `yaml:"lib_dirs"`

	Timeout Duration `yaml:"timeout"`
}

// MountSpec is one namespace mount point.
type MountSpec struct {
	Path string `yaml:"path"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func loadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Executable == "" {
		return nil, fmt.Errorf("manifest has no executable")
	}
	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(m.Executable), filepath.Ext(m.Executable))
	}
	for _, mount := range m.Namespace {
		if mount.Path == "" || mount.Path[0] != '/' {
			return nil, fmt.Errorf("namespace path %q is not absolute", mount.Path)
		}
	}
	// Paths in the manifest are relative to the manifest file.
	base := filepath.Dir(path)
	if !filepath.IsAbs(m.Executable) {
		m.Executable = filepath.Join(base, m.Executable)
	}
	for i, dir := range m.LibDirs {
		if !filepath.IsAbs(dir) {
			m.LibDirs[i] = filepath.Join(base, dir)
		}
	}
	return &m, nil
}
