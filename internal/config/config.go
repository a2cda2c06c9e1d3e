// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds resolved application paths and storage policies.
type Config struct {
	HomeDir    string
	WaldiezDir string
	// Workspace is the checkpoint storage root.
	Workspace string
	// LinkRoot is where finalize places the public checkpoint view.
	// Empty means cwd/waldiez_out.
	LinkRoot string
	// KeepCount is the retention policy applied by cleanup.
	KeepCount int
	// IgnoreNames are never copied into a checkpoint during finalize.
	IgnoreNames []string
	// SkipSymlinks replaces public-view symlinks with full copies.
	SkipSymlinks bool
}

// fileConfig is the YAML shape of the optional config file.
type fileConfig struct {
	Workspace    string   `yaml:"workspace"`
	LinkRoot     string   `yaml:"link_root"`
	KeepCount    *int     `yaml:"keep_count"`
	IgnoreNames  []string `yaml:"ignore_names"`
	SkipSymlinks bool     `yaml:"skip_symlinks"`
}

// Load creates a Config with resolved defaults, applying overrides from
// ~/.waldiez/config.yaml when it exists.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	waldiezDir := filepath.Join(home, ".waldiez")
	if err := os.MkdirAll(waldiezDir, 0755); err != nil {
		return nil, err
	}

	cfg := &Config{
		HomeDir:     home,
		WaldiezDir:  waldiezDir,
		Workspace:   filepath.Join(waldiezDir, "checkpoints"),
		KeepCount:   5,
		IgnoreNames: []string{".cache", ".env"},
	}

	path := filepath.Join(waldiezDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyFile merges overrides from a YAML config file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Workspace != "" {
		c.Workspace = fc.Workspace
	}
	if fc.LinkRoot != "" {
		c.LinkRoot = fc.LinkRoot
	}
	if fc.KeepCount != nil {
		c.KeepCount = *fc.KeepCount
	}
	if len(fc.IgnoreNames) > 0 {
		c.IgnoreNames = fc.IgnoreNames
	}
	if fc.SkipSymlinks {
		c.SkipSymlinks = true
	}
	return nil
}
