// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyFile_Overrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
workspace: /data/checkpoints
link_root: /srv/public
keep_count: 9
ignore_names:
  - .secret
  - credentials.json
skip_symlinks: true
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := &Config{Workspace: "/default", KeepCount: 5, IgnoreNames: []string{".env"}}
	if err := cfg.applyFile(path); err != nil {
		t.Fatalf("applyFile failed: %v", err)
	}

	if cfg.Workspace != "/data/checkpoints" {
		t.Errorf("Workspace = %q", cfg.Workspace)
	}
	if cfg.LinkRoot != "/srv/public" {
		t.Errorf("LinkRoot = %q", cfg.LinkRoot)
	}
	if cfg.KeepCount != 9 {
		t.Errorf("KeepCount = %d", cfg.KeepCount)
	}
	if len(cfg.IgnoreNames) != 2 || cfg.IgnoreNames[0] != ".secret" {
		t.Errorf("IgnoreNames = %v", cfg.IgnoreNames)
	}
	if !cfg.SkipSymlinks {
		t.Error("SkipSymlinks not applied")
	}
}

func TestApplyFile_PartialOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("keep_count: 0\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := &Config{Workspace: "/default", KeepCount: 5, IgnoreNames: []string{".env"}}
	if err := cfg.applyFile(path); err != nil {
		t.Fatalf("applyFile failed: %v", err)
	}

	if cfg.Workspace != "/default" {
		t.Errorf("Workspace changed to %q", cfg.Workspace)
	}
	// keep_count: 0 is an explicit value, not an omission.
	if cfg.KeepCount != 0 {
		t.Errorf("KeepCount = %d, want 0", cfg.KeepCount)
	}
	if len(cfg.IgnoreNames) != 1 {
		t.Errorf("IgnoreNames = %v", cfg.IgnoreNames)
	}
}

func TestApplyFile_Malformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("{not yaml"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := &Config{}
	if err := cfg.applyFile(path); err == nil {
		t.Error("applyFile accepted malformed YAML")
	}
}
