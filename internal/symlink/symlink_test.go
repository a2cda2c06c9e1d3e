// internal/symlink/symlink_test.go
package symlink

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestCreate_Idempotent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("mkdir target: %v", err)
	}
	link := filepath.Join(dir, "link")

	if err := Create(link, target, DefaultOptions()); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if err := Create(link, target, DefaultOptions()); err != nil {
		t.Fatalf("second Create failed: %v", err)
	}

	resolved, err := filepath.EvalSymlinks(link)
	if err != nil {
		t.Fatalf("resolve link: %v", err)
	}
	want, _ := filepath.EvalSymlinks(target)
	if resolved != want {
		t.Errorf("link resolves to %q, want %q", resolved, want)
	}
}

func TestCreate_OccupiedWithoutOverwrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("mkdir target: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.WriteFile(link, []byte("occupied"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	err := Create(link, target, DefaultOptions())
	if !errors.Is(err, fs.ErrExist) {
		t.Errorf("Create over occupied path = %v, want fs.ErrExist", err)
	}
}

func TestCreate_OccupiedWithOverwrite(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("mkdir target: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Mkdir(link, 0755); err != nil {
		t.Fatalf("mkdir occupying dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(link, "file"), []byte("x"), 0644); err != nil {
		t.Fatalf("write nested file: %v", err)
	}

	opts := DefaultOptions()
	opts.Overwrite = true
	if err := Create(link, target, opts); err != nil {
		t.Fatalf("Create with overwrite failed: %v", err)
	}

	fi, err := os.Lstat(link)
	if err != nil {
		t.Fatalf("lstat link: %v", err)
	}
	if fi.Mode()&fs.ModeSymlink == 0 {
		t.Error("link path is not a symlink after overwrite")
	}
}

func TestCreate_StaleLinkReplaced(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("mkdir target: %v", err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(filepath.Join(dir, "gone"), link); err != nil {
		t.Fatalf("create stale link: %v", err)
	}

	if err := Create(link, target, DefaultOptions()); !errors.Is(err, fs.ErrExist) {
		t.Errorf("Create over stale link = %v, want fs.ErrExist", err)
	}
	if err := Replace(link, target); err != nil {
		t.Fatalf("Replace over stale link failed: %v", err)
	}
}

func TestCreate_MakeParents(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "target")
	if err := os.Mkdir(target, 0755); err != nil {
		t.Fatalf("mkdir target: %v", err)
	}
	link := filepath.Join(dir, "a", "b", "link")

	if err := Create(link, target, DefaultOptions()); err != nil {
		t.Fatalf("Create with missing parents failed: %v", err)
	}
	if _, err := filepath.EvalSymlinks(link); err != nil {
		t.Errorf("resolve link: %v", err)
	}
}
