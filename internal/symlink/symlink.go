// internal/symlink/symlink.go
package symlink

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Options controls link creation behavior.
type Options struct {
	// Overwrite removes whatever currently occupies the link path
	// (file, directory or stale symlink) before linking.
	Overwrite bool
	// MakeParents creates missing parent directories of the link path.
	MakeParents bool
	// JunctionFallback creates a directory junction on Windows when
	// symlink creation is not permitted and the target is a directory.
	JunctionFallback bool
}

// DefaultOptions returns the options used by the storage layer: no
// overwrite, parents created, junction fallback enabled.
func DefaultOptions() Options {
	return Options{MakeParents: true, JunctionFallback: true}
}

// Create places a symbolic link at link pointing to target. The target is
// resolved to an absolute path first so later resolution checks compare
// equal. Calling Create twice with the same arguments is a no-op: if the
// existing link already resolves to target, it returns nil.
//
// When something else occupies the link path, Create fails with an error
// wrapping fs.ErrExist unless opts.Overwrite is set.
func Create(link, target string, opts Options) error {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve target %s: %w", target, err)
	}

	if _, lerr := os.Lstat(link); lerr == nil {
		if resolvesTo(link, absTarget) {
			return nil
		}
		if !opts.Overwrite {
			return fmt.Errorf("link path %s already occupied: %w", link, fs.ErrExist)
		}
		if err := os.RemoveAll(link); err != nil {
			return fmt.Errorf("remove existing %s: %w", link, err)
		}
	}

	if opts.MakeParents {
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return fmt.Errorf("create parent dirs for %s: %w", link, err)
		}
	}

	return createLink(link, absTarget, opts.JunctionFallback)
}

// Replace is Create with overwrite semantics, used for pointers that are
// repointed on every write (the per-session "latest" link).
func Replace(link, target string) error {
	return Create(link, target, Options{Overwrite: true, MakeParents: true, JunctionFallback: true})
}

// resolvesTo reports whether link is a live symlink (or junction) whose
// fully resolved path equals the resolved target.
func resolvesTo(link, absTarget string) bool {
	resolvedLink, err := filepath.EvalSymlinks(link)
	if err != nil {
		return false
	}
	resolvedTarget, err := filepath.EvalSymlinks(absTarget)
	if err != nil {
		resolvedTarget = absTarget
	}
	return resolvedLink == resolvedTarget
}
