//go:build !windows

// internal/symlink/symlink_other.go
package symlink

import (
	"fmt"
	"os"
)

// createLink creates the OS-level symlink. On POSIX systems any failure is
// fatal; there is no fallback mechanism.
func createLink(link, absTarget string, _ bool) error {
	if err := os.Symlink(absTarget, link); err != nil {
		return fmt.Errorf("create symlink %s -> %s: %w", link, absTarget, err)
	}
	return nil
}
