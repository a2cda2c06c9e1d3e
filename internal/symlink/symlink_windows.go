//go:build windows

// internal/symlink/symlink_windows.go
package symlink

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/windows"
)

// createLink creates the OS-level symlink. Unprivileged Windows processes
// cannot create symlinks unless Developer Mode is enabled, so for directory
// targets we fall back to a junction, which needs no privilege.
func createLink(link, absTarget string, junctionFallback bool) error {
	err := os.Symlink(absTarget, link)
	if err == nil {
		return nil
	}

	info, statErr := os.Stat(absTarget)
	if junctionFallback && statErr == nil && info.IsDir() {
		// mklink is a cmd.exe builtin, not a standalone executable.
		out, jerr := exec.Command("cmd", "/c", "mklink", "/J", link, absTarget).CombinedOutput()
		if jerr == nil {
			return nil
		}
		return fmt.Errorf("create junction %s -> %s: %v (%s)", link, absTarget, jerr, out)
	}

	if errors.Is(err, windows.ERROR_PRIVILEGE_NOT_HELD) {
		return fmt.Errorf("create symlink %s -> %s: %w (enable Developer Mode or run elevated to allow symlink creation)", link, absTarget, err)
	}
	return fmt.Errorf("create symlink %s -> %s: %w", link, absTarget, err)
}
