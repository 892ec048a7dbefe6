// Package paths resolves the project root the launcher operates on.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ResolveRoot returns the absolute project root. An explicit value wins;
// otherwise the root is the parent of the directory holding the launcher
// binary (bin/launcher → project/).
func ResolveRoot(explicit string) (string, error) {
	return resolveRoot(explicit, os.Executable)
}

func resolveRoot(explicit string, executable func() (string, error)) (string, error) {
	if v := strings.TrimSpace(explicit); v != "" {
		abs, err := filepath.Abs(v)
		if err != nil {
			return "", fmt.Errorf("resolving project root %q: %w", v, err)
		}
		return abs, nil
	}

	exe, err := executable()
	if err != nil {
		return "", fmt.Errorf("locating launcher executable: %w", err)
	}
	// Best effort: a dangling symlink still has a usable path.
	if real, err := filepath.EvalSymlinks(exe); err == nil {
		exe = real
	}
	abs, err := filepath.Abs(exe)
	if err != nil {
		return "", fmt.Errorf("resolving executable path %q: %w", exe, err)
	}
	return filepath.Dir(filepath.Dir(abs)), nil
}
