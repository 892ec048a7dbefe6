// Package layout owns the working directory set the node processor expects
// to find under the project root.
package layout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Relative directories the processor reads from and writes to.
const (
	NodesDir  = "nodes"
	OutputDir = "hb/output"
	BackupDir = "hb/backup"
	LogsDir   = "hb/logs"
)

// DefaultDirs is the working directory set created on every launch.
var DefaultDirs = []string{NodesDir, OutputDir, BackupDir, LogsDir}

const dirMode = 0o755

// ErrEscapesRoot is returned for a directory that is absolute or leaves the
// project root.
var ErrEscapesRoot = errors.New("directory escapes project root")

// Layout is a set of directories relative to a project root.
type Layout struct {
	root string
	dirs []string
}

// DirResult reports what Ensure did for one directory.
type DirResult struct {
	Path    string `json:"path" yaml:"path"`
	Created bool   `json:"created" yaml:"created"`
}

// New validates dirs and returns a Layout rooted at root. Duplicate entries
// collapse to one.
func New(root string, dirs []string) (*Layout, error) {
	if root == "" {
		return nil, errors.New("layout: empty project root")
	}
	seen := make(map[string]bool, len(dirs))
	clean := make([]string, 0, len(dirs))
	for _, d := range dirs {
		c, err := cleanRel(d)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			continue
		}
		seen[c] = true
		clean = append(clean, c)
	}
	return &Layout{root: root, dirs: clean}, nil
}

// Root returns the project root.
func (l *Layout) Root() string { return l.root }

// Dirs returns the relative directories in declaration order.
func (l *Layout) Dirs() []string { return append([]string(nil), l.dirs...) }

// Path returns the absolute location of a relative directory.
func (l *Layout) Path(rel string) string {
	return filepath.Join(l.root, filepath.FromSlash(rel))
}

// Ensure creates every directory, including parents. Existing directories
// are left alone; re-running Ensure never fails because of them.
func (l *Layout) Ensure() ([]DirResult, error) {
	results := make([]DirResult, 0, len(l.dirs))
	for _, rel := range l.dirs {
		p := l.Path(rel)
		existed, err := isDir(p)
		if err != nil {
			return results, err
		}
		if !existed {
			if err := os.MkdirAll(p, dirMode); err != nil {
				return results, fmt.Errorf("creating %s: %w", rel, err)
			}
		}
		results = append(results, DirResult{Path: rel, Created: !existed})
	}
	return results, nil
}

// Missing lists the directories that do not exist yet.
func (l *Layout) Missing() ([]string, error) {
	var missing []string
	for _, rel := range l.dirs {
		ok, err := isDir(l.Path(rel))
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, rel)
		}
	}
	return missing, nil
}

func isDir(p string) (bool, error) {
	st, err := os.Stat(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("stat %s: %w", p, err)
	case !st.IsDir():
		return false, fmt.Errorf("%s exists and is not a directory", p)
	}
	return true, nil
}

func cleanRel(d string) (string, error) {
	d = strings.TrimSpace(filepath.ToSlash(d))
	if d == "" {
		return "", errors.New("layout: empty directory entry")
	}
	c := filepath.ToSlash(filepath.Clean(filepath.FromSlash(d)))
	if filepath.IsAbs(filepath.FromSlash(c)) || strings.HasPrefix(d, "/") || c == ".." || strings.HasPrefix(c, "../") || c == "." {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, d)
	}
	return c, nil
}
