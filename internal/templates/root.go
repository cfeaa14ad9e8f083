package templates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Root confines file-backed notification templates to one directory.
type Root struct {
	dir string
}

// NewRoot canonicalizes dir, which must exist and be a directory, so symlinks
// and ".." segments cannot be used to escape it later.
func NewRoot(dir string) (*Root, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("templates: root directory required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("templates: resolve root: %w", err)
	}
	abs, err = filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: eval root symlinks: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("templates: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("templates: root %q is not a directory", abs)
	}
	return &Root{dir: abs}, nil
}

func (r *Root) Dir() string { return r.dir }

// Resolve returns the canonical location of path inside the root. Relative
// paths are joined to the root; absolute paths must already point inside it.
func (r *Root) Resolve(path string) (string, error) {
	if r == nil {
		return "", errors.New("templates: root is nil")
	}
	cleaned := filepath.Clean(path)
	if cleaned == "." || cleaned == "" {
		return r.dir, nil
	}
	if !filepath.IsAbs(cleaned) {
		cleaned = filepath.Join(r.dir, cleaned)
	}
	evaluated, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		if !r.contains(cleaned) {
			return "", fmt.Errorf("templates: path %q escapes root", path)
		}
		return "", fmt.Errorf("templates: resolve %q: %w", path, err)
	}
	if !r.contains(evaluated) {
		return "", fmt.Errorf("templates: path %q escapes root", path)
	}
	return evaluated, nil
}

func (r *Root) contains(candidate string) bool {
	dir := r.dir
	if runtime.GOOS == "windows" {
		dir = strings.ToLower(dir)
		candidate = strings.ToLower(candidate)
	}
	if dir == candidate {
		return true
	}
	if !strings.HasSuffix(dir, string(os.PathSeparator)) {
		dir += string(os.PathSeparator)
	}
	return strings.HasPrefix(candidate, dir)
}
