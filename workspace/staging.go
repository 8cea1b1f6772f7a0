// Package workspace stages the files of a preview instance into a working
// directory on local disk and tears it down afterwards.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Staging materializes per-instance working directories under a common root.
type Staging struct {
	root string
}

// NewStaging creates a Staging rooted at root, creating the directory if
// needed.
func NewStaging(root string) (*Staging, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "previewd")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Staging{root: root}, nil
}

// Materialize writes the given files into a fresh directory and returns its
// path. File names are relative paths inside the workspace; names that
// escape the workspace are rejected.
func (s *Staging) Materialize(files map[string][]byte) (string, error) {
	dir := filepath.Join(s.root, uuid.New().String())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}

	for name, contents := range files {
		path := filepath.Join(dir, name)
		// Guard against directory traversal in user-supplied names.
		if !strings.HasPrefix(path, filepath.Clean(dir)+string(os.PathSeparator)) {
			os.RemoveAll(dir)
			return "", fmt.Errorf("illegal file path: %s", name)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(path, contents, 0644); err != nil {
			os.RemoveAll(dir)
			return "", fmt.Errorf("failed to write %s: %w", name, err)
		}
	}

	return dir, nil
}

// Destroy removes a previously materialized workspace. Paths outside the
// staging root are left alone.
func (s *Staging) Destroy(dir string) error {
	if dir == "" {
		return nil
	}
	cleaned := filepath.Clean(dir)
	if !strings.HasPrefix(cleaned, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return fmt.Errorf("refusing to destroy path outside workspace root: %s", dir)
	}
	return os.RemoveAll(cleaned)
}
