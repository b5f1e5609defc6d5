// Package projects locates project source directories on the editing
// platform's data volume.
package projects

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/stacklok/gitbridge/internal/validators"
)

// ErrNotFound is returned when no source directory exists for a project.
var ErrNotFound = errors.New("project not found")

// Resolver maps project ids to source directories below a root.
type Resolver struct {
	root string
}

// NewResolver creates a Resolver for the directory holding all projects.
func NewResolver(root string) *Resolver {
	return &Resolver{root: root}
}

// Root returns the directory holding all projects.
func (r *Resolver) Root() string {
	return r.root
}

// SourceDir returns the source directory of a project.
//
// The directory named exactly after the project wins. Otherwise the
// lexicographically first directory named "<projectID>-<suffix>" is used,
// since compile directories are commonly suffixed with a user id.
func (r *Resolver) SourceDir(projectID string) (string, error) {
	if err := validators.ValidateProjectID(projectID); err != nil {
		return "", err
	}

	direct := filepath.Join(r.root, projectID)
	info, err := os.Stat(direct)
	switch {
	case err == nil && info.IsDir():
		return direct, nil
	case err == nil:
		return "", fmt.Errorf("%w: %s is not a directory", ErrNotFound, projectID)
	case !errors.Is(err, fs.ErrNotExist):
		return "", fmt.Errorf("failed to stat project directory: %w", err)
	}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to list projects directory: %w", err)
	}

	prefix := projectID + "-"
	var candidates []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) {
			candidates = append(candidates, entry.Name())
		}
	}
	if len(candidates) == 0 {
		return "", ErrNotFound
	}

	sort.Strings(candidates)
	if len(candidates) > 1 {
		slog.Warn("Multiple source directories match project, using the first",
			"project_id", projectID,
			"chosen", candidates[0],
			"candidates", len(candidates))
	}
	return filepath.Join(r.root, candidates[0]), nil
}
